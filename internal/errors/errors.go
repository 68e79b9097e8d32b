package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"
)

// GatewayError is the structured envelope returned to clients whenever the
// gateway itself answers instead of a downstream service.
type GatewayError struct {
	Status     int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Service    string `json:"service,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	Details    string `json:"details,omitempty"`
	Stack      string `json:"stack,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the envelope. Server-side failures (5xx) always carry a
// timestamp; Retry-After is mirrored into the response header when set.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	out := *e
	if out.Timestamp == "" && out.Status >= 500 {
		out.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if out.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(out.RetryAfter))
	}
	w.WriteHeader(out.Status)
	json.NewEncoder(w).Encode(&out)
}

// Common errors
var (
	ErrNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: "The requested resource does not exist",
	}

	ErrTooManyRequests = &GatewayError{
		Status:  http.StatusTooManyRequests,
		Code:    "RATE_LIMIT_EXCEEDED",
		Message: "Too many requests, please try again later",
	}

	ErrCircuitOpen = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Code:    "CIRCUIT_OPEN",
		Message: "Service temporarily unavailable, please retry later",
	}

	ErrServiceUnavailable = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: "Service unreachable",
	}

	ErrGatewayTimeout = &GatewayError{
		Status:  http.StatusGatewayTimeout,
		Code:    "DOWNSTREAM_TIMEOUT",
		Message: "Service did not respond in time",
	}

	ErrDownstreamReset = &GatewayError{
		Status:  http.StatusBadGateway,
		Code:    "DOWNSTREAM_RESET",
		Message: "Connection to service was reset",
	}

	ErrBadGateway = &GatewayError{
		Status:  http.StatusBadGateway,
		Code:    "BAD_GATEWAY",
		Message: "Invalid response from service",
	}

	ErrForwardingFailure = &GatewayError{
		Status:  http.StatusBadGateway,
		Code:    "FORWARDING_FAILURE",
		Message: "Failed to forward request body",
	}

	ErrConfiguration = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Code:    "CONFIGURATION_ERROR",
		Message: "Service is not configured correctly",
	}

	ErrInvalidJSON = &GatewayError{
		Status:  http.StatusBadRequest,
		Code:    "INVALID_JSON",
		Message: "Request body is not valid JSON",
	}

	ErrPayloadTooLarge = &GatewayError{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    "PAYLOAD_TOO_LARGE",
		Message: "Request body too large",
	}

	ErrInternal = &GatewayError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: "Internal server error",
	}
)

// New creates a new GatewayError
func New(status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a client-facing envelope.
func Wrap(err error, status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:     status,
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

func (e *GatewayError) clone() *GatewayError {
	c := *e
	return &c
}

// WithCause attaches the underlying error without exposing it to clients.
func (e *GatewayError) WithCause(err error) *GatewayError {
	c := e.clone()
	c.underlying = err
	return c
}

// WithMessage replaces the human readable message.
func (e *GatewayError) WithMessage(msg string) *GatewayError {
	c := e.clone()
	c.Message = msg
	return c
}

// WithDetails adds details to the error
func (e *GatewayError) WithDetails(details string) *GatewayError {
	c := e.clone()
	c.Details = details
	return c
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	c := e.clone()
	c.RequestID = requestID
	return c
}

// WithRetryAfter sets the retry hint in seconds.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	c := e.clone()
	c.RetryAfter = seconds
	return c
}

// WithService names the downstream the error relates to.
func (e *GatewayError) WithService(name string) *GatewayError {
	c := e.clone()
	c.Service = name
	return c
}

// At pins the timestamp instead of stamping at write time.
func (e *GatewayError) At(t time.Time) *GatewayError {
	c := e.clone()
	c.Timestamp = t.UTC().Format(time.RFC3339Nano)
	return c
}

// WithDebug exposes the underlying error and the current stack. Only used
// when the gateway runs in development mode.
func (e *GatewayError) WithDebug() *GatewayError {
	c := e.clone()
	if c.underlying != nil {
		c.Details = c.underlying.Error()
	}
	c.Stack = string(debug.Stack())
	return c
}

// IsGatewayError checks if an error is a GatewayError
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
