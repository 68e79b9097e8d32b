package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/kelmah/gateway/internal/errors"
	"github.com/kelmah/gateway/internal/logging"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// BodyConfig configures the JSON body parsing stage
type BodyConfig struct {
	MaxBytes int64
	Sanitize bool
}

type parsedBodyKey struct{}

type parsedBody struct {
	value any
}

// WithParsedBody records a decoded request body on the context. Handlers
// further down must treat the original request stream as consumed.
func WithParsedBody(ctx context.Context, v any) context.Context {
	return context.WithValue(ctx, parsedBodyKey{}, &parsedBody{value: v})
}

// ParsedBodyFromContext returns the decoded body, if a parsing stage ran.
func ParsedBodyFromContext(ctx context.Context) (any, bool) {
	pb, ok := ctx.Value(parsedBodyKey{}).(*parsedBody)
	if !ok {
		return nil, false
	}
	return pb.value, true
}

// ParseJSONBody decodes JSON request bodies, rejects malformed or oversized
// ones, strips operator-style keys and leaves the decoded value on the
// context. Non-JSON bodies stream through untouched.
func ParseJSONBody(cfg BodyConfig) Middleware {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil || r.Body == http.NoBody || !isJSON(r.Header.Get("Content-Type")) {
				next.ServeHTTP(w, r)
				return
			}

			reqID := RequestIDFromContext(r.Context())
			if r.ContentLength > cfg.MaxBytes {
				errors.ErrPayloadTooLarge.WithRequestID(reqID).WriteJSON(w)
				return
			}

			data, err := io.ReadAll(io.LimitReader(r.Body, cfg.MaxBytes+1))
			r.Body.Close()
			if err != nil {
				errors.ErrInvalidJSON.WithMessage("Failed to read request body").WithRequestID(reqID).WriteJSON(w)
				return
			}
			if int64(len(data)) > cfg.MaxBytes {
				errors.ErrPayloadTooLarge.WithRequestID(reqID).WriteJSON(w)
				return
			}
			if len(bytes.TrimSpace(data)) == 0 {
				r.Body = http.NoBody
				r.ContentLength = 0
				next.ServeHTTP(w, r)
				return
			}
			if !gjson.ValidBytes(data) {
				errors.ErrInvalidJSON.WithRequestID(reqID).WriteJSON(w)
				return
			}

			dec := json.NewDecoder(bytes.NewReader(data))
			dec.UseNumber()
			var v any
			if err := dec.Decode(&v); err != nil {
				errors.ErrInvalidJSON.WithRequestID(reqID).WriteJSON(w)
				return
			}

			if cfg.Sanitize {
				if removed := Sanitize(v); removed > 0 {
					logging.Debug("removed unsafe keys from request body",
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Int("removed", removed),
						zap.String("request_id", reqID),
					)
				}
			}

			r.Body = http.NoBody
			next.ServeHTTP(w, r.WithContext(WithParsedBody(r.Context(), v)))
		})
	}
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// Sanitize removes object keys that start with '$' or contain '.', at any
// depth, and returns how many were removed.
func Sanitize(v any) int {
	removed := 0
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if strings.HasPrefix(k, "$") || strings.Contains(k, ".") {
				delete(t, k)
				removed++
				continue
			}
			removed += Sanitize(child)
		}
	case []any:
		for _, child := range t {
			removed += Sanitize(child)
		}
	}
	return removed
}
