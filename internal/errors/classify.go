package errors

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"syscall"
)

// Kind is the failure class of a downstream call that produced no response.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindRefused
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRefused:
		return "refused"
	case KindReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Envelope returns the client-facing error for the kind.
func (k Kind) Envelope() *GatewayError {
	switch k {
	case KindTimeout:
		return ErrGatewayTimeout
	case KindRefused:
		return ErrServiceUnavailable
	case KindReset:
		return ErrDownstreamReset
	default:
		return ErrBadGateway
	}
}

// Classify maps a transport error onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return KindRefused
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.EHOSTUNREACH) ||
		stderrors.Is(err, syscall.ENETUNREACH) {
		return KindRefused
	}

	if stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.EPIPE) ||
		stderrors.Is(err, syscall.ECONNABORTED) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, io.EOF) {
		return KindReset
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) && opErr.Op == "dial" {
		return KindRefused
	}
	return KindUnknown
}
