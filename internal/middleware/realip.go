package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/kelmah/gateway/internal/config"
)

type clientIPKey struct{}

// RealIP resolves the caller address. Forwarding headers are only read
// when the connection itself comes from a trusted proxy, and the
// X-Forwarded-For chain is walked right to left so a client cannot pick
// its own address by prepending entries.
type RealIP struct {
	trusted []*net.IPNet
}

// NewRealIP compiles the trusted proxy list. With no entries every
// request is keyed on its connection address.
func NewRealIP(cidrs []string) (*RealIP, error) {
	nets, err := config.ParseCIDRs(cidrs)
	if err != nil {
		return nil, err
	}
	return &RealIP{trusted: nets}, nil
}

// Extract returns the client address for r.
func (ri *RealIP) Extract(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	if ri == nil || len(ri.trusted) == 0 || !ri.isTrusted(remote) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := ri.walkXFF(xff); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	return remote
}

// walkXFF returns the rightmost entry that is not a trusted proxy, or the
// leftmost one when every hop is trusted.
func (ri *RealIP) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		if !ri.isTrusted(ip) {
			if net.ParseIP(ip) == nil {
				return ""
			}
			return ip
		}
	}
	return strings.TrimSpace(parts[0])
}

func (ri *RealIP) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range ri.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware stores the resolved address on the request context, where
// ClientIP and CallerKey read it.
func (ri *RealIP) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientIPKey{}, ri.Extract(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerKey is CallerKey with the address resolved through ri, for use
// where the middleware has not run.
func (ri *RealIP) CallerKey(r *http.Request) string {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		return "user:" + p.ID
	}
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return "ip:" + ip
	}
	return "ip:" + ri.Extract(r)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
