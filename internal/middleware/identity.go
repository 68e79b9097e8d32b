package middleware

import (
	"context"
	"net/http"
)

// Principal is the caller identity established by an authentication stage
// in front of the proxy. The gateway never verifies credentials itself.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

type principalKey struct{}

// WithPrincipal stores an authenticated principal on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ID != ""
}

// ClientIP returns the address resolved by RealIP, or the connection's
// remote address when that stage has not run. Forwarding headers are
// never read here.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r.RemoteAddr)
}

// CallerKey identifies the caller for admission counting: the principal id
// when authenticated, the client address otherwise.
func CallerKey(r *http.Request) string {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		return "user:" + p.ID
	}
	return "ip:" + ClientIP(r)
}
