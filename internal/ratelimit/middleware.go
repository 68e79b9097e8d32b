package ratelimit

import (
	"context"
	"net/http"
	"strconv"

	"github.com/kelmah/gateway/internal/errors"
	"github.com/kelmah/gateway/internal/logging"
	"github.com/kelmah/gateway/internal/middleware"
	"go.uber.org/zap"
)

// Middleware admits requests under the policy chosen by resolve. Denied
// requests get a 429 envelope; store failures let the request through.
func (l *Limiter) Middleware(resolve func(*http.Request) string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy := resolve(r)
			d, err := l.AdmitRequest(r, policy)
			if err != nil {
				logging.Warn("admission check failed, allowing request",
					zap.String("policy", policy),
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
			}
			if d.Skipped || d.Policy == nil {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Policy.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(l.now().Add(d.RetryAfter).Unix(), 10))

			if !d.Allowed {
				logging.Debug("admission denied",
					zap.String("policy", d.Policy.Name),
					zap.String("path", r.URL.Path),
					zap.Int64("count", d.Count),
				)
				errors.ErrTooManyRequests.
					WithMessage(d.Policy.message()).
					WithRetryAfter(d.RetryAfterSeconds()).
					WithRequestID(middleware.RequestIDFromContext(r.Context())).
					WriteJSON(w)
				return
			}

			if !d.Policy.SkipSuccessful {
				next.ServeHTTP(w, r)
				return
			}

			sw := middleware.NewStatusWriter(w)
			next.ServeHTTP(sw, r)
			if sw.Status() < http.StatusBadRequest {
				if err := l.Release(context.WithoutCancel(r.Context()), d); err != nil {
					logging.Warn("failed to release admission count", zap.String("policy", d.Policy.Name), zap.Error(err))
				}
			}
		})
	}
}
