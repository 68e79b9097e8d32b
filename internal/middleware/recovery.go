package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/kelmah/gateway/internal/errors"
	"github.com/kelmah/gateway/internal/logging"
	"go.uber.org/zap"
)

// Recovery converts handler panics into a 500 envelope. The panic value
// and stack are only returned to the client when debug is true.
func Recovery(debugMode bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				stack := debug.Stack()
				logging.Error("Panic recovered",
					zap.Any("error", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", RequestIDFromContext(r.Context())),
					zap.ByteString("stack", stack),
				)

				gwErr := errors.ErrInternal.WithRequestID(RequestIDFromContext(r.Context()))
				if debugMode {
					gwErr = gwErr.WithDetails(fmt.Sprintf("panic: %v", rec))
					gwErr.Stack = string(stack)
				}
				gwErr.WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
