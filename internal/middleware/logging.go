package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/kelmah/gateway/internal/logging"
	"go.uber.org/zap"
)

var statusWriterPool = sync.Pool{
	New: func() any { return &StatusWriter{} },
}

// AccessLogConfig configures the access log middleware
type AccessLogConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// AccessLog emits one structured line per request through the global logger.
func AccessLog(cfg AccessLogConfig) Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := statusWriterPool.Get().(*StatusWriter)
			sw.reset(w)

			next.ServeHTTP(sw, r)

			// Backed by a stack array so the common case does not allocate.
			var buf [11]zap.Field
			fields := append(buf[:0],
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("remote_addr", ClientIP(r)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.Status()),
				zap.Int64("body_bytes", sw.BytesWritten()),
				zap.Duration("response_time", time.Since(start)),
			)
			if r.URL.RawQuery != "" {
				fields = append(fields, zap.String("query", r.URL.RawQuery))
			}
			if svc := sw.Header().Get("X-Served-By"); svc != "" {
				fields = append(fields, zap.String("service", svc))
			}
			if p, ok := PrincipalFromContext(r.Context()); ok {
				fields = append(fields, zap.String("user_id", p.ID))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}

			logging.Info("HTTP request", fields...)

			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)
		})
	}
}

// StatusWriter wraps http.ResponseWriter to capture status and bytes
type StatusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

// NewStatusWriter wraps w.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	sw := &StatusWriter{}
	sw.reset(w)
	return sw
}

func (sw *StatusWriter) reset(w http.ResponseWriter) {
	sw.ResponseWriter = w
	sw.status = http.StatusOK
	sw.bytes = 0
	sw.wroteHeader = false
}

func (sw *StatusWriter) WriteHeader(status int) {
	if !sw.wroteHeader {
		sw.status = status
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *StatusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (sw *StatusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *StatusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Status returns the recorded status code
func (sw *StatusWriter) Status() int {
	return sw.status
}

// BytesWritten returns the number of bytes written
func (sw *StatusWriter) BytesWritten() int64 {
	return sw.bytes
}
