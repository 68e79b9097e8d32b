package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kelmah/gateway/internal/config"
)

// CORS answers preflight requests for allowed origins and tags responses
// with the matching Access-Control headers. Requests without an Origin
// header pass through untouched.
func CORS(cfg config.CORSConfig) Middleware {
	h := newCORSHandler(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.isPreflight(r) {
				h.preflight(w, r)
				return
			}
			h.apply(w, r)
			next.ServeHTTP(w, r)
		})
	}
}

type corsHandler struct {
	allowOrigins     []string
	allowAll         bool
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
}

func newCORSHandler(cfg config.CORSConfig) *corsHandler {
	h := &corsHandler{
		allowOrigins:     cfg.AllowOrigins,
		allowCredentials: cfg.AllowCredentials,
		allowMethods:     "GET, POST, PUT, DELETE, PATCH, OPTIONS",
		allowHeaders:     "Content-Type, Authorization, X-Request-ID",
		exposeHeaders:    "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After, X-Served-By, X-Service-Health",
		maxAge:           "86400",
	}
	if len(cfg.AllowMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	}
	if len(cfg.AllowHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	}
	if len(cfg.ExposeHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}
	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			h.allowAll = true
			break
		}
	}
	return h
}

func (h *corsHandler) isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Origin") != "" && r.Header.Get("Access-Control-Request-Method") != ""
}

func (h *corsHandler) preflight(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")

	origin := r.Header.Get("Origin")
	if !h.allowed(origin) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	hdr.Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	hdr.Set("Access-Control-Allow-Methods", h.allowMethods)
	hdr.Set("Access-Control-Allow-Headers", h.allowHeaders)
	if h.allowCredentials {
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
	hdr.Set("Access-Control-Max-Age", h.maxAge)
	w.WriteHeader(http.StatusNoContent)
}

func (h *corsHandler) apply(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !h.allowed(origin) {
		return
	}

	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	if h.allowCredentials {
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
	if h.exposeHeaders != "" {
		hdr.Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
	hdr.Add("Vary", "Origin")
}

// responseOrigin echoes the caller's origin; a literal "*" is only sent
// when credentials are off, since browsers reject it otherwise.
func (h *corsHandler) responseOrigin(origin string) string {
	if h.allowAll && !h.allowCredentials {
		return "*"
	}
	return origin
}

func (h *corsHandler) allowed(origin string) bool {
	if h.allowAll {
		return true
	}
	for _, allowed := range h.allowOrigins {
		if allowed == origin {
			return true
		}
		// *.example.com
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	return false
}
