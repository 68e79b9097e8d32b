package middleware

import (
	"net/http"

	"github.com/kelmah/gateway/internal/config"
)

type headerPair struct {
	name  string
	value string
}

// SecurityHeaders sets hardening headers on every response before the
// handler runs, so downstream services may still override them.
func SecurityHeaders(cfg config.SecurityHeadersConfig) Middleware {
	pairs := compileSecurityHeaders(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, p := range pairs {
				h.Set(p.name, p.value)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func compileSecurityHeaders(cfg config.SecurityHeadersConfig) []headerPair {
	var pairs []headerPair
	add := func(name, value, def string) {
		if value == "" {
			value = def
		}
		if value == "" || value == "-" {
			return
		}
		pairs = append(pairs, headerPair{name, value})
	}

	add("X-Content-Type-Options", cfg.XContentTypeOptions, "nosniff")
	add("X-Frame-Options", cfg.XFrameOptions, "SAMEORIGIN")
	add("Referrer-Policy", cfg.ReferrerPolicy, "no-referrer")
	add("Strict-Transport-Security", cfg.StrictTransportSecurity, "max-age=15552000; includeSubDomains")
	add("Cross-Origin-Opener-Policy", cfg.CrossOriginOpenerPolicy, "same-origin")
	add("Content-Security-Policy", cfg.ContentSecurityPolicy, "")
	add("X-DNS-Prefetch-Control", "", "off")
	for name, value := range cfg.CustomHeaders {
		add(name, value, "")
	}
	return pairs
}
