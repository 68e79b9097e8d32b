package middleware

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"remote addr", "192.168.1.1:12345", nil, "192.168.1.1"},
		{"remote without port", "192.168.1.1", nil, "192.168.1.1"},
		{"forwarded for ignored", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, "10.0.0.1"},
		{"real ip ignored", "10.0.0.1:1", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCallerKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.1:12345"

	if got := CallerKey(req); got != "ip:192.168.1.1" {
		t.Errorf("anonymous key = %q", got)
	}

	req = req.WithContext(WithPrincipal(req.Context(), Principal{ID: "u-42"}))
	if got := CallerKey(req); got != "user:u-42" {
		t.Errorf("authenticated key = %q", got)
	}

	// Stable across requests from the same caller
	if CallerKey(req) != CallerKey(req) {
		t.Error("key not deterministic")
	}
}

func TestPrincipalWithoutIDIsAnonymous(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithPrincipal(req.Context(), Principal{Email: "x@example.com"}))
	if _, ok := PrincipalFromContext(req.Context()); ok {
		t.Error("principal without id must not count as authenticated")
	}
}
