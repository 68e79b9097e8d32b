package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kelmah/gateway/internal/circuitbreaker"
	"github.com/kelmah/gateway/internal/config"
	"github.com/kelmah/gateway/internal/middleware"
	"github.com/kelmah/gateway/internal/registry"
)

func newRegistry(t *testing.T, name, rawURL string, threshold int) (*registry.Registry, *registry.Entry) {
	t.Helper()
	svc, err := registry.ParseService(config.ServiceConfig{Name: name, URL: rawURL}, "/api/health")
	if err != nil {
		t.Fatalf("ParseService: %v", err)
	}
	reg := registry.New()
	entry := reg.Register(svc, config.CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     time.Minute,
	})
	return reg, entry
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rr.Body.String())
	}
	return body
}

func TestProxyForwardsRequest(t *testing.T) {
	var got *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer backend.Close()

	reg, _ := newRegistry(t, "payment", backend.URL, 5)
	p := New(Config{Registry: reg, Timeout: time.Second})
	h := p.Handler(TargetFromConfig(config.RouteConfig{
		Prefix:       "/api/payments",
		Service:      "payment",
		TargetPrefix: "/api",
		Rewrites:     []config.RewriteConfig{{From: "/methods", To: "/payment-methods"}},
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/payments/methods?limit=5", nil)
	req.Header.Set("Connection", "keep-alive, X-Drop")
	req.Header.Set("X-Drop", "1")
	req.Header.Set("X-Keep", "1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.URL.Path != "/api/payment-methods" {
		t.Errorf("expected normalized path, got %s", got.URL.Path)
	}
	if got.URL.RawQuery != "limit=5" {
		t.Errorf("expected query to be preserved, got %q", got.URL.RawQuery)
	}
	if got.Header.Get("X-Keep") != "1" {
		t.Error("expected end-to-end header to be forwarded")
	}
	if got.Header.Get("X-Drop") != "" {
		t.Error("expected connection-listed header to be removed")
	}
	if got.Header.Get("X-Forwarded-Proto") != "http" || got.Header.Get("X-Forwarded-For") == "" {
		t.Errorf("expected forwarded headers, got %v", got.Header)
	}
	if got.ContentLength != 0 {
		t.Errorf("GET must carry no body, got length %d", got.ContentLength)
	}

	if rr.Header().Get(HeaderServedBy) != "payment" {
		t.Errorf("expected X-Served-By payment, got %q", rr.Header().Get(HeaderServedBy))
	}
	if rr.Header().Get(HeaderServiceHealth) != "healthy" {
		t.Errorf("expected healthy label, got %q", rr.Header().Get(HeaderServiceHealth))
	}
	if rr.Header().Get("X-Backend") != "yes" {
		t.Error("expected backend headers to be copied")
	}
	if rr.Body.String() != `{"ok":true}` {
		t.Errorf("unexpected body %q", rr.Body.String())
	}
}

func TestProxyOpenBreakerSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer backend.Close()

	reg, entry := newRegistry(t, "svc-a", backend.URL, 3)
	for i := 0; i < 3; i++ {
		entry.Breaker.RecordFailure()
	}
	if entry.Breaker.State() != circuitbreaker.StateOpen {
		t.Fatal("expected breaker to be open")
	}

	p := New(Config{Registry: reg})
	rr := httptest.NewRecorder()
	p.Handler(Target{Service: "svc-a"}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/anything", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	body := decodeEnvelope(t, rr)
	if body["error"] != "CIRCUIT_OPEN" {
		t.Errorf("expected CIRCUIT_OPEN, got %v", body["error"])
	}
	if body["timestamp"] == nil {
		t.Error("expected timestamp")
	}
	if ra, err := strconv.Atoi(rr.Header().Get("Retry-After")); err != nil || ra < 1 || ra > 60 {
		t.Errorf("unexpected Retry-After %q", rr.Header().Get("Retry-After"))
	}
	if hits.Load() != 0 {
		t.Errorf("expected no network call, got %d", hits.Load())
	}
}

func TestProxyReemitsParsedBody(t *testing.T) {
	type received struct {
		length   int64
		raw      []byte
		identity string
	}
	var rec received
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.length = r.ContentLength
		rec.raw, _ = io.ReadAll(r.Body)
		rec.identity = r.Header.Get(DefaultIdentityHeader)
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	reg, _ := newRegistry(t, "job", backend.URL, 5)
	p := New(Config{Registry: reg, Timeout: time.Second})
	h := middleware.ParseJSONBody(middleware.BodyConfig{MaxBytes: 1 << 20, Sanitize: true})(
		p.Handler(Target{Service: "job", Prefix: "/api/jobs", TargetPrefix: "/api/jobs"}),
	)

	payload := `{"title":"Fix <roof> & gutters","budget":12345678901234567890,"tags":["a","b"],"nested":{"ok":true},"$where":"x"}`
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if rec.length != int64(len(rec.raw)) {
		t.Errorf("content length %d does not match body %d", rec.length, len(rec.raw))
	}

	var sent, got map[string]any
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	dec.Decode(&sent)
	delete(sent, "$where")
	dec = json.NewDecoder(strings.NewReader(string(rec.raw)))
	dec.UseNumber()
	if err := dec.Decode(&got); err != nil {
		t.Fatalf("downstream got invalid JSON: %v", err)
	}
	for k, v := range sent {
		gb, _ := json.Marshal(got[k])
		sb, _ := json.Marshal(v)
		if string(gb) != string(sb) {
			t.Errorf("field %s: got %s, want %s", k, gb, sb)
		}
	}
	if _, ok := got["$where"]; ok {
		t.Error("sanitized key reached the downstream")
	}
	if rec.identity != "" {
		t.Error("anonymous request must not carry identity")
	}
}

func TestProxyGetAndHeadNeverCarryBody(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			var length atomic.Int64
			var bodyLen atomic.Int64
			var contentLength atomic.Value
			backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				length.Store(r.ContentLength)
				raw, _ := io.ReadAll(r.Body)
				bodyLen.Store(int64(len(raw)))
				contentLength.Store(r.Header.Get("Content-Length"))
				w.WriteHeader(http.StatusOK)
			}))
			defer backend.Close()

			reg, _ := newRegistry(t, "job", backend.URL, 5)
			p := New(Config{Registry: reg, Timeout: time.Second})

			req := httptest.NewRequest(method, "/api/jobs/42", nil)
			req.Header.Set("Content-Type", "application/json")
			req = req.WithContext(middleware.WithParsedBody(req.Context(), map[string]any{"title": "stale"}))
			rr := httptest.NewRecorder()
			p.Handler(Target{Service: "job", Prefix: "/api/jobs", TargetPrefix: "/api/jobs"}).ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
			}
			if length.Load() != 0 || bodyLen.Load() != 0 {
				t.Errorf("downstream saw content length %d and %d body bytes", length.Load(), bodyLen.Load())
			}
			if cl, _ := contentLength.Load().(string); cl != "" && cl != "0" {
				t.Errorf("unexpected Content-Length header %q", cl)
			}
		})
	}
}

func TestProxyStreamsUnparsedBody(t *testing.T) {
	var raw []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ = io.ReadAll(r.Body)
	}))
	defer backend.Close()

	reg, _ := newRegistry(t, "messaging", backend.URL, 5)
	p := New(Config{Registry: reg, Timeout: time.Second})

	req := httptest.NewRequest(http.MethodPut, "/upload", strings.NewReader("plain text"))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	p.Handler(Target{Service: "messaging"}).ServeHTTP(rr, req)

	if string(raw) != "plain text" {
		t.Errorf("expected raw body to stream through, got %q", raw)
	}
}

func TestProxyForwardsIdentity(t *testing.T) {
	var identity []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity = r.Header.Values(DefaultIdentityHeader)
	}))
	defer backend.Close()

	reg, _ := newRegistry(t, "user", backend.URL, 5)
	h := New(Config{Registry: reg, Timeout: time.Second}).Handler(Target{Service: "user"})

	// spoofed header without an authenticated principal
	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set(DefaultIdentityHeader, `{"id":"admin","role":"admin"}`)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if len(identity) != 0 {
		t.Fatalf("client-supplied identity must be stripped, got %v", identity)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set(DefaultIdentityHeader, `{"id":"admin","role":"admin"}`)
	req = req.WithContext(middleware.WithPrincipal(req.Context(), middleware.Principal{ID: "u1", Email: "a@b.c", Role: "worker"}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if len(identity) != 1 {
		t.Fatalf("expected one identity header, got %v", identity)
	}
	var p middleware.Principal
	if err := json.Unmarshal([]byte(identity[0]), &p); err != nil {
		t.Fatalf("identity header is not JSON: %v", err)
	}
	if p.ID != "u1" || p.Role != "worker" || p.Email != "a@b.c" {
		t.Errorf("unexpected principal %+v", p)
	}
}

func TestProxyServerErrorsCountAgainstBreaker(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "boom")
	}))
	defer backend.Close()

	reg, entry := newRegistry(t, "job", backend.URL, 2)
	h := New(Config{Registry: reg, Timeout: time.Second}).Handler(Target{Service: "job"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rr.Code != http.StatusInternalServerError || rr.Body.String() != "boom" {
		t.Fatalf("expected downstream 500 to pass through, got %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(HeaderServiceHealth) != "healthy" {
		t.Errorf("expected healthy after one failure, got %q", rr.Header().Get(HeaderServiceHealth))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rr.Header().Get(HeaderServiceHealth) != "unhealthy" {
		t.Errorf("expected unhealthy once open, got %q", rr.Header().Get(HeaderServiceHealth))
	}
	if entry.Breaker.State() != circuitbreaker.StateOpen {
		t.Errorf("expected open, got %s", entry.Breaker.State())
	}
}

func TestProxyClientErrorsCountAsSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	reg, entry := newRegistry(t, "user", backend.URL, 1)
	h := New(Config{Registry: reg, Timeout: time.Second}).Handler(Target{Service: "user"})
	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	}
	if entry.Breaker.State() != circuitbreaker.StateClosed {
		t.Errorf("4xx must not open the breaker, got %s", entry.Breaker.State())
	}
}

func TestProxyTimeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	reg, entry := newRegistry(t, "slow", backend.URL, 5)
	h := New(Config{Registry: reg, Timeout: 50 * time.Millisecond}).Handler(Target{Service: "slow"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
	body := decodeEnvelope(t, rr)
	if body["error"] != "DOWNSTREAM_TIMEOUT" {
		t.Errorf("expected DOWNSTREAM_TIMEOUT, got %v", body["error"])
	}
	if _, leaked := body["stack"]; leaked {
		t.Error("stack must not leak outside development mode")
	}
	if entry.Breaker.HealthMetrics().FailureCount != 1 {
		t.Error("expected timeout to be recorded as a failure")
	}
}

func TestProxyConnectionRefused(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := backend.URL
	backend.Close()

	reg, _ := newRegistry(t, "gone", addr, 5)
	rr := httptest.NewRecorder()
	New(Config{Registry: reg, Timeout: time.Second}).Handler(Target{Service: "gone"}).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if body := decodeEnvelope(t, rr); body["error"] != "SERVICE_UNAVAILABLE" || body["service"] != "gone" {
		t.Errorf("unexpected envelope %v", body)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestProxyConnectionReset(t *testing.T) {
	reg, _ := newRegistry(t, "flaky", "http://flaky.internal", 5)
	p := New(Config{
		Registry: reg,
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, io.ErrUnexpectedEOF
		}),
		Debug: true,
	})

	rr := httptest.NewRecorder()
	p.Handler(Target{Service: "flaky"}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	body := decodeEnvelope(t, rr)
	if body["error"] != "DOWNSTREAM_RESET" {
		t.Errorf("expected DOWNSTREAM_RESET, got %v", body["error"])
	}
	if body["details"] == nil || body["stack"] == nil {
		t.Error("development mode should expose details and stack")
	}
}

func TestProxyClientDisconnectNotRecorded(t *testing.T) {
	reg, entry := newRegistry(t, "svc", "http://svc.internal", 1)
	p := New(Config{
		Registry: reg,
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return nil, r.Context().Err()
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/x", nil).WithContext(ctx)
	p.Handler(Target{Service: "svc"}).ServeHTTP(httptest.NewRecorder(), req)

	if entry.Breaker.State() != circuitbreaker.StateClosed {
		t.Errorf("client disconnect must not open the breaker, got %s", entry.Breaker.State())
	}
	if fc := entry.Breaker.HealthMetrics().FailureCount; fc != 0 {
		t.Errorf("expected no recorded failure, got %d", fc)
	}
}

func TestProxyForwardingFailure(t *testing.T) {
	var called atomic.Bool
	reg, _ := newRegistry(t, "svc", "http://svc.internal", 5)
	p := New(Config{
		Registry: reg,
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			called.Store(true)
			return nil, errors.New("unreachable")
		}),
	})

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req = req.WithContext(middleware.WithParsedBody(req.Context(), map[string]any{"bad": make(chan int)}))
	rr := httptest.NewRecorder()
	p.Handler(Target{Service: "svc"}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if body := decodeEnvelope(t, rr); body["error"] != "FORWARDING_FAILURE" {
		t.Errorf("expected FORWARDING_FAILURE, got %v", body["error"])
	}
	if called.Load() {
		t.Error("request must not be sent after a forwarding failure")
	}
}

func TestProxyUnknownService(t *testing.T) {
	p := New(Config{Registry: registry.New()})
	rr := httptest.NewRecorder()
	p.Handler(Target{Service: "ghost"}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if body := decodeEnvelope(t, rr); body["error"] != "CONFIGURATION_ERROR" {
		t.Errorf("expected CONFIGURATION_ERROR, got %v", body["error"])
	}
}

func TestConfigErrorHandler(t *testing.T) {
	p := New(Config{Registry: registry.New()})
	h := p.ConfigErrorHandler("payment", errors.New("url is empty"))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/payments", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		body := decodeEnvelope(t, rr)
		if body["error"] != "CONFIGURATION_ERROR" || body["service"] != "payment" {
			t.Errorf("unexpected envelope %v", body)
		}
		if _, leaked := body["details"]; leaked {
			t.Error("cause must not leak outside development mode")
		}
	}
}
