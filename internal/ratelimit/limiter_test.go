package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/kelmah/gateway/internal/config"
	"github.com/kelmah/gateway/internal/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	store := NewMemoryStore(0, WithMemoryClock(clk.Now))
	l := NewLimiter(store, PoliciesFromConfig(config.DefaultRateLimits()), WithClock(clk.Now))
	t.Cleanup(func() { l.Close() })
	return l, clk
}

func TestLimiterFirstNAllowed(t *testing.T) {
	for name, rl := range config.DefaultRateLimits() {
		t.Run(name, func(t *testing.T) {
			l, _ := newTestLimiter(t)
			ctx := context.Background()

			for i := 1; i <= rl.Max; i++ {
				d, err := l.Admit(ctx, name, "ip:1.1.1.1")
				require.NoError(t, err)
				require.True(t, d.Allowed, "request %d should be allowed", i)
				assert.Equal(t, rl.Max-i, d.Remaining)
			}

			d, err := l.Admit(ctx, name, "ip:1.1.1.1")
			require.NoError(t, err)
			assert.False(t, d.Allowed, "request %d should be denied", rl.Max+1)
			assert.LessOrEqual(t, d.RetryAfter, rl.Window)
			assert.LessOrEqual(t, d.RetryAfterSeconds(), int(rl.Window.Seconds()))
		})
	}
}

func TestLimiterWindowReset(t *testing.T) {
	l, clk := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		l.Admit(ctx, config.PolicySearch, "ip:1.1.1.1")
	}
	d, _ := l.Admit(ctx, config.PolicySearch, "ip:1.1.1.1")
	require.False(t, d.Allowed)

	clk.Advance(time.Minute)
	d, err := l.Admit(ctx, config.PolicySearch, "ip:1.1.1.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

func TestLimiterKeysAndPoliciesIsolated(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Admit(ctx, config.PolicyPayment, "user:a")
	}
	d, _ := l.Admit(ctx, config.PolicyPayment, "user:a")
	assert.False(t, d.Allowed)

	d, _ = l.Admit(ctx, config.PolicyPayment, "user:b")
	assert.True(t, d.Allowed, "other key unaffected")

	d, _ = l.Admit(ctx, config.PolicyMessaging, "user:a")
	assert.True(t, d.Allowed, "other policy unaffected")
}

func TestLimiterScenarioSearch(t *testing.T) {
	l, clk := newTestLimiter(t)
	ctx := context.Background()

	var last Decision
	for i := 0; i < 31; i++ {
		clk.Advance(time.Second)
		d, err := l.Admit(ctx, config.PolicySearch, "ip:9.9.9.9")
		require.NoError(t, err)
		last = d
		if i < 30 {
			require.True(t, d.Allowed, "request %d", i+1)
		}
	}
	assert.False(t, last.Allowed)
	assert.Greater(t, last.RetryAfterSeconds(), 0)
	assert.LessOrEqual(t, last.RetryAfterSeconds(), 60)
	assert.Equal(t, 30, last.RetryAfterSeconds(), "window anchored at first request, 30s elapsed")
}

func TestLimiterUnknownPolicy(t *testing.T) {
	l, _ := newTestLimiter(t)
	d, err := l.Admit(context.Background(), "nope", "k")
	assert.Error(t, err)
	assert.True(t, d.Allowed)
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (Window, error) {
	return Window{}, errors.New("down")
}
func (failingStore) Decrement(context.Context, string) error { return errors.New("down") }
func (failingStore) Close() error                            { return nil }

func TestLimiterFailsOpen(t *testing.T) {
	l := NewLimiter(failingStore{}, PoliciesFromConfig(config.DefaultRateLimits()))
	d, err := l.Admit(context.Background(), config.PolicyAuth, "k")
	assert.Error(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiterSetPolicies(t *testing.T) {
	l, _ := newTestLimiter(t)
	l.SetPolicies(map[string]*Policy{"tiny": {Name: "tiny", Window: time.Minute, Max: 1}})

	_, ok := l.Policy(config.PolicyGeneral)
	assert.False(t, ok)

	d, _ := l.Admit(context.Background(), "tiny", "k")
	assert.True(t, d.Allowed)
	d, _ = l.Admit(context.Background(), "tiny", "k")
	assert.False(t, d.Allowed)
}

func okHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

func fixed(name string) func(*http.Request) string {
	return func(*http.Request) string { return name }
}

func TestMiddlewareDeniesWith429(t *testing.T) {
	l, _ := newTestLimiter(t)
	h := l.Middleware(fixed(config.PolicyPayment))(okHandler(http.StatusOK))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/api/payments", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "5", rr.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(4-i), rr.Header().Get("X-RateLimit-Remaining"))
	}

	req := httptest.NewRequest("POST", "/api/payments", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "300", rr.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"])
	assert.Equal(t, float64(300), body["retryAfter"])
	assert.NotEmpty(t, body["message"])

	// Different client is unaffected
	req = httptest.NewRequest("POST", "/api/payments", nil)
	req.RemoteAddr = "192.168.1.2:12345"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMiddlewareKeysOnPrincipal(t *testing.T) {
	l, _ := newTestLimiter(t)
	h := l.Middleware(fixed(config.PolicyPayment))(okHandler(http.StatusOK))

	send := func(ip string) int {
		req := httptest.NewRequest("POST", "/api/payments", nil)
		req.RemoteAddr = ip + ":1"
		req = req.WithContext(middleware.WithPrincipal(req.Context(), middleware.Principal{ID: "u-1"}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	// Same user from changing addresses shares one window
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, send("10.0.0."+strconv.Itoa(i)))
	}
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.99"))
}

func TestMiddlewareSkipPaths(t *testing.T) {
	l, _ := newTestLimiter(t)
	l.SetPolicies(map[string]*Policy{
		"general": {Name: "general", Window: time.Minute, Max: 1, SkipPaths: []string{"/health"}},
	})
	h := l.Middleware(fixed("general"))(okHandler(http.StatusOK))

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMiddlewareSkipIf(t *testing.T) {
	l, _ := newTestLimiter(t)
	l.SetPolicies(map[string]*Policy{
		"general": {Name: "general", Window: time.Minute, Max: 1, SkipIf: func(r *http.Request) bool {
			return r.Header.Get("X-Internal") == "1"
		}},
	})
	h := l.Middleware(fixed("general"))(okHandler(http.StatusOK))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/x", nil)
		req.Header.Set("X-Internal", "1")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	}
}

func TestMiddlewareSkipSuccessful(t *testing.T) {
	l, _ := newTestLimiter(t)
	status := http.StatusOK
	h := l.Middleware(fixed(config.PolicyAuth))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	send := func() int {
		req := httptest.NewRequest("POST", "/api/auth/login", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	// Successful logins never count
	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, send())
	}

	// Five failures exhaust the policy
	status = http.StatusUnauthorized
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusUnauthorized, send())
	}
	assert.Equal(t, http.StatusTooManyRequests, send())
}

func TestMiddlewareFailsOpen(t *testing.T) {
	l := NewLimiter(failingStore{}, PoliciesFromConfig(config.DefaultRateLimits()))
	h := l.Middleware(fixed(config.PolicyPayment))(okHandler(http.StatusOK))

	for i := 0; i < 10; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/payments", nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}
}

type cancelAwareStore struct {
	Store
	sawCanceled bool
}

func (s *cancelAwareStore) Increment(ctx context.Context, key string, window time.Duration) (Window, error) {
	if ctx.Err() != nil {
		s.sawCanceled = true
		return Window{}, ctx.Err()
	}
	return s.Store.Increment(ctx, key, window)
}

func TestLimiterCountsAfterCallerCancels(t *testing.T) {
	store := &cancelAwareStore{Store: NewMemoryStore(0)}
	l := NewLimiter(store, PoliciesFromConfig(config.DefaultRateLimits()))
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := l.Admit(ctx, config.PolicySearch, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
	assert.False(t, store.sawCanceled, "store must not see the caller's cancellation")
}

func TestLimiterWithKeyFunc(t *testing.T) {
	l := NewLimiter(NewMemoryStore(0), PoliciesFromConfig(map[string]config.RateLimitConfig{
		"tight": {Window: time.Minute, Max: 1},
	}), WithKeyFunc(func(r *http.Request) string { return "tenant:" + r.Header.Get("X-Tenant") }))
	defer l.Close()

	h := l.Middleware(fixed("tight"))(okHandler(http.StatusOK))
	send := func(tenant string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Tenant", tenant)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, send("a"))
	assert.Equal(t, http.StatusTooManyRequests, send("a"))
	assert.Equal(t, http.StatusOK, send("b"), "keys come from the configured key func")
}
