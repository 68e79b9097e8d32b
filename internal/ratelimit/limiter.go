package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/kelmah/gateway/internal/metrics"
	"github.com/kelmah/gateway/internal/middleware"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Skipped    bool
	Policy     *Policy
	Count      int64
	Remaining  int
	RetryAfter time.Duration // time until the window resets
	storeKey   string
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter applies named policies against a counter store.
type Limiter struct {
	store    Store
	policies atomic.Pointer[map[string]*Policy]
	keyFunc  func(*http.Request) string
	metrics  *metrics.Collector
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithKeyFunc overrides caller key derivation.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(l *Limiter) { l.keyFunc = fn }
}

// WithMetrics records decisions on the collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithClock replaces time.Now for reset headers.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter over store.
func NewLimiter(store Store, policies map[string]*Policy, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		keyFunc: middleware.CallerKey,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.SetPolicies(policies)
	return l
}

// SetPolicies swaps the policy table. Counters already in the store are
// kept; a changed window applies from the next window.
func (l *Limiter) SetPolicies(policies map[string]*Policy) {
	cp := make(map[string]*Policy, len(policies))
	for k, v := range policies {
		cp[k] = v
	}
	l.policies.Store(&cp)
}

// Policy returns the named policy.
func (l *Limiter) Policy(name string) (*Policy, bool) {
	p, ok := (*l.policies.Load())[name]
	return p, ok
}

// Admit counts one request for key under the named policy. On store errors
// the request is allowed and the error returned for logging.
func (l *Limiter) Admit(ctx context.Context, policyName, key string) (Decision, error) {
	p, ok := l.Policy(policyName)
	if !ok {
		return Decision{Allowed: true}, fmt.Errorf("unknown admission policy %q", policyName)
	}

	storeKey := p.Name + ":" + key
	// The count must land even if the caller disconnects mid-call.
	w, err := l.store.Increment(context.WithoutCancel(ctx), storeKey, p.Window)
	if err != nil {
		return Decision{Allowed: true, Policy: p, Remaining: p.Max}, fmt.Errorf("admission store: %w", err)
	}

	ttl := w.TTL
	if ttl > p.Window {
		ttl = p.Window
	}
	if ttl < 0 {
		ttl = 0
	}

	d := Decision{
		Allowed:    w.Count <= int64(p.Max),
		Policy:     p,
		Count:      w.Count,
		Remaining:  max(0, p.Max-int(w.Count)),
		RetryAfter: ttl,
		storeKey:   storeKey,
	}
	l.metrics.RecordAdmission(p.Name, d.Allowed)
	return d, nil
}

// AdmitRequest applies the policy's skip rules, derives the caller key and
// admits the request.
func (l *Limiter) AdmitRequest(r *http.Request, policyName string) (Decision, error) {
	p, ok := l.Policy(policyName)
	if !ok {
		return Decision{Allowed: true}, fmt.Errorf("unknown admission policy %q", policyName)
	}
	if p.skip(r) {
		return Decision{Allowed: true, Skipped: true, Policy: p}, nil
	}
	return l.Admit(r.Context(), policyName, l.keyFunc(r))
}

// Release undoes the count of an admitted request.
func (l *Limiter) Release(ctx context.Context, d Decision) error {
	if d.storeKey == "" {
		return nil
	}
	return l.store.Decrement(ctx, d.storeKey)
}

// Close closes the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
