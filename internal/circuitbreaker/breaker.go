package circuitbreaker

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelmah/gateway/internal/config"
	gwerrors "github.com/kelmah/gateway/internal/errors"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// HealthLabel is the coarse label attached to proxied responses.
func (s State) HealthLabel() string {
	switch s {
	case StateClosed:
		return "healthy"
	case StateHalfOpen:
		return "recovering"
	default:
		return "unhealthy"
	}
}

const maxOutcomes = 10000

type outcome struct {
	at time.Time
	ok bool
}

// Breaker is a per-service circuit breaker. It never touches the network;
// the proxy and the health monitor drive it through AllowRequest,
// RecordSuccess and RecordFailure.
type Breaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	rollingWindow    time.Duration
	now              func() time.Time
	onStateChange    func(name string, from, to State)

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
	probeStartedAt      time.Time
	outcomes            []outcome

	// Metrics (atomic for lock-free reads)
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64
	totalRejected  atomic.Int64
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a hook invoked after every transition. It runs
// outside the breaker lock.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// NewBreaker creates a new circuit breaker
func NewBreaker(name string, cfg config.CircuitBreakerConfig, opts ...Option) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}

	resetTimeout := cfg.ResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}

	rollingWindow := cfg.RollingWindow
	if rollingWindow <= 0 {
		rollingWindow = 5 * time.Minute
	}

	b := &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		rollingWindow:    rollingWindow,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the service this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// AllowRequest reports whether a request may be sent. Once the reset
// timeout has elapsed the first caller moves the breaker to half-open and
// becomes the single probe; everyone else is rejected until the probe
// reports back. A probe that never reports releases its slot after another
// reset timeout.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	now := b.now()
	from := b.state
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.resetTimeout {
			b.state = StateHalfOpen
			b.probeInFlight = true
			b.probeStartedAt = now
			allowed = true
		}
	case StateHalfOpen:
		if !b.probeInFlight || now.Sub(b.probeStartedAt) >= b.resetTimeout {
			b.probeInFlight = true
			b.probeStartedAt = now
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	if !allowed {
		b.totalRejected.Add(1)
	}
	b.notify(from, to)
	return allowed
}

// RecordSuccess records a successful call or health poll.
func (b *Breaker) RecordSuccess() {
	b.totalSuccesses.Add(1)

	b.mu.Lock()
	now := b.now()
	from := b.state
	b.appendOutcome(now, true)
	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probeInFlight = false
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// RecordFailure records a failed call or health poll.
func (b *Breaker) RecordFailure() {
	b.totalFailures.Add(1)

	b.mu.Lock()
	now := b.now()
	from := b.state
	b.appendOutcome(now, false)
	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probeInFlight = false
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// appendOutcome must be called with mu held.
func (b *Breaker) appendOutcome(now time.Time, ok bool) {
	b.trimOutcomes(now)
	if len(b.outcomes) >= maxOutcomes {
		b.outcomes = b.outcomes[1:]
	}
	b.outcomes = append(b.outcomes, outcome{at: now, ok: ok})
}

// trimOutcomes drops outcomes older than the rolling window. mu must be held.
func (b *Breaker) trimOutcomes(now time.Time) {
	cutoff := now.Add(-b.rollingWindow)
	i := 0
	for i < len(b.outcomes) && b.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.outcomes = append(b.outcomes[:0], b.outcomes[i:]...)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// HealthMetrics summarises the rolling window.
type HealthMetrics struct {
	State        string  `json:"state"`
	SuccessRate  float64 `json:"successRate"`
	FailureCount int     `json:"failureCount"`
}

// HealthMetrics reports state plus success rate (percent, 100 with no
// samples) and failure count over the rolling window.
func (b *Breaker) HealthMetrics() HealthMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trimOutcomes(b.now())
	failures := 0
	for _, o := range b.outcomes {
		if !o.ok {
			failures++
		}
	}
	rate := 100.0
	if n := len(b.outcomes); n > 0 {
		rate = math.Round(float64(n-failures)/float64(n)*10000) / 100
	}
	return HealthMetrics{
		State:        b.state.String(),
		SuccessRate:  rate,
		FailureCount: failures,
	}
}

// RetryAfter returns how long until an open breaker admits a probe, or
// zero when it is not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retryAfterLocked()
}

func (b *Breaker) retryAfterLocked() time.Duration {
	var remaining time.Duration
	switch b.state {
	case StateOpen:
		remaining = b.resetTimeout - b.now().Sub(b.openedAt)
	case StateHalfOpen:
		remaining = b.resetTimeout - b.now().Sub(b.probeStartedAt)
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BlockedResponse is the canned 503 returned while the breaker rejects.
func (b *Breaker) BlockedResponse() *gwerrors.GatewayError {
	b.mu.Lock()
	wait := b.retryAfterLocked()
	now := b.now()
	b.mu.Unlock()

	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return gwerrors.ErrCircuitOpen.
		WithService(b.name).
		WithRetryAfter(secs).
		At(now)
}

// BreakerSnapshot is a point-in-time view of a circuit breaker.
type BreakerSnapshot struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	FailureThreshold    int           `json:"failureThreshold"`
	ResetTimeout        time.Duration `json:"resetTimeout"`
	OpenedAt            *time.Time    `json:"openedAt,omitempty"`
	SuccessRate         float64       `json:"successRate"`
	FailureCount        int           `json:"failureCount"`
	TotalSuccesses      int64         `json:"totalSuccesses"`
	TotalFailures       int64         `json:"totalFailures"`
	TotalRejected       int64         `json:"totalRejected"`
}

// Snapshot returns a point-in-time snapshot of the breaker state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	hm := b.HealthMetrics()

	b.mu.Lock()
	snap := BreakerSnapshot{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		FailureThreshold:    b.failureThreshold,
		ResetTimeout:        b.resetTimeout,
	}
	if b.state != StateClosed {
		opened := b.openedAt
		snap.OpenedAt = &opened
	}
	b.mu.Unlock()

	snap.SuccessRate = hm.SuccessRate
	snap.FailureCount = hm.FailureCount
	snap.TotalSuccesses = b.totalSuccesses.Load()
	snap.TotalFailures = b.totalFailures.Load()
	snap.TotalRejected = b.totalRejected.Load()
	return snap
}
