package health

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	gwerrors "github.com/kelmah/gateway/internal/errors"
	"github.com/kelmah/gateway/internal/logging"
	"github.com/kelmah/gateway/internal/metrics"
	"github.com/kelmah/gateway/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Status represents health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

const maxCheckTimeout = 10 * time.Second

// Result is the outcome of one health poll.
type Result struct {
	Service      string        `json:"service"`
	Healthy      bool          `json:"healthy"`
	Status       Status        `json:"status"`
	StatusCode   int           `json:"statusCode,omitempty"`
	Path         string        `json:"path,omitempty"`
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
	ErrorKind    string        `json:"errorKind,omitempty"`
	CheckedAt    time.Time     `json:"checkedAt"`
}

// Config holds monitor settings
type Config struct {
	Interval     time.Duration // default 30s
	Timeout      time.Duration // default and max 10s
	FallbackPath string        // default /health
	Transport    http.RoundTripper
	Metrics      *metrics.Collector
}

// Monitor polls every registered service, feeds the outcome into the
// service's breaker and keeps the latest result for status reporting.
type Monitor struct {
	registry     *registry.Registry
	client       *http.Client
	interval     time.Duration
	timeout      time.Duration
	fallbackPath string
	metrics      *metrics.Collector

	mu      sync.RWMutex
	results map[string]Result

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a monitor over reg.
func NewMonitor(reg *registry.Registry, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 || cfg.Timeout > maxCheckTimeout {
		cfg.Timeout = maxCheckTimeout
	}
	if cfg.FallbackPath == "" {
		cfg.FallbackPath = "/health"
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &Monitor{
		registry: reg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		interval:     cfg.Interval,
		timeout:      cfg.Timeout,
		fallbackPath: cfg.FallbackPath,
		metrics:      cfg.Metrics,
		results:      make(map[string]Result),
	}
}

// fallbackStatus reports whether the primary health path answered in a way
// that means "no such endpoint" rather than "unhealthy".
func fallbackStatus(code int) bool {
	return code == http.StatusNotFound || code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented
}

// CheckServiceHealth polls one service and records the outcome into its
// breaker. It never returns an error; failures are described in the result.
func (m *Monitor) CheckServiceHealth(ctx context.Context, name string) Result {
	entry, ok := m.registry.Lookup(name)
	if !ok {
		return Result{
			Service:   name,
			Status:    StatusUnknown,
			Error:     registry.ErrServiceNotFound.Error(),
			CheckedAt: time.Now(),
		}
	}

	start := time.Now()
	res := m.probe(ctx, entry.Service, entry.Service.HealthPath)
	if res.Error == "" && fallbackStatus(res.StatusCode) && entry.Service.HealthPath != m.fallbackPath {
		res = m.probe(ctx, entry.Service, m.fallbackPath)
	}
	res.ResponseTime = time.Since(start)
	res.CheckedAt = time.Now()

	// An abandoned poll says nothing about the service.
	if ctx.Err() != nil {
		res.Healthy = false
		res.Status = StatusUnknown
		res.Error = ctx.Err().Error()
		res.ErrorKind = "cancelled"
		return res
	}

	if res.Healthy {
		entry.Breaker.RecordSuccess()
	} else {
		entry.Breaker.RecordFailure()
	}
	m.metrics.RecordHealthCheck(name, res.Healthy, res.ResponseTime)

	m.mu.Lock()
	m.results[name] = res
	m.mu.Unlock()
	return res
}

func (m *Monitor) probe(ctx context.Context, svc registry.Service, path string) Result {
	res := Result{Service: svc.Name, Status: StatusUnhealthy, Path: path}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL()+path, nil)
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = "configuration"
		return res
	}
	req.Header.Set("User-Agent", "gateway-health-monitor")

	resp, err := m.client.Do(req)
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = gwerrors.Classify(err).String()
		return res
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		res.Healthy = true
		res.Status = StatusHealthy
	} else {
		res.Error = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	}
	return res
}

// CheckAllServices polls every registered service concurrently. One slow or
// failing service never affects the others' results.
func (m *Monitor) CheckAllServices(ctx context.Context) map[string]Result {
	entries := m.registry.Entries()
	results := make([]Result, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			results[i] = m.CheckServiceHealth(ctx, e.Service.Name)
			return nil
		})
	}
	g.Wait()

	out := make(map[string]Result, len(entries))
	for _, r := range results {
		out[r.Service] = r
	}
	return out
}

// Start launches the polling loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(ctx, m.done)
	logging.Info("health monitor started",
		zap.Duration("interval", m.interval),
		zap.Int("services", m.registry.Len()),
	)
}

// Stop halts the loop and cancels in-flight polls. Calling Stop on a
// stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	done := m.done
	m.runMu.Unlock()

	<-done
	logging.Info("health monitor stopped")
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.pollAndLog(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollAndLog(ctx)
		}
	}
}

// pollAndLog runs one round and logs only services whose health changed.
func (m *Monitor) pollAndLog(ctx context.Context) {
	before := m.snapshotResults()
	after := m.CheckAllServices(ctx)
	if ctx.Err() != nil {
		return
	}

	for name, res := range after {
		prev, seen := before[name]
		switch {
		case seen && prev.Healthy == res.Healthy:
			continue
		case res.Healthy && seen:
			logging.Info("service recovered",
				zap.String("service", name),
				zap.Duration("response_time", res.ResponseTime),
			)
		case !res.Healthy:
			logging.Warn("service unhealthy",
				zap.String("service", name),
				zap.Int("status_code", res.StatusCode),
				zap.String("error", res.Error),
				zap.String("error_kind", res.ErrorKind),
			)
		}
	}
}

func (m *Monitor) snapshotResults() map[string]Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Result, len(m.results))
	for k, v := range m.results {
		out[k] = v
	}
	return out
}

// LastResult returns the most recent poll for name.
func (m *Monitor) LastResult(name string) (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[name]
	return r, ok
}

// Forget drops cached results for services no longer registered.
func (m *Monitor) Forget(names ...string) {
	m.mu.Lock()
	for _, n := range names {
		delete(m.results, n)
	}
	m.mu.Unlock()
}

// BreakerStatus is the breaker part of a service status.
type BreakerStatus struct {
	State        string  `json:"state"`
	SuccessRate  float64 `json:"successRate"`
	FailureCount int     `json:"failureCount"`
}

// ServiceStatus is the per-service part of the system status.
type ServiceStatus struct {
	Healthy        bool          `json:"healthy"`
	Status         Status        `json:"status"`
	URL            string        `json:"url"`
	ResponseTime   int64         `json:"responseTime"` // milliseconds
	CircuitBreaker BreakerStatus `json:"circuitBreaker"`
	Error          string        `json:"error,omitempty"`
	LastChecked    *time.Time    `json:"lastChecked,omitempty"`
}

// Overall summarises all services.
type Overall struct {
	Healthy          int `json:"healthy"`
	Total            int `json:"total"`
	HealthPercentage int `json:"healthPercentage"`
}

// SystemStatus is the aggregate health snapshot.
type SystemStatus struct {
	Overall  Overall                  `json:"overall"`
	Services map[string]ServiceStatus `json:"services"`
}

// SystemStatus derives the current health snapshot from cached results and
// breaker state without contacting any service. A service counts as healthy
// when its breaker is not open and its last poll, if any, succeeded.
func (m *Monitor) SystemStatus() SystemStatus {
	entries := m.registry.Entries()
	st := SystemStatus{Services: make(map[string]ServiceStatus, len(entries))}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range entries {
		hm := e.Breaker.HealthMetrics()
		ss := ServiceStatus{
			URL:    e.Service.URL(),
			Status: StatusUnknown,
			CircuitBreaker: BreakerStatus{
				State:        hm.State,
				SuccessRate:  hm.SuccessRate,
				FailureCount: hm.FailureCount,
			},
		}

		res, polled := m.results[e.Service.Name]
		if polled {
			ss.Status = res.Status
			ss.ResponseTime = res.ResponseTime.Milliseconds()
			ss.Error = res.Error
			checked := res.CheckedAt
			ss.LastChecked = &checked
		}
		open := hm.State == "open"
		ss.Healthy = !open && (!polled || res.Healthy)
		if open && ss.Status == StatusHealthy {
			ss.Status = StatusUnhealthy
		}

		if ss.Healthy {
			st.Overall.Healthy++
		}
		st.Services[e.Service.Name] = ss
	}

	st.Overall.Total = len(entries)
	st.Overall.HealthPercentage = healthPercentage(st.Overall.Healthy, st.Overall.Total)
	return st
}

func healthPercentage(healthy, total int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(100 * float64(healthy) / float64(total)))
}
