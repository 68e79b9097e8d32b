package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector owns the gateway's Prometheus registry. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
	admissionTotal     *prometheus.CounterVec
	storeFallbacks     prometheus.Counter
	healthDuration     *prometheus.HistogramVec
	serviceHealthy     *prometheus.GaugeVec
}

// NewCollector creates a collector on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Proxied requests by service and response status.",
		}, []string{"service", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_request_duration_seconds",
			Help:      "Downstream round trip duration.",
			Buckets:   DefaultBuckets,
		}, []string{"service"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0=closed, 1=open, 2=half_open.",
		}, []string{"service"}),
		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"service", "from", "to"}),
		breakerRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejections_total",
			Help:      "Requests rejected by an open circuit breaker.",
		}, []string{"service"}),
		admissionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission limiter decisions by policy.",
		}, []string{"policy", "decision"}),
		storeFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_store_fallbacks_total",
			Help:      "Counter operations served by the in-process store because the shared store failed.",
		}),
		healthDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_check_duration_seconds",
			Help:      "Downstream health poll duration.",
			Buckets:   DefaultBuckets,
		}, []string{"service"}),
		serviceHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_healthy",
			Help:      "Result of the last health poll: 1=healthy, 0=unhealthy.",
		}, []string{"service"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records a proxied request.
func (c *Collector) RecordRequest(service string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(service, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(service).Observe(d.Seconds())
}

// SetBreakerState records the current state as a number.
func (c *Collector) SetBreakerState(service string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(service).Set(float64(state))
}

// RecordBreakerTransition counts a state change.
func (c *Collector) RecordBreakerTransition(service, from, to string) {
	if c == nil {
		return
	}
	c.breakerTransitions.WithLabelValues(service, from, to).Inc()
}

// RecordBreakerRejection counts a request short-circuited by a breaker.
func (c *Collector) RecordBreakerRejection(service string) {
	if c == nil {
		return
	}
	c.breakerRejections.WithLabelValues(service).Inc()
}

// RecordAdmission counts an admission decision.
func (c *Collector) RecordAdmission(policy string, allowed bool) {
	if c == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	c.admissionTotal.WithLabelValues(policy, decision).Inc()
}

// RecordStoreFallback counts a counter operation served locally.
func (c *Collector) RecordStoreFallback() {
	if c == nil {
		return
	}
	c.storeFallbacks.Inc()
}

// RecordHealthCheck records a health poll result.
func (c *Collector) RecordHealthCheck(service string, healthy bool, d time.Duration) {
	if c == nil {
		return
	}
	c.healthDuration.WithLabelValues(service).Observe(d.Seconds())
	v := 0.0
	if healthy {
		v = 1
	}
	c.serviceHealthy.WithLabelValues(service).Set(v)
}
