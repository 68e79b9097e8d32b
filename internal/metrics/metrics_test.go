package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector()

	c.RecordRequest("job", 200, 20*time.Millisecond)
	c.RecordRequest("job", 200, 30*time.Millisecond)
	c.RecordRequest("job", 502, time.Millisecond)
	c.RecordAdmission("search", true)
	c.RecordAdmission("search", false)
	c.SetBreakerState("job", 1)
	c.RecordBreakerTransition("job", "closed", "open")
	c.RecordBreakerRejection("job")
	c.RecordStoreFallback()
	c.RecordHealthCheck("job", false, time.Millisecond)

	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("job", "200")); got != 2 {
		t.Errorf("expected 2 requests with 200, got %v", got)
	}
	if got := testutil.ToFloat64(c.admissionTotal.WithLabelValues("search", "denied")); got != 1 {
		t.Errorf("expected 1 denial, got %v", got)
	}
	if got := testutil.ToFloat64(c.breakerState.WithLabelValues("job")); got != 1 {
		t.Errorf("expected open state gauge, got %v", got)
	}
	if got := testutil.ToFloat64(c.serviceHealthy.WithLabelValues("job")); got != 0 {
		t.Errorf("expected unhealthy gauge, got %v", got)
	}
	if got := testutil.ToFloat64(c.storeFallbacks); got != 1 {
		t.Errorf("expected 1 fallback, got %v", got)
	}
}

func TestCollectorHandler(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("auth", 200, time.Millisecond)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rr.Body.String(), `gateway_proxy_requests_total{service="auth",status="200"} 1`) {
		t.Errorf("exposition missing request counter:\n%s", rr.Body.String())
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordRequest("x", 200, time.Second)
	c.RecordAdmission("x", true)
	c.SetBreakerState("x", 0)
	c.RecordBreakerTransition("x", "a", "b")
	c.RecordBreakerRejection("x")
	c.RecordStoreFallback()
	c.RecordHealthCheck("x", true, time.Second)
}
