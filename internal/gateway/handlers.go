package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/kelmah/gateway/internal/circuitbreaker"
	gwerrors "github.com/kelmah/gateway/internal/errors"
	"github.com/kelmah/gateway/internal/health"
	"github.com/kelmah/gateway/internal/middleware"
)

const healthyThreshold = 50

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cfg := g.config.Load()
	services := make([]string, 0, len(cfg.Services))
	for _, s := range cfg.Services {
		services = append(services, s.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "API Gateway",
		"version":     Version,
		"environment": cfg.Environment,
		"services":    services,
		"uptime":      time.Since(g.startTime).Round(time.Second).String(),
	})
}

// statusCode is 200 while at least half of the services are healthy.
func statusCode(st health.SystemStatus) int {
	if st.Overall.HealthPercentage >= healthyThreshold {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func overallLabel(st health.SystemStatus) string {
	switch {
	case st.Overall.Healthy == st.Overall.Total:
		return "healthy"
	case st.Overall.HealthPercentage >= healthyThreshold:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// handleHealth reports cached monitor state only; it never probes services.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	st := g.monitor.SystemStatus()
	services := make(map[string]string, len(st.Services))
	for name, s := range st.Services {
		if s.Healthy {
			services[name] = "healthy"
		} else {
			services[name] = "unhealthy"
		}
	}
	writeJSON(w, statusCode(st), map[string]any{
		"status":    overallLabel(st),
		"overall":   st.Overall,
		"services":  services,
		"timestamp": timestamp(),
	})
}

func (g *Gateway) handleAggregateHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	st := g.monitor.SystemStatus()
	writeJSON(w, statusCode(st), map[string]any{
		"status":    overallLabel(st),
		"overall":   st.Overall,
		"services":  st.Services,
		"timestamp": timestamp(),
	})
}

func (g *Gateway) handleCircuitBreakers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	entries := g.registry.Entries()
	snaps := make(map[string]circuitbreaker.BreakerSnapshot, len(entries))
	for _, e := range entries {
		snaps[e.Service.Name] = e.Breaker.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"circuitBreakers": snaps,
		"timestamp":       timestamp(),
	})
}

func (g *Gateway) notFound(w http.ResponseWriter, r *http.Request) {
	gwerrors.ErrNotFound.
		WithMessage("Route " + r.Method + " " + r.URL.Path + " not found").
		WithRequestID(middleware.RequestIDFromContext(r.Context())).
		WriteJSON(w)
}
