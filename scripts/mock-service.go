//go:build ignore

// Mock downstream service for exercising the gateway locally.
// Run with: go run scripts/mock-service.go -port 5001 -name auth
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kelmah/gateway/internal/logging"
)

func main() {
	port := flag.Int("port", 5001, "Port to listen on")
	name := flag.String("name", "auth", "Service name")
	healthPath := flag.String("health-path", "/health", "Health endpoint path")
	failRate := flag.Float64("fail-rate", 0, "Fraction of requests answered with 500")
	latency := flag.Duration("latency", 0, "Delay added to every response")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc(*healthPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"service": *name,
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if *latency > 0 {
			time.Sleep(*latency)
		}
		if *failRate > 0 && rand.Float64() < *failRate {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":   "simulated failure",
				"service": *name,
			})
			return
		}

		var body any
		if r.ContentLength != 0 {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"service":   *name,
			"method":    r.Method,
			"path":      r.URL.Path,
			"query":     r.URL.RawQuery,
			"user":      r.Header.Get("X-Authenticated-User"),
			"requestId": r.Header.Get("X-Request-ID"),
			"body":      body,
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	logging.Info("Mock service starting",
		zap.String("service", *name),
		zap.String("addr", addr),
		zap.Float64("fail_rate", *failRate),
	)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("Mock service stopped", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
