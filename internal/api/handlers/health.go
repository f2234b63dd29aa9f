package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

// Check verifies one dependency
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service  string
	version  string
	checks   map[string]Check
	breakers *circuitbreaker.Manager
}

// NewHealthHandler creates a health handler. Breakers may be nil.
func NewHealthHandler(service, version string, breakers *circuitbreaker.Manager, checks map[string]Check) *HealthHandler {
	return &HealthHandler{service: service, version: version, checks: checks, breakers: breakers}
}

// Health handles GET /health. Open breakers are reported but do not make
// the process unhealthy.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	}
	if h.breakers != nil {
		body["upstreams"] = h.breakers.GetHealthStatus()
	}
	writeJSON(w, http.StatusOK, body)
}

// Ready handles GET /ready. Every check must pass within two seconds.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": results})
}
