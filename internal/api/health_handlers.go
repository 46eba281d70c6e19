// Package api provides the HTTP and websocket surface of the presence server.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependency names reported by the readiness probe.
const (
	CheckDatabase = "database"
	CheckRedis    = "redis"
	CheckLiveKit  = "livekit"
	CheckMetrics  = "metrics"
)

// readyTimeout bounds all dependency checks of one readiness probe.
const readyTimeout = 5 * time.Second

// HealthHandlers provides health and readiness check endpoints for Kubernetes probes.
type HealthHandlers struct {
	checkers       map[string]HealthChecker
	metricsEnabled bool
}

// HealthHandlersConfig configures the health check handlers.
// A nil checker means the dependency is not configured and is reported as ok.
type HealthHandlersConfig struct {
	DBChecker      HealthChecker
	RedisChecker   HealthChecker
	LiveKitChecker HealthChecker
	MetricsEnabled bool
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{
		checkers: map[string]HealthChecker{
			CheckDatabase: config.DBChecker,
			CheckRedis:    config.RedisChecker,
			CheckLiveKit:  config.LiveKitChecker,
		},
		metricsEnabled: config.MetricsEnabled,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe).
// If we can respond, we're alive.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeCodedError(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe).
// Returns 503 if any configured dependency is unavailable.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeCodedError(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.checkers)+1)
	healthy := true
	for name, checker := range h.checkers {
		if checker == nil {
			checks[name] = "ok"
			continue
		}
		if err := checker.HealthCheck(ctx); err != nil {
			checks[name] = "error"
			healthy = false
			slog.WarnContext(ctx, "dependency health check failed", "dependency", name, "error", err)
			continue
		}
		checks[name] = "ok"
	}

	if h.metricsEnabled {
		checks[CheckMetrics] = "ok"
	} else {
		checks[CheckMetrics] = "disabled"
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, r, statusCode, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
