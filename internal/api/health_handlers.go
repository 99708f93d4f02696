package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/mockup/internal/health"
)

// DefaultReadyTimeout bounds each readiness check.
const DefaultReadyTimeout = 3 * time.Second

// HealthHandlers provides liveness and readiness endpoints for probes.
type HealthHandlers struct {
	checks  map[string]health.Checker
	timeout time.Duration
	logger  *slog.Logger
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	// Checks maps a dependency name (database, redis, photo_store,
	// image_model) to its checker. Unconfigured dependencies are omitted.
	Checks  map[string]health.Checker
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	if config.Timeout <= 0 {
		config.Timeout = DefaultReadyTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &HealthHandlers{
		checks:  config.Checks,
		timeout: config.Timeout,
		logger:  config.Logger,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe). It never touches dependencies.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe). It runs every configured
// check concurrently and returns 503 if any fails.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	results := health.Run(r.Context(), h.checks, h.timeout)

	checks := make(map[string]string, len(results))
	for _, res := range results {
		if res.Err != nil {
			checks[res.Name] = "error"
			h.logger.WarnContext(r.Context(), "readiness check failed",
				slog.String("check", res.Name),
				slog.String("error", res.Err.Error()))
			continue
		}
		checks[res.Name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !health.Healthy(results) {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(r.Context(), w, code, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
