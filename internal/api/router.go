package api

import (
	"net/http"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// RouterConfig wires handlers and per-route middleware into the mux.
type RouterConfig struct {
	Templates *TemplateHandlers
	Mockups   *MockupHandlers
	Health    *HealthHandlers
	// Metrics serves GET /metrics; omitted when nil.
	Metrics http.Handler

	// RequireOperator guards calibration writes.
	RequireOperator Middleware
	// CalibrationLimit and GenerateLimit rate limit writes and generation.
	CalibrationLimit Middleware
	GenerateLimit    Middleware
}

// NewRouter registers every route on a new ServeMux. Unknown paths return
// the JSON not_found envelope.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()

	write := chain(cfg.RequireOperator, cfg.CalibrationLimit)
	const templatePath = "/v1/templates/{location}/{time_of_day}/{finish}/{filename}"
	mux.Handle("GET "+templatePath, http.HandlerFunc(cfg.Templates.GetTemplate))
	mux.Handle("PUT "+templatePath, write(http.HandlerFunc(cfg.Templates.SaveTemplate)))
	mux.Handle("DELETE "+templatePath, write(http.HandlerFunc(cfg.Templates.DeleteTemplate)))
	mux.Handle("GET /v1/locations/{location}/templates", http.HandlerFunc(cfg.Templates.ListTemplates))

	mux.Handle("POST /v1/mockups", chain(cfg.GenerateLimit)(http.HandlerFunc(cfg.Mockups.Generate)))

	mux.HandleFunc("GET /health", cfg.Health.Health)
	mux.HandleFunc("GET /ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})
	return mux
}

// chain applies middleware outermost first, skipping nil entries.
func chain(mws ...Middleware) Middleware {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			if mws[i] != nil {
				h = mws[i](h)
			}
		}
		return h
	}
}
