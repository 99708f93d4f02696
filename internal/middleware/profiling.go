package middleware

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
)

// ProfilingConfig configures the profiling middleware.
type ProfilingConfig struct {
	// Enabled exposes /debug/pprof/*. Never honored in production.
	Enabled bool
	// Environment is the server environment name.
	Environment string
}

// Profiling returns middleware that serves pprof endpoints under
// /debug/pprof/ for profiling warp and finishing hot paths during
// development. It passes every request through when disabled or when
// Environment is production.
func Profiling(config ProfilingConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if !config.Enabled {
			return next
		}
		if config.Environment == "production" || config.Environment == "prod" {
			logger.Error("profiling cannot be enabled in production",
				slog.String("environment", config.Environment))
			return next
		}

		logger.Warn("profiling endpoints enabled",
			slog.String("environment", config.Environment),
			slog.String("endpoints", "/debug/pprof/*"))

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/debug/pprof") {
				next.ServeHTTP(w, r)
				return
			}
			switch r.URL.Path {
			case "/debug/pprof/cmdline":
				pprof.Cmdline(w, r)
			case "/debug/pprof/profile":
				pprof.Profile(w, r)
			case "/debug/pprof/symbol":
				pprof.Symbol(w, r)
			case "/debug/pprof/trace":
				pprof.Trace(w, r)
			default:
				// Index also serves named profiles (/debug/pprof/heap etc.)
				pprof.Index(w, r)
			}
		})
	}
}
