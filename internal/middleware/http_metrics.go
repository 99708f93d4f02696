package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// unmatchedRoute labels requests for paths the server does not route.
const unmatchedRoute = "other"

// staticRoutes are recorded as-is.
var staticRoutes = map[string]bool{
	"/v1/mockups": true,
	"/health":     true,
	"/ready":      true,
	"/metrics":    true,
}

// normalizePath maps a request path to its route pattern so that metric
// labels and span names stay bounded, e.g.
// /v1/templates/downtown/day/gold/a.jpg -> /v1/templates/{location}/{time_of_day}/{finish}/{filename}.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for _, p := range parts {
		if p == "" {
			return unmatchedRoute
		}
	}
	if len(parts) < 2 || parts[0] != "v1" {
		return unmatchedRoute
	}

	switch {
	case parts[1] == "templates" && len(parts) == 6:
		return "/v1/templates/{location}/{time_of_day}/{finish}/{filename}"
	case parts[1] == "locations" && len(parts) == 4 && parts[3] == "templates":
		return "/v1/locations/{location}/templates"
	}
	return unmatchedRoute
}

// isProbePath reports whether path is a health probe or the metrics scrape.
func isProbePath(path string) bool {
	return path == "/health" || path == "/ready" || path == "/metrics"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	mrw.wroteHeader = true
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// HTTPMetrics is a middleware that records HTTP request metrics: duration,
// request/response sizes and request counts by method, route and status,
// plus the number of requests in flight. Probe and scrape endpoints are
// excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isProbePath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			release := metrics.trackInFlight()
			defer release()

			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			// Multipart uploads are usually sent with a Content-Length.
			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
