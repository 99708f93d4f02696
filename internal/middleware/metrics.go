package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names exported by the HTTP stack.
const (
	MetricRateLimitRequests     = "mockup_rate_limit_requests_total"
	MetricRateLimitBlocked      = "mockup_rate_limit_blocked_total"
	MetricRateLimitRedisErrors  = "mockup_rate_limit_redis_errors_total"
	MetricHTTPRequestDuration   = "mockup_http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "mockup_http_requests_total"
	MetricHTTPRequestSizeBytes  = "mockup_http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "mockup_http_response_size_bytes"
	MetricHTTPInFlight          = "mockup_http_requests_in_flight"
)

var (
	requestLabels = []string{"method", "path", "status"}
	limitLabels   = []string{"endpoint", "key_type"}

	// Generation renders several megapixel photos; compositing can take
	// tens of seconds under load.
	durationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
	// 1 KiB to 1 GiB in powers of four; bodies carry whole photos.
	sizeBuckets = prometheus.ExponentialBuckets(1024, 4, 11)
)

// Metrics holds the request and rate limit collectors. Safe for concurrent use.
type Metrics struct {
	rateLimitRequests    *prometheus.CounterVec
	rateLimitBlocked     *prometheus.CounterVec
	rateLimitRedisErrors prometheus.Counter
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestSize      *prometheus.HistogramVec
	httpResponseSize     *prometheus.HistogramVec
	httpInFlight         prometheus.Gauge
}

func counterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func histogramVec(name, help string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, requestLabels)
}

// NewMetrics creates unregistered collectors; call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		rateLimitRequests: counterVec(MetricRateLimitRequests,
			"Rate limit checks by endpoint and key type", limitLabels),
		rateLimitBlocked: counterVec(MetricRateLimitBlocked,
			"Requests rejected with 429 by endpoint and key type", limitLabels),
		rateLimitRedisErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitRedisErrors,
			Help: "Rate limit checks allowed because Redis failed",
		}),
		httpRequestDuration: histogramVec(MetricHTTPRequestDuration,
			"Request latency in seconds by method, route and status", durationBuckets),
		httpRequestsTotal: counterVec(MetricHTTPRequestsTotal,
			"Requests served by method, route and status", requestLabels),
		httpRequestSize: histogramVec(MetricHTTPRequestSizeBytes,
			"Request body size in bytes", sizeBuckets),
		httpResponseSize: histogramVec(MetricHTTPResponseSizeBytes,
			"Response body size in bytes", sizeBuckets),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricHTTPInFlight,
			Help: "Requests currently being served, excluding probes",
		}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRateLimitRequests counts a rate limit check. keyType is "operator" or "ip".
func (m *Metrics) IncRateLimitRequests(endpoint, keyType string) {
	m.rateLimitRequests.WithLabelValues(endpoint, keyType).Inc()
}

// IncRateLimitBlocked counts a rejected request.
func (m *Metrics) IncRateLimitBlocked(endpoint, keyType string) {
	m.rateLimitBlocked.WithLabelValues(endpoint, keyType).Inc()
}

// IncRateLimitRedisErrors counts a fail-open rate limit check.
func (m *Metrics) IncRateLimitRedisErrors() {
	m.rateLimitRedisErrors.Inc()
}

// trackInFlight increments the in-flight gauge and returns its release.
func (m *Metrics) trackInFlight() func() {
	m.httpInFlight.Inc()
	return m.httpInFlight.Dec
}

// ObserveHTTPRequest records one request. path must already be normalized.
func (m *Metrics) ObserveHTTPRequest(method, path, status string, duration float64, requestSize, responseSize int64) {
	labels := prometheus.Labels{"method": method, "path": path, "status": status}
	m.httpRequestDuration.With(labels).Observe(duration)
	m.httpRequestsTotal.With(labels).Inc()
	m.httpRequestSize.With(labels).Observe(float64(requestSize))
	m.httpResponseSize.With(labels).Observe(float64(responseSize))
}

// Collectors returns every collector, in registration order.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rateLimitRequests,
		m.rateLimitBlocked,
		m.rateLimitRedisErrors,
		m.httpRequestDuration,
		m.httpRequestsTotal,
		m.httpRequestSize,
		m.httpResponseSize,
		m.httpInFlight,
	}
}
