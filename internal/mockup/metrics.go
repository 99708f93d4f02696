package mockup

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/mockup/internal/calibration"
	"github.com/onnwee/mockup/internal/geometry"
)

// Metric names.
const (
	MetricGenerationsTotal       = "mockup_generations_total"
	MetricGenerationDuration     = "mockup_generation_duration_seconds"
	MetricFramesCompositedTotal  = "mockup_frames_composited_total"
	MetricPromptGenerationsTotal = "mockup_prompt_generations_total"
)

// Outcome labels.
const (
	OutcomeSuccess         = "success"
	OutcomeInvalidRequest  = "invalid_request"
	OutcomeInvalidGeometry = "invalid_geometry"
	OutcomeNotFound        = "not_found"
	OutcomeMismatch        = "creative_frame_count_mismatch"
	OutcomeUpstream        = "upstream_generation_failed"
	OutcomeCompositing     = "compositing_failed"
	OutcomeCanceled        = "canceled"
	OutcomeError           = "error"
)

// Metrics contains Prometheus metrics for generation requests.
// All operations are thread-safe.
type Metrics struct {
	generations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	frames      prometheus.Counter
	prompts     *prometheus.CounterVec
}

// NewMetrics creates unregistered generation metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricGenerationsTotal,
				Help: "Total number of generation requests by outcome",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricGenerationDuration,
				Help:    "Histogram of generation duration in seconds by outcome",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"outcome"},
		),
		frames: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricFramesCompositedTotal,
				Help: "Total number of frames warped, finished and blended",
			},
		),
		prompts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPromptGenerationsTotal,
				Help: "Total number of prompt-to-image calls by status",
			},
			[]string{"status"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.generations, m.duration, m.frames, m.prompts}
}

// ObserveGeneration records one finished request.
func (m *Metrics) ObserveGeneration(outcome string, seconds float64) {
	m.generations.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(seconds)
}

// IncFrames counts one composited frame.
func (m *Metrics) IncFrames() {
	m.frames.Inc()
}

// IncPrompt counts one image-generation call. status is "success" or "failure".
func (m *Metrics) IncPrompt(status string) {
	m.prompts.WithLabelValues(status).Inc()
}

// Outcome classifies a Generate error into an outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrCompositing):
		return OutcomeCompositing
	case errors.Is(err, ErrInvalidRequest):
		return OutcomeInvalidRequest
	case errors.Is(err, geometry.ErrInvalidGeometry):
		return OutcomeInvalidGeometry
	case errors.Is(err, calibration.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrCreativeFrameCountMismatch):
		return OutcomeMismatch
	case errors.Is(err, ErrUpstreamGeneration):
		return OutcomeUpstream
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	}
	return OutcomeError
}
