package finish

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricFinishFallbacksTotal = "mockup_finish_fallbacks_total"
)

// Finishing stages, used as the "stage" label.
const (
	StageFeather = "feather"
	StageDepth   = "depth"
	StageTone    = "tone"
	StageTint    = "tint"
)

// Metrics counts finishing stages that degraded to their fallback.
type Metrics struct {
	fallbacks *prometheus.CounterVec
}

// NewMetrics creates unregistered finishing metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricFinishFallbacksTotal,
				Help: "Total number of finishing stages skipped in favour of the unadjusted patch, by stage and reason",
			},
			[]string{"stage", "reason"},
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

// IncFallback counts one skipped stage.
func (m *Metrics) IncFallback(stage, reason string) {
	m.fallbacks.WithLabelValues(stage, reason).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.fallbacks}
}
