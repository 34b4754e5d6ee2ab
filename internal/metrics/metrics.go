// Package metrics exposes lookup measurements to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sirosfoundation/go-peppol/pkg/lookup"
)

// Metrics records lookup measurements. A nil *Metrics records nothing.
type Metrics struct {
	// Stage latencies by lookup stage
	StageLatency *prometheus.HistogramVec

	// Lookup outcomes and their total latency
	LookupLatency *prometheus.HistogramVec

	// Errors by stage and code
	Errors *prometheus.CounterVec
}

var _ lookup.Recorder = (*Metrics)(nil)

// New creates the lookup metrics and registers them with reg. A nil reg
// uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peppol_lookup_stage_duration_seconds",
			Help:    "Duration of each lookup stage",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"stage"}), // stage: "parse", "directory", "metadata", "selection", "validation"

		LookupLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peppol_lookup_duration_seconds",
			Help:    "Duration of complete lookups by outcome",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),

		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peppol_lookup_errors_total",
			Help: "Lookup errors by stage and code",
		}, []string{"stage", "code"}),
	}
}

// ObserveStage records the duration of one lookup stage.
func (m *Metrics) ObserveStage(stage lookup.Stage, d time.Duration) {
	if m != nil {
		m.StageLatency.WithLabelValues(string(stage)).Observe(d.Seconds())
	}
}

// ObserveLookup records a finished lookup.
func (m *Metrics) ObserveLookup(outcome string, d time.Duration) {
	if m != nil {
		m.LookupLatency.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// CountError records a lookup error.
func (m *Metrics) CountError(stage lookup.Stage, code lookup.ErrorCode) {
	if m != nil {
		m.Errors.WithLabelValues(string(stage), string(code)).Inc()
	}
}
