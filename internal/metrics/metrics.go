// Package metrics holds the Prometheus collectors of the triage service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var scoreBuckets = []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

// Metrics holds all Prometheus metrics for the analysis pipeline
type Metrics struct {
	// Per-modality metrics
	ModalityScore    *prometheus.HistogramVec
	ModalityFailures *prometheus.CounterVec
	ModalityDuration *prometheus.HistogramVec

	// Fusion and triage metrics
	FusedScore  *prometheus.HistogramVec
	Transitions *prometheus.CounterVec

	// Orchestration metrics
	AnalysisDuration prometheus.Histogram
	AnalysisErrors   *prometheus.CounterVec
	TriggersInFlight prometheus.Gauge

	reg prometheus.Registerer
}

// New creates and registers the collectors on reg, or on the default
// registry when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ModalityScore: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "triage_modality_score",
				Help:    "Score produced by each successful modality scorer",
				Buckets: scoreBuckets,
			},
			[]string{"modality"},
		),
		ModalityFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_modality_failures_total",
				Help: "Scorer runs that ended absent",
			},
			[]string{"modality", "reason"}, // reason: decode_failure, model_unavailable, timeout, ...
		),
		ModalityDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "triage_modality_duration_seconds",
				Help:    "Latency of one scorer run",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"modality"},
		),
		FusedScore: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "triage_fused_score",
				Help:    "Overall confidence written per analysis",
				Buckets: scoreBuckets,
			},
			[]string{"policy"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_transitions_total",
				Help: "Applied analyses by prior and resulting status",
			},
			[]string{"from", "to"},
		),
		AnalysisDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "triage_analysis_duration_seconds",
				Help:    "End-to-end analysis latency including the write",
				Buckets: prometheus.DefBuckets,
			},
		),
		AnalysisErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triage_analysis_errors_total",
				Help: "Analyses that could not be applied",
			},
			[]string{"stage"}, // stage: lookup, apply, conflict
		),
		TriggersInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "triage_triggers_in_flight",
				Help: "Trigger messages currently being analyzed",
			},
		),
		reg: reg,
	}
}

// ObserveModality records one scorer outcome.
func (m *Metrics) ObserveModality(modality, reason string, value float64, dur time.Duration) {
	if m == nil {
		return
	}
	m.ModalityDuration.WithLabelValues(modality).Observe(dur.Seconds())
	if reason != "success" {
		m.ModalityFailures.WithLabelValues(modality, reason).Inc()
		return
	}
	m.ModalityScore.WithLabelValues(modality).Observe(value)
}

// ObserveAnalysis records one applied analysis.
func (m *Metrics) ObserveAnalysis(policy string, overall float64, from, to string, dur time.Duration) {
	if m == nil {
		return
	}
	m.FusedScore.WithLabelValues(policy).Observe(overall)
	m.Transitions.WithLabelValues(from, to).Inc()
	m.AnalysisDuration.Observe(dur.Seconds())
}

// ObserveError counts a failed analysis stage.
func (m *Metrics) ObserveError(stage string) {
	if m == nil {
		return
	}
	m.AnalysisErrors.WithLabelValues(stage).Inc()
}

// RegisterEventStats exposes the event emitter's queue counters read
// through fn.
func (m *Metrics) RegisterEventStats(fn func() (enqueued, dropped uint64)) {
	if m == nil || fn == nil {
		return
	}
	f := promauto.With(m.reg)
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "triage_events_enqueued_total",
		Help: "Triage events accepted by the emitter queue",
	}, func() float64 {
		e, _ := fn()
		return float64(e)
	})
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "triage_events_dropped_total",
		Help: "Triage events dropped because the queue was full or closed",
	}, func() float64 {
		_, d := fn()
		return float64(d)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
