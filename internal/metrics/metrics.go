// Package metrics records protocol and escalation metrics with Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics sink used by the orchestrator and synthesis runner.
type Recorder interface {
	ObserveTick(stopReason string, duration time.Duration)
	IncTransition(from, to string)
	IncEscalation(action, failure string)
	IncPersistenceError(kind string)
}

// PrometheusRecorder implements Recorder on its own registry, so several
// recorders can coexist in one process.
type PrometheusRecorder struct {
	registry          *prometheus.Registry
	ticksTotal        *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	escalationsTotal  *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
	tickDuration      prometheus.Histogram
}

// NewPrometheusRecorder creates a recorder with a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		registry: reg,
		ticksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "criticality_ticks_total",
				Help: "Total number of orchestrator ticks by stop reason",
			},
			[]string{"stop_reason"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "criticality_transitions_total",
				Help: "Total number of phase transitions",
			},
			[]string{"from", "to"},
		),
		escalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "criticality_escalations_total",
				Help: "Total number of escalation decisions by action and failure type",
			},
			[]string{"action", "failure"},
		),
		persistenceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "criticality_persistence_errors_total",
				Help: "Total number of persistence errors by kind",
			},
			[]string{"kind"},
		),
		tickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "criticality_tick_duration_seconds",
				Help:    "Duration of orchestrator ticks in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// ObserveTick records a completed tick. An empty stop reason means the tick
// asked to continue.
func (p *PrometheusRecorder) ObserveTick(stopReason string, duration time.Duration) {
	if stopReason == "" {
		stopReason = "none"
	}
	p.ticksTotal.WithLabelValues(stopReason).Inc()
	p.tickDuration.Observe(duration.Seconds())
}

// IncTransition counts a phase transition.
func (p *PrometheusRecorder) IncTransition(from, to string) {
	p.transitionsTotal.WithLabelValues(from, to).Inc()
}

// IncEscalation counts an escalation decision.
func (p *PrometheusRecorder) IncEscalation(action, failure string) {
	p.escalationsTotal.WithLabelValues(action, failure).Inc()
}

// IncPersistenceError counts a failed save or load.
func (p *PrometheusRecorder) IncPersistenceError(kind string) {
	p.persistenceErrors.WithLabelValues(kind).Inc()
}

// Registry exposes the recorder's registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ObserveTick(string, time.Duration) {}
func (Nop) IncTransition(string, string)      {}
func (Nop) IncEscalation(string, string)      {}
func (Nop) IncPersistenceError(string)        {}
