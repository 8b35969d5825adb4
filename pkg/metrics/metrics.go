// Package metrics exposes the Prometheus instrumentation shared by the
// orchestrator, engine, connectors and event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector. One instance per process, registered on
// a single registry so tests can use their own.
type Metrics struct {
	Registry *prometheus.Registry

	InvestigationsTotal   *prometheus.CounterVec
	ActiveInvestigations  prometheus.Gauge
	QueueDepth            prometheus.Gauge
	StepsTotal            *prometheus.CounterVec
	StepDuration          prometheus.Histogram
	ConnectorCalls        *prometheus.CounterVec
	ConnectorLatency      *prometheus.HistogramVec
	EventsPublished       prometheus.Counter
	FailoversTotal        prometheus.Counter
	AdaptationsTotal      prometheus.Counter
	BreakerState          *prometheus.GaugeVec
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		InvestigationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_investigations_total",
			Help: "Investigations by terminal status.",
		}, []string{"status"}),
		ActiveInvestigations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_active_investigations",
			Help: "Investigations currently in the active set.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_investigation_queue_depth",
			Help: "Investigations waiting for admission.",
		}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_steps_total",
			Help: "Plan steps by outcome.",
		}, []string{"type", "outcome"}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_step_duration_seconds",
			Help:    "Step wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}),
		ConnectorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_connector_calls_total",
			Help: "Connector calls by type and result.",
		}, []string{"connector_type", "result"}),
		ConnectorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_connector_latency_seconds",
			Help:    "Connector call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"connector_type"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_published_total",
			Help: "Events published on the bus.",
		}),
		FailoversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_connector_failovers_total",
			Help: "Connector failover decisions.",
		}),
		AdaptationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_plan_adaptations_total",
			Help: "Plan adaptation decisions.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker"}),
	}

	registry.MustRegister(
		m.InvestigationsTotal,
		m.ActiveInvestigations,
		m.QueueDepth,
		m.StepsTotal,
		m.StepDuration,
		m.ConnectorCalls,
		m.ConnectorLatency,
		m.EventsPublished,
		m.FailoversTotal,
		m.AdaptationsTotal,
		m.BreakerState,
	)
	return m
}

// BreakerStateValue maps a breaker state name to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
