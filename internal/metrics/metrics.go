// Package metrics holds the prometheus collectors of the proctoring engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the engine reports.
type Metrics struct {
	// EventsHandled counts inbound websocket events by action and outcome (ok/error).
	EventsHandled *prometheus.CounterVec
	// EventsDropped counts inbound events discarded before handling, by reason.
	EventsDropped *prometheus.CounterVec
	// Broadcasts counts outbound room messages by delivery outcome (delivered/dropped).
	Broadcasts *prometheus.CounterVec
	// RuleTriggers counts fired rule-engine events.
	RuleTriggers *prometheus.CounterVec
	// Reevaluations counts periodic re-evaluation runs.
	Reevaluations prometheus.Counter
	// ReevaluationDuration tracks how long a re-evaluation sweep takes.
	ReevaluationDuration prometheus.Histogram
	// PersistFailures counts failed writes to the lifecycle service and queues.
	PersistFailures *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	ActiveConns     prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_events_handled_total",
			Help: "Inbound websocket events handled",
		}, []string{"action", "outcome"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_events_dropped_total",
			Help: "Inbound websocket events dropped before handling",
		}, []string{"action", "reason"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_broadcast_messages_total",
			Help: "Outbound monitoring room messages",
		}, []string{"outcome"}),
		RuleTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_rule_triggers_total",
			Help: "Rule engine events fired",
		}, []string{"event"}),
		Reevaluations: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctor_reevaluations_total",
			Help: "Periodic re-evaluation sweeps run",
		}),
		ReevaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "proctor_reevaluation_duration_seconds",
			Help:    "Time spent in one periodic re-evaluation sweep",
			Buckets: prometheus.DefBuckets,
		}),
		PersistFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_persist_failures_total",
			Help: "Failed persistence calls",
		}, []string{"target"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proctor_active_sessions",
			Help: "Sessions currently held in memory",
		}),
		ActiveConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proctor_active_connections",
			Help: "Websocket connections currently open",
		}),
	}
}
