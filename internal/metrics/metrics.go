package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the prometheus collectors of the conversation core.
type Metrics struct {
	UnitsAccepted   *prometheus.CounterVec
	UnitsSuppressed prometheus.Counter
	StageExecutions *prometheus.CounterVec
	TurnFailures    prometheus.Counter
	TurnsActive     prometheus.Gauge
	Subscribers     prometheus.Gauge
}

// New creates the collector set and registers it on the given registerer.
// Pass prometheus.DefaultRegisterer for the global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UnitsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "units_accepted_total",
			Help:      "Units accepted by the emitter, by kind.",
		}, []string{"kind"}),
		UnitsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "units_suppressed_total",
			Help:      "Duplicate units suppressed by the dedup ledger.",
		}),
		StageExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "stage_executions_total",
			Help:      "Dialogue stage executions, by stage.",
		}, []string{"stage"}),
		TurnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "turn_failures_total",
			Help:      "Turns that terminated in the failed state.",
		}),
		TurnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Name:      "turns_active",
			Help:      "Turns currently in flight.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Name:      "stream_subscribers",
			Help:      "Live stream subscribers currently attached.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.UnitsAccepted,
			m.UnitsSuppressed,
			m.StageExecutions,
			m.TurnFailures,
			m.TurnsActive,
			m.Subscribers,
		)
	}
	return m
}

// NewNop returns an unregistered collector set, handy for tests.
func NewNop() *Metrics {
	return New(nil)
}
