package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the overage ledger.
type Metrics struct {
	Recorded    prometheus.Counter
	Replayed    prometheus.Counter
	Conflicts   prometheus.Counter
	Transitions *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Recorded: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_overages_recorded_total",
			Help: "Overages recorded for the first time",
		}),
		Replayed: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_overages_replayed_total",
			Help: "RecordOnce calls answered with an existing record",
		}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_overages_insert_conflicts_total",
			Help: "Concurrent inserts that lost the unique-key race",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_overages_transitions_total",
			Help: "Overage status transitions by target status",
		}, []string{"status"}),
	}
}

func (m *Metrics) IncRecorded() {
	if m != nil {
		m.Recorded.Inc()
	}
}

func (m *Metrics) IncReplayed() {
	if m != nil {
		m.Replayed.Inc()
	}
}

func (m *Metrics) IncConflict() {
	if m != nil {
		m.Conflicts.Inc()
	}
}

func (m *Metrics) IncTransition(status string) {
	if m != nil {
		m.Transitions.WithLabelValues(status).Inc()
	}
}
