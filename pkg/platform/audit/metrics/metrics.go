package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the audit dispatcher.
type Metrics struct {
	EventsDispatched prometheus.Counter
	EventsDropped    *prometheus.CounterVec
	SinkDeliveries   *prometheus.CounterVec
	SinkFailures     *prometheus.CounterVec
	SinkDuration     *prometheus.HistogramVec
	BreakerState     *prometheus.GaugeVec
}

// New registers the audit dispatcher metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_audit_events_dispatched_total",
			Help: "Total number of audit events accepted by the dispatcher",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_audit_events_dropped_total",
			Help: "Audit events dropped before fan-out",
		}, []string{"reason"}),
		SinkDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_audit_sink_deliveries_total",
			Help: "Audit events delivered per sink",
		}, []string{"sink"}),
		SinkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_audit_sink_failures_total",
			Help: "Audit sink failures by reason (error, panic, circuit_open)",
		}, []string{"sink", "reason"}),
		SinkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_audit_sink_duration_seconds",
			Help:    "Time taken by a sink to accept an audit event",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"sink"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_audit_sink_circuit_open",
			Help: "1 when the sink's circuit breaker is open",
		}, []string{"sink"}),
	}
}

func (m *Metrics) IncDispatched() {
	m.EventsDispatched.Inc()
}

func (m *Metrics) IncDropped(reason string) {
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncDelivered(sink string) {
	m.SinkDeliveries.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncSinkFailure(sink, reason string) {
	m.SinkFailures.WithLabelValues(sink, reason).Inc()
}

func (m *Metrics) ObserveSinkDuration(sink string, seconds float64) {
	m.SinkDuration.WithLabelValues(sink).Observe(seconds)
}

func (m *Metrics) SetCircuitOpen(sink string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerState.WithLabelValues(sink).Set(v)
}
