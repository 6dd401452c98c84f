package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the outbox dispatcher.
type Metrics struct {
	// Queue health
	PendingDepth     prometheus.Gauge
	FailedDepth      prometheus.Gauge
	DeadLetterDepth  prometheus.Gauge
	OldestPendingAge prometheus.Gauge

	// Processing
	PublishedTotal    *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	DeadLettersTotal  *prometheus.CounterVec
	StateUpdateErrors prometheus.Counter
	ClaimErrors       prometheus.Counter
	PublishDuration   prometheus.Histogram
	BatchSize         prometheus.Histogram
	PollDuration      prometheus.Histogram
}

// New registers the outbox metrics with reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration against the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PendingDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_outbox_pending_total",
			Help: "Current number of PENDING outbox events",
		}),
		FailedDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_outbox_failed_total",
			Help: "Current number of FAILED outbox events awaiting retry",
		}),
		DeadLetterDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_outbox_dead_letter_total",
			Help: "Current number of DEAD_LETTER outbox events",
		}),
		OldestPendingAge: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_outbox_oldest_pending_seconds",
			Help: "Age in seconds of the oldest unfinished outbox event",
		}),
		PublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_outbox_published_total",
			Help: "Total number of outbox events published to the bus",
		}, []string{"event_type"}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_outbox_publish_failures_total",
			Help: "Total number of failed publish attempts",
		}, []string{"event_type"}),
		DeadLettersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_outbox_dead_letters_total",
			Help: "Total number of events moved to DEAD_LETTER",
		}, []string{"event_type"}),
		StateUpdateErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_outbox_state_update_failures_total",
			Help: "Status updates that failed after a publish attempt",
		}),
		ClaimErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_outbox_claim_failures_total",
			Help: "Claim transactions that failed",
		}),
		PublishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_outbox_publish_duration_seconds",
			Help:    "Time taken to publish an outbox event",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_outbox_batch_size",
			Help:    "Number of events claimed per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_outbox_poll_duration_seconds",
			Help:    "Time taken for each dispatch cycle",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
	}
}

func (m *Metrics) SetQueue(pending, failed, deadLetter int64, oldestAgeSeconds float64) {
	m.PendingDepth.Set(float64(pending))
	m.FailedDepth.Set(float64(failed))
	m.DeadLetterDepth.Set(float64(deadLetter))
	m.OldestPendingAge.Set(oldestAgeSeconds)
}

func (m *Metrics) IncPublished(eventType string) {
	m.PublishedTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncPublishFailures(eventType string) {
	m.PublishFailures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncDeadLetters(eventType string) {
	m.DeadLettersTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncStateUpdateFailures() {
	m.StateUpdateErrors.Inc()
}

func (m *Metrics) IncClaimFailures() {
	m.ClaimErrors.Inc()
}

// ObservePublishDuration records the publish operation latency.
func (m *Metrics) ObservePublishDuration(durationSeconds float64) {
	m.PublishDuration.Observe(durationSeconds)
}

func (m *Metrics) ObserveBatchSize(size int) {
	m.BatchSize.Observe(float64(size))
}

// ObservePollDuration records the dispatch cycle latency.
func (m *Metrics) ObservePollDuration(durationSeconds float64) {
	m.PollDuration.Observe(durationSeconds)
}
