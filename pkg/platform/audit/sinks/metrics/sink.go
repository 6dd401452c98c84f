// Package metrics counts audit events by action and outcome.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"relay/pkg/platform/audit"
)

type Sink struct {
	events *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Sink {
	return &Sink{
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_audit_events_total",
			Help: "Audit events observed, by action and outcome",
		}, []string{"action", "outcome"}),
	}
}

func (s *Sink) Name() string {
	return "metrics"
}

func (s *Sink) Send(_ context.Context, e audit.Event) error {
	s.events.WithLabelValues(e.Action, string(e.Outcome)).Inc()
	return nil
}
