package overage

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"relay/internal/overage/metrics"
	"relay/pkg/platform/audit"
)

type serviceConfig struct {
	logger  *slog.Logger
	audit   audit.Emitter
	metrics *metrics.Metrics
	clock   clockwork.Clock
}

// Option configures a Service.
type Option func(c *serviceConfig)

func WithLogger(logger *slog.Logger) Option {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

func WithAuditEmitter(e audit.Emitter) Option {
	return func(c *serviceConfig) {
		c.audit = e
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *serviceConfig) {
		c.metrics = m
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *serviceConfig) {
		c.clock = clock
	}
}
