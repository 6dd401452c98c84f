// Package logsink writes audit events as structured log records.
package logsink

import (
	"context"
	"log/slog"

	"relay/pkg/platform/audit"
)

type Sink struct {
	logger *slog.Logger
	level  slog.Level
}

type Option func(*Sink)

// WithLevel sets the record level. Default is Info.
func WithLevel(level slog.Level) Option {
	return func(s *Sink) {
		s.level = level
	}
}

func New(logger *slog.Logger, opts ...Option) *Sink {
	s := &Sink{logger: logger, level: slog.LevelInfo}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) Name() string {
	return "log"
}

func (s *Sink) Send(ctx context.Context, e audit.Event) error {
	attrs := []slog.Attr{
		slog.String("audit_id", e.ID.String()),
		slog.Time("occurred_at", e.Timestamp),
		slog.String("tenant_id", e.TenantID),
		slog.String("request_id", e.RequestID),
		slog.String("action", e.Action),
		slog.String("entity", e.Entity),
		slog.String("entity_id", e.EntityID),
		slog.String("sensitivity", string(e.Sensitivity)),
		slog.String("data_class", string(e.DataClass)),
		slog.String("outcome", string(e.Outcome)),
	}
	if e.Message != "" {
		attrs = append(attrs, slog.String("message", e.Message))
	}
	if e.Diff != nil {
		attrs = append(attrs, slog.Group("diff",
			slog.Any("before", e.Diff.Before),
			slog.Any("after", e.Diff.After),
		))
	}
	s.logger.LogAttrs(ctx, s.level, "audit", attrs...)
	return nil
}
