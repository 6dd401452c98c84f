// Package redisstream appends audit events to a capped Redis stream for
// near-real-time consumers such as security tooling.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/pkg/platform/audit"
)

const (
	DefaultStream = "audit:events"
	// DefaultMaxLen caps the stream approximately; older entries are trimmed.
	DefaultMaxLen int64 = 100_000
)

type Sink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

type Option func(*Sink)

func WithStream(name string) Option {
	return func(s *Sink) {
		if name != "" {
			s.stream = name
		}
	}
}

func WithMaxLen(n int64) Option {
	return func(s *Sink) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

func New(client redis.Cmdable, opts ...Option) *Sink {
	s := &Sink{client: client, stream: DefaultStream, maxLen: DefaultMaxLen}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) Name() string {
	return "redis_stream"
}

func (s *Sink) Send(ctx context.Context, e audit.Event) error {
	values := map[string]any{
		"id":          e.ID.String(),
		"occurred_at": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"tenant_id":   e.TenantID,
		"request_id":  e.RequestID,
		"action":      e.Action,
		"entity":      e.Entity,
		"entity_id":   e.EntityID,
		"sensitivity": string(e.Sensitivity),
		"data_class":  string(e.DataClass),
		"outcome":     string(e.Outcome),
		"message":     e.Message,
	}
	if e.Diff != nil {
		raw, err := json.Marshal(e.Diff)
		if err != nil {
			return fmt.Errorf("marshal audit diff: %w", err)
		}
		values["diff"] = string(raw)
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
