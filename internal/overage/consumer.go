package overage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relay/internal/platform/kafka/consumer"
	dErrors "relay/pkg/domain-errors"
	"relay/pkg/platform/outbox"
	"relay/pkg/requestcontext"
)

// UsageLimitExceeded is published by the subscription service when a tenant
// goes over a plan limit.
const UsageLimitExceeded = "usage.limit_exceeded"

// HeaderIdempotencyKey lets producers pick the ledger key explicitly.
const HeaderIdempotencyKey = "idempotency_key"

type usagePayload struct {
	EventID        string    `json:"event_id"`
	TenantID       string    `json:"tenant_id"`
	FeatureKey     string    `json:"feature_key"`
	OverageUnits   int64     `json:"overage_units"`
	UnitPriceMinor int64     `json:"unit_price_minor"`
	Currency       string    `json:"currency"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Recorder is the ledger operation the consumer drives.
type Recorder interface {
	RecordOnce(ctx context.Context, tenantID, key string, effect Effect) (*Record, bool, error)
}

// Consumer turns usage.limit_exceeded messages into ledger entries.
// Redelivered messages resolve to the same idempotency key and are no-ops.
type Consumer struct {
	ledger Recorder
	logger *slog.Logger
}

func NewConsumer(ledger Recorder, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{ledger: ledger, logger: logger}
}

// Handle implements consumer.Handler. Malformed messages are logged and
// acknowledged; store failures are returned so the message is redelivered.
func (c *Consumer) Handle(ctx context.Context, msg *consumer.Message) error {
	if t := msg.Headers[outbox.HeaderEventType]; t != "" && t != UsageLimitExceeded {
		return nil
	}

	var payload usagePayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		c.logger.ErrorContext(ctx, "failed to unmarshal usage payload",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}

	tenantID := requestcontext.TenantID(ctx)
	if tenantID == "" {
		tenantID = payload.TenantID
	}
	if payload.TenantID != "" && payload.TenantID != tenantID {
		c.logger.ErrorContext(ctx, "usage payload tenant does not match message tenant",
			"tenant_id", tenantID,
			"payload_tenant_id", payload.TenantID,
			"offset", msg.Offset,
		)
		return nil
	}

	key := idempotencyKey(msg, payload)
	if key == "" {
		c.logger.ErrorContext(ctx, "usage message has no idempotency key",
			"tenant_id", tenantID,
			"offset", msg.Offset,
		)
		return nil
	}

	rec, isNew, err := c.ledger.RecordOnce(ctx, tenantID, key, Effect{
		FeatureKey:     payload.FeatureKey,
		Quantity:       payload.OverageUnits,
		UnitPriceMinor: payload.UnitPriceMinor,
		Currency:       payload.Currency,
		PeriodStart:    payload.PeriodStart,
		PeriodEnd:      payload.PeriodEnd,
		OccurredAt:     payload.OccurredAt,
	})
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeValidation) {
			c.logger.ErrorContext(ctx, "discarding invalid usage message",
				"tenant_id", tenantID,
				"idempotency_key", key,
				"error", err,
			)
			return nil
		}
		return fmt.Errorf("record overage: %w", err)
	}

	c.logger.DebugContext(ctx, "usage message applied",
		"tenant_id", tenantID,
		"idempotency_key", key,
		"overage_id", rec.ID,
		"is_new", isNew,
	)
	return nil
}

// idempotencyKey prefers an explicit header, then the producer's outbox
// event id, then the id carried in the body.
func idempotencyKey(msg *consumer.Message, payload usagePayload) string {
	if k := strings.TrimSpace(msg.Headers[HeaderIdempotencyKey]); k != "" {
		return k
	}
	if id := strings.TrimSpace(msg.Headers[outbox.HeaderEventID]); id != "" {
		return UsageLimitExceeded + ":" + id
	}
	if id := strings.TrimSpace(payload.EventID); id != "" {
		return UsageLimitExceeded + ":" + id
	}
	return ""
}
