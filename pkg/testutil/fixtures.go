package testutil

import (
	"fmt"
	"time"

	"relay/internal/overage"
	"relay/pkg/platform/outbox"
)

// Tenants used across tests. Stable values keep failure output readable.
const (
	TenantA = "tenant-a"
	TenantB = "tenant-b"
)

// PeriodStart is the start of the default billing period in fixtures.
var PeriodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// EffectBuilder provides a fluent interface for building overage effects.
type EffectBuilder struct {
	effect overage.Effect
}

// NewEffectBuilder starts from a valid one-month API call overage.
func NewEffectBuilder() *EffectBuilder {
	return &EffectBuilder{
		effect: overage.Effect{
			FeatureKey:     "api_calls",
			Quantity:       100,
			UnitPriceMinor: 5,
			Currency:       "USD",
			PeriodStart:    PeriodStart,
			PeriodEnd:      PeriodStart.AddDate(0, 1, 0),
			OccurredAt:     PeriodStart.Add(48 * time.Hour),
		},
	}
}

func (b *EffectBuilder) WithFeature(key string) *EffectBuilder {
	b.effect.FeatureKey = key
	return b
}

func (b *EffectBuilder) WithQuantity(q int64) *EffectBuilder {
	b.effect.Quantity = q
	return b
}

func (b *EffectBuilder) WithPrice(unitMinor int64, currency string) *EffectBuilder {
	b.effect.UnitPriceMinor = unitMinor
	b.effect.Currency = currency
	return b
}

func (b *EffectBuilder) WithPeriod(start, end time.Time) *EffectBuilder {
	b.effect.PeriodStart = start
	b.effect.PeriodEnd = end
	return b
}

func (b *EffectBuilder) Build() overage.Effect {
	return b.effect
}

// IdempotencyKey returns a deterministic key for the n-th fixture.
func IdempotencyKey(n int) string {
	return fmt.Sprintf("usage.limit_exceeded:evt-%04d", n)
}

// NewOutboxEvent builds an unappended overage.recorded event for aggregateID.
func NewOutboxEvent(tenantID, aggregateID string) *outbox.Event {
	payload := fmt.Sprintf(`{"aggregate_id":%q}`, aggregateID)
	return outbox.NewEvent(overage.AggregateType, aggregateID, overage.EventRecorded, tenantID, []byte(payload))
}
