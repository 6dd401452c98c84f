package overage

import (
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/uuid"

	dErrors "relay/pkg/domain-errors"
)

const AggregateType = "overage"

// Event types appended to the outbox. Consumers key on these names.
const (
	EventRecorded = "overage.recorded"
	EventInvoiced = "overage.invoiced"
	EventCanceled = "overage.canceled"
)

type Status string

const (
	StatusRecorded Status = "RECORDED"
	StatusInvoiced Status = "INVOICED"
	StatusCanceled Status = "CANCELED"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusRecorded, StatusInvoiced, StatusCanceled:
		return true
	}
	return false
}

// CanTransitionTo reports whether a record may move from s to next.
// INVOICED and CANCELED are terminal.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusRecorded && (next == StatusInvoiced || next == StatusCanceled)
}

// Effect is the billable fact a caller wants recorded at most once.
type Effect struct {
	FeatureKey     string    `json:"feature_key" validate:"required,max=128"`
	Quantity       int64     `json:"quantity" validate:"gt=0"`
	UnitPriceMinor int64     `json:"unit_price_minor" validate:"gte=0"`
	Currency       string    `json:"currency" validate:"required,currency"`
	PeriodStart    time.Time `json:"period_start" validate:"required"`
	PeriodEnd      time.Time `json:"period_end" validate:"required,gtfield=PeriodStart"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Record is one billable overage. (TenantID, IdempotencyKey) is unique.
type Record struct {
	ID             uuid.UUID
	TenantID       string
	IdempotencyKey string
	FeatureKey     string
	Quantity       int64
	UnitPriceMinor int64
	Currency       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Status         Status
	OccurredAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewRecord(tenantID, key string, effect Effect, now time.Time) *Record {
	occurred := effect.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	return &Record{
		ID:             uuid.New(),
		TenantID:       tenantID,
		IdempotencyKey: key,
		FeatureKey:     effect.FeatureKey,
		Quantity:       effect.Quantity,
		UnitPriceMinor: effect.UnitPriceMinor,
		Currency:       effect.Currency,
		PeriodStart:    effect.PeriodStart.UTC(),
		PeriodEnd:      effect.PeriodEnd.UTC(),
		Status:         StatusRecorded,
		OccurredAt:     occurred.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Amount is quantity times unit price in the record's currency.
func (r *Record) Amount() *money.Money {
	return money.New(r.Quantity*r.UnitPriceMinor, r.Currency)
}

// Transition moves the record to next, enforcing the lifecycle.
func (r *Record) Transition(next Status, now time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeInvariantViolation,
			"overage cannot move from "+string(r.Status)+" to "+string(next))
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Snapshot is the audit view of a record.
func (r *Record) Snapshot() map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"id":               r.ID.String(),
		"idempotency_key":  r.IdempotencyKey,
		"feature_key":      r.FeatureKey,
		"quantity":         r.Quantity,
		"unit_price_minor": r.UnitPriceMinor,
		"currency":         r.Currency,
		"status":           string(r.Status),
	}
}

// EventPayload is the outbox body of every overage event.
type EventPayload struct {
	OverageID      string    `json:"overage_id"`
	TenantID       string    `json:"tenant_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	FeatureKey     string    `json:"feature_key"`
	Quantity       int64     `json:"quantity"`
	UnitPriceMinor int64     `json:"unit_price_minor"`
	AmountMinor    int64     `json:"amount_minor"`
	Currency       string    `json:"currency"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	Status         Status    `json:"status"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (r *Record) Payload() EventPayload {
	return EventPayload{
		OverageID:      r.ID.String(),
		TenantID:       r.TenantID,
		IdempotencyKey: r.IdempotencyKey,
		FeatureKey:     r.FeatureKey,
		Quantity:       r.Quantity,
		UnitPriceMinor: r.UnitPriceMinor,
		AmountMinor:    r.Amount().Amount(),
		Currency:       r.Currency,
		PeriodStart:    r.PeriodStart,
		PeriodEnd:      r.PeriodEnd,
		Status:         r.Status,
		OccurredAt:     r.OccurredAt,
	}
}
