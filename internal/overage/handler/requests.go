package handler

import (
	"strings"
	"time"

	"relay/internal/overage"
	dErrors "relay/pkg/domain-errors"
)

// RecordOverageRequest is the body of POST /v1/overages.
type RecordOverageRequest struct {
	FeatureKey     string    `json:"feature_key"`
	Quantity       int64     `json:"quantity"`
	UnitPriceMinor int64     `json:"unit_price_minor"`
	Currency       string    `json:"currency"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (r *RecordOverageRequest) Normalize() {
	if r == nil {
		return
	}
	r.FeatureKey = strings.TrimSpace(r.FeatureKey)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
}

// Validate only checks shape; the ledger owns the business rules.
func (r *RecordOverageRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "request is required")
	}
	if r.FeatureKey == "" {
		return dErrors.New(dErrors.CodeValidation, "feature_key is required")
	}
	if r.Currency == "" {
		return dErrors.New(dErrors.CodeValidation, "currency is required")
	}
	return nil
}

func (r *RecordOverageRequest) ToEffect() overage.Effect {
	return overage.Effect{
		FeatureKey:     r.FeatureKey,
		Quantity:       r.Quantity,
		UnitPriceMinor: r.UnitPriceMinor,
		Currency:       r.Currency,
		PeriodStart:    r.PeriodStart,
		PeriodEnd:      r.PeriodEnd,
		OccurredAt:     r.OccurredAt,
	}
}
