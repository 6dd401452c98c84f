package handler

import (
	"time"

	"relay/internal/overage"
)

type OverageResponse struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	FeatureKey     string    `json:"feature_key"`
	Quantity       int64     `json:"quantity"`
	UnitPriceMinor int64     `json:"unit_price_minor"`
	AmountMinor    int64     `json:"amount_minor"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	Status         string    `json:"status"`
	OccurredAt     time.Time `json:"occurred_at"`
	CreatedAt      time.Time `json:"created_at"`
}

type ListResponse struct {
	Overages []*OverageResponse `json:"overages"`
}

func toResponse(rec *overage.Record) *OverageResponse {
	amount := rec.Amount()
	return &OverageResponse{
		ID:             rec.ID.String(),
		TenantID:       rec.TenantID,
		IdempotencyKey: rec.IdempotencyKey,
		FeatureKey:     rec.FeatureKey,
		Quantity:       rec.Quantity,
		UnitPriceMinor: rec.UnitPriceMinor,
		AmountMinor:    amount.Amount(),
		Amount:         amount.Display(),
		Currency:       rec.Currency,
		PeriodStart:    rec.PeriodStart,
		PeriodEnd:      rec.PeriodEnd,
		Status:         string(rec.Status),
		OccurredAt:     rec.OccurredAt,
		CreatedAt:      rec.CreatedAt,
	}
}
