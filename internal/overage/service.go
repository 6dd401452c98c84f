package overage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"relay/internal/overage/metrics"
	dErrors "relay/pkg/domain-errors"
	"relay/pkg/platform/audit"
	"relay/pkg/platform/outbox"
	txcontext "relay/pkg/platform/tx"
	"relay/pkg/requestcontext"
)

// Service is the idempotent overage ledger. Every state change commits
// together with its outbox event.
type Service struct {
	store   Store
	events  outbox.Store
	tx      txcontext.Runner
	audit   audit.Emitter
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock
}

func New(store Store, events outbox.Store, tx txcontext.Runner, opts ...Option) *Service {
	cfg := &serviceConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	clock := cfg.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:   store,
		events:  events,
		tx:      tx,
		audit:   cfg.audit,
		logger:  cfg.logger,
		metrics: cfg.metrics,
		clock:   clock,
	}
}

// RecordOnce records effect under (tenantID, key) at most once. The first
// caller gets isNew=true; every later or concurrent caller gets the stored
// record unchanged with isNew=false. A duplicate key is never an error.
func (s *Service) RecordOnce(ctx context.Context, tenantID, key string, effect Effect) (*Record, bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	if err := validateKey(tenantID, key); err != nil {
		return nil, false, err
	}
	effect.FeatureKey = strings.TrimSpace(effect.FeatureKey)
	effect.Currency = strings.ToUpper(strings.TrimSpace(effect.Currency))
	if err := validateEffect(effect); err != nil {
		return nil, false, err
	}

	ctx, err := requestcontext.BindTenant(ctx, tenantID)
	if err != nil {
		return nil, false, dErrors.New(dErrors.CodeValidation, "tenant id does not match the request tenant")
	}

	existing, err := s.store.FindByKey(ctx, tenantID, key)
	switch {
	case err == nil:
		s.replayed(ctx, existing)
		return existing, false, nil
	case !dErrors.HasCode(err, dErrors.CodeNotFound):
		return nil, false, storeErr(err, "look up overage")
	}

	rec := NewRecord(tenantID, key, effect, s.clock.Now())
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.store.Insert(txCtx, rec); err != nil {
			return err
		}
		return s.appendEvent(txCtx, rec, EventRecorded)
	})
	if errors.Is(err, ErrDuplicateKey) {
		// Lost the race: the unique index already holds the winner.
		s.metrics.IncConflict()
		winner, findErr := s.store.FindByKey(ctx, tenantID, key)
		if findErr != nil {
			return nil, false, storeErr(findErr, "look up winning overage")
		}
		s.replayed(ctx, winner)
		return winner, false, nil
	}
	if err != nil {
		return nil, false, storeErr(err, "record overage")
	}

	s.metrics.IncRecorded()
	s.emit(ctx, audit.Event{
		Action:   "overage.recorded",
		EntityID: rec.ID.String(),
		Diff:     &audit.Diff{After: rec.Snapshot()},
	})
	if s.logger != nil {
		s.logger.InfoContext(ctx, "overage recorded",
			"tenant_id", tenantID,
			"overage_id", rec.ID,
			"feature_key", rec.FeatureKey,
			"quantity", rec.Quantity,
		)
	}
	return rec, true, nil
}

func (s *Service) replayed(ctx context.Context, rec *Record) {
	s.metrics.IncReplayed()
	s.emit(ctx, audit.Event{
		Action:   "overage.replayed",
		EntityID: rec.ID.String(),
		Message:  "idempotency key already recorded",
	})
}

func (s *Service) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	if err := validateKey(tenantID, key); err != nil {
		return nil, err
	}
	rec, err := s.store.FindByKey(ctx, tenantID, key)
	if err != nil {
		return nil, storeErr(err, "get overage")
	}
	return rec, nil
}

// ListForPeriod returns the tenant's overages whose period overlaps [from, to).
func (s *Service) ListForPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "tenant id is required")
	}
	if !to.After(from) {
		return nil, dErrors.New(dErrors.CodeValidation, "period end must be after period start")
	}
	recs, err := s.store.ListForPeriod(ctx, tenantID, from, to)
	if err != nil {
		return nil, storeErr(err, "list overages")
	}
	return recs, nil
}

func (s *Service) MarkInvoiced(ctx context.Context, tenantID string, id uuid.UUID) (*Record, error) {
	return s.transition(ctx, tenantID, id, StatusInvoiced, EventInvoiced)
}

func (s *Service) Cancel(ctx context.Context, tenantID string, id uuid.UUID) (*Record, error) {
	return s.transition(ctx, tenantID, id, StatusCanceled, EventCanceled)
}

func (s *Service) transition(ctx context.Context, tenantID string, id uuid.UUID, next Status, eventType string) (*Record, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "tenant id is required")
	}
	if id == uuid.Nil {
		return nil, dErrors.New(dErrors.CodeValidation, "overage id is required")
	}
	ctx, err := requestcontext.BindTenant(ctx, tenantID)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, "tenant id does not match the request tenant")
	}

	var updated *Record
	diff := &audit.Diff{}
	template := audit.Event{
		Action:      eventType,
		Entity:      AggregateType,
		EntityID:    id.String(),
		Sensitivity: audit.SensitivityMedium,
		DataClass:   audit.DataClassConfidential,
		Diff:        diff,
	}
	err = audit.Instrument(ctx, s.audit, template, func(ctx context.Context) error {
		return s.tx.RunInTx(ctx, func(txCtx context.Context) error {
			rec, err := s.store.FindByIDForUpdate(txCtx, tenantID, id)
			if err != nil {
				return storeErr(err, "load overage")
			}
			diff.Before = rec.Snapshot()
			if err := rec.Transition(next, s.clock.Now()); err != nil {
				return &dErrors.Error{
					Code:    dErrors.CodeConflict,
					Message: "overage is already " + strings.ToLower(string(rec.Status)),
					Err:     err,
				}
			}
			if err := s.store.UpdateStatus(txCtx, rec); err != nil {
				return storeErr(err, "update overage")
			}
			if err := s.appendEvent(txCtx, rec, eventType); err != nil {
				return err
			}
			diff.After = rec.Snapshot()
			updated = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncTransition(string(next))
	return updated, nil
}

func (s *Service) appendEvent(ctx context.Context, rec *Record, eventType string) error {
	payload, err := json.Marshal(rec.Payload())
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode overage event")
	}
	event := outbox.NewEvent(AggregateType, rec.ID.String(), eventType, rec.TenantID, payload)
	if err := s.events.Append(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "append overage event")
	}
	return nil
}

func (s *Service) emit(ctx context.Context, e audit.Event) {
	if s.audit == nil {
		return
	}
	e.Entity = AggregateType
	e.Sensitivity = audit.SensitivityMedium
	e.DataClass = audit.DataClassConfidential
	s.audit.Dispatch(ctx, e)
}

// storeErr keeps domain codes and classifies everything else as transient.
func storeErr(err error, msg string) error {
	return dErrors.Wrap(err, dErrors.CodeTransient, msg)
}
