package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"relay/pkg/platform/audit"
)

const insertEvent = `
	INSERT INTO audit_events (
		id, tenant_id, action, entity, entity_id, sensitivity,
		data_class, outcome, message, diff, request_id, occurred_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO NOTHING
`

const listByEntity = `
	SELECT id, tenant_id, action, entity, entity_id, sensitivity,
		   data_class, outcome, message, diff, request_id, occurred_at
	FROM audit_events
	WHERE tenant_id = $1 AND entity = $2 AND entity_id = $3
	ORDER BY occurred_at, id
`

// Sink persists audit events to the audit_events table. Inserts are keyed by
// event id, so a redelivered event is written once.
type Sink struct {
	db *sql.DB
}

func New(db *sql.DB) *Sink {
	return &Sink{db: db}
}

func (s *Sink) Name() string {
	return "postgres"
}

func (s *Sink) Send(ctx context.Context, e audit.Event) error {
	var diff any
	if e.Diff != nil {
		raw, err := json.Marshal(e.Diff)
		if err != nil {
			return fmt.Errorf("marshal audit diff: %w", err)
		}
		diff = string(raw)
	}

	_, err := s.db.ExecContext(ctx, insertEvent,
		e.ID,
		e.TenantID,
		e.Action,
		e.Entity,
		e.EntityID,
		string(e.Sensitivity),
		string(e.DataClass),
		string(e.Outcome),
		e.Message,
		diff,
		e.RequestID,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByEntity returns the audit trail of one entity, oldest first.
func (s *Sink) ListByEntity(ctx context.Context, tenantID, entity, entityID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, listByEntity, tenantID, entity, entityID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e                               audit.Event
			sensitivity, dataClass, outcome string
			diff                            []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Action, &e.Entity, &e.EntityID,
			&sensitivity, &dataClass, &outcome, &e.Message, &diff, &e.RequestID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Sensitivity = audit.Sensitivity(sensitivity)
		e.DataClass = audit.DataClass(dataClass)
		e.Outcome = audit.Outcome(outcome)
		if len(diff) > 0 {
			e.Diff = &audit.Diff{}
			if err := json.Unmarshal(diff, e.Diff); err != nil {
				return nil, fmt.Errorf("decode audit diff: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
