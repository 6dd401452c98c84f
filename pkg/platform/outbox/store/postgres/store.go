package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	dErrors "relay/pkg/domain-errors"
	"relay/pkg/platform/outbox"
	txcontext "relay/pkg/platform/tx"
)

const eventColumns = `id, aggregate_type, aggregate_id, event_type, tenant_id, payload, headers,
	status, available_at, leased_until, attempts, COALESCE(last_error, ''), created_at, sent_at`

const returningColumns = `o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.tenant_id, o.payload, o.headers,
	o.status, o.available_at, o.leased_until, o.attempts, COALESCE(o.last_error, ''), o.created_at, o.sent_at`

const insertEvent = `
INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, tenant_id, payload, headers, status, attempts, available_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', 0, $7, $7)
RETURNING id`

// claimAny leases due rows in id order. The CTE takes the row locks;
// SKIP LOCKED lets concurrent claimers pass over each other's rows.
const claimAny = `
WITH claimed AS (
	SELECT e.id FROM outbox_events e
	WHERE e.status IN ('PENDING', 'FAILED') AND e.available_at <= $1
	  AND (e.leased_until IS NULL OR e.leased_until <= $1)
	ORDER BY e.id
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE outbox_events o SET leased_until = $2
FROM claimed WHERE o.id = claimed.id
RETURNING ` + returningColumns

// claimHeads only considers the oldest unfinished row of each aggregate.
// A head leased by another claimer is still unfinished, so the rows behind
// it stay excluded until its status is updated.
const claimHeads = `
WITH claimed AS (
	SELECT e.id FROM outbox_events e
	WHERE e.status IN ('PENDING', 'FAILED') AND e.available_at <= $1
	  AND (e.leased_until IS NULL OR e.leased_until <= $1)
	  AND NOT EXISTS (
		SELECT 1 FROM outbox_events p
		WHERE p.aggregate_type = e.aggregate_type
		  AND p.aggregate_id = e.aggregate_id
		  AND p.status IN ('PENDING', 'FAILED')
		  AND p.id < e.id
	  )
	ORDER BY e.id
	LIMIT $3
	FOR UPDATE OF e SKIP LOCKED
)
UPDATE outbox_events o SET leased_until = $2
FROM claimed WHERE o.id = claimed.id
RETURNING ` + returningColumns

const markSent = `
UPDATE outbox_events SET status = 'SENT', sent_at = $2, leased_until = NULL, last_error = NULL
WHERE id = $1 AND status IN ('PENDING', 'FAILED')`

const markFailed = `
UPDATE outbox_events SET status = 'FAILED', leased_until = NULL, attempts = $2, available_at = GREATEST(available_at, $3), last_error = $4
WHERE id = $1 AND status IN ('PENDING', 'FAILED')`

const markDeadLetter = `
UPDATE outbox_events SET status = 'DEAD_LETTER', leased_until = NULL, attempts = $2, last_error = $3
WHERE id = $1 AND status IN ('PENDING', 'FAILED')`

const requeue = `
UPDATE outbox_events SET status = 'PENDING', leased_until = NULL, attempts = 0, available_at = GREATEST(available_at, $2), last_error = NULL
WHERE id = $1 AND status = 'DEAD_LETTER'`

const stats = `
SELECT
	COUNT(*) FILTER (WHERE status = 'PENDING'),
	COUNT(*) FILTER (WHERE status = 'FAILED'),
	COUNT(*) FILTER (WHERE status = 'DEAD_LETTER'),
	MIN(created_at) FILTER (WHERE status IN ('PENDING', 'FAILED'))
FROM outbox_events
WHERE status <> 'SENT'`

// Store implements outbox.Store using PostgreSQL through database/sql.
type Store struct {
	db           *sql.DB
	clock        clockwork.Clock
	claimTimeout time.Duration
}

type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithClaimTimeout bounds the claim transaction. Default is 5s.
func WithClaimTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.claimTimeout = d
		}
	}
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:           db,
		clock:        clockwork.NewRealClock(),
		claimTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append inserts the event with the transaction carried by ctx.
func (s *Store) Append(ctx context.Context, event *outbox.Event) error {
	tx, ok := txcontext.From(ctx)
	if !ok {
		return outbox.ErrNoTransaction
	}
	if err := outbox.Prepare(ctx, event, s.clock.Now()); err != nil {
		return err
	}

	headers, err := encodeHeaders(event.Headers)
	if err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx, insertEvent,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.TenantID,
		event.Payload,
		string(headers),
		event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransient, "insert outbox event")
	}
	return nil
}

// Claim runs in its own short transaction and never joins a caller's.
func (s *Store) Claim(ctx context.Context, req outbox.ClaimRequest) ([]*outbox.Event, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	if req.Limit > outbox.MaxClaimBatch {
		req.Limit = outbox.MaxClaimBatch
	}

	ctx, cancel := context.WithTimeout(ctx, s.claimTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err, "begin claim")
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // rollback after commit is no-op
	}()

	query := claimAny
	if req.HeadsOnly {
		query = claimHeads
	}
	rows, err := tx.QueryContext(ctx, query, req.Now, req.Now.Add(req.Lease), req.Limit)
	if err != nil {
		return nil, classify(err, "claim outbox events")
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, classify(err, "scan claimed events")
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err, "commit claim")
	}

	// RETURNING does not preserve the CTE order.
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (s *Store) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	return s.update(ctx, id, "mark outbox event sent", markSent, id, sentAt)
}

func (s *Store) MarkFailed(ctx context.Context, id int64, attempts int, nextAvailableAt time.Time, lastErr string) error {
	return s.update(ctx, id, "mark outbox event failed", markFailed, id, attempts, nextAvailableAt, outbox.TruncateError(lastErr))
}

func (s *Store) MarkDeadLetter(ctx context.Context, id int64, attempts int, lastErr string) error {
	return s.update(ctx, id, "dead-letter outbox event", markDeadLetter, id, attempts, outbox.TruncateError(lastErr))
}

func (s *Store) Requeue(ctx context.Context, id int64, now time.Time) error {
	return s.update(ctx, id, "requeue outbox event", requeue, id, now)
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*outbox.Event, error) {
	if limit <= 0 || limit > outbox.MaxClaimBatch {
		limit = outbox.MaxClaimBatch
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events WHERE status = 'DEAD_LETTER' ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, classify(err, "list dead letters")
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, classify(err, "scan dead letters")
	}
	return events, nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (outbox.Stats, error) {
	var (
		st     outbox.Stats
		oldest sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, stats).Scan(&st.Pending, &st.Failed, &st.DeadLetter, &oldest)
	if err != nil {
		return outbox.Stats{}, classify(err, "outbox stats")
	}
	if oldest.Valid && now.After(oldest.Time) {
		st.OldestPendingAge = now.Sub(oldest.Time)
	}
	return st, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*outbox.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dErrors.New(dErrors.CodeNotFound, "outbox event not found")
	}
	if err != nil {
		return nil, classify(err, "get outbox event")
	}
	return event, nil
}

// update runs a guarded status change. When nothing matched it reports
// CodeNotFound or CodeConflict depending on whether the row exists.
func (s *Store) update(ctx context.Context, id int64, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, op)
	}
	if n > 0 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("%s: event %d is %s", op, id, current.Status))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*outbox.Event, error) {
	var (
		e       outbox.Event
		status  string
		headers []byte
		leased  sql.NullTime
		sentAt  sql.NullTime
	)
	if err := row.Scan(
		&e.ID,
		&e.AggregateType,
		&e.AggregateID,
		&e.EventType,
		&e.TenantID,
		&e.Payload,
		&headers,
		&status,
		&e.AvailableAt,
		&leased,
		&e.Attempts,
		&e.LastError,
		&e.CreatedAt,
		&sentAt,
	); err != nil {
		return nil, err
	}
	e.Status = outbox.Status(status)
	if sentAt.Valid {
		t := sentAt.Time
		e.SentAt = &t
	}
	if leased.Valid {
		t := leased.Time
		e.LeasedUntil = &t
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &e.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of event %d: %w", e.ID, err)
		}
		if len(e.Headers) == 0 {
			e.Headers = nil
		}
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*outbox.Event, error) {
	defer func() {
		_ = rows.Close() //nolint:errcheck // read-only cursor
	}()
	var events []*outbox.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func encodeHeaders(h map[string]string) ([]byte, error) {
	if len(h) == 0 {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode outbox headers: %w", err)
	}
	return b, nil
}

func classify(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, op)
	}
	return dErrors.Wrap(err, dErrors.CodeTransient, op)
}
