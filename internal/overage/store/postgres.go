package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"relay/internal/overage"
	dErrors "relay/pkg/domain-errors"
	txcontext "relay/pkg/platform/tx"
)

const recordColumns = `id, tenant_id, idempotency_key, feature_key, quantity, unit_price_minor, currency,
	period_start, period_end, status, occurred_at, created_at, updated_at`

const uniqueViolation = "23505"

// PostgresStore persists overages in PostgreSQL. The overages_tenant_idempotency_key
// constraint is what makes RecordOnce safe across processes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn joins the transaction carried by ctx, if any.
func (s *PostgresStore) conn(ctx context.Context) execer {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Insert(ctx context.Context, rec *overage.Record) error {
	query := `
		INSERT INTO overages (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.conn(ctx).ExecContext(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.IdempotencyKey,
		rec.FeatureKey,
		rec.Quantity,
		rec.UnitPriceMinor,
		rec.Currency,
		rec.PeriodStart,
		rec.PeriodEnd,
		string(rec.Status),
		rec.OccurredAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert overage %s: %w", rec.IdempotencyKey, overage.ErrDuplicateKey)
		}
		return fmt.Errorf("insert overage: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByKey(ctx context.Context, tenantID, key string) (*overage.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM overages WHERE tenant_id = $1 AND idempotency_key = $2`
	rec, err := scanRecord(s.conn(ctx).QueryRowContext(ctx, query, tenantID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dErrors.New(dErrors.CodeNotFound, "overage not found")
		}
		return nil, fmt.Errorf("find overage by key: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FindByIDForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*overage.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM overages WHERE tenant_id = $1 AND id = $2 FOR UPDATE`
	rec, err := scanRecord(s.conn(ctx).QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dErrors.New(dErrors.CodeNotFound, "overage not found")
		}
		return nil, fmt.Errorf("find overage for update: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, rec *overage.Record) error {
	query := `UPDATE overages SET status = $3, updated_at = $4 WHERE tenant_id = $1 AND id = $2`
	res, err := s.conn(ctx).ExecContext(ctx, query, rec.TenantID, rec.ID, string(rec.Status), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update overage status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update overage status: %w", err)
	}
	if n == 0 {
		return dErrors.New(dErrors.CodeNotFound, "overage not found")
	}
	return nil
}

func (s *PostgresStore) ListForPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]*overage.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM overages
		WHERE tenant_id = $1 AND period_start < $3 AND period_end > $2
		ORDER BY period_start, created_at`
	rows, err := s.conn(ctx).QueryContext(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list overages: %w", err)
	}
	defer rows.Close()

	var out []*overage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overage: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overages: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*overage.Record, error) {
	var (
		rec    overage.Record
		status string
	)
	err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.IdempotencyKey,
		&rec.FeatureKey,
		&rec.Quantity,
		&rec.UnitPriceMinor,
		&rec.Currency,
		&rec.PeriodStart,
		&rec.PeriodEnd,
		&status,
		&rec.OccurredAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = overage.Status(status)
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
