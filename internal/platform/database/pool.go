package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"relay/internal/platform/config"
)

const pingTimeout = 5 * time.Second

// ErrNotConfigured is returned by Check on a pool that was never opened.
var ErrNotConfigured = errors.New("database not configured")

// Pool owns the service's *sql.DB. The outbox, ledger and audit stores all
// share it so their writes can join one transaction.
type Pool struct {
	db *sql.DB
}

// New opens a pgx-backed pool and pings it. It returns a nil pool when no
// URL is configured; the server then runs on in-memory stores. Pool stats are
// exported on reg as go_sql_* series labelled db_name="relay".
func New(ctx context.Context, cfg config.Database, reg prometheus.Registerer) (*Pool, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p, err := newPool(db, reg)
	if err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, err
	}
	return p, nil
}

func newPool(db *sql.DB, reg prometheus.Registerer) (*Pool, error) {
	if reg != nil {
		if err := reg.Register(collectors.NewDBStatsCollector(db, "relay")); err != nil {
			return nil, fmt.Errorf("register pool metrics: %w", err)
		}
	}
	return &Pool{db: db}, nil
}

func (p *Pool) DB() *sql.DB {
	return p.db
}

func (p *Pool) Check(ctx context.Context) error {
	if p == nil || p.db == nil {
		return ErrNotConfigured
	}
	return p.db.PingContext(ctx)
}

func (p *Pool) Name() string {
	return "postgres"
}

func (p *Pool) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
