// Package tx defines the unit-of-work boundary shared by the ledger and the
// outbox. The active transaction travels in the context so that stores can
// join it without changing their signatures.
package tx

import (
	"context"
	"database/sql"
)

// Runner executes fn inside a single unit of work. Every store call made with
// the context passed to fn participates in the same commit or rollback.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

// WithTx attaches a SQL transaction to ctx.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// From returns the SQL transaction carried by ctx, if any.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

// Active reports whether ctx carries any unit of work, SQL or in-memory.
func Active(ctx context.Context) bool {
	if _, ok := From(ctx); ok {
		return true
	}
	_, ok := JournalFrom(ctx)
	return ok
}
