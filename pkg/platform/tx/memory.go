package tx

import (
	"context"
	"sync"
	"time"

	dErrors "relay/pkg/domain-errors"
)

// Journal buffers the writes of an in-memory unit of work. Operations
// registered with OnCommit run in order after fn succeeds and are discarded
// on rollback.
type Journal struct {
	ops []func()
}

func (j *Journal) OnCommit(op func()) {
	j.ops = append(j.ops, op)
}

type journalKey struct{}

// JournalFrom returns the in-memory journal carried by ctx, if any.
func JournalFrom(ctx context.Context) (*Journal, bool) {
	j, ok := ctx.Value(journalKey{}).(*Journal)
	return j, ok && j != nil
}

// InMemoryRunner serializes units of work for in-memory stores.
type InMemoryRunner struct {
	mu      sync.Mutex
	timeout time.Duration
}

func NewInMemoryRunner() *InMemoryRunner {
	return &InMemoryRunner{timeout: defaultTxTimeout}
}

func (r *InMemoryRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	if _, ok := JournalFrom(ctx); ok {
		return fn(ctx)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	journal := &Journal{}
	if err := fn(context.WithValue(ctx, journalKey{}, journal)); err != nil {
		return err
	}
	for _, op := range journal.ops {
		op()
	}
	return nil
}
