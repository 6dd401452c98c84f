// Package store holds the overage ledger stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/overage"
	dErrors "relay/pkg/domain-errors"
	txcontext "relay/pkg/platform/tx"
)

type key struct {
	tenantID string
	key      string
}

// InMemoryStore keeps records in process. Writes made inside a
// tx.InMemoryRunner unit of work become visible on commit.
type InMemoryStore struct {
	mu    sync.RWMutex
	byKey map[key]*overage.Record
	byID  map[uuid.UUID]*overage.Record
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		byKey: make(map[key]*overage.Record),
		byID:  make(map[uuid.UUID]*overage.Record),
	}
}

// Insert checks the unique key against committed rows. The in-memory runner
// serializes units of work, so two inserts for one key never both pass.
func (s *InMemoryStore) Insert(ctx context.Context, rec *overage.Record) error {
	k := key{rec.TenantID, rec.IdempotencyKey}
	row := rec.Clone()

	journal, inTx := txcontext.JournalFrom(ctx)
	if !inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, taken := s.byKey[k]; taken {
			return fmt.Errorf("insert overage %s: %w", rec.IdempotencyKey, overage.ErrDuplicateKey)
		}
		s.byKey[k] = row
		s.byID[row.ID] = row
		return nil
	}

	s.mu.RLock()
	_, taken := s.byKey[k]
	s.mu.RUnlock()
	if taken {
		return fmt.Errorf("insert overage %s: %w", rec.IdempotencyKey, overage.ErrDuplicateKey)
	}
	journal.OnCommit(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.byKey[k] = row
		s.byID[row.ID] = row
	})
	return nil
}

func (s *InMemoryStore) FindByKey(_ context.Context, tenantID, idempotencyKey string) (*overage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byKey[key{tenantID, idempotencyKey}]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "overage not found")
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) FindByIDForUpdate(_ context.Context, tenantID string, id uuid.UUID) (*overage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok || rec.TenantID != tenantID {
		return nil, dErrors.New(dErrors.CodeNotFound, "overage not found")
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) UpdateStatus(ctx context.Context, rec *overage.Record) error {
	s.mu.RLock()
	_, ok := s.byID[rec.ID]
	s.mu.RUnlock()
	if !ok {
		return dErrors.New(dErrors.CodeNotFound, "overage not found")
	}

	row := rec.Clone()
	s.write(ctx, func() {
		s.byID[row.ID] = row
		s.byKey[key{row.TenantID, row.IdempotencyKey}] = row
	})
	return nil
}

func (s *InMemoryStore) ListForPeriod(_ context.Context, tenantID string, from, to time.Time) ([]*overage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*overage.Record
	for _, rec := range s.byID {
		if rec.TenantID == tenantID && rec.PeriodStart.Before(to) && rec.PeriodEnd.After(from) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.Before(out[j].PeriodStart)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) write(ctx context.Context, op func()) {
	apply := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		op()
	}
	if journal, ok := txcontext.JournalFrom(ctx); ok {
		journal.OnCommit(apply)
		return
	}
	apply()
}
