// Package memory provides an in-process outbox store for tests and
// single-node development. Appends join the tx.InMemoryRunner journal.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	dErrors "relay/pkg/domain-errors"
	"relay/pkg/platform/outbox"
	txcontext "relay/pkg/platform/tx"
)

type Store struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	nextID int64
	events map[int64]*outbox.Event
}

func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:  clock,
		events: make(map[int64]*outbox.Event),
	}
}

// Append assigns the id immediately; the row becomes visible only when the
// surrounding unit of work commits. Rolled-back ids leave gaps, like a sequence.
func (s *Store) Append(ctx context.Context, event *outbox.Event) error {
	journal, ok := txcontext.JournalFrom(ctx)
	if !ok {
		return outbox.ErrNoTransaction
	}
	if err := outbox.Prepare(ctx, event, s.clock.Now()); err != nil {
		return err
	}

	s.mu.Lock()
	s.nextID++
	event.ID = s.nextID
	s.mu.Unlock()

	row := event.Clone()
	journal.OnCommit(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events[row.ID] = row
	})
	return nil
}

func (s *Store) Claim(ctx context.Context, req outbox.ClaimRequest) ([]*outbox.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "claim outbox events")
	}
	if req.Limit <= 0 {
		return nil, nil
	}
	if req.Limit > outbox.MaxClaimBatch {
		req.Limit = outbox.MaxClaimBatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	open := s.sortedLocked(func(e *outbox.Event) bool { return e.Status.Claimable() })
	heads := make(map[string]bool)
	leaseUntil := req.Now.Add(req.Lease)

	claimed := make([]*outbox.Event, 0, req.Limit)
	for _, e := range open {
		isHead := !heads[e.AggregateKey()]
		heads[e.AggregateKey()] = true
		if req.HeadsOnly && !isHead {
			continue
		}
		if e.AvailableAt.After(req.Now) || (e.LeasedUntil != nil && e.LeasedUntil.After(req.Now)) {
			continue
		}
		until := leaseUntil
		e.LeasedUntil = &until
		claimed = append(claimed, e.Clone())
		if len(claimed) == req.Limit {
			break
		}
	}
	return claimed, nil
}

func (s *Store) MarkSent(_ context.Context, id int64, sentAt time.Time) error {
	return s.transition(id, outbox.StatusSent, func(e *outbox.Event) {
		t := sentAt
		e.SentAt = &t
		e.LastError = ""
	})
}

func (s *Store) MarkFailed(_ context.Context, id int64, attempts int, nextAvailableAt time.Time, lastErr string) error {
	return s.transition(id, outbox.StatusFailed, func(e *outbox.Event) {
		e.Attempts = attempts
		e.LastError = outbox.TruncateError(lastErr)
		if nextAvailableAt.After(e.AvailableAt) {
			e.AvailableAt = nextAvailableAt
		}
	})
}

func (s *Store) MarkDeadLetter(_ context.Context, id int64, attempts int, lastErr string) error {
	return s.transition(id, outbox.StatusDeadLetter, func(e *outbox.Event) {
		e.Attempts = attempts
		e.LastError = outbox.TruncateError(lastErr)
	})
}

func (s *Store) Requeue(_ context.Context, id int64, now time.Time) error {
	return s.transition(id, outbox.StatusPending, func(e *outbox.Event) {
		e.Attempts = 0
		e.LastError = ""
		if now.After(e.AvailableAt) {
			e.AvailableAt = now
		}
	})
}

func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]*outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dead := s.sortedLocked(func(e *outbox.Event) bool { return e.Status == outbox.StatusDeadLetter })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	out := make([]*outbox.Event, len(dead))
	for i, e := range dead {
		out[i] = e.Clone()
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context, now time.Time) (outbox.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		stats  outbox.Stats
		oldest time.Time
	)
	for _, e := range s.events {
		switch e.Status {
		case outbox.StatusPending:
			stats.Pending++
		case outbox.StatusFailed:
			stats.Failed++
		case outbox.StatusDeadLetter:
			stats.DeadLetter++
			continue
		default:
			continue
		}
		if oldest.IsZero() || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
	}
	if !oldest.IsZero() && now.After(oldest) {
		stats.OldestPendingAge = now.Sub(oldest)
	}
	return stats, nil
}

func (s *Store) Get(_ context.Context, id int64) (*outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "outbox event not found")
	}
	return e.Clone(), nil
}

// All returns every committed event in id order.
func (s *Store) All() []*outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.sortedLocked(func(*outbox.Event) bool { return true })
	out := make([]*outbox.Event, len(rows))
	for i, e := range rows {
		out[i] = e.Clone()
	}
	return out
}

func (s *Store) transition(id int64, next outbox.Status, apply func(e *outbox.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return dErrors.New(dErrors.CodeNotFound, "outbox event not found")
	}
	if !e.Status.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeConflict, "outbox event is "+string(e.Status)+", cannot move to "+string(next))
	}
	e.Status = next
	e.LeasedUntil = nil
	apply(e)
	return nil
}

func (s *Store) sortedLocked(keep func(e *outbox.Event) bool) []*outbox.Event {
	rows := make([]*outbox.Event, 0, len(s.events))
	for _, e := range s.events {
		if keep(e) {
			rows = append(rows, e)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}
