package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	dErrors "relay/pkg/domain-errors"
	"relay/pkg/platform/outbox"
	txcontext "relay/pkg/platform/tx"
	"relay/pkg/testutil"
)

type MemoryStoreSuite struct {
	suite.Suite
	clock  *clockwork.FakeClock
	store  *Store
	runner *txcontext.InMemoryRunner
	ctx    context.Context
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.clock = clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s.store = New(s.clock)
	s.runner = txcontext.NewInMemoryRunner()
	s.ctx = context.Background()
}

func (s *MemoryStoreSuite) append(aggregateID, eventType string) *outbox.Event {
	e := outbox.NewEvent("overage", aggregateID, eventType, "t1", []byte(`{}`))
	s.Require().NoError(s.runner.RunInTx(s.ctx, func(ctx context.Context) error {
		return s.store.Append(ctx, e)
	}))
	return e
}

func (s *MemoryStoreSuite) claim(limit int, headsOnly bool) []*outbox.Event {
	events, err := s.store.Claim(s.ctx, outbox.ClaimRequest{
		Limit:     limit,
		Now:       s.clock.Now(),
		Lease:     30 * time.Second,
		HeadsOnly: headsOnly,
	})
	s.Require().NoError(err)
	return events
}

func ids(events []*outbox.Event) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func (s *MemoryStoreSuite) TestAppendRequiresUnitOfWork() {
	err := s.store.Append(s.ctx, outbox.NewEvent("overage", "o-1", "overage.recorded", "t1", nil))
	s.ErrorIs(err, outbox.ErrNoTransaction)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	s.Empty(s.store.All())
}

func (s *MemoryStoreSuite) TestAppendCommitsWithUnitOfWork() {
	e := s.append("o-1", "overage.recorded")

	s.Equal(int64(1), e.ID)
	got, err := s.store.Get(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Equal(outbox.StatusPending, got.Status)
	s.Equal(s.clock.Now(), got.AvailableAt)
	s.Equal(s.clock.Now(), got.CreatedAt)
	s.Zero(got.Attempts)
}

func (s *MemoryStoreSuite) TestRolledBackAppendLeavesNoEvent() {
	err := s.runner.RunInTx(s.ctx, func(ctx context.Context) error {
		if err := s.store.Append(ctx, outbox.NewEvent("overage", "o-1", "overage.recorded", "t1", nil)); err != nil {
			return err
		}
		return errors.New("domain write failed")
	})
	s.Error(err)
	s.Empty(s.store.All())

	stats, err := s.store.Stats(s.ctx, s.clock.Now())
	s.Require().NoError(err)
	s.Zero(stats.Pending)
}

func (s *MemoryStoreSuite) TestClaimOrderAndLease() {
	first := s.append("o-1", "overage.recorded")
	second := s.append("o-2", "overage.recorded")

	claimed := s.claim(10, true)
	s.Equal([]int64{first.ID, second.ID}, ids(claimed))
	s.Require().NotNil(claimed[0].LeasedUntil)
	s.Equal(s.clock.Now().Add(30*time.Second), *claimed[0].LeasedUntil)
	s.Equal(s.clock.Now(), claimed[0].AvailableAt, "claiming does not move available_at")

	s.Empty(s.claim(10, true), "leased events stay hidden")

	s.clock.Advance(31 * time.Second)
	s.Equal([]int64{first.ID, second.ID}, ids(s.claim(10, true)), "expired lease makes events claimable again")
}

func (s *MemoryStoreSuite) TestClaimRespectsLimit() {
	for range 5 {
		s.append("o-1", "overage.recorded")
	}
	s.Len(s.claim(2, false), 2)
	s.Len(s.claim(10, false), 3)
}

func (s *MemoryStoreSuite) TestHeadsOnlyBlocksLaterEventsOfSameAggregate() {
	e1 := s.append("a", "overage.recorded")
	e2 := s.append("a", "overage.invoiced")
	other := s.append("b", "overage.recorded")

	s.Equal([]int64{e1.ID, other.ID}, ids(s.claim(10, true)))
	s.Require().NoError(s.store.MarkSent(s.ctx, other.ID, s.clock.Now()))

	// e1 fails and backs off: e2 must still wait behind it
	s.Require().NoError(s.store.MarkFailed(s.ctx, e1.ID, 1, s.clock.Now().Add(time.Minute), "broker down"))
	s.clock.Advance(45 * time.Second)
	s.Empty(s.claim(10, true))

	s.clock.Advance(30 * time.Second)
	s.Equal([]int64{e1.ID}, ids(s.claim(10, true)))
	s.Require().NoError(s.store.MarkSent(s.ctx, e1.ID, s.clock.Now()))

	s.Equal([]int64{e2.ID}, ids(s.claim(10, true)))
}

func (s *MemoryStoreSuite) TestBestEffortClaimsPastFailedHead() {
	e1 := s.append("a", "overage.recorded")
	e2 := s.append("a", "overage.invoiced")

	s.Equal([]int64{e1.ID, e2.ID}, ids(s.claim(10, false)))
	s.Require().NoError(s.store.MarkFailed(s.ctx, e1.ID, 1, s.clock.Now().Add(time.Hour), "broker down"))
	s.Require().NoError(s.store.MarkSent(s.ctx, e2.ID, s.clock.Now()))
}

func (s *MemoryStoreSuite) TestSentIsImmutable() {
	e := s.append("o-1", "overage.recorded")
	s.Require().NoError(s.store.MarkSent(s.ctx, e.ID, s.clock.Now()))

	err := s.store.MarkFailed(s.ctx, e.ID, 1, s.clock.Now(), "late failure")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	err = s.store.MarkDeadLetter(s.ctx, e.ID, 1, "late failure")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	err = s.store.Requeue(s.ctx, e.ID, s.clock.Now())
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	got, err := s.store.Get(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Equal(outbox.StatusSent, got.Status)
	s.Empty(got.LastError)
}

func (s *MemoryStoreSuite) TestMarkFailedReleasesLeaseAndAppliesBackoff() {
	e := s.append("o-1", "overage.recorded")
	s.claim(1, true)

	s.Require().NoError(s.store.MarkFailed(s.ctx, e.ID, 1, s.clock.Now().Add(2*time.Second), "boom"))
	got, err := s.store.Get(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Nil(got.LeasedUntil)
	s.Equal(s.clock.Now().Add(2*time.Second), got.AvailableAt)
	s.Equal(1, got.Attempts)
	s.Equal("boom", got.LastError)

	s.clock.Advance(2 * time.Second)
	s.Equal([]int64{e.ID}, ids(s.claim(1, true)), "retry is due after the backoff, not the lease")
}

func (s *MemoryStoreSuite) TestMarkFailedNeverMovesAvailableAtBackwards() {
	e := s.append("o-1", "overage.recorded")
	s.Require().NoError(s.store.MarkFailed(s.ctx, e.ID, 1, s.clock.Now().Add(time.Minute), "first"))
	s.Require().NoError(s.store.MarkFailed(s.ctx, e.ID, 2, s.clock.Now().Add(time.Second), "second"))

	got, err := s.store.Get(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Equal(s.clock.Now().Add(time.Minute), got.AvailableAt)
	s.Equal(2, got.Attempts)
}

func (s *MemoryStoreSuite) TestDeadLetterAndRequeue() {
	e := s.append("o-1", "overage.recorded")
	s.Require().NoError(s.store.MarkDeadLetter(s.ctx, e.ID, 5, "poison"))

	dead, err := s.store.ListDeadLetters(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal([]int64{e.ID}, ids(dead))
	s.Empty(s.claim(10, true), "dead letters are never claimed")

	s.Require().NoError(s.store.Requeue(s.ctx, e.ID, s.clock.Now()))
	got, err := s.store.Get(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Equal(outbox.StatusPending, got.Status)
	s.Zero(got.Attempts)
	s.Equal([]int64{e.ID}, ids(s.claim(10, true)))

	err = s.store.Requeue(s.ctx, e.ID, s.clock.Now())
	s.True(dErrors.HasCode(err, dErrors.CodeConflict), "only dead letters can be requeued")
}

func (s *MemoryStoreSuite) TestStats() {
	a := s.append("a", "overage.recorded")
	s.clock.Advance(time.Minute)
	b := s.append("b", "overage.recorded")
	c := s.append("c", "overage.recorded")
	d := s.append("d", "overage.recorded")

	s.Require().NoError(s.store.MarkFailed(s.ctx, b.ID, 1, s.clock.Now(), "x"))
	s.Require().NoError(s.store.MarkDeadLetter(s.ctx, c.ID, 5, "x"))
	s.Require().NoError(s.store.MarkSent(s.ctx, d.ID, s.clock.Now()))
	_ = a

	stats, err := s.store.Stats(s.ctx, s.clock.Now())
	s.Require().NoError(err)
	s.Equal(int64(1), stats.Pending)
	s.Equal(int64(1), stats.Failed)
	s.Equal(int64(1), stats.DeadLetter)
	s.Equal(time.Minute, stats.OldestPendingAge)
}

func (s *MemoryStoreSuite) TestGetUnknown() {
	_, err := s.store.Get(s.ctx, 42)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *MemoryStoreSuite) TestConcurrentClaimersNeverShareEvents() {
	for i := range 200 {
		s.append(string(rune('a'+i%26))+"-agg", "overage.recorded")
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
	)
	result := testutil.RunConcurrent(8, func(int) error {
		for {
			events, err := s.store.Claim(s.ctx, outbox.ClaimRequest{Limit: 7, Now: s.clock.Now(), Lease: time.Minute})
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return nil
			}
			mu.Lock()
			for _, e := range events {
				seen[e.ID]++
			}
			mu.Unlock()
		}
	})

	s.Equal(int32(8), result.Successes)
	s.Len(seen, 200)
	for id, n := range seen {
		s.Equal(1, n, "event %d claimed %d times", id, n)
	}
}
