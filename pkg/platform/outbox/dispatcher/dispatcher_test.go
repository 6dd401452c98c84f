package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/mock/gomock"

	"relay/pkg/platform/outbox"
	"relay/pkg/platform/outbox/metrics"
	"relay/pkg/platform/outbox/mocks"
	"relay/pkg/platform/outbox/store/memory"
	txcontext "relay/pkg/platform/tx"
)

type DispatcherSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	bus     *mocks.MockMessageBus
	clock   *clockwork.FakeClock
	store   *memory.Store
	runner  *txcontext.InMemoryRunner
	metrics *metrics.Metrics
	ctx     context.Context
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.bus = mocks.NewMockMessageBus(s.ctrl)
	s.clock = clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s.store = memory.New(s.clock)
	s.runner = txcontext.NewInMemoryRunner()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.ctx = context.Background()
}

func (s *DispatcherSuite) newDispatcher(opts ...Option) *Dispatcher {
	base := []Option{
		WithClock(s.clock),
		WithMetrics(s.metrics),
		WithBackoff(outbox.Backoff{Base: time.Second, Max: 8 * time.Second}),
		WithMaxAttempts(5),
		WithLease(time.Minute),
		WithPublishTimeout(time.Second),
	}
	return New(s.store, s.bus, append(base, opts...)...)
}

func (s *DispatcherSuite) appendEvent(ctx context.Context, aggregateID, eventType string) *outbox.Event {
	e := outbox.NewEvent("overage", aggregateID, eventType, "t1", []byte(`{"aggregate":"`+aggregateID+`"}`))
	s.Require().NoError(s.runner.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.Append(ctx, e)
	}))
	return e
}

func (s *DispatcherSuite) status(id int64) *outbox.Event {
	e, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	return e
}

func (s *DispatcherSuite) TestPublishesWithAggregateKeyAndHeaders() {
	e1 := s.appendEvent(s.ctx, "a", "overage.recorded")
	e2 := s.appendEvent(s.ctx, "b", "overage.recorded")

	var got []outbox.Message
	s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg outbox.Message) error {
			got = append(got, msg)
			return nil
		}).Times(2)

	res := s.newDispatcher(WithTopicPrefix("relay.")).DispatchOnce(s.ctx)

	s.Equal(Result{Claimed: 2, Published: 2}, res)
	s.Require().Len(got, 2)
	s.Equal("relay.overage.recorded", got[0].Topic)
	s.Equal([]byte("a"), got[0].Key)
	s.Equal([]byte("b"), got[1].Key)
	s.Equal(fmt.Sprint(e1.ID), got[0].Headers[outbox.HeaderEventID])
	s.Equal("overage", got[0].Headers[outbox.HeaderAggregateType])
	s.Equal("a", got[0].Headers[outbox.HeaderAggregateID])
	s.Equal("t1", got[0].Headers[outbox.HeaderTenantID])
	s.Equal("overage.recorded", got[0].Headers[outbox.HeaderEventType])

	s.Equal(outbox.StatusSent, s.status(e1.ID).Status)
	s.Equal(outbox.StatusSent, s.status(e2.ID).Status)
	s.Equal(2.0, promtestutil.ToFloat64(s.metrics.PublishedTotal.WithLabelValues("overage.recorded")))
}

func (s *DispatcherSuite) TestFailureSchedulesMonotonicBackoff() {
	e := s.appendEvent(s.ctx, "a", "overage.recorded")
	s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker unavailable")).Times(4)

	d := s.newDispatcher()
	var previous time.Time
	for attempt := 1; attempt <= 4; attempt++ {
		res := d.DispatchOnce(s.ctx)
		s.Equal(1, res.Failed, "attempt %d", attempt)

		got := s.status(e.ID)
		s.Equal(outbox.StatusFailed, got.Status)
		s.Equal(attempt, got.Attempts)
		s.Equal("broker unavailable", got.LastError)
		s.True(got.AvailableAt.After(previous), "available_at must strictly increase")
		previous = got.AvailableAt

		s.Equal(Result{}, d.DispatchOnce(s.ctx), "not due before the backoff elapses")
		s.clock.Advance(got.AvailableAt.Sub(s.clock.Now()))
	}

	s.Equal(4.0, promtestutil.ToFloat64(s.metrics.PublishFailures.WithLabelValues("overage.recorded")))
}

func (s *DispatcherSuite) TestDeadLettersAfterMaxAttempts() {
	e := s.appendEvent(s.ctx, "a", "overage.recorded")
	s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("schema rejected")).Times(3)

	var hooked []*outbox.Event
	d := s.newDispatcher(
		WithMaxAttempts(3),
		WithDeadLetterHook(func(_ context.Context, ev *outbox.Event, cause error) {
			s.EqualError(cause, "schema rejected")
			hooked = append(hooked, ev)
		}),
	)

	for range 3 {
		d.DispatchOnce(s.ctx)
		s.clock.Advance(time.Minute)
	}

	got := s.status(e.ID)
	s.Equal(outbox.StatusDeadLetter, got.Status)
	s.Equal(3, got.Attempts)
	s.Require().Len(hooked, 1)
	s.Equal(e.ID, hooked[0].ID)
	s.Equal(outbox.StatusDeadLetter, hooked[0].Status)
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.DeadLettersTotal.WithLabelValues("overage.recorded")))

	s.Equal(Result{}, d.DispatchOnce(s.ctx), "dead letters are terminal for the dispatcher")
}

func (s *DispatcherSuite) TestPublishTimeoutCountsAsFailure() {
	e := s.appendEvent(s.ctx, "a", "overage.recorded")
	s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ outbox.Message) error {
			<-ctx.Done()
			return ctx.Err()
		})

	res := s.newDispatcher(WithPublishTimeout(20 * time.Millisecond)).DispatchOnce(s.ctx)

	s.Equal(1, res.Failed)
	got := s.status(e.ID)
	s.Equal(outbox.StatusFailed, got.Status)
	s.Contains(got.LastError, "deadline exceeded")
}

func (s *DispatcherSuite) TestLateSuccessAfterDeadlineCountsAsFailure() {
	s.appendEvent(s.ctx, "a", "overage.recorded")
	s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ outbox.Message) error {
			<-ctx.Done()
			return nil
		})

	res := s.newDispatcher(WithPublishTimeout(10 * time.Millisecond)).DispatchOnce(s.ctx)
	s.Equal(1, res.Failed)
	s.Zero(res.Published)
}

// E1 and E2 belong to the same aggregate and E1's first publish fails:
// E1 must still reach the bus before E2.
func (s *DispatcherSuite) TestStrictOrderingKeepsAggregateOrderAcrossRetries() {
	e1 := s.appendEvent(s.ctx, "A", "overage.recorded")
	e2 := s.appendEvent(s.ctx, "A", "overage.invoiced")

	var published []string
	record := func(err error) func(context.Context, outbox.Message) error {
		return func(_ context.Context, msg outbox.Message) error {
			published = append(published, msg.Headers[outbox.HeaderEventID])
			return err
		}
	}
	gomock.InOrder(
		s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(record(errors.New("broker down"))),
		s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(record(nil)),
		s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(record(nil)),
	)

	d := s.newDispatcher()
	s.Equal(1, d.DispatchOnce(s.ctx).Failed)
	s.Equal(Result{}, d.DispatchOnce(s.ctx), "E2 stays blocked while E1 backs off")

	s.clock.Advance(time.Second)
	s.Equal(1, d.DispatchOnce(s.ctx).Published)
	s.Equal(1, d.DispatchOnce(s.ctx).Published)

	s.Equal([]string{fmt.Sprint(e1.ID), fmt.Sprint(e1.ID), fmt.Sprint(e2.ID)}, published)
	s.Equal(outbox.StatusSent, s.status(e2.ID).Status)
	s.True(s.status(e1.ID).SentAt.Before(*s.status(e2.ID).SentAt) || s.status(e1.ID).SentAt.Equal(*s.status(e2.ID).SentAt))
}

func (s *DispatcherSuite) TestBestEffortDoesNotBlockAggregate() {
	e1 := s.appendEvent(s.ctx, "A", "overage.recorded")
	e2 := s.appendEvent(s.ctx, "A", "overage.invoiced")

	gomock.InOrder(
		s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down")),
		s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil),
	)

	res := s.newDispatcher(WithOrdering(outbox.OrderingBestEffort)).DispatchOnce(s.ctx)

	s.Equal(Result{Claimed: 2, Published: 1, Failed: 1}, res)
	s.Equal(outbox.StatusFailed, s.status(e1.ID).Status)
	s.Equal(outbox.StatusSent, s.status(e2.ID).Status)
}

func (s *DispatcherSuite) TestStrictSkipsRestOfAggregateInBatch() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockStore(ctrl)
	now := s.clock.Now()
	events := []*outbox.Event{
		{ID: 1, AggregateType: "overage", AggregateID: "A", EventType: "overage.recorded", AvailableAt: now},
		{ID: 2, AggregateType: "overage", AggregateID: "A", EventType: "overage.invoiced", AvailableAt: now},
		{ID: 3, AggregateType: "overage", AggregateID: "B", EventType: "overage.recorded", AvailableAt: now},
	}
	store.EXPECT().Claim(gomock.Any(), gomock.Any()).Return(events, nil)
	s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))
	store.EXPECT().MarkFailed(gomock.Any(), int64(1), 1, now.Add(time.Second), "broker down").Return(nil)
	s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)
	store.EXPECT().MarkSent(gomock.Any(), int64(3), now).Return(nil)

	d := New(store, s.bus, WithClock(s.clock), WithBackoff(outbox.Backoff{Base: time.Second, Max: time.Minute}))
	res := d.DispatchOnce(s.ctx)

	s.Equal(Result{Claimed: 3, Published: 1, Failed: 1, Skipped: 1}, res)
}

func (s *DispatcherSuite) TestMarkSentFailureIsCountedNotFatal() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockStore(ctrl)
	event := &outbox.Event{ID: 7, AggregateType: "overage", AggregateID: "A", EventType: "overage.recorded"}

	store.EXPECT().Claim(gomock.Any(), gomock.Any()).Return([]*outbox.Event{event}, nil)
	s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)
	store.EXPECT().MarkSent(gomock.Any(), int64(7), gomock.Any()).Return(errors.New("connection reset"))

	res := New(store, s.bus, WithClock(s.clock), WithMetrics(s.metrics)).DispatchOnce(s.ctx)

	s.Equal(Result{Claimed: 1, StateUpdateFailed: 1}, res)
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.StateUpdateErrors))
}

func (s *DispatcherSuite) TestClaimFailureAbortsCycle() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Claim(gomock.Any(), gomock.Any()).Return(nil, errors.New("db down"))

	res := New(store, s.bus, WithClock(s.clock), WithMetrics(s.metrics)).DispatchOnce(s.ctx)

	s.Error(res.ClaimErr)
	s.Zero(res.Claimed)
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.ClaimErrors))
}

func (s *DispatcherSuite) TestClaimRequestFollowsConfiguration() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Claim(gomock.Any(), outbox.ClaimRequest{
		Limit:     outbox.MaxClaimBatch,
		Now:       s.clock.Now(),
		Lease:     2 * time.Minute,
		HeadsOnly: false,
	}).Return(nil, nil)

	New(store, s.bus,
		WithClock(s.clock),
		WithBatchSize(5000),
		WithLease(2*time.Minute),
		WithOrdering(outbox.OrderingBestEffort),
	).DispatchOnce(s.ctx)
}

func (s *DispatcherSuite) TestEveryEventReachesTerminalState() {
	const total = 40
	for i := range total {
		s.appendEvent(s.ctx, fmt.Sprintf("agg-%d", i%7), "overage.recorded")
	}

	var mu sync.Mutex
	calls := map[string]int{}
	s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg outbox.Message) error {
			mu.Lock()
			defer mu.Unlock()
			id := msg.Headers[outbox.HeaderEventID]
			calls[id]++
			switch {
			case id == "13":
				return errors.New("poison message")
			case calls[id] == 1 && len(id)%2 == 0:
				return errors.New("transient")
			}
			return nil
		}).AnyTimes()

	d := s.newDispatcher(WithBatchSize(8), WithMaxAttempts(3))
	for range 100 {
		d.DispatchOnce(s.ctx)
		s.clock.Advance(10 * time.Second)
	}

	sent, dead := 0, 0
	for _, e := range s.store.All() {
		switch e.Status {
		case outbox.StatusSent:
			sent++
		case outbox.StatusDeadLetter:
			dead++
		default:
			s.Failf("event not finalized", "event %d is %s", e.ID, e.Status)
		}
	}
	s.Equal(total-1, sent)
	s.Equal(1, dead)
}

func (s *DispatcherSuite) TestPropagatesAppendTimeTrace() {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	s.T().Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	requestCtx := trace.ContextWithRemoteSpanContext(s.ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	s.appendEvent(requestCtx, "a", "overage.recorded")

	var headers map[string]string
	s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg outbox.Message) error {
			headers = msg.Headers
			return nil
		})

	s.newDispatcher().DispatchOnce(s.ctx)

	s.Require().Contains(headers, "traceparent")
	extracted := trace.SpanContextFromContext(outbox.ResumeTrace(context.Background(), headers))
	s.Equal(traceID, extracted.TraceID())
}

func (s *DispatcherSuite) TestStartPollsUntilStopped() {
	e := s.appendEvent(s.ctx, "a", "overage.recorded")
	s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	d := s.newDispatcher(WithPollInterval(100 * time.Millisecond))
	d.Start()

	waitCtx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	s.Require().NoError(s.clock.BlockUntilContext(waitCtx, 1))
	s.clock.Advance(100 * time.Millisecond)

	s.Eventually(func() bool {
		got, err := s.store.Get(s.ctx, e.ID)
		return err == nil && got.Status == outbox.StatusSent
	}, time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(s.ctx, time.Second)
	defer stopCancel()
	s.NoError(d.Stop(stopCtx))
}

func (s *DispatcherSuite) TestDrainOnStopPublishesRemaining() {
	e := s.appendEvent(s.ctx, "a", "overage.recorded")
	s.bus.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	d := s.newDispatcher(WithDrainOnStop(true), WithPollInterval(time.Hour))
	d.Start()

	stopCtx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	s.Require().NoError(d.Stop(stopCtx))
	s.Equal(outbox.StatusSent, s.status(e.ID).Status)
}

func (s *DispatcherSuite) TestUpdateMetrics() {
	s.appendEvent(s.ctx, "a", "overage.recorded")
	s.clock.Advance(30 * time.Second)

	s.Require().NoError(s.newDispatcher().UpdateMetrics(s.ctx))
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.PendingDepth))
	s.Equal(30.0, promtestutil.ToFloat64(s.metrics.OldestPendingAge))
}
