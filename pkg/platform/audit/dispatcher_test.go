package audit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"relay/pkg/platform/audit"
	"relay/pkg/platform/audit/metrics"
	"relay/pkg/platform/audit/mocks"
	"relay/pkg/platform/audit/sinks/memory"
	"relay/pkg/requestcontext"
)

type funcSink struct {
	name string
	send func(ctx context.Context, e audit.Event) error
}

func (f funcSink) Name() string { return f.name }

func (f funcSink) Send(ctx context.Context, e audit.Event) error { return f.send(ctx, e) }

type DispatcherSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	clock   *clockwork.FakeClock
	metrics *metrics.Metrics
	sink    *memory.Sink
	ctx     context.Context
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.clock = clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.sink = memory.New("")
	s.ctx = context.Background()
}

func (s *DispatcherSuite) event(entityID string) audit.Event {
	return audit.Event{
		TenantID:  "t1",
		Action:    "overage.recorded",
		Entity:    "overage",
		EntityID:  entityID,
		DataClass: audit.DataClassConfidential,
		Diff: &audit.Diff{
			After: map[string]any{"units": 5, "email": "ops@example.com"},
		},
	}
}

func (s *DispatcherSuite) TestSinkFailuresAreIsolated() {
	failing := mocks.NewMockSink(s.ctrl)
	failing.EXPECT().Name().Return("failing").AnyTimes()
	failing.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))
	panicking := funcSink{name: "panicking", send: func(context.Context, audit.Event) error {
		panic("boom")
	}}

	d := audit.NewDispatcher([]audit.Sink{failing, panicking, s.sink},
		audit.WithClock(s.clock), audit.WithMetrics(s.metrics))

	s.NotPanics(func() { d.Dispatch(s.ctx, s.event("o-1")) })
	s.Equal(1, s.sink.Len())
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.SinkFailures.WithLabelValues("failing", "error")))
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.SinkFailures.WithLabelValues("panicking", "panic")))
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.SinkDeliveries.WithLabelValues("memory")))
}

func (s *DispatcherSuite) TestMasksOnceBeforeFanOut() {
	masker := mocks.NewMockMasker(s.ctrl)
	masked := map[string]any{"units": 5, "email": audit.Redacted}
	masker.EXPECT().Mask("overage", gomock.Nil(), gomock.Any()).Return(nil, masked).Times(1)
	second := memory.New("second")

	d := audit.NewDispatcher([]audit.Sink{s.sink, second}, audit.WithMasker(masker))
	d.Dispatch(s.ctx, s.event("o-1"))

	s.Equal(audit.Redacted, s.sink.Events()[0].Diff.After["email"])
	s.Equal(audit.Redacted, second.Events()[0].Diff.After["email"])
}

func (s *DispatcherSuite) TestDefaultMaskerDoesNotMutateCaller() {
	d := audit.NewDispatcher([]audit.Sink{s.sink})
	e := s.event("o-1")

	d.Dispatch(s.ctx, e)

	s.Equal("ops@example.com", e.Diff.After["email"])
	got := s.sink.Events()[0]
	s.Equal(audit.Redacted, got.Diff.After["email"])
	s.Equal(5, got.Diff.After["units"])
}

func (s *DispatcherSuite) TestRestrictedDiffIsFullyRedacted() {
	masker := mocks.NewMockMasker(s.ctrl)
	d := audit.NewDispatcher([]audit.Sink{s.sink}, audit.WithMasker(masker))
	e := s.event("o-1")
	e.DataClass = audit.DataClassRestricted

	d.Dispatch(s.ctx, e)

	got := s.sink.Events()[0]
	s.Equal(map[string]any{"units": audit.Redacted, "email": audit.Redacted}, got.Diff.After)
}

func (s *DispatcherSuite) TestPanickingMaskerRedactsDiff() {
	masker := mocks.NewMockMasker(s.ctrl)
	masker.EXPECT().Mask("overage", gomock.Nil(), gomock.Any()).DoAndReturn(
		func(string, map[string]any, map[string]any) (map[string]any, map[string]any) {
			panic("masker bug")
		})
	d := audit.NewDispatcher([]audit.Sink{s.sink}, audit.WithMasker(masker))

	s.NotPanics(func() { d.Dispatch(s.ctx, s.event("o-1")) })

	s.Require().Equal(1, s.sink.Len())
	got := s.sink.Events()[0]
	s.Equal(map[string]any{"units": audit.Redacted, "email": audit.Redacted}, got.Diff.After)
	s.Nil(got.Diff.Before)
}

func (s *DispatcherSuite) TestStampsIdentityFromContext() {
	ctx, err := requestcontext.BindTenant(s.ctx, "t-ctx")
	s.Require().NoError(err)
	ctx = requestcontext.WithRequestID(ctx, "req-42")
	d := audit.NewDispatcher([]audit.Sink{s.sink}, audit.WithClock(s.clock))

	e := s.event("o-1")
	e.TenantID = ""
	d.Dispatch(ctx, e)

	got := s.sink.Events()[0]
	s.NotEqual(uuid.Nil, got.ID)
	s.Equal(s.clock.Now(), got.Timestamp)
	s.Equal("t-ctx", got.TenantID)
	s.Equal("req-42", got.RequestID)
	s.Equal(audit.OutcomeSuccess, got.Outcome)
}

func (s *DispatcherSuite) TestAsyncPreservesPerEntityOrder() {
	d := audit.NewDispatcher([]audit.Sink{s.sink}, audit.WithAsync(4, 256))

	for i := 0; i < 50; i++ {
		for _, id := range []string{"o-1", "o-2", "o-3"} {
			e := s.event(id)
			e.Message = fmt.Sprintf("%d", i)
			d.Dispatch(s.ctx, e)
		}
	}
	s.Require().NoError(d.Close(s.ctx))

	for _, id := range []string{"o-1", "o-2", "o-3"} {
		events := s.sink.ByEntity(id)
		s.Require().Len(events, 50)
		for i, e := range events {
			s.Equal(fmt.Sprintf("%d", i), e.Message, "entity %s out of order", id)
		}
	}
}

func (s *DispatcherSuite) TestAsyncDropsWhenBufferFull() {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	var received int
	blocking := funcSink{name: "blocking", send: func(context.Context, audit.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	}}
	d := audit.NewDispatcher([]audit.Sink{blocking},
		audit.WithAsync(1, 1), audit.WithMetrics(s.metrics), audit.WithSinkTimeout(time.Minute))

	d.Dispatch(s.ctx, s.event("o-1"))
	<-started
	d.Dispatch(s.ctx, s.event("o-1")) // fills the buffer
	d.Dispatch(s.ctx, s.event("o-1")) // dropped

	close(release)
	s.Require().NoError(d.Close(s.ctx))

	mu.Lock()
	defer mu.Unlock()
	s.Equal(2, received)
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.EventsDropped.WithLabelValues("buffer_full")))
}

func (s *DispatcherSuite) TestDispatchAfterCloseIsDropped() {
	d := audit.NewDispatcher([]audit.Sink{s.sink}, audit.WithAsync(2, 8), audit.WithMetrics(s.metrics))
	s.Require().NoError(d.Close(s.ctx))
	s.Require().NoError(d.Close(s.ctx))

	d.Dispatch(s.ctx, s.event("o-1"))

	s.Equal(0, s.sink.Len())
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.EventsDropped.WithLabelValues("closed")))
}

func (s *DispatcherSuite) TestCloseHonoursContext() {
	release := make(chan struct{})
	defer close(release)
	blocking := funcSink{name: "blocking", send: func(context.Context, audit.Event) error {
		<-release
		return nil
	}}
	d := audit.NewDispatcher([]audit.Sink{blocking}, audit.WithAsync(1, 4), audit.WithSinkTimeout(time.Minute))
	d.Dispatch(s.ctx, s.event("o-1"))

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	s.ErrorIs(d.Close(ctx), context.DeadlineExceeded)
}

func (s *DispatcherSuite) TestCircuitBreakerSkipsUnhealthySink() {
	flaky := mocks.NewMockSink(s.ctrl)
	flaky.EXPECT().Name().Return("flaky").AnyTimes()
	gomock.InOrder(
		flaky.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("unavailable")).Times(2),
		flaky.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil).Times(1),
	)
	d := audit.NewDispatcher([]audit.Sink{flaky, s.sink},
		audit.WithClock(s.clock),
		audit.WithMetrics(s.metrics),
		audit.WithCircuitBreaker(2, 30*time.Second),
	)

	d.Dispatch(s.ctx, s.event("o-1"))
	d.Dispatch(s.ctx, s.event("o-1"))
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.BreakerState.WithLabelValues("flaky")))

	d.Dispatch(s.ctx, s.event("o-1"))
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.SinkFailures.WithLabelValues("flaky", "circuit_open")))
	s.Equal(3, s.sink.Len(), "healthy sinks keep receiving")

	s.clock.Advance(30 * time.Second)
	d.Dispatch(s.ctx, s.event("o-1"))
	s.Equal(0.0, promtestutil.ToFloat64(s.metrics.BreakerState.WithLabelValues("flaky")))
}

func (s *DispatcherSuite) TestSinkReceivesDeadline() {
	var hasDeadline bool
	probe := funcSink{name: "probe", send: func(ctx context.Context, _ audit.Event) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	}}
	d := audit.NewDispatcher([]audit.Sink{probe}, audit.WithSinkTimeout(time.Second))
	d.Dispatch(s.ctx, s.event("o-1"))
	s.True(hasDeadline)
}
