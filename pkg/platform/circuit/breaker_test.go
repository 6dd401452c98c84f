package circuit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"
)

type BreakerSuite struct {
	suite.Suite
	clock   *clockwork.FakeClock
	breaker *Breaker
}

func TestBreakerSuite(t *testing.T) {
	suite.Run(t, new(BreakerSuite))
}

func (s *BreakerSuite) SetupTest() {
	s.clock = clockwork.NewFakeClock()
	s.breaker = New("sink:postgres",
		WithFailureThreshold(3),
		WithCooldown(10*time.Second),
		WithClock(s.clock),
	)
}

func (s *BreakerSuite) TestOpensAfterConsecutiveFailures() {
	s.False(s.breaker.RecordFailure().Opened)
	s.False(s.breaker.RecordFailure().Opened)
	s.True(s.breaker.RecordFailure().Opened)
	s.Equal(StateOpen, s.breaker.State())
	s.False(s.breaker.Allow())
}

func (s *BreakerSuite) TestSuccessResetsFailureCount() {
	s.breaker.RecordFailure()
	s.breaker.RecordFailure()
	s.breaker.RecordSuccess()
	s.False(s.breaker.RecordFailure().Opened)
	s.Equal(StateClosed, s.breaker.State())
}

func (s *BreakerSuite) TestHalfOpenAfterCooldown() {
	for range 3 {
		s.breaker.RecordFailure()
	}
	s.clock.Advance(9 * time.Second)
	s.False(s.breaker.Allow())

	s.clock.Advance(time.Second)
	s.True(s.breaker.Allow())
	s.Equal(StateHalfOpen, s.breaker.State())

	s.True(s.breaker.RecordSuccess().Closed)
	s.Equal(StateClosed, s.breaker.State())
}

func (s *BreakerSuite) TestHalfOpenFailureReopens() {
	for range 3 {
		s.breaker.RecordFailure()
	}
	s.clock.Advance(10 * time.Second)
	s.Require().True(s.breaker.Allow())

	s.True(s.breaker.RecordFailure().Opened)
	s.False(s.breaker.Allow())

	s.clock.Advance(10 * time.Second)
	s.True(s.breaker.Allow())
}

func (s *BreakerSuite) TestReset() {
	for range 3 {
		s.breaker.RecordFailure()
	}
	s.breaker.Reset()
	s.True(s.breaker.Allow())
	s.Equal("closed", s.breaker.State().String())
}
