package outbox

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	dErrors "relay/pkg/domain-errors"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusDeadLetter, true},
		{StatusFailed, StatusFailed, true},
		{StatusFailed, StatusSent, true},
		{StatusFailed, StatusDeadLetter, true},
		{StatusDeadLetter, StatusPending, true},
		{StatusDeadLetter, StatusSent, false},
		{StatusSent, StatusFailed, false},
		{StatusSent, StatusPending, false},
		{StatusSent, StatusDeadLetter, false},
		{StatusPending, StatusPending, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to))
		})
	}
}

func TestEventClone(t *testing.T) {
	sent := time.Now()
	e := &Event{Payload: []byte("a"), Headers: map[string]string{"k": "v"}, SentAt: &sent}
	c := e.Clone()
	c.Payload[0] = 'b'
	c.Headers["k"] = "x"
	*c.SentAt = sent.Add(time.Hour)

	assert.Equal(t, "a", string(e.Payload))
	assert.Equal(t, "v", e.Headers["k"])
	assert.Equal(t, sent, *e.SentAt)
}

func TestBackoffIsMonotonicUntilCap(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}

	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 16*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(6))
	assert.Equal(t, 30*time.Second, b.Delay(60))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 64; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
}

func TestBackoffDefaultsForZeroValues(t *testing.T) {
	var b Backoff
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(3))
}

func TestPrepare(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("stamps append fields", func(t *testing.T) {
		e := NewEvent("overage", "o-1", "overage.recorded", "t1", []byte(`{}`))
		e.Attempts = 3
		e.Status = StatusSent

		require.NoError(t, Prepare(context.Background(), e, now))
		assert.Equal(t, StatusPending, e.Status)
		assert.Zero(t, e.Attempts)
		assert.Equal(t, now, e.CreatedAt)
		assert.Equal(t, now, e.AvailableAt)
	})

	t.Run("rejects incomplete events", func(t *testing.T) {
		err := Prepare(context.Background(), NewEvent("overage", "", "overage.recorded", "t1", nil), now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		assert.True(t, dErrors.HasCode(Prepare(context.Background(), nil, now), dErrors.CodeInvalidInput))
	})
}

func TestTraceRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)

	headers := CaptureTrace(ctx, nil)
	require.Contains(t, headers, "traceparent")

	resumed := trace.SpanContextFromContext(ResumeTrace(context.Background(), headers))
	assert.Equal(t, traceID, resumed.TraceID())
	assert.Equal(t, spanID, resumed.SpanID())
}

func TestCaptureTraceWithoutSpanLeavesHeadersAlone(t *testing.T) {
	assert.Nil(t, CaptureTrace(context.Background(), nil))
	h := map[string]string{"x": "y"}
	assert.Equal(t, h, CaptureTrace(context.Background(), h))
}

func TestTruncateError(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		wantLen int
	}{
		{name: "short message kept", msg: "boom", wantLen: 4},
		{name: "ascii cut at limit", msg: strings.Repeat("a", 2000), wantLen: 1024},
		{name: "multibyte rune straddling limit dropped", msg: strings.Repeat("a", 1023) + "é tail", wantLen: 1023},
		{name: "four byte runes", msg: strings.Repeat("😀", 300), wantLen: 1024},
		{name: "three byte runes", msg: strings.Repeat("€", 400), wantLen: 1023},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateError(tt.msg)
			assert.Len(t, got, tt.wantLen)
			assert.True(t, utf8.ValidString(got))
			assert.True(t, strings.HasPrefix(tt.msg, got))
		})
	}
}
