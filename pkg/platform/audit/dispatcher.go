package audit

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"relay/pkg/platform/audit/metrics"
	"relay/pkg/platform/circuit"
	shard "relay/pkg/platform/sync"
	"relay/pkg/requestcontext"
)

type guardedSink struct {
	sink    Sink
	breaker *circuit.Breaker
}

type queued struct {
	ctx   context.Context
	event Event
}

// Dispatcher fans audit events out to every registered sink. Dispatch never
// fails and never panics because of a sink: errors and panics are recovered,
// logged and counted per sink.
type Dispatcher struct {
	sinks            []guardedSink
	masker           Masker
	clock            clockwork.Clock
	logger           *slog.Logger
	metrics          *metrics.Metrics
	sinkTimeout      time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration

	// async mode
	shards []chan queued
	buffer int
	mu     sync.RWMutex // guards closed against sends on shard channels
	closed bool
	wg     sync.WaitGroup
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

func WithMasker(m Masker) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.masker = m
		}
	}
}

// WithAsync routes events to shard goroutines keyed by tenant, entity and
// entity id. Events for the same entity keep their order. Enqueueing never
// blocks; a full shard drops the event.
func WithAsync(shards, buffer int) Option {
	return func(d *Dispatcher) {
		if shards < 1 {
			shards = 1
		}
		if buffer < 1 {
			buffer = 1
		}
		d.shards = make([]chan queued, shards)
		d.buffer = buffer
	}
}

// WithCircuitBreaker skips a sink for cooldown after threshold consecutive failures.
func WithCircuitBreaker(threshold int, cooldown time.Duration) Option {
	return func(d *Dispatcher) {
		d.breakerThreshold = threshold
		d.breakerCooldown = cooldown
	}
}

// WithSinkTimeout bounds each Send call. Default is 5s.
func WithSinkTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sinkTimeout = timeout
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		masker:           NewFieldMasker(nil),
		clock:            clockwork.NewRealClock(),
		sinkTimeout:      5 * time.Second,
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, s := range sinks {
		if s == nil {
			continue
		}
		d.sinks = append(d.sinks, guardedSink{
			sink: s,
			breaker: circuit.New("audit-sink:"+s.Name(),
				circuit.WithFailureThreshold(d.breakerThreshold),
				circuit.WithCooldown(d.breakerCooldown),
				circuit.WithClock(d.clock),
			),
		})
	}

	for i := range d.shards {
		d.shards[i] = make(chan queued, d.buffer)
		d.wg.Add(1)
		go d.runShard(d.shards[i])
	}
	return d
}

// Dispatch masks the event once and hands it to every sink, inline or via
// the shard queues. It has no error to return by construction.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	event = d.prepare(ctx, event)
	if d.metrics != nil {
		d.metrics.IncDispatched()
	}

	if len(d.shards) == 0 {
		d.fanOut(ctx, event)
		return
	}
	d.enqueue(ctx, event)
}

func (d *Dispatcher) prepare(ctx context.Context, event Event) Event {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.clock.Now()
	}
	if event.TenantID == "" {
		event.TenantID = requestcontext.TenantID(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
	}
	if event.Diff != nil {
		var before, after map[string]any
		if event.DataClass == DataClassRestricted {
			before, after = redactAll(event.Diff.Before), redactAll(event.Diff.After)
		} else {
			before, after = d.mask(ctx, event)
		}
		event.Diff = &Diff{Before: before, After: after}
	}
	return event
}

// mask runs the configured masker. A panicking masker redacts the whole diff
// rather than failing the audited operation.
func (d *Dispatcher) mask(ctx context.Context, event Event) (before, after map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			if d.logger != nil {
				d.logger.ErrorContext(ctx, "audit masker panicked; diff redacted",
					"panic", r,
					"action", event.Action,
					"entity", event.Entity,
				)
			}
			before, after = redactAll(event.Diff.Before), redactAll(event.Diff.After)
		}
	}()
	return d.masker.Mask(event.Entity, event.Diff.Before, event.Diff.After)
}

func (d *Dispatcher) enqueue(ctx context.Context, event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(ctx, event, "closed")
		return
	}

	ch := d.shards[shard.Index(event.ShardKey(), len(d.shards))]
	select {
	case ch <- queued{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		d.drop(ctx, event, "buffer_full")
	}
}

func (d *Dispatcher) drop(ctx context.Context, event Event, reason string) {
	if d.logger != nil {
		d.logger.WarnContext(ctx, "audit event dropped",
			"reason", reason,
			"action", event.Action,
			"entity", event.Entity,
			"entity_id", event.EntityID,
			"tenant_id", event.TenantID,
		)
	}
	if d.metrics != nil {
		d.metrics.IncDropped(reason)
	}
}

func (d *Dispatcher) runShard(ch chan queued) {
	defer d.wg.Done()
	for q := range ch {
		d.fanOut(q.ctx, q.event)
	}
}

func (d *Dispatcher) fanOut(ctx context.Context, event Event) {
	for _, gs := range d.sinks {
		d.deliver(ctx, gs, event)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, gs guardedSink, event Event) {
	name := gs.sink.Name()
	if !gs.breaker.Allow() {
		if d.metrics != nil {
			d.metrics.IncSinkFailure(name, "circuit_open")
		}
		return
	}

	start := d.clock.Now()
	panicked, err := d.safeSend(ctx, gs.sink, event)
	if d.metrics != nil {
		d.metrics.ObserveSinkDuration(name, d.clock.Since(start).Seconds())
	}

	if err == nil {
		if change := gs.breaker.RecordSuccess(); change.Closed {
			d.logInfo(ctx, "audit sink recovered", "sink", name)
			if d.metrics != nil {
				d.metrics.SetCircuitOpen(name, false)
			}
		}
		if d.metrics != nil {
			d.metrics.IncDelivered(name)
		}
		return
	}

	reason := "error"
	if panicked {
		reason = "panic"
	}
	if d.logger != nil {
		d.logger.WarnContext(ctx, "audit sink failed",
			"sink", name,
			"reason", reason,
			"action", event.Action,
			"entity_id", event.EntityID,
			"error", err,
		)
	}
	if d.metrics != nil {
		d.metrics.IncSinkFailure(name, reason)
	}
	if change := gs.breaker.RecordFailure(); change.Opened {
		if d.logger != nil {
			d.logger.ErrorContext(ctx, "audit sink circuit opened", "sink", name)
		}
		if d.metrics != nil {
			d.metrics.SetCircuitOpen(name, true)
		}
	}
}

func (d *Dispatcher) safeSend(ctx context.Context, s Sink, event Event) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
			panicked = true
			if d.logger != nil {
				d.logger.ErrorContext(ctx, "audit sink panicked",
					"sink", s.Name(),
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, d.sinkTimeout)
	defer cancel()
	return false, s.Send(sendCtx, event)
}

// Close stops accepting events and waits for the shard queues to drain,
// bounded by ctx. It is a no-op in synchronous mode.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) logInfo(ctx context.Context, msg string, args ...any) {
	if d.logger != nil {
		d.logger.InfoContext(ctx, msg, args...)
	}
}
