// Package dispatcher moves committed outbox events onto the message bus.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"relay/pkg/platform/outbox"
	"relay/pkg/platform/outbox/metrics"
)

// DeadLetterHook is called after an event has been moved to DEAD_LETTER.
type DeadLetterHook func(ctx context.Context, event *outbox.Event, cause error)

// TopicResolver picks the bus topic for an event.
type TopicResolver func(event *outbox.Event) string

// Result summarizes one dispatch cycle.
type Result struct {
	Claimed           int
	Published         int
	Failed            int // rescheduled with backoff
	DeadLettered      int
	Skipped           int // held back behind a failed event of the same aggregate
	StateUpdateFailed int
	ClaimErr          error
}

// Dispatcher polls the outbox store and publishes claimed events.
// No database transaction is held while publishing.
type Dispatcher struct {
	store          outbox.Store
	bus            outbox.MessageBus
	clock          clockwork.Clock
	batchSize      int
	pollInterval   time.Duration
	lease          time.Duration
	maxAttempts    int
	backoff        outbox.Backoff
	publishTimeout time.Duration
	claimTimeout   time.Duration
	updateTimeout  time.Duration
	ordering       outbox.Ordering
	topic          TopicResolver
	onDeadLetter   DeadLetterHook
	drainOnStop    bool
	metrics        *metrics.Metrics
	logger         *slog.Logger
	tracer         trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithBatchSize sets the maximum number of events claimed per cycle, capped at outbox.MaxClaimBatch.
func WithBatchSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.batchSize = min(size, outbox.MaxClaimBatch)
		}
	}
}

// WithPollInterval sets the interval between dispatch cycles.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithLease sets how long a claimed event stays hidden from other dispatchers.
// It must cover publishing a whole batch.
func WithLease(lease time.Duration) Option {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.lease = lease
		}
	}
}

// WithMaxAttempts sets the number of failed publishes after which an event is dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

func WithBackoff(b outbox.Backoff) Option {
	return func(d *Dispatcher) {
		d.backoff = b
	}
}

// WithPublishTimeout bounds each bus call. A timeout counts as a failed publish.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.publishTimeout = timeout
		}
	}
}

func WithClaimTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.claimTimeout = timeout
		}
	}
}

func WithOrdering(o outbox.Ordering) Option {
	return func(d *Dispatcher) {
		if o.IsValid() {
			d.ordering = o
		}
	}
}

// WithTopicPrefix routes each event to prefix+EventType.
func WithTopicPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		d.topic = func(e *outbox.Event) string { return prefix + e.EventType }
	}
}

func WithTopicResolver(r TopicResolver) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.topic = r
		}
	}
}

func WithDeadLetterHook(h DeadLetterHook) Option {
	return func(d *Dispatcher) {
		d.onDeadLetter = h
	}
}

// WithDrainOnStop runs one final bounded dispatch pass when Stop is called.
func WithDrainOnStop(enabled bool) Option {
	return func(d *Dispatcher) {
		d.drainOnStop = enabled
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		if tp != nil {
			d.tracer = tp.Tracer("relay/outbox/dispatcher")
		}
	}
}

// New creates a dispatcher. Call Start to begin polling or drive it with DispatchOnce.
func New(store outbox.Store, bus outbox.MessageBus, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		store:          store,
		bus:            bus,
		clock:          clockwork.NewRealClock(),
		batchSize:      100,
		pollInterval:   500 * time.Millisecond,
		lease:          time.Minute,
		maxAttempts:    10,
		backoff:        outbox.DefaultBackoff(),
		publishTimeout: 5 * time.Second,
		claimTimeout:   5 * time.Second,
		updateTimeout:  5 * time.Second,
		ordering:       outbox.OrderingStrict,
		topic:          func(e *outbox.Event) string { return e.EventType },
		tracer:         otel.GetTracerProvider().Tracer("relay/outbox/dispatcher"),
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start begins the polling loop in a background goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := d.clock.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			if d.drainOnStop {
				d.drain()
			}
			return
		case <-ticker.Chan():
			d.DispatchOnce(d.ctx)
		}
	}
}

// DispatchOnce claims one batch and publishes it. Claim failures abort the
// cycle and are reported in Result.ClaimErr; the next cycle retries.
func (d *Dispatcher) DispatchOnce(ctx context.Context) Result {
	start := d.clock.Now()
	ctx, span := d.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	var res Result

	claimCtx, cancel := context.WithTimeout(ctx, d.claimTimeout)
	events, err := d.store.Claim(claimCtx, outbox.ClaimRequest{
		Limit:     d.batchSize,
		Now:       start,
		Lease:     d.lease,
		HeadsOnly: d.ordering == outbox.OrderingStrict,
	})
	cancel()
	if err != nil {
		res.ClaimErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		d.logError(ctx, "failed to claim outbox events", "error", err)
		if d.metrics != nil {
			d.metrics.IncClaimFailures()
		}
		return res
	}

	res.Claimed = len(events)
	span.SetAttributes(attribute.Int("outbox.batch_size", len(events)))
	if len(events) == 0 {
		return res
	}
	if d.metrics != nil {
		d.metrics.ObserveBatchSize(len(events))
	}

	blocked := make(map[string]bool)
	for _, event := range events {
		if ctx.Err() != nil {
			// unpublished events keep their lease and are reclaimed after it expires
			break
		}
		if d.ordering == outbox.OrderingStrict && blocked[event.AggregateKey()] {
			res.Skipped++
			continue
		}

		pubErr := d.publish(ctx, event)
		if pubErr == nil {
			d.markSent(ctx, event, &res)
			continue
		}

		blocked[event.AggregateKey()] = true
		d.handleFailure(ctx, event, pubErr, &res)
	}

	if d.metrics != nil {
		d.metrics.ObservePollDuration(d.clock.Since(start).Seconds())
	}
	return res
}

func (d *Dispatcher) publish(ctx context.Context, event *outbox.Event) error {
	// the publish span continues the trace captured when the event was appended
	pubCtx := outbox.ResumeTrace(ctx, event.Headers)
	pubCtx, span := d.tracer.Start(pubCtx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithLinks(trace.LinkFromContext(ctx)),
		trace.WithAttributes(
			attribute.Int64("outbox.event_id", event.ID),
			attribute.String("outbox.event_type", event.EventType),
			attribute.String("outbox.aggregate_id", event.AggregateID),
			attribute.Int("outbox.attempt", event.Attempts+1),
		),
	)
	defer span.End()

	pubCtx, cancel := context.WithTimeout(pubCtx, d.publishTimeout)
	defer cancel()

	msg := outbox.Message{
		Topic:   d.topic(event),
		Key:     []byte(event.AggregateID),
		Payload: event.Payload,
		Headers: d.headers(pubCtx, event),
	}

	start := d.clock.Now()
	err := d.bus.Publish(pubCtx, msg)
	if err == nil && errors.Is(pubCtx.Err(), context.DeadlineExceeded) {
		// the bus may report success after our deadline; treat it as unconfirmed
		err = pubCtx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}

	if d.metrics != nil {
		d.metrics.ObservePublishDuration(d.clock.Since(start).Seconds())
	}
	return nil
}

func (d *Dispatcher) headers(ctx context.Context, event *outbox.Event) map[string]string {
	h := make(map[string]string, len(event.Headers)+5)
	for k, v := range event.Headers {
		h[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(h))
	h[outbox.HeaderEventID] = strconv.FormatInt(event.ID, 10)
	h[outbox.HeaderEventType] = event.EventType
	h[outbox.HeaderAggregateType] = event.AggregateType
	h[outbox.HeaderAggregateID] = event.AggregateID
	if event.TenantID != "" {
		h[outbox.HeaderTenantID] = event.TenantID
	}
	return h
}

// updateContext detaches status updates from dispatcher cancellation so a
// publish that already happened is still recorded during shutdown.
func (d *Dispatcher) updateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.updateTimeout)
}

func (d *Dispatcher) markSent(ctx context.Context, event *outbox.Event, res *Result) {
	uctx, cancel := d.updateContext(ctx)
	defer cancel()

	if err := d.store.MarkSent(uctx, event.ID, d.clock.Now()); err != nil {
		// published but not recorded: the lease expires and the event is
		// published again, which idempotent consumers absorb
		res.StateUpdateFailed++
		d.logError(ctx, "failed to mark outbox event sent",
			"event_id", event.ID,
			"event_type", event.EventType,
			"error", err,
		)
		if d.metrics != nil {
			d.metrics.IncStateUpdateFailures()
		}
		return
	}

	res.Published++
	if d.metrics != nil {
		d.metrics.IncPublished(event.EventType)
	}
}

func (d *Dispatcher) handleFailure(ctx context.Context, event *outbox.Event, cause error, res *Result) {
	attempts := event.Attempts + 1
	if d.metrics != nil {
		d.metrics.IncPublishFailures(event.EventType)
	}

	uctx, cancel := d.updateContext(ctx)
	defer cancel()

	if attempts >= d.maxAttempts {
		if err := d.store.MarkDeadLetter(uctx, event.ID, attempts, cause.Error()); err != nil {
			res.StateUpdateFailed++
			d.logError(ctx, "failed to dead-letter outbox event", "event_id", event.ID, "error", err)
			if d.metrics != nil {
				d.metrics.IncStateUpdateFailures()
			}
			return
		}
		res.DeadLettered++
		d.logError(ctx, "outbox event dead-lettered",
			"event_id", event.ID,
			"event_type", event.EventType,
			"aggregate_id", event.AggregateID,
			"tenant_id", event.TenantID,
			"attempts", attempts,
			"error", cause,
		)
		if d.metrics != nil {
			d.metrics.IncDeadLetters(event.EventType)
		}
		if d.onDeadLetter != nil {
			dead := event.Clone()
			dead.Status = outbox.StatusDeadLetter
			dead.Attempts = attempts
			dead.LastError = outbox.TruncateError(cause.Error())
			d.onDeadLetter(uctx, dead, cause)
		}
		return
	}

	next := d.clock.Now().Add(d.backoff.Delay(attempts))
	if err := d.store.MarkFailed(uctx, event.ID, attempts, next, cause.Error()); err != nil {
		res.StateUpdateFailed++
		d.logError(ctx, "failed to reschedule outbox event", "event_id", event.ID, "error", err)
		if d.metrics != nil {
			d.metrics.IncStateUpdateFailures()
		}
		return
	}
	res.Failed++
	if d.logger != nil {
		d.logger.WarnContext(ctx, "outbox publish failed, retry scheduled",
			"event_id", event.ID,
			"event_type", event.EventType,
			"attempts", attempts,
			"next_attempt_at", next,
			"error", cause,
		)
	}
}

// drain runs bounded dispatch passes during shutdown until nothing is due.
func (d *Dispatcher) drain() {
	if d.logger != nil {
		d.logger.Info("draining outbox dispatcher")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for ctx.Err() == nil {
		res := d.DispatchOnce(ctx)
		if res.ClaimErr != nil || res.Claimed == 0 || res.Published == 0 {
			return
		}
	}
}

// Stop cancels the polling loop and waits for the in-flight cycle (and the
// optional drain) to finish, bounded by ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.cancel()

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

// UpdateMetrics refreshes the queue gauges from the store.
// Call this periodically from a separate goroutine if needed.
func (d *Dispatcher) UpdateMetrics(ctx context.Context) error {
	if d.metrics == nil {
		return nil
	}

	st, err := d.store.Stats(ctx, d.clock.Now())
	if err != nil {
		return err
	}

	d.metrics.SetQueue(st.Pending, st.Failed, st.DeadLetter, st.OldestPendingAge.Seconds())
	return nil
}

func (d *Dispatcher) logError(ctx context.Context, msg string, args ...any) {
	if d.logger != nil {
		d.logger.ErrorContext(ctx, msg, args...)
	}
}
