package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"relay/pkg/platform/outbox"
	"relay/pkg/requestcontext"
)

const pollTimeoutMs = 100

// ErrNoAssignment is reported by Check until the group assigns partitions.
var ErrNoAssignment = errors.New("kafka consumer has no partition assignment")

// Message is a consumed record with headers flattened to strings.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes consumed messages. The context carries the tenant from
// the tenant_id header when the producer set one. A returned error rewinds
// the partition to the message and retries it after a backoff; return nil
// for messages that can never succeed.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// client is the subset of *kafka.Consumer the loop needs.
type client interface {
	SubscribeTopics(topics []string, cb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, ignoredTimeoutMs int) error
	Assignment() ([]kafka.TopicPartition, error)
	Close() error
}

type Config struct {
	Brokers         string
	GroupID         string
	AutoOffsetReset string
	// Retry paces redelivery of a message whose handler failed.
	Retry outbox.Backoff
}

// Consumer runs a single poll loop over a confluent group consumer and
// commits each message only after its handler succeeds.
type Consumer struct {
	client  client
	handler Handler
	logger  *slog.Logger
	retry   outbox.Backoff

	// failures counts consecutive handler failures on the current message.
	failures int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func New(cfg Config, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if cfg.Brokers == "" {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer group ID not configured")
	}
	reset := cfg.AutoOffsetReset
	if reset == "" {
		reset = "earliest"
	}

	kc, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  reset,
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return newConsumer(kc, cfg.Retry, handler, logger), nil
}

func newConsumer(c client, retry outbox.Backoff, handler Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.Base <= 0 {
		retry = outbox.Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  c,
		handler: handler,
		logger:  logger,
		retry:   retry,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Consumer) Subscribe(topics []string) error {
	if err := c.client.SubscribeTopics(topics, nil); err != nil {
		return fmt.Errorf("subscribe to topics: %w", err)
	}
	return nil
}

// Start begins the consumption loop in a background goroutine.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for c.ctx.Err() == nil {
			c.poll()
		}
	}()
}

func (c *Consumer) poll() {
	switch e := c.client.Poll(pollTimeoutMs).(type) {
	case *kafka.Message:
		c.handleMessage(e)
	case kafka.Error:
		if e.Code() != kafka.ErrTimedOut {
			c.logger.Error("kafka consumer error", "code", e.Code(), "error", e.Error())
		}
	}
}

func (c *Consumer) handleMessage(km *kafka.Message) {
	msg := toMessage(km)

	ctx, err := MessageContext(c.ctx, msg)
	if err != nil {
		// Bad metadata never gets better on retry.
		c.logger.Error("skipping message with invalid metadata",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		c.commit(km, msg)
		return
	}

	if err := c.handle(ctx, msg); err != nil {
		c.failures++
		delay := c.retry.Delay(c.failures)
		c.logger.WarnContext(ctx, "message handling failed, retrying",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", c.failures,
			"retry_in", delay,
			"error", err,
		)
		if err := c.client.Seek(km.TopicPartition, 0); err != nil {
			c.logger.ErrorContext(ctx, "failed to rewind partition",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
		c.wait(delay)
		return
	}

	c.failures = 0
	c.commit(km, msg)
}

// handle turns a handler panic into an error so the message is retried.
func (c *Consumer) handle(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.Handle(ctx, msg)
}

func (c *Consumer) commit(km *kafka.Message, msg *Message) {
	if _, err := c.client.CommitMessage(km); err != nil {
		c.logger.Error("failed to commit offset",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

func (c *Consumer) wait(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
	case <-t.C:
	}
}

func toMessage(km *kafka.Message) *Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	var topic string
	if km.TopicPartition.Topic != nil {
		topic = *km.TopicPartition.Topic
	}
	return &Message{
		Topic:     topic,
		Partition: km.TopicPartition.Partition,
		Offset:    int64(km.TopicPartition.Offset),
		Key:       km.Key,
		Value:     km.Value,
		Headers:   headers,
		Timestamp: km.Timestamp,
	}
}

// MessageContext derives the per-message context: the tenant_id header is
// bound as the tenant and event_id becomes the request id for log correlation.
func MessageContext(parent context.Context, msg *Message) (context.Context, error) {
	ctx := parent
	if id := msg.Headers[outbox.HeaderEventID]; id != "" {
		ctx = requestcontext.WithRequestID(ctx, id)
	}
	if tenantID := msg.Headers[outbox.HeaderTenantID]; tenantID != "" {
		bound, err := requestcontext.BindTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		ctx = bound
	}
	return outbox.ResumeTrace(ctx, msg.Headers), nil
}

// Stop ends the poll loop, waiting for the in-flight message up to ctx. The
// client is closed only after the loop exits; on timeout that happens in the
// background because Close must not race a Poll in progress.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return c.client.Close()
	case <-ctx.Done():
		go func() {
			<-done
			if err := c.client.Close(); err != nil {
				c.logger.Warn("kafka consumer close after stop timeout", "error", err)
			}
		}()
		return ctx.Err()
	}
}

// Check reports an error until the group has assigned partitions.
func (c *Consumer) Check(context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return errors.New("kafka consumer stopped")
	}

	assignment, err := c.client.Assignment()
	if err != nil {
		return fmt.Errorf("kafka consumer assignment: %w", err)
	}
	if len(assignment) == 0 {
		return ErrNoAssignment
	}
	return nil
}

func (c *Consumer) Name() string {
	return "kafka_consumer"
}
