// Package rabbitmq publishes outbox messages to a RabbitMQ topic exchange
// with publisher confirms.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"relay/pkg/platform/outbox"
)

var (
	ErrClosed      = errors.New("rabbitmq publisher is closed")
	ErrNacked      = errors.New("broker rejected message")
	ErrChannelDown = errors.New("rabbitmq channel closed")
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends each message to the exchange with the topic as routing key
// and waits for the broker confirm. Publishes are serialized so confirms
// arrive in publish order.
type Publisher struct {
	exchange string
	logger   *slog.Logger

	publishMu sync.Mutex
	mu        sync.RWMutex
	ch        Channel
	conn      *amqp.Connection
	confirms  chan amqp.Confirmation
	closed    bool
}

var _ outbox.MessageBus = (*Publisher)(nil)

// Dial connects to url, declares exchange as a durable topic exchange and
// enables confirm mode.
func Dial(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	p, err := NewFromChannel(ch, exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewFromChannel builds a publisher on an existing channel.
func NewFromChannel(ch Channel, exchange string, logger *slog.Logger) (*Publisher, error) {
	if exchange == "" {
		return nil, errors.New("rabbitmq exchange is required")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &Publisher{
		exchange: exchange,
		logger:   logger,
		ch:       ch,
		confirms: confirms,
	}, nil
}

// Publish sends msg and blocks until the broker acks it, nacks it, or ctx ends.
func (p *Publisher) Publish(ctx context.Context, msg outbox.Message) error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	ch, confirms := p.ch, p.confirms
	p.mu.RUnlock()

	if err := ch.PublishWithContext(ctx, p.exchange, msg.Topic, false, false, Publishing(msg)); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}

	select {
	case c, ok := <-confirms:
		if !ok {
			return ErrChannelDown
		}
		if !c.Ack {
			return fmt.Errorf("%w: delivery tag %d", ErrNacked, c.DeliveryTag)
		}
		return nil
	case <-ctx.Done():
		// The pending confirm would pair with the next publish.
		p.invalidate()
		return ctx.Err()
	}
}

// Publishing converts an outbox message into an AMQP publishing.
func Publishing(msg outbox.Message) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if len(msg.Key) > 0 {
		headers["message_key"] = string(msg.Key)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Headers[outbox.HeaderEventID],
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Payload,
	}
}

func (p *Publisher) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if err := p.ch.Close(); err != nil && p.logger != nil {
		p.logger.Warn("closing rabbitmq channel after unconfirmed publish", "error", err)
	}
}

// Close closes the channel and, when dialed, the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed && p.conn == nil {
		return nil
	}
	var errs []error
	if !p.closed {
		errs = append(errs, p.ch.Close())
	}
	p.closed = true
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}

func (p *Publisher) Check(context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || (p.conn != nil && p.conn.IsClosed()) {
		return ErrChannelDown
	}
	return nil
}

func (p *Publisher) Name() string {
	return "rabbitmq"
}
