// Package bus selects the outbox message bus from configuration.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"relay/internal/platform/config"
	"relay/internal/platform/health"
	"relay/internal/platform/kafka"
	"relay/internal/platform/kafka/producer"
	"relay/internal/platform/rabbitmq"
	"relay/pkg/platform/outbox"
)

// Bus is an outbox.MessageBus with its lifecycle.
type Bus interface {
	outbox.MessageBus
	health.Checker
	Close(ctx context.Context) error
}

// New builds the bus named by cfg.BusDriver.
func New(cfg *config.Config, logger *slog.Logger) (Bus, error) {
	switch cfg.BusDriver {
	case config.BusKafka:
		p, err := producer.New(kafka.ProducerConfigFrom(cfg.Kafka), logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.BusRabbitMQ:
		p, err := rabbitmq.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			return nil, err
		}
		return rabbitBus{p}, nil
	case config.BusNoop:
		return NewNoop(logger), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}

type rabbitBus struct {
	*rabbitmq.Publisher
}

func (b rabbitBus) Close(context.Context) error {
	return b.Publisher.Close()
}

// Noop discards every message. Events still move to SENT.
type Noop struct {
	logger *slog.Logger
}

func NewNoop(logger *slog.Logger) *Noop {
	return &Noop{logger: logger}
}

func (n *Noop) Publish(ctx context.Context, msg outbox.Message) error {
	if n.logger != nil {
		n.logger.DebugContext(ctx, "noop bus discarded message",
			"topic", msg.Topic,
			"event_id", msg.Headers[outbox.HeaderEventID],
		)
	}
	return nil
}

func (n *Noop) Check(context.Context) error { return nil }
func (n *Noop) Name() string                { return "noop_bus" }
func (n *Noop) Close(context.Context) error { return nil }
