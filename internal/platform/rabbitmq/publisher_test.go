package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/platform/outbox"
)

type fakeChannel struct {
	mu        sync.Mutex
	confirms  chan amqp.Confirmation
	published []amqp.Publishing
	keys      []string
	ack       bool
	silent    bool
	closed    bool
	declared  string
	tag       uint64
}

func (f *fakeChannel) Confirm(bool) error { return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = name + ":" + kind
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	f.tag++
	if !f.silent {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: f.ack}
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestPublisher(t *testing.T) {
	msg := outbox.Message{
		Topic:   "overage.recorded",
		Key:     []byte("overage/1"),
		Payload: []byte(`{"amount":1}`),
		Headers: map[string]string{outbox.HeaderEventID: "9", outbox.HeaderTenantID: "t1"},
	}

	t.Run("acked publish succeeds", func(t *testing.T) {
		ch := &fakeChannel{ack: true}
		p, err := NewFromChannel(ch, "relay.events", nil)
		require.NoError(t, err)
		assert.Equal(t, "relay.events:topic", ch.declared)

		require.NoError(t, p.Publish(context.Background(), msg))
		require.Len(t, ch.published, 1)
		assert.Equal(t, "overage.recorded", ch.keys[0])
		assert.Equal(t, "9", ch.published[0].MessageId)
		assert.Equal(t, "t1", ch.published[0].Headers[outbox.HeaderTenantID])
		assert.Equal(t, "overage/1", ch.published[0].Headers["message_key"])
		assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	})

	t.Run("nack is an error", func(t *testing.T) {
		ch := &fakeChannel{ack: false}
		p, err := NewFromChannel(ch, "relay.events", nil)
		require.NoError(t, err)

		err = p.Publish(context.Background(), msg)
		assert.True(t, errors.Is(err, ErrNacked))
	})

	t.Run("missing confirm times out and retires the channel", func(t *testing.T) {
		ch := &fakeChannel{silent: true}
		p, err := NewFromChannel(ch, "relay.events", nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err = p.Publish(ctx, msg)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, ch.closed)
		assert.ErrorIs(t, p.Publish(context.Background(), msg), ErrClosed)
		assert.ErrorIs(t, p.Check(context.Background()), ErrChannelDown)
	})

	t.Run("exchange is required", func(t *testing.T) {
		_, err := NewFromChannel(&fakeChannel{}, "", nil)
		require.Error(t, err)
	})
}
