package producer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/platform/kafka"
	"relay/pkg/platform/outbox"
)

func TestRecord(t *testing.T) {
	rec := Record(outbox.Message{
		Topic:   "relay.overage.recorded",
		Key:     []byte("overage/6f1c"),
		Payload: []byte(`{"quantity":5}`),
		Headers: map[string]string{
			outbox.HeaderEventID:  "12",
			outbox.HeaderTenantID: "tenant-a",
		},
	})

	assert.Equal(t, "relay.overage.recorded", rec.Topic)
	assert.Equal(t, "overage/6f1c", string(rec.Key))
	assert.JSONEq(t, `{"quantity":5}`, string(rec.Value))

	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		outbox.HeaderEventID:  "12",
		outbox.HeaderTenantID: "tenant-a",
	}, headers)
}

func TestNewRequiresBrokers(t *testing.T) {
	_, err := New(kafka.ProducerConfig{}, nil)
	assert.Error(t, err)
}

// The client dials lazily, so an unreachable seed is enough to exercise the
// closed state.
func TestClosedProducerRejectsWork(t *testing.T) {
	for _, acks := range []string{"0", "1", "all"} {
		p, err := New(kafka.ProducerConfig{Brokers: []string{"127.0.0.1:1"}, Acks: acks}, nil)
		require.NoError(t, err)
		assert.Equal(t, "kafka_producer", p.Name())

		require.NoError(t, p.Close(context.Background()))
		assert.ErrorIs(t, p.Publish(context.Background(), outbox.Message{Topic: "t"}), ErrClosed)
		assert.ErrorIs(t, p.Check(context.Background()), ErrClosed)
		assert.NoError(t, p.Close(context.Background()))
	}
}
