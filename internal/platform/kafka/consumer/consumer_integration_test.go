//go:build integration

package consumer_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"relay/internal/platform/kafka"
	"relay/internal/platform/kafka/consumer"
	"relay/internal/platform/kafka/producer"
	"relay/pkg/platform/outbox"
	"relay/pkg/requestcontext"
	"relay/pkg/testutil/containers"
)

type ConsumerIntegrationSuite struct {
	suite.Suite
	kafka    *containers.KafkaContainer
	producer *producer.Producer
}

func TestConsumerIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ConsumerIntegrationSuite))
}

func (s *ConsumerIntegrationSuite) SetupSuite() {
	s.kafka = containers.GetManager().GetKafka(s.T())

	prod, err := producer.New(kafka.ProducerConfig{
		Brokers:         []string{s.kafka.Brokers},
		Acks:            "all",
		Retries:         3,
		DeliveryTimeout: 10 * time.Second,
	}, nil)
	s.Require().NoError(err)
	s.producer = prod
}

func (s *ConsumerIntegrationSuite) TearDownSuite() {
	if s.producer != nil {
		_ = s.producer.Close(context.Background())
	}
}

type received struct {
	msg    *consumer.Message
	tenant string
}

type testHandler struct {
	mu      sync.Mutex
	got     []received
	errFunc func(*consumer.Message) error
}

func (h *testHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	if h.errFunc != nil {
		if err := h.errFunc(msg); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, received{msg: msg, tenant: requestcontext.TenantID(ctx)})
	return nil
}

func (h *testHandler) Received() []received {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]received(nil), h.got...)
}

func (s *ConsumerIntegrationSuite) start(groupID, topic string, h consumer.Handler) *consumer.Consumer {
	cons, err := consumer.New(consumer.Config{
		Brokers:         s.kafka.Brokers,
		GroupID:         groupID,
		AutoOffsetReset: "earliest",
	}, h, nil)
	s.Require().NoError(err)
	s.Require().NoError(cons.Subscribe([]string{topic}))
	cons.Start()
	return cons
}

func (s *ConsumerIntegrationSuite) stop(cons *consumer.Consumer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = cons.Stop(ctx)
}

func (s *ConsumerIntegrationSuite) TestHandlerSeesTenantFromHeader() {
	ctx := context.Background()
	topic := "relay-test-consumer-tenant"
	s.Require().NoError(s.kafka.CreateTopic(ctx, topic, 1))

	s.Require().NoError(s.producer.Publish(ctx, outbox.Message{
		Topic:   topic,
		Key:     []byte("k"),
		Payload: []byte(`{}`),
		Headers: map[string]string{outbox.HeaderTenantID: "tenant-a", "event_type": "usage.limit_exceeded"},
	}))

	h := &testHandler{}
	cons := s.start("relay-test-consumer-tenant-group", topic, h)
	defer s.stop(cons)

	s.Eventually(func() bool { return len(h.Received()) >= 1 }, 15*time.Second, 100*time.Millisecond)
	got := h.Received()[0]
	s.Equal("tenant-a", got.tenant)
	s.Equal("usage.limit_exceeded", got.msg.Headers["event_type"])
}

func (s *ConsumerIntegrationSuite) TestFailedHandleIsRedelivered() {
	ctx := context.Background()
	topic := "relay-test-consumer-commit"
	s.Require().NoError(s.kafka.CreateTopic(ctx, topic, 1))
	s.Require().NoError(s.producer.Publish(ctx, outbox.Message{Topic: topic, Key: []byte("k"), Payload: []byte("v")}))

	groupID := "relay-test-commit-" + time.Now().Format("20060102150405")

	var attempts atomic.Int32
	failing := &testHandler{errFunc: func(*consumer.Message) error {
		attempts.Add(1)
		return context.DeadlineExceeded
	}}
	first := s.start(groupID, topic, failing)
	s.Eventually(func() bool { return attempts.Load() >= 1 }, 15*time.Second, 100*time.Millisecond)
	s.stop(first)

	ok := &testHandler{}
	second := s.start(groupID, topic, ok)
	defer s.stop(second)

	s.Eventually(func() bool { return len(ok.Received()) >= 1 }, 15*time.Second, 100*time.Millisecond)
}
