package outbox

import "context"

//go:generate mockgen -source=bus.go -destination=mocks/bus_mock.go -package=mocks

// Message is what the dispatcher hands to the bus.
type Message struct {
	Topic   string
	Key     []byte
	Payload []byte
	Headers map[string]string
}

// MessageBus delivers messages at least once. A returned error, including a
// context deadline, counts as a failed publish.
type MessageBus interface {
	Publish(ctx context.Context, msg Message) error
}

// Header names set on every published message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderTenantID      = "tenant_id"
)
