package outbox

import (
	"time"
)

// Status is the dispatch state of an outbox event.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusSent, StatusFailed, StatusDeadLetter},
	StatusFailed:     {StatusSent, StatusFailed, StatusDeadLetter},
	StatusDeadLetter: {StatusPending},
}

// CanTransitionTo reports whether an event in status s may move to next.
// SENT is terminal; DEAD_LETTER only leaves through an operator requeue.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Claimable reports whether the dispatcher may pick up an event in this status.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusFailed
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Event is one row of the outbox. ID is assigned by the store and defines
// dispatch order.
type Event struct {
	ID            int64
	AggregateType string // e.g. "overage"
	AggregateID   string
	EventType     string // e.g. "overage.recorded"
	TenantID      string
	Payload       []byte
	Headers       map[string]string // trace context captured at append time
	Status        Status
	AvailableAt   time.Time
	LeasedUntil   *time.Time // set by Claim, cleared by any status update
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	SentAt        *time.Time
}

// NewEvent builds an event ready to be appended.
func NewEvent(aggregateType, aggregateID, eventType, tenantID string, payload []byte) *Event {
	return &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		TenantID:      tenantID,
		Payload:       payload,
	}
}

// AggregateKey identifies the ordering scope of the event.
func (e *Event) AggregateKey() string {
	return e.AggregateType + "/" + e.AggregateID
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (e *Event) Clone() *Event {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	if e.SentAt != nil {
		t := *e.SentAt
		c.SentAt = &t
	}
	if e.LeasedUntil != nil {
		t := *e.LeasedUntil
		c.LeasedUntil = &t
	}
	return &c
}

// Ordering selects how the dispatcher treats events of the same aggregate.
type Ordering string

const (
	// OrderingStrict publishes an aggregate's events in id order and blocks
	// later events behind a failed one.
	OrderingStrict Ordering = "strict"
	// OrderingBestEffort publishes in global id order without head-of-line blocking.
	OrderingBestEffort Ordering = "best_effort"
)

func (o Ordering) IsValid() bool {
	return o == OrderingStrict || o == OrderingBestEffort
}

// Stats summarizes the queue for metrics and the admin API.
type Stats struct {
	Pending          int64         `json:"pending"`
	Failed           int64         `json:"failed"`
	DeadLetter       int64         `json:"dead_letter"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}
