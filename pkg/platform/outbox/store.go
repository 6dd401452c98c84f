package outbox

import (
	"context"
	"time"
	"unicode/utf8"

	dErrors "relay/pkg/domain-errors"
)

//go:generate mockgen -source=store.go -destination=mocks/store_mock.go -package=mocks

// ErrNoTransaction is returned by Append when the context carries no unit of work.
var ErrNoTransaction = dErrors.New(dErrors.CodeInvariantViolation, "outbox append requires an active transaction")

// MaxClaimBatch bounds a single claim.
const MaxClaimBatch = 1000

// ClaimRequest parameterizes one claim.
type ClaimRequest struct {
	Limit int
	Now   time.Time
	// Lease hides every claimed row from other claimers until Now+Lease or
	// until its status is updated, whichever comes first.
	Lease time.Duration
	// HeadsOnly restricts the claim to the oldest unfinished event of each aggregate.
	HeadsOnly bool
}

// Store persists outbox events next to the owning service's state.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append adds an event inside the caller's unit of work and fills in
	// ID, Status, AvailableAt and CreatedAt. Without an active unit of work
	// it fails with ErrNoTransaction.
	Append(ctx context.Context, event *Event) error

	// Claim leases up to req.Limit due, unleased PENDING or FAILED events in
	// id order. Concurrent claimers never receive the same event while its
	// lease holds. available_at is not touched.
	Claim(ctx context.Context, req ClaimRequest) ([]*Event, error)

	MarkSent(ctx context.Context, id int64, sentAt time.Time) error

	// MarkFailed records a failed attempt. available_at never moves backwards.
	MarkFailed(ctx context.Context, id int64, attempts int, nextAvailableAt time.Time, lastErr string) error

	MarkDeadLetter(ctx context.Context, id int64, attempts int, lastErr string) error

	// Requeue moves a DEAD_LETTER event back to PENDING with attempts reset.
	Requeue(ctx context.Context, id int64, now time.Time) error

	ListDeadLetters(ctx context.Context, limit int) ([]*Event, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	Get(ctx context.Context, id int64) (*Event, error)
}

// Prepare validates an event and stamps the fields every store assigns on append.
func Prepare(ctx context.Context, event *Event, now time.Time) error {
	if event == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "outbox event is required")
	}
	if event.AggregateType == "" || event.AggregateID == "" || event.EventType == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "aggregate type, aggregate id and event type are required")
	}
	event.Status = StatusPending
	event.Attempts = 0
	event.LastError = ""
	event.SentAt = nil
	event.LeasedUntil = nil
	event.CreatedAt = now
	event.AvailableAt = now
	event.Headers = CaptureTrace(ctx, event.Headers)
	return nil
}

// TruncateError bounds stored error text. The cut lands on a rune boundary
// so the result stays valid UTF-8 for text columns.
func TruncateError(msg string) string {
	const maxLen = 1024
	if len(msg) <= maxLen {
		return msg
	}
	n := maxLen
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
