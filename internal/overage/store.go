package overage

import (
	"context"
	"time"

	"github.com/google/uuid"

	dErrors "relay/pkg/domain-errors"
)

//go:generate mockgen -source=store.go -destination=mocks/store_mock.go -package=mocks

// ErrDuplicateKey is returned by Insert when (tenant, idempotency key) is taken.
var ErrDuplicateKey = dErrors.New(dErrors.CodeConflict, "idempotency key already recorded")

// Store persists overage records. Writes join the unit of work carried by ctx.
type Store interface {
	// Insert fails with ErrDuplicateKey on a unique violation.
	Insert(ctx context.Context, rec *Record) error
	FindByKey(ctx context.Context, tenantID, key string) (*Record, error)
	// FindByIDForUpdate locks the row for the rest of the unit of work.
	FindByIDForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Record, error)
	UpdateStatus(ctx context.Context, rec *Record) error
	ListForPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error)
}
