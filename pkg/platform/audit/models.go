package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so sinks can fan out. Sinks receive a shared copy and
// must treat Diff as read-only.
type Event struct {
	ID          uuid.UUID
	Timestamp   time.Time
	TenantID    string
	RequestID   string // correlation id from the request context
	Action      string // e.g. "overage.recorded"
	Entity      string // e.g. "overage"
	EntityID    string
	Sensitivity Sensitivity
	DataClass   DataClass
	Outcome     Outcome
	Message     string
	Diff        *Diff
}

// Diff holds the before and after state of a mutation.
type Diff struct {
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

type DataClass string

const (
	DataClassPublic       DataClass = "public"
	DataClassInternal     DataClass = "internal"
	DataClassConfidential DataClass = "confidential"
	// DataClassRestricted diffs never leave the dispatcher unredacted.
	DataClassRestricted DataClass = "restricted"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ShardKey groups events whose relative order must be preserved.
func (e Event) ShardKey() string {
	return e.TenantID + "|" + e.Entity + "|" + e.EntityID
}
