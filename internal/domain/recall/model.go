package recall

import (
	"time"

	"github.com/google/uuid"
)

// Status is the recall lifecycle state. Completed and cancelled are
// terminal; every other move must appear in the transition table below.
type Status string

const (
	StatusActive     Status = "active"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// transitions is the whole lifecycle. A cancelled recall can only come
// from active: once notifications went out the recall is real and must
// run to completion.
var transitions = map[Status][]Status{
	StatusActive:     {StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

// CanTransitionTo reports whether the move is in the transition table.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the recall accepts no further changes.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether the string is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Classification is the regulatory hazard class of a recall.
type Classification string

const (
	// ClassI covers defects that can cause serious harm or death.
	ClassI Classification = "class-1"
	// ClassII covers defects that can cause temporary or reversible harm.
	ClassII Classification = "class-2"
	// ClassIII covers defects unlikely to cause harm.
	ClassIII Classification = "class-3"
)

func (c Classification) Valid() bool {
	switch c {
	case ClassI, ClassII, ClassIII:
		return true
	}
	return false
}

// Recall is one batch recall for one drug. Resolution closes the
// bookkeeping only: the lot blocks applied at initiation are permanent,
// and releasing a wrongly blocked lot is a separate, deliberate stock
// operation with its own reason.
type Recall struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	DrugID          uuid.UUID      `db:"drug_id" json:"drug_id"`
	BatchNumbers    []string       `db:"batch_numbers" json:"batch_numbers"`
	Reason          string         `db:"reason" json:"reason"`
	Classification  Classification `db:"classification" json:"classification"`
	Status          Status         `db:"status" json:"status"`
	InitiatedBy     string         `db:"initiated_by" json:"initiated_by"`
	InitiatedAt     time.Time      `db:"initiated_at" json:"initiated_at"`
	ResolvedBy      *string        `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionNotes *string        `db:"resolution_notes" json:"resolution_notes,omitempty"`

	Lots     []RecallLot       `json:"lots,omitempty"`
	Affected []AffectedPatient `json:"affected,omitempty"`
	Actions  []Action          `json:"actions,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// RecallLot records one lot block applied at initiation. Placeholder
// marks batches that had no lot on the ledger: the block then exists
// purely so the batch number is poisoned for any future receipt.
type RecallLot struct {
	ID              uuid.UUID `db:"id" json:"id"`
	RecallID        uuid.UUID `db:"recall_id" json:"recall_id"`
	LotID           uuid.UUID `db:"lot_id" json:"lot_id"`
	BatchNumber     string    `db:"batch_number" json:"batch_number"`
	QuantityBlocked int       `db:"quantity_blocked" json:"quantity_blocked"`
	Placeholder     bool      `db:"placeholder" json:"placeholder"`
	BlockedAt       time.Time `db:"blocked_at" json:"blocked_at"`
}

// AffectedPatient is one (patient, lot) exposure found by scanning
// dispense history. A patient dispensed twice from the same lot gets one
// entry referencing the earliest dispense, with quantities summed.
type AffectedPatient struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	RecallID          uuid.UUID  `db:"recall_id" json:"recall_id"`
	PatientID         uuid.UUID  `db:"patient_id" json:"patient_id"`
	LotID             uuid.UUID  `db:"lot_id" json:"lot_id"`
	BatchNumber       string     `db:"batch_number" json:"batch_number"`
	DispenseItemID    uuid.UUID  `db:"dispense_item_id" json:"dispense_item_id"`
	QuantityDispensed int        `db:"quantity_dispensed" json:"quantity_dispensed"`
	FirstDispensedAt  time.Time  `db:"first_dispensed_at" json:"first_dispensed_at"`
	Notified          bool       `db:"notified" json:"notified"`
	NotifiedAt        *time.Time `db:"notified_at" json:"notified_at,omitempty"`
	NotifyChannel     *string    `db:"notify_channel" json:"notify_channel,omitempty"`
	NotifyError       *string    `db:"notify_error" json:"notify_error,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// Action log verbs.
const (
	ActionInitiated = "initiated"
	ActionNotified  = "notified"
	ActionResolved  = "resolved"
	ActionCancelled = "cancelled"
)

// Action is one append-only entry in a recall's activity log.
type Action struct {
	ID        uuid.UUID `db:"id" json:"id"`
	RecallID  uuid.UUID `db:"recall_id" json:"recall_id"`
	Action    string    `db:"action" json:"action"`
	Details   string    `db:"details" json:"details"`
	Actor     string    `db:"actor" json:"actor"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
