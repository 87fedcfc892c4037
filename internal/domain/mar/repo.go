package mar

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for MAR entries.
// Implementations must map a missing entry to ErrEntryNotFound, and the
// Mark methods must be compare-and-set against the scheduled state,
// returning ErrAlreadyProcessed when the entry already left it.
type Repository interface {
	InsertEntries(ctx context.Context, entries []*Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	CountByDispense(ctx context.Context, dispenseID uuid.UUID) (int, error)
	ListByDispense(ctx context.Context, dispenseID uuid.UUID) ([]*Entry, error)
	ListByAdmission(ctx context.Context, admissionID uuid.UUID, limit, offset int) ([]*Entry, int, error)
	// ListDueBetween returns scheduled entries due in [from, to).
	ListDueBetween(ctx context.Context, from, to time.Time, limit, offset int) ([]*Entry, int, error)
	// ListForPatientBetween returns every entry for the patient scheduled
	// in [from, to), regardless of status. The pre-administration check
	// uses it to assemble the day's drug set.
	ListForPatientBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*Entry, error)

	StampCheck(ctx context.Context, id uuid.UUID, at time.Time, safe bool) error
	MarkGiven(ctx context.Context, id uuid.UUID, actor string, at time.Time, witness *string) error
	MarkOutcome(ctx context.Context, id uuid.UUID, status EntryStatus, reason, actor string, at time.Time) error
}
