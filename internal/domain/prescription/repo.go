package prescription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for prescriptions and their
// lines. Implementations must map a missing prescription to ErrNotFound.
type Repository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error)
	List(ctx context.Context, limit, offset int) ([]*Prescription, int, error)
	UpdateLine(ctx context.Context, l *Line) error
	// MarkDispensed flips the dispensed flag with a single
	// compare-and-set. It returns ErrAlreadyDispensed when the flag was
	// already set, making double-dispense impossible regardless of how
	// many callers race.
	MarkDispensed(ctx context.Context, id uuid.UUID, actor string, at time.Time) error
}
