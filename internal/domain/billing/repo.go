package billing

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence contract for bill lines.
type Repository interface {
	Create(ctx context.Context, b *BillLine) error
	GetByID(ctx context.Context, id uuid.UUID) (*BillLine, error)
	Update(ctx context.Context, b *BillLine) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*BillLine, int, error)
	ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*BillLine, error)
}
