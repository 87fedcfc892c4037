package dispense

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence contract for dispense records. Records
// and items are written once inside the dispense transaction and never
// updated; every method besides Create is a read.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error)
	ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*Record, error)
	// FindExposuresByDrugAndBatches scans all historical items for the
	// drug whose batch number is in the given set. This is the recall
	// exposure walk: a full scan over immutable history, not a live join
	// through lot ids.
	FindExposuresByDrugAndBatches(ctx context.Context, drugID uuid.UUID, batchNumbers []string) ([]*BatchExposure, error)
	ListItemsByBatch(ctx context.Context, batchNumber string, limit, offset int) ([]*Item, int, error)
}
