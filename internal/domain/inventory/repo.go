package inventory

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence contract for lots and their movement
// journal. Implementations must map a missing row to ErrLotNotFound.
type Repository interface {
	CreateLot(ctx context.Context, l *Lot) error
	GetLot(ctx context.Context, id uuid.UUID) (*Lot, error)
	// GetLotForUpdate reads a lot under a row lock. It is only meaningful
	// inside a transaction; outside one it degrades to a plain read.
	GetLotForUpdate(ctx context.Context, id uuid.UUID) (*Lot, error)
	FindLotByDrugAndBatch(ctx context.Context, drugID uuid.UUID, batchNumber string) (*Lot, error)
	UpdateLot(ctx context.Context, l *Lot) error
	ListLots(ctx context.Context, limit, offset int) ([]*Lot, int, error)
	ListLotsByDrug(ctx context.Context, drugID uuid.UUID) ([]*Lot, error)
	// ListAllocatable returns lots eligible for FEFO allocation of a
	// drug, ordered earliest expiry first with undated lots last.
	ListAllocatable(ctx context.Context, drugID uuid.UUID) ([]*Lot, error)
	ListExpiringWithin(ctx context.Context, days int) ([]*Lot, error)
	ListRecalled(ctx context.Context) ([]*Lot, error)
	ListLotsByBatch(ctx context.Context, batchNumber string) ([]*Lot, error)

	InsertMovement(ctx context.Context, m *StockMovement) error
	ListMovementsByLot(ctx context.Context, lotID uuid.UUID) ([]*StockMovement, error)
}
