package inventory

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrLotNotFound is returned when a lot id or drug/batch pair does
	// not match any lot on the ledger.
	ErrLotNotFound = errors.New("lot not found")

	// ErrLotRecalled is returned when a deduction targets a lot that was
	// blocked by a recall after it was allocated.
	ErrLotRecalled = errors.New("lot is blocked by a recall")

	// ErrLotExpired is returned when a deduction targets a lot whose
	// expiry date passed after it was allocated.
	ErrLotExpired = errors.New("lot is expired")
)

// InsufficientStockError is returned when the ledger cannot cover a
// requested quantity, either at allocation time or when a locked lot
// turns out to hold less than an earlier read promised.
type InsufficientStockError struct {
	DrugID    uuid.UUID
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for drug %s: requested %d, available %d", e.DrugID, e.Requested, e.Available)
}

// ShortBy is the unfulfillable remainder.
func (e *InsufficientStockError) ShortBy() int {
	return e.Requested - e.Available
}
