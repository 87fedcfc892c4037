package inventory

import (
	"time"

	"github.com/google/uuid"
)

// LotStatus is derived from quantity, expiry, and recall state. It is
// recomputed on every mutation, never assigned directly by callers.
type LotStatus string

const (
	LotAvailable  LotStatus = "available"
	LotLow        LotStatus = "low"
	LotOutOfStock LotStatus = "out-of-stock"
	LotExpired    LotStatus = "expired"
	LotRecalled   LotStatus = "recalled"
)

// Lot is a batch of a single drug received from a supplier. Lots are
// created on goods receipt and never deleted; a depleted or recalled lot
// stays on the ledger for traceability.
type Lot struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	DrugID           uuid.UUID  `db:"drug_id" json:"drug_id"`
	BatchNumber      string     `db:"batch_number" json:"batch_number"`
	ExpiryDate       *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`
	QuantityOnHand   int        `db:"quantity_on_hand" json:"quantity_on_hand"`
	QuantityReserved int        `db:"quantity_reserved" json:"quantity_reserved"`
	UnitCost         float64    `db:"unit_cost" json:"unit_cost"`
	UnitPrice        float64    `db:"unit_price" json:"unit_price"`
	Status           LotStatus  `db:"status" json:"status"`
	IsRecalled       bool       `db:"is_recalled" json:"is_recalled"`
	RecallRef        *uuid.UUID `db:"recall_ref" json:"recall_ref,omitempty"`
	RecalledAt       *time.Time `db:"recalled_at" json:"recalled_at,omitempty"`
	SupplierName     *string    `db:"supplier_name" json:"supplier_name,omitempty"`
	ReceiptRef       *string    `db:"receipt_ref" json:"receipt_ref,omitempty"`
	ReceivedAt       time.Time  `db:"received_at" json:"received_at"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Expired reports whether the lot's expiry date has passed at the given
// time. A lot without an expiry date never expires.
func (l *Lot) Expired(now time.Time) bool {
	return l.ExpiryDate != nil && l.ExpiryDate.Before(now)
}

// Allocatable reports whether the lot may be drawn from: not recalled,
// not expired, and holding stock.
func (l *Lot) Allocatable(now time.Time) bool {
	return !l.IsRecalled && !l.Expired(now) && l.QuantityOnHand > 0
}

// RecomputeStatus derives the lot status. Recall and expiry dominate the
// quantity-based states.
func (l *Lot) RecomputeStatus(lowThreshold int, now time.Time) {
	switch {
	case l.IsRecalled:
		l.Status = LotRecalled
	case l.Expired(now):
		l.Status = LotExpired
	case l.QuantityOnHand == 0:
		l.Status = LotOutOfStock
	case l.QuantityOnHand < lowThreshold:
		l.Status = LotLow
	default:
		l.Status = LotAvailable
	}
}

// MovementType classifies a stock ledger entry.
type MovementType string

const (
	MovementReceive     MovementType = "receive"
	MovementDispense    MovementType = "dispense"
	MovementReturn      MovementType = "return"
	MovementAdjust      MovementType = "adjust"
	MovementRecallBlock MovementType = "recall-block"
	MovementRelease     MovementType = "release"
)

// StockMovement is one append-only ledger entry. Every lot mutation
// writes exactly one, so quantity conservation is auditable from the
// journal alone.
type StockMovement struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	LotID     uuid.UUID    `db:"lot_id" json:"lot_id"`
	DrugID    uuid.UUID    `db:"drug_id" json:"drug_id"`
	Type      MovementType `db:"type" json:"type"`
	Quantity  int          `db:"quantity" json:"quantity"`
	Reason    *string      `db:"reason" json:"reason,omitempty"`
	RefType   *string      `db:"ref_type" json:"ref_type,omitempty"`
	RefID     *uuid.UUID   `db:"ref_id" json:"ref_id,omitempty"`
	Actor     string       `db:"actor" json:"actor"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// Allocation is one lot's share of a FEFO allocation.
type Allocation struct {
	LotID       uuid.UUID  `json:"lot_id"`
	BatchNumber string     `json:"batch_number"`
	ExpiryDate  *time.Time `json:"expiry_date,omitempty"`
	Quantity    int        `json:"quantity"`
}

// AllocationResult reports how a requested quantity would be drawn from
// the ledger. Allocation is exploratory; nothing is reserved or
// decremented until a dispense commits.
type AllocationResult struct {
	DrugID      uuid.UUID    `json:"drug_id"`
	Requested   int          `json:"requested"`
	Fulfilled   bool         `json:"fulfilled"`
	Allocations []Allocation `json:"allocations"`
	ShortBy     int          `json:"short_by"`
}
