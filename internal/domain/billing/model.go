package billing

import (
	"time"

	"github.com/google/uuid"
)

// BillLineStatus tracks a charge through its short lifecycle.
type BillLineStatus string

const (
	StatusPending BillLineStatus = "pending"
	StatusBilled  BillLineStatus = "billed"
	StatusVoid    BillLineStatus = "void"
)

// BillLine is one pending charge raised against a patient, usually by
// the dispense flow. Amount is always quantity times rate, computed at
// creation and never edited; corrections happen by voiding and raising a
// new line.
type BillLine struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	PatientID   uuid.UUID      `db:"patient_id" json:"patient_id"`
	VisitID     *uuid.UUID     `db:"visit_id" json:"visit_id,omitempty"`
	VisitType   *string        `db:"visit_type" json:"visit_type,omitempty"`
	ItemType    string         `db:"item_type" json:"item_type"`
	ItemRef     uuid.UUID      `db:"item_ref" json:"item_ref"`
	Description string         `db:"description" json:"description"`
	Quantity    int            `db:"quantity" json:"quantity"`
	Rate        float64        `db:"rate" json:"rate"`
	Amount      float64        `db:"amount" json:"amount"`
	Currency    string         `db:"currency" json:"currency"`
	Status      BillLineStatus `db:"status" json:"status"`
	CreatedBy   string         `db:"created_by" json:"created_by"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// VisitCharges is the per-visit read model: all lines plus the running
// total of non-void amounts.
type VisitCharges struct {
	VisitID uuid.UUID   `json:"visit_id"`
	Lines   []*BillLine `json:"lines"`
	Total   float64     `json:"total"`
}
