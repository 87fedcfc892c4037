package dispense

import (
	"time"

	"github.com/google/uuid"
)

// Record is one fulfillment event for one prescription. Records are
// immutable once committed: corrections happen through a stock return,
// never by editing quantities here.
type Record struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PrescriptionID uuid.UUID  `db:"prescription_id" json:"prescription_id"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	VisitID        *uuid.UUID `db:"visit_id" json:"visit_id,omitempty"`
	VisitType      *string    `db:"visit_type" json:"visit_type,omitempty"`
	AdmissionID    *uuid.UUID `db:"admission_id" json:"admission_id,omitempty"`
	TotalAmount    float64    `db:"total_amount" json:"total_amount"`
	DispensedBy    string     `db:"dispensed_by" json:"dispensed_by"`
	DispensedAt    time.Time  `db:"dispensed_at" json:"dispensed_at"`
	Items          []Item     `json:"items"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Item is one dispensed line. Batch number, expiry, supplier, receipt
// reference, pricing, and the dosing instructions are all copied out of
// the lot and prescription at commit time. They are snapshots: the lot
// can be recalled or repriced tomorrow, and this row must still say what
// was true when the drug left the shelf.
type Item struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	RecordID     uuid.UUID  `db:"record_id" json:"record_id"`
	DrugID       uuid.UUID  `db:"drug_id" json:"drug_id"`
	DrugName     string     `db:"drug_name" json:"drug_name"`
	LotID        uuid.UUID  `db:"lot_id" json:"lot_id"`
	BatchNumber  string     `db:"batch_number" json:"batch_number"`
	ExpiryDate   *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`
	SupplierName *string    `db:"supplier_name" json:"supplier_name,omitempty"`
	ReceiptRef   *string    `db:"receipt_ref" json:"receipt_ref,omitempty"`

	Dosage    string `db:"dosage" json:"dosage"`
	Frequency string `db:"frequency" json:"frequency"`
	Duration  string `db:"duration" json:"duration"`

	PrescribedQuantity int     `db:"prescribed_quantity" json:"prescribed_quantity"`
	DispensedQuantity  int     `db:"dispensed_quantity" json:"dispensed_quantity"`
	UnitPrice          float64 `db:"unit_price" json:"unit_price"`
	LineTotal          float64 `db:"line_total" json:"line_total"`

	RecallCheckedAt    time.Time `db:"recall_checked_at" json:"recall_checked_at"`
	InteractionChecked bool      `db:"interaction_checked" json:"interaction_checked"`
	OverrideReason     *string   `db:"override_reason" json:"override_reason,omitempty"`
	OverrideApprovedBy *string   `db:"override_approved_by" json:"override_approved_by,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// BatchExposure joins one dispensed item with its record's patient and
// timestamp. The recall manager walks these to find every patient who
// received stock from a named batch.
type BatchExposure struct {
	ItemID      uuid.UUID `db:"item_id" json:"item_id"`
	RecordID    uuid.UUID `db:"record_id" json:"record_id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	DrugID      uuid.UUID `db:"drug_id" json:"drug_id"`
	LotID       uuid.UUID `db:"lot_id" json:"lot_id"`
	BatchNumber string    `db:"batch_number" json:"batch_number"`
	Quantity    int       `db:"quantity" json:"quantity"`
	DispensedAt time.Time `db:"dispensed_at" json:"dispensed_at"`
}
