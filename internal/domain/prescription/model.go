package prescription

import (
	"time"

	"github.com/google/uuid"
)

// Override is an explicit sign-off that lifts an interaction block on
// one medication line. It is immutable once recorded.
type Override struct {
	Reason     string    `json:"reason"`
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
}

// Line is one ordered medication on a prescription. The safety
// annotations record that checks ran before dispense; the override block
// is present only when a prescriber signed off on a flagged interaction.
type Line struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	PrescriptionID     uuid.UUID `db:"prescription_id" json:"prescription_id"`
	LineNo             int       `db:"line_no" json:"line_no"`
	DrugID             uuid.UUID `db:"drug_id" json:"drug_id"`
	Dosage             string    `db:"dosage" json:"dosage"`
	Frequency          string    `db:"frequency" json:"frequency"`
	Duration           string    `db:"duration" json:"duration"`
	RequestedQuantity  int       `db:"requested_quantity" json:"requested_quantity"`
	InteractionChecked bool      `db:"interaction_checked" json:"interaction_checked"`
	AllergyChecked     bool      `db:"allergy_checked" json:"allergy_checked"`
	Override           *Override `json:"override,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// Prescription is an ordered set of medication lines for one patient.
// The dispensed flag flips exactly once; the row-level compare-and-set
// in the repository is what enforces it under concurrency.
type Prescription struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	PrescriberID string     `db:"prescriber_id" json:"prescriber_id"`
	Notes        *string    `db:"notes" json:"notes,omitempty"`
	IsDispensed  bool       `db:"is_dispensed" json:"is_dispensed"`
	DispensedBy  *string    `db:"dispensed_by" json:"dispensed_by,omitempty"`
	DispensedAt  *time.Time `db:"dispensed_at" json:"dispensed_at,omitempty"`
	Lines        []Line     `json:"lines"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// DrugIDs returns the distinct drugs across all lines, in line order.
func (p *Prescription) DrugIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(p.Lines))
	var ids []uuid.UUID
	for _, l := range p.Lines {
		if !seen[l.DrugID] {
			seen[l.DrugID] = true
			ids = append(ids, l.DrugID)
		}
	}
	return ids
}

// LineByNo returns the line with the given number, or nil.
func (p *Prescription) LineByNo(lineNo int) *Line {
	for i := range p.Lines {
		if p.Lines[i].LineNo == lineNo {
			return &p.Lines[i]
		}
	}
	return nil
}

// LineByDrug returns the first line ordering the drug, or nil.
func (p *Prescription) LineByDrug(drugID uuid.UUID) *Line {
	for i := range p.Lines {
		if p.Lines[i].DrugID == drugID {
			return &p.Lines[i]
		}
	}
	return nil
}

// HasOverrideForDrug reports whether any line carrying the drug has a
// recorded override. Interaction blocks are lifted when either side of
// the pair was signed off.
func (p *Prescription) HasOverrideForDrug(drugID uuid.UUID) bool {
	for i := range p.Lines {
		if p.Lines[i].DrugID == drugID && p.Lines[i].Override != nil {
			return true
		}
	}
	return false
}
