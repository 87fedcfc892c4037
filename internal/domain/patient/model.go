package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient is the directory record the pharmacy engine reads allergies and
// recall contact details from. Allergies are free-text strings preserved
// exactly as recorded; matching against them is approximate by nature.
type Patient struct {
	ID        uuid.UUID `db:"id" json:"id"`
	MRN       string    `db:"mrn" json:"mrn"`
	FullName  string    `db:"full_name" json:"full_name"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	Email     *string   `db:"email" json:"email,omitempty"`
	Allergies []string  `db:"allergies" json:"allergies"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Contact is the subset of patient fields recall notification needs.
type Contact struct {
	PatientID uuid.UUID
	FullName  string
	Phone     string
	Email     string
}
