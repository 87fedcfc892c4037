package formulary

import (
	"time"

	"github.com/google/uuid"
)

// Drug is a formulary catalog entry. Lots, prescriptions, and dispense
// records reference drugs by ID and snapshot pricing at dispense time.
type Drug struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Code        string    `db:"code" json:"code"`
	Name        string    `db:"name" json:"name"`
	GenericName *string   `db:"generic_name" json:"generic_name,omitempty"`
	Form        *string   `db:"form" json:"form,omitempty"`
	Strength    *string   `db:"strength" json:"strength,omitempty"`
	Unit        *string   `db:"unit" json:"unit,omitempty"`
	UnitPrice   float64   `db:"unit_price" json:"unit_price"`
	IsNarcotic  bool      `db:"is_narcotic" json:"is_narcotic"`
	IsHighAlert bool      `db:"is_high_alert" json:"is_high_alert"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Names carries the display fields the safety evaluator matches allergy
// strings against.
type Names struct {
	Name        string
	GenericName string
}
