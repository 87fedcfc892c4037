package mar

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// EntryStatus is the lifecycle of one scheduled dose. Scheduled is the
// only non-terminal state: once a dose is given, held, refused, or
// skipped, that is its permanent record.
type EntryStatus string

const (
	StatusScheduled EntryStatus = "scheduled"
	StatusGiven     EntryStatus = "given"
	StatusHeld      EntryStatus = "held"
	StatusRefused   EntryStatus = "refused"
	StatusSkipped   EntryStatus = "skipped"
)

// Terminal reports whether the dose record accepts no further changes.
func (s EntryStatus) Terminal() bool {
	return s != StatusScheduled
}

// Entry is one scheduled dose on the medication administration record.
// Drug, dose, and lot details are snapshots taken from the dispense line
// item at scheduling time, so every row on a nurse's worksheet is
// self-contained even if the lot or formulary changes afterwards.
type Entry struct {
	ID             uuid.UUID `db:"id" json:"id"`
	DispenseID     uuid.UUID `db:"dispense_id" json:"dispense_id"`
	DispenseItemID uuid.UUID `db:"dispense_item_id" json:"dispense_item_id"`
	AdmissionID    uuid.UUID `db:"admission_id" json:"admission_id"`
	PatientID      uuid.UUID `db:"patient_id" json:"patient_id"`

	DrugID      uuid.UUID  `db:"drug_id" json:"drug_id"`
	DrugName    string     `db:"drug_name" json:"drug_name"`
	Dosage      string     `db:"dosage" json:"dosage"`
	LotID       uuid.UUID  `db:"lot_id" json:"lot_id"`
	BatchNumber string     `db:"batch_number" json:"batch_number"`
	ExpiryDate  *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`

	ScheduledTime time.Time   `db:"scheduled_time" json:"scheduled_time"`
	Status        EntryStatus `db:"status" json:"status"`

	CheckedAt *time.Time `db:"checked_at" json:"checked_at,omitempty"`
	CheckSafe *bool      `db:"check_safe" json:"check_safe,omitempty"`

	PerformedBy  *string    `db:"performed_by" json:"performed_by,omitempty"`
	PerformedAt  *time.Time `db:"performed_at" json:"performed_at,omitempty"`
	WitnessedBy  *string    `db:"witnessed_by" json:"witnessed_by,omitempty"`
	StatusReason *string    `db:"status_reason" json:"status_reason,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// administrationTimes maps a normalized frequency code to the ward's
// fixed dosing hours. PRN maps to an empty slice: on-demand doses are
// administered against the dispense record directly and never
// pre-scheduled.
var administrationTimes = map[string][]int{
	"once-daily":        {9},
	"od":                {9},
	"morning":           {9},
	"bedtime":           {21},
	"hs":                {21},
	"twice-daily":       {9, 21},
	"bd":                {9, 21},
	"bid":               {9, 21},
	"three-times-daily": {9, 14, 21},
	"tds":               {9, 14, 21},
	"tid":               {9, 14, 21},
	"four-times-daily":  {6, 12, 18, 22},
	"qid":               {6, 12, 18, 22},
	"every-6-hours":     {0, 6, 12, 18},
	"q6h":               {0, 6, 12, 18},
	"every-8-hours":     {6, 14, 22},
	"q8h":               {6, 14, 22},
	"every-12-hours":    {9, 21},
	"q12h":              {9, 21},
	"as-needed":         {},
	"prn":               {},
}

// TimesForFrequency resolves a free-text frequency to dosing hours.
// ok is false for codes not in the table; callers decide the fallback.
func TimesForFrequency(frequency string) (hours []int, ok bool) {
	key := strings.ToLower(strings.TrimSpace(frequency))
	key = strings.Join(strings.Fields(key), "-")
	hours, ok = administrationTimes[key]
	return hours, ok
}

// DurationDays pulls the first integer out of a duration text like
// "5 days" or "x7d". Text with no usable number falls back to def.
func DurationDays(text string, def int) int {
	n := 0
	found := false
	for _, r := range text {
		if unicode.IsDigit(r) {
			n = n*10 + int(r-'0')
			found = true
			continue
		}
		if found {
			break
		}
	}
	if !found || n <= 0 {
		return def
	}
	return n
}
