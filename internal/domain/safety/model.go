package safety

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades a drug-drug interaction.
type Severity string

const (
	SeverityMinor           Severity = "minor"
	SeverityModerate        Severity = "moderate"
	SeverityMajor           Severity = "major"
	SeverityContraindicated Severity = "contraindicated"
)

var severityRank = map[Severity]int{
	SeverityMinor:           1,
	SeverityModerate:        2,
	SeverityMajor:           3,
	SeverityContraindicated: 4,
}

// Rank orders severities; higher is worse. Unknown severities rank zero.
func (s Severity) Rank() int {
	return severityRank[s]
}

// InteractionRule describes one unordered drug pair. The pair is stored
// in canonical order (lexically smaller UUID first) so that lookup is
// symmetric and the one-active-rule-per-pair constraint is enforceable.
type InteractionRule struct {
	ID                uuid.UUID `db:"id" json:"id"`
	DrugAID           uuid.UUID `db:"drug_a_id" json:"drug_a_id"`
	DrugBID           uuid.UUID `db:"drug_b_id" json:"drug_b_id"`
	Severity          Severity  `db:"severity" json:"severity"`
	Description       string    `db:"description" json:"description"`
	BlockPrescription bool      `db:"block_prescription" json:"block_prescription"`
	RequiresOverride  bool      `db:"requires_override" json:"requires_override"`
	Active            bool      `db:"active" json:"active"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// CanonicalPair returns the two ids ordered lexically.
func CanonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() > b.String() {
		return b, a
	}
	return a, b
}

// Matches reports whether the rule covers the unordered pair.
func (r *InteractionRule) Matches(a, b uuid.UUID) bool {
	ca, cb := CanonicalPair(a, b)
	return r.DrugAID == ca && r.DrugBID == cb
}

// Interaction is one matched rule in an evaluation result.
type Interaction struct {
	RuleID            uuid.UUID `json:"rule_id"`
	DrugAID           uuid.UUID `json:"drug_a_id"`
	DrugBID           uuid.UUID `json:"drug_b_id"`
	Severity          Severity  `json:"severity"`
	Description       string    `json:"description"`
	BlockPrescription bool      `json:"block_prescription"`
	RequiresOverride  bool      `json:"requires_override"`
}

// AllergyConflict records a match between a patient allergy string and a
// drug's name or generic name. Matching is a case-insensitive substring
// comparison over free text, so conflicts are approximate by nature and
// surfaced as warnings rather than silently trusted.
type AllergyConflict struct {
	DrugID    uuid.UUID `json:"drug_id"`
	DrugName  string    `json:"drug_name"`
	Allergy   string    `json:"allergy"`
	MatchedOn string    `json:"matched_on"`
}

// Evaluation is the read-only outcome of checking a drug set for a
// patient. Interactions are sorted worst first.
type Evaluation struct {
	Interactions     []Interaction     `json:"interactions"`
	AllergyConflicts []AllergyConflict `json:"allergy_conflicts"`
	HasMajor         bool              `json:"has_major"`
}

// LotCheck is the gate result for one drug/batch combination.
type LotCheck struct {
	LotID       uuid.UUID  `json:"lot_id"`
	DrugID      uuid.UUID  `json:"drug_id"`
	BatchNumber string     `json:"batch_number"`
	Recalled    bool       `json:"recalled"`
	RecallRef   *uuid.UUID `json:"recall_ref,omitempty"`
	Expired     bool       `json:"expired"`
	ExpiryDate  *time.Time `json:"expiry_date,omitempty"`
	Details     string     `json:"details,omitempty"`
}

// Reason codes carried by blockers and warnings.
const (
	CodeBlockingInteraction = "blocking-interaction"
	CodeOverrideRequired    = "override-required"
	CodeInteractionWarning  = "interaction-warning"
	CodeAllergyConflict     = "allergy-conflict"
	CodeLotRecalled         = "lot-recalled"
	CodeLotExpired          = "lot-expired"
)

// Blocker is a condition that prevents dispense or administration
// outright.
type Blocker struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Warning is a condition that is surfaced but does not block.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Assessment folds an evaluation and lot gate results into the
// warn-or-block decision callers act on.
type Assessment struct {
	Safe     bool      `json:"safe"`
	Warnings []Warning `json:"warnings"`
	Blockers []Blocker `json:"blockers"`
}
