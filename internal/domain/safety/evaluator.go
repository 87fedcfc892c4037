package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrLotUnknown is returned when a lot gate check references a lot id
// that does not exist.
var ErrLotUnknown = errors.New("lot not found")

// DrugNames carries the two names allergy matching runs against.
type DrugNames struct {
	Name        string
	GenericName string
}

// DrugDirectory resolves drug names for allergy matching.
type DrugDirectory interface {
	NamesFor(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]DrugNames, error)
}

// AllergySource returns a patient's recorded allergy strings verbatim.
type AllergySource interface {
	Allergies(ctx context.Context, patientID uuid.UUID) ([]string, error)
}

// LotInfo is the slice of lot state the gate checks need.
type LotInfo struct {
	ID          uuid.UUID
	DrugID      uuid.UUID
	BatchNumber string
	IsRecalled  bool
	RecallRef   *uuid.UUID
	ExpiryDate  *time.Time
}

// StockGate resolves lots for recall and expiry checks.
type StockGate interface {
	LotByDrugAndBatch(ctx context.Context, drugID uuid.UUID, batchNumber string) (info *LotInfo, found bool, err error)
	LotByID(ctx context.Context, id uuid.UUID) (info *LotInfo, found bool, err error)
}

// Evaluator answers the two safety questions asked before any dispense
// or administration: does this drug set conflict with itself or with the
// patient's allergies, and is this specific lot safe to draw from. It is
// strictly read-only.
type Evaluator struct {
	rules     RuleRepository
	drugs     DrugDirectory
	allergies AllergySource
	lots      StockGate
	now       func() time.Time
}

func NewEvaluator(rules RuleRepository, drugs DrugDirectory, allergies AllergySource, lots StockGate) *Evaluator {
	return &Evaluator{
		rules:     rules,
		drugs:     drugs,
		allergies: allergies,
		lots:      lots,
		now:       time.Now,
	}
}

// Evaluate checks every unordered pair within the drug set against the
// active rules and the patient's allergy list against the drug names.
// The drug set is treated as a set: duplicates and ordering do not
// change the result.
func (e *Evaluator) Evaluate(ctx context.Context, drugIDs []uuid.UUID, patientID uuid.UUID) (*Evaluation, error) {
	ids := dedupIDs(drugIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one drug id is required")
	}

	eval := &Evaluation{
		Interactions:     []Interaction{},
		AllergyConflicts: []AllergyConflict{},
	}

	rules, err := e.rules.ListActiveAmong(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list interaction rules: %w", err)
	}
	for _, r := range rules {
		eval.Interactions = append(eval.Interactions, Interaction{
			RuleID:            r.ID,
			DrugAID:           r.DrugAID,
			DrugBID:           r.DrugBID,
			Severity:          r.Severity,
			Description:       r.Description,
			BlockPrescription: r.BlockPrescription,
			RequiresOverride:  r.RequiresOverride,
		})
	}
	sortInteractions(eval.Interactions)
	for _, i := range eval.Interactions {
		if i.Severity.Rank() >= SeverityMajor.Rank() {
			eval.HasMajor = true
			break
		}
	}

	if patientID != uuid.Nil {
		conflicts, err := e.allergyConflicts(ctx, ids, patientID)
		if err != nil {
			return nil, err
		}
		eval.AllergyConflicts = conflicts
	}
	return eval, nil
}

// CheckLot is the gate consulted with a drug and batch number. A batch
// that was never received is reported clean; recalled batches always
// have a lot row because recall initiation records placeholders.
func (e *Evaluator) CheckLot(ctx context.Context, drugID uuid.UUID, batchNumber string) (*LotCheck, error) {
	info, found, err := e.lots.LotByDrugAndBatch(ctx, drugID, strings.TrimSpace(batchNumber))
	if err != nil {
		return nil, fmt.Errorf("look up lot: %w", err)
	}
	if !found {
		return &LotCheck{
			DrugID:      drugID,
			BatchNumber: strings.TrimSpace(batchNumber),
			Details:     "no lot recorded for this batch",
		}, nil
	}
	return e.checkInfo(info), nil
}

// CheckLotByID is the gate consulted with a concrete lot reference, as
// the dispense path uses.
func (e *Evaluator) CheckLotByID(ctx context.Context, lotID uuid.UUID) (*LotCheck, error) {
	info, found, err := e.lots.LotByID(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("look up lot: %w", err)
	}
	if !found {
		return nil, ErrLotUnknown
	}
	return e.checkInfo(info), nil
}

func (e *Evaluator) checkInfo(info *LotInfo) *LotCheck {
	check := &LotCheck{
		LotID:       info.ID,
		DrugID:      info.DrugID,
		BatchNumber: info.BatchNumber,
		Recalled:    info.IsRecalled,
		RecallRef:   info.RecallRef,
		ExpiryDate:  info.ExpiryDate,
	}
	if info.ExpiryDate != nil && info.ExpiryDate.Before(e.now()) {
		check.Expired = true
	}
	switch {
	case check.Recalled && check.Expired:
		check.Details = "batch is under recall and past expiry"
	case check.Recalled:
		check.Details = "batch is under recall"
	case check.Expired:
		check.Details = "batch is past expiry"
	}
	return check
}

// allergyConflicts compares each recorded allergy string against each
// drug's name and generic name, case-insensitively, matching when either
// string contains the other. This mirrors how the allergy list is
// captured: free text, unnormalized, so the match is approximate and the
// verbatim allergy string is reported back for a human to judge.
func (e *Evaluator) allergyConflicts(ctx context.Context, drugIDs []uuid.UUID, patientID uuid.UUID) ([]AllergyConflict, error) {
	allergies, err := e.allergies.Allergies(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load patient allergies: %w", err)
	}
	if len(allergies) == 0 {
		return []AllergyConflict{}, nil
	}
	names, err := e.drugs.NamesFor(ctx, drugIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve drug names: %w", err)
	}

	conflicts := []AllergyConflict{}
	for _, id := range drugIDs {
		dn, ok := names[id]
		if !ok {
			continue
		}
		for _, allergy := range allergies {
			if matchedOn := matchAllergy(allergy, dn); matchedOn != "" {
				conflicts = append(conflicts, AllergyConflict{
					DrugID:    id,
					DrugName:  dn.Name,
					Allergy:   allergy,
					MatchedOn: matchedOn,
				})
			}
		}
	}
	return conflicts, nil
}

func matchAllergy(allergy string, dn DrugNames) string {
	a := strings.ToLower(strings.TrimSpace(allergy))
	if a == "" {
		return ""
	}
	if overlaps(a, dn.Name) {
		return "name"
	}
	if overlaps(a, dn.GenericName) {
		return "generic_name"
	}
	return ""
}

func overlaps(allergy, name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return false
	}
	return strings.Contains(n, allergy) || strings.Contains(allergy, n)
}

func sortInteractions(interactions []Interaction) {
	sort.SliceStable(interactions, func(i, j int) bool {
		return interactions[i].Severity.Rank() > interactions[j].Severity.Rank()
	})
}

func dedupIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	var out []uuid.UUID
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Assess folds an evaluation and lot gate results into the final
// warn-or-block decision. overridden reports whether a persisted
// override covers an interaction; a nil func means nothing is
// overridden. An override lifts both blocking and override-required
// interactions down to warnings. Allergy conflicts never block on their
// own: the match is too approximate to halt care unreviewed, so they are
// always surfaced as warnings.
func Assess(eval *Evaluation, lotChecks []*LotCheck, overridden func(Interaction) bool) *Assessment {
	if overridden == nil {
		overridden = func(Interaction) bool { return false }
	}
	a := &Assessment{
		Warnings: []Warning{},
		Blockers: []Blocker{},
	}

	if eval != nil {
		for _, i := range eval.Interactions {
			msg := fmt.Sprintf("%s interaction: %s", i.Severity, i.Description)
			switch {
			case i.BlockPrescription && !overridden(i):
				a.Blockers = append(a.Blockers, Blocker{Code: CodeBlockingInteraction, Message: msg})
			case i.RequiresOverride && !overridden(i):
				a.Blockers = append(a.Blockers, Blocker{Code: CodeOverrideRequired, Message: msg + " (override required)"})
			default:
				a.Warnings = append(a.Warnings, Warning{Code: CodeInteractionWarning, Message: msg})
			}
		}
		for _, c := range eval.AllergyConflicts {
			a.Warnings = append(a.Warnings, Warning{
				Code:    CodeAllergyConflict,
				Message: fmt.Sprintf("recorded allergy %q matches drug %s", c.Allergy, c.DrugName),
			})
		}
	}

	for _, lc := range lotChecks {
		if lc == nil {
			continue
		}
		if lc.Recalled {
			a.Blockers = append(a.Blockers, Blocker{
				Code:    CodeLotRecalled,
				Message: fmt.Sprintf("batch %s is under recall", lc.BatchNumber),
			})
		}
		if lc.Expired {
			a.Blockers = append(a.Blockers, Blocker{
				Code:    CodeLotExpired,
				Message: fmt.Sprintf("batch %s is past expiry", lc.BatchNumber),
			})
		}
	}

	a.Safe = len(a.Blockers) == 0
	return a
}
