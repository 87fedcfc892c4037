package prescription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rxcore/rxcore/internal/domain/safety"
)

// DrugDirectory verifies that prescribed drugs exist on the formulary.
type DrugDirectory interface {
	DrugExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// SafetyChecker runs the interaction and allergy evaluation.
type SafetyChecker interface {
	Evaluate(ctx context.Context, drugIDs []uuid.UUID, patientID uuid.UUID) (*safety.Evaluation, error)
}

// Service owns prescriptions: creation, the pre-dispense safety check,
// override recording, and the dispensed flag.
type Service struct {
	repo           Repository
	drugs          DrugDirectory
	checker        SafetyChecker
	overrideMinLen int
	now            func() time.Time
}

func NewService(repo Repository, drugs DrugDirectory, checker SafetyChecker, overrideReasonMinLength int) *Service {
	return &Service{
		repo:           repo,
		drugs:          drugs,
		checker:        checker,
		overrideMinLen: overrideReasonMinLength,
		now:            time.Now,
	}
}

// LineInput is one requested medication line.
type LineInput struct {
	DrugID            uuid.UUID `json:"drug_id"`
	Dosage            string    `json:"dosage"`
	Frequency         string    `json:"frequency"`
	Duration          string    `json:"duration"`
	RequestedQuantity int       `json:"requested_quantity"`
}

// CreatePrescriptionInput is a new prescription request.
type CreatePrescriptionInput struct {
	PatientID uuid.UUID   `json:"patient_id"`
	Notes     *string     `json:"notes"`
	Lines     []LineInput `json:"lines"`
}

func (s *Service) Create(ctx context.Context, in CreatePrescriptionInput, prescriber string) (*Prescription, error) {
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	if prescriber == "" {
		return nil, fmt.Errorf("prescriber identity is required")
	}
	if len(in.Lines) == 0 {
		return nil, fmt.Errorf("at least one medication line is required")
	}

	p := &Prescription{
		PatientID:    in.PatientID,
		PrescriberID: prescriber,
		Notes:        in.Notes,
	}
	for i, li := range in.Lines {
		if li.DrugID == uuid.Nil {
			return nil, fmt.Errorf("line %d: drug_id is required", i+1)
		}
		exists, err := s.drugs.DrugExists(ctx, li.DrugID)
		if err != nil {
			return nil, fmt.Errorf("line %d: verify drug: %w", i+1, err)
		}
		if !exists {
			return nil, fmt.Errorf("line %d: drug %s is not on the formulary", i+1, li.DrugID)
		}
		if li.RequestedQuantity <= 0 {
			return nil, fmt.Errorf("line %d: requested quantity must be positive", i+1)
		}
		if strings.TrimSpace(li.Dosage) == "" {
			return nil, fmt.Errorf("line %d: dosage is required", i+1)
		}
		if strings.TrimSpace(li.Frequency) == "" {
			return nil, fmt.Errorf("line %d: frequency is required", i+1)
		}
		p.Lines = append(p.Lines, Line{
			LineNo:            i + 1,
			DrugID:            li.DrugID,
			Dosage:            strings.TrimSpace(li.Dosage),
			Frequency:         strings.TrimSpace(li.Frequency),
			Duration:          strings.TrimSpace(li.Duration),
			RequestedQuantity: li.RequestedQuantity,
		})
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create prescription: %w", err)
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Prescription, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// PreCheckResult carries the raw evaluation plus the warn-or-block
// decision with persisted overrides applied.
type PreCheckResult struct {
	Evaluation *safety.Evaluation `json:"evaluation"`
	Assessment *safety.Assessment `json:"assessment"`
}

// PreCheck runs the safety evaluation for a prescription and stamps the
// per-line check annotations. It never mutates stock and may be repeated
// freely; the dispense path re-runs the same evaluation inside its
// transaction regardless.
func (s *Service) PreCheck(ctx context.Context, id uuid.UUID) (*PreCheckResult, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	eval, err := s.checker.Evaluate(ctx, p.DrugIDs(), p.PatientID)
	if err != nil {
		return nil, fmt.Errorf("evaluate prescription: %w", err)
	}

	for i := range p.Lines {
		l := &p.Lines[i]
		l.InteractionChecked = true
		l.AllergyChecked = true
		if err := s.repo.UpdateLine(ctx, l); err != nil {
			return nil, fmt.Errorf("stamp line %d: %w", l.LineNo, err)
		}
	}

	assessment := safety.Assess(eval, nil, func(i safety.Interaction) bool {
		return p.HasOverrideForDrug(i.DrugAID) || p.HasOverrideForDrug(i.DrugBID)
	})
	return &PreCheckResult{Evaluation: eval, Assessment: assessment}, nil
}

// RecordOverride signs off on a flagged interaction for one line. The
// reason must meet the configured minimum length, and at least one
// interaction touching the line's drug must actually call for an
// override; a sign-off with nothing to override is rejected.
func (s *Service) RecordOverride(ctx context.Context, id uuid.UUID, lineNo int, reason, approver string) (*Prescription, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < s.overrideMinLen {
		return nil, fmt.Errorf("override reason must be at least %d characters", s.overrideMinLen)
	}
	if approver == "" {
		return nil, fmt.Errorf("approver identity is required")
	}

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsDispensed {
		return nil, ErrAlreadyDispensed
	}
	line := p.LineByNo(lineNo)
	if line == nil {
		return nil, ErrLineNotFound
	}

	eval, err := s.checker.Evaluate(ctx, p.DrugIDs(), p.PatientID)
	if err != nil {
		return nil, fmt.Errorf("evaluate prescription: %w", err)
	}
	overridable := false
	for _, i := range eval.Interactions {
		if (i.DrugAID == line.DrugID || i.DrugBID == line.DrugID) && (i.RequiresOverride || i.BlockPrescription) {
			overridable = true
			break
		}
	}
	if !overridable {
		return nil, fmt.Errorf("no interaction on line %d requires an override", lineNo)
	}

	line.Override = &Override{
		Reason:     reason,
		ApprovedBy: approver,
		ApprovedAt: s.now(),
	}
	if err := s.repo.UpdateLine(ctx, line); err != nil {
		return nil, fmt.Errorf("record override: %w", err)
	}
	return p, nil
}

// MarkDispensed flips the dispensed flag exactly once. Called by the
// dispense transaction with the transaction bound to ctx.
func (s *Service) MarkDispensed(ctx context.Context, id uuid.UUID, actor string) error {
	return s.repo.MarkDispensed(ctx, id, actor, s.now())
}
