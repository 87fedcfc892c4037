package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var validSeverities = map[Severity]bool{
	SeverityMinor:           true,
	SeverityModerate:        true,
	SeverityMajor:           true,
	SeverityContraindicated: true,
}

// Service administers interaction rules.
type Service struct {
	repo RuleRepository
}

func NewService(repo RuleRepository) *Service {
	return &Service{repo: repo}
}

// CreateRuleInput describes a new interaction rule. The drug order does
// not matter; the pair is canonicalized before storage.
type CreateRuleInput struct {
	DrugAID           uuid.UUID `json:"drug_a_id"`
	DrugBID           uuid.UUID `json:"drug_b_id"`
	Severity          Severity  `json:"severity"`
	Description       string    `json:"description"`
	BlockPrescription bool      `json:"block_prescription"`
	RequiresOverride  bool      `json:"requires_override"`
}

func (s *Service) CreateRule(ctx context.Context, in CreateRuleInput) (*InteractionRule, error) {
	if in.DrugAID == uuid.Nil || in.DrugBID == uuid.Nil {
		return nil, fmt.Errorf("both drug ids are required")
	}
	if in.DrugAID == in.DrugBID {
		return nil, fmt.Errorf("a rule must reference two distinct drugs")
	}
	if !validSeverities[in.Severity] {
		return nil, fmt.Errorf("invalid severity: %s", in.Severity)
	}
	in.Description = strings.TrimSpace(in.Description)
	if in.Description == "" {
		return nil, fmt.Errorf("description is required")
	}

	a, b := CanonicalPair(in.DrugAID, in.DrugBID)
	existing, err := s.repo.FindActiveByPair(ctx, a, b)
	if err != nil && !errors.Is(err, ErrRuleNotFound) {
		return nil, fmt.Errorf("check existing rule: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateRule
	}

	rule := &InteractionRule{
		DrugAID:           a,
		DrugBID:           b,
		Severity:          in.Severity,
		Description:       in.Description,
		BlockPrescription: in.BlockPrescription,
		RequiresOverride:  in.RequiresOverride,
		Active:            true,
	}
	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return rule, nil
}

// UpdateRuleInput changes a rule's grading. The drug pair itself is
// immutable; replacing a pairing means deactivating and creating anew.
type UpdateRuleInput struct {
	Severity          Severity `json:"severity"`
	Description       string   `json:"description"`
	BlockPrescription bool     `json:"block_prescription"`
	RequiresOverride  bool     `json:"requires_override"`
}

func (s *Service) UpdateRule(ctx context.Context, id uuid.UUID, in UpdateRuleInput) (*InteractionRule, error) {
	if !validSeverities[in.Severity] {
		return nil, fmt.Errorf("invalid severity: %s", in.Severity)
	}
	in.Description = strings.TrimSpace(in.Description)
	if in.Description == "" {
		return nil, fmt.Errorf("description is required")
	}

	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.Severity = in.Severity
	rule.Description = in.Description
	rule.BlockPrescription = in.BlockPrescription
	rule.RequiresOverride = in.RequiresOverride
	if err := s.repo.UpdateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	return rule, nil
}

func (s *Service) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return err
	}
	rule.Active = false
	return s.repo.UpdateRule(ctx, rule)
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*InteractionRule, error) {
	return s.repo.GetRule(ctx, id)
}

func (s *Service) ListRules(ctx context.Context, limit, offset int) ([]*InteractionRule, int, error) {
	return s.repo.ListRules(ctx, limit, offset)
}
