package formulary

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	repo DrugRepository
}

func NewService(repo DrugRepository) *Service {
	return &Service{repo: repo}
}

var validForms = map[string]bool{
	"tablet": true, "capsule": true, "syrup": true, "injection": true,
	"drops": true, "cream": true, "ointment": true, "inhaler": true,
	"patch": true, "suppository": true,
}

func (s *Service) CreateDrug(ctx context.Context, d *Drug) error {
	if strings.TrimSpace(d.Code) == "" {
		return fmt.Errorf("drug code is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("drug name is required")
	}
	if d.UnitPrice < 0 {
		return fmt.Errorf("unit price must not be negative")
	}
	if d.Form != nil && !validForms[*d.Form] {
		return fmt.Errorf("invalid form: %s", *d.Form)
	}
	d.Active = true
	return s.repo.Create(ctx, d)
}

func (s *Service) GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetDrugByCode(ctx context.Context, code string) (*Drug, error) {
	return s.repo.GetByCode(ctx, code)
}

func (s *Service) UpdateDrug(ctx context.Context, d *Drug) error {
	if strings.TrimSpace(d.Code) == "" {
		return fmt.Errorf("drug code is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("drug name is required")
	}
	if d.UnitPrice < 0 {
		return fmt.Errorf("unit price must not be negative")
	}
	if d.Form != nil && !validForms[*d.Form] {
		return fmt.Errorf("invalid form: %s", *d.Form)
	}
	return s.repo.Update(ctx, d)
}

// DeactivateDrug retires a drug from the formulary. Existing lots and
// records keep referencing it, so rows are never deleted.
func (s *Service) DeactivateDrug(ctx context.Context, id uuid.UUID) error {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	d.Active = false
	return s.repo.Update(ctx, d)
}

func (s *Service) ListDrugs(ctx context.Context, limit, offset int) ([]*Drug, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) SearchDrugs(ctx context.Context, query string, limit, offset int) ([]*Drug, int, error) {
	if strings.TrimSpace(query) == "" {
		return s.repo.List(ctx, limit, offset)
	}
	return s.repo.Search(ctx, query, limit, offset)
}

// NamesFor returns display names for a batch of drug IDs. Used by the
// safety evaluator for allergy matching.
func (s *Service) NamesFor(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Names, error) {
	return s.repo.NamesFor(ctx, ids)
}
