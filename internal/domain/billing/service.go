package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const defaultCurrency = "INR"

var validVisitTypes = map[string]bool{
	"opd": true,
	"ipd": true,
}

// Service raises and reads patient charges. The dispense flow calls
// AddBillLine fire-and-forget after its transaction commits.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// AddBillLineInput describes one charge.
type AddBillLineInput struct {
	PatientID   uuid.UUID  `json:"patient_id"`
	VisitID     *uuid.UUID `json:"visit_id"`
	VisitType   *string    `json:"visit_type"`
	ItemType    string     `json:"item_type"`
	ItemRef     uuid.UUID  `json:"item_ref"`
	Description string     `json:"description"`
	Quantity    int        `json:"quantity"`
	Rate        float64    `json:"rate"`
}

// AddBillLine persists a pending charge with amount = quantity x rate.
func (s *Service) AddBillLine(ctx context.Context, in AddBillLineInput, actor string) (*BillLine, error) {
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	if in.ItemRef == uuid.Nil {
		return nil, fmt.Errorf("item_ref is required")
	}
	in.ItemType = strings.TrimSpace(in.ItemType)
	if in.ItemType == "" {
		return nil, fmt.Errorf("item_type is required")
	}
	in.Description = strings.TrimSpace(in.Description)
	if in.Description == "" {
		return nil, fmt.Errorf("description is required")
	}
	if in.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if in.Rate < 0 {
		return nil, fmt.Errorf("rate cannot be negative")
	}
	if in.VisitType != nil && !validVisitTypes[*in.VisitType] {
		return nil, fmt.Errorf("invalid visit type: %s", *in.VisitType)
	}

	b := &BillLine{
		PatientID:   in.PatientID,
		VisitID:     in.VisitID,
		VisitType:   in.VisitType,
		ItemType:    in.ItemType,
		ItemRef:     in.ItemRef,
		Description: in.Description,
		Quantity:    in.Quantity,
		Rate:        in.Rate,
		Amount:      float64(in.Quantity) * in.Rate,
		Currency:    defaultCurrency,
		Status:      StatusPending,
		CreatedBy:   actor,
	}
	if err := s.repo.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create bill line: %w", err)
	}
	return b, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*BillLine, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*BillLine, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// VisitCharges returns all lines for a visit with their non-void total.
func (s *Service) VisitCharges(ctx context.Context, visitID uuid.UUID) (*VisitCharges, error) {
	lines, err := s.repo.ListByVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	vc := &VisitCharges{VisitID: visitID, Lines: lines}
	if vc.Lines == nil {
		vc.Lines = []*BillLine{}
	}
	for _, l := range lines {
		if l.Status != StatusVoid {
			vc.Total += l.Amount
		}
	}
	return vc, nil
}

// MarkBilled moves a pending charge to billed.
func (s *Service) MarkBilled(ctx context.Context, id uuid.UUID) (*BillLine, error) {
	return s.transition(ctx, id, StatusBilled)
}

// Void cancels a pending charge. Billed charges are immutable.
func (s *Service) Void(ctx context.Context, id uuid.UUID) (*BillLine, error) {
	return s.transition(ctx, id, StatusVoid)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to BillLineStatus) (*BillLine, error) {
	b, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusPending {
		return nil, fmt.Errorf("bill line is %s, only pending lines can become %s", b.Status, to)
	}
	b.Status = to
	if err := s.repo.Update(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}
