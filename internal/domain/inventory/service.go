package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxcore/rxcore/internal/domain/audit"
)

// AuditTrail records stock operations on the system-wide trail.
type AuditTrail interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Service owns the stock ledger. Every mutation writes exactly one
// StockMovement, so the sum of the journal always equals quantityOnHand.
type Service struct {
	repo              Repository
	trail             AuditTrail
	logger            zerolog.Logger
	lowStockThreshold int
	expiryWarningDays int
	now               func() time.Time
}

// NewService creates the stock ledger service. trail may be nil.
// lowStockThreshold drives the low status boundary; expiryWarningDays is
// the default window for the expiring report.
func NewService(repo Repository, trail AuditTrail, logger zerolog.Logger, lowStockThreshold, expiryWarningDays int) *Service {
	return &Service{
		repo:              repo,
		trail:             trail,
		logger:            logger,
		lowStockThreshold: lowStockThreshold,
		expiryWarningDays: expiryWarningDays,
		now:               time.Now,
	}
}

// ReceiveLotInput is a goods receipt for one batch of one drug.
type ReceiveLotInput struct {
	DrugID       uuid.UUID  `json:"drug_id"`
	BatchNumber  string     `json:"batch_number"`
	ExpiryDate   *time.Time `json:"expiry_date"`
	Quantity     int        `json:"quantity"`
	UnitCost     float64    `json:"unit_cost"`
	UnitPrice    float64    `json:"unit_price"`
	SupplierName *string    `json:"supplier_name"`
	ReceiptRef   *string    `json:"receipt_ref"`
}

// ReceiveLot records a goods receipt, creating the lot and its opening
// movement. A lot received already past expiry is accepted but lands in
// expired status, so the allocator will never pick it.
func (s *Service) ReceiveLot(ctx context.Context, in ReceiveLotInput, actor string) (*Lot, error) {
	if in.DrugID == uuid.Nil {
		return nil, fmt.Errorf("drug_id is required")
	}
	in.BatchNumber = strings.TrimSpace(in.BatchNumber)
	if in.BatchNumber == "" {
		return nil, fmt.Errorf("batch_number is required")
	}
	if in.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if in.UnitCost < 0 || in.UnitPrice < 0 {
		return nil, fmt.Errorf("unit cost and price cannot be negative")
	}

	lot := &Lot{
		DrugID:         in.DrugID,
		BatchNumber:    in.BatchNumber,
		ExpiryDate:     in.ExpiryDate,
		QuantityOnHand: in.Quantity,
		UnitCost:       in.UnitCost,
		UnitPrice:      in.UnitPrice,
		SupplierName:   in.SupplierName,
		ReceiptRef:     in.ReceiptRef,
		ReceivedAt:     s.now(),
	}
	lot.RecomputeStatus(s.lowStockThreshold, s.now())

	if err := s.repo.CreateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("create lot: %w", err)
	}
	if err := s.journal(ctx, lot, MovementReceive, in.Quantity, nil, nil, nil, actor); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, audit.ActionStockReceive, lot,
		fmt.Sprintf("received %d unit(s) of batch %s", in.Quantity, lot.BatchNumber))
	return lot, nil
}

// Adjust applies a signed correction to a lot's on-hand quantity. The
// quantity can never be driven below zero; a reason is mandatory because
// adjustments are the only mutation not tied to a clinical event.
func (s *Service) Adjust(ctx context.Context, lotID uuid.UUID, delta int, reason, actor string) (*Lot, error) {
	if delta == 0 {
		return nil, fmt.Errorf("adjustment delta cannot be zero")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("adjustment reason is required")
	}

	lot, err := s.repo.GetLotForUpdate(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.QuantityOnHand+delta < 0 {
		return nil, fmt.Errorf("adjustment of %d would drive quantity below zero (on hand: %d)", delta, lot.QuantityOnHand)
	}

	lot.QuantityOnHand += delta
	lot.RecomputeStatus(s.lowStockThreshold, s.now())
	if err := s.repo.UpdateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("update lot: %w", err)
	}
	if err := s.journal(ctx, lot, MovementAdjust, delta, &reason, nil, nil, actor); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, audit.ActionStockAdjust, lot,
		fmt.Sprintf("adjusted batch %s by %+d: %s", lot.BatchNumber, delta, reason))
	return lot, nil
}

// ReturnToLot puts previously dispensed stock back. refID, when set,
// points at the dispense record being reversed.
func (s *Service) ReturnToLot(ctx context.Context, lotID uuid.UUID, qty int, refID *uuid.UUID, actor string) (*Lot, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("return quantity must be positive")
	}

	lot, err := s.repo.GetLotForUpdate(ctx, lotID)
	if err != nil {
		return nil, err
	}
	lot.QuantityOnHand += qty
	lot.RecomputeStatus(s.lowStockThreshold, s.now())
	if err := s.repo.UpdateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("update lot: %w", err)
	}

	refType := "dispense"
	var rt *string
	if refID != nil {
		rt = &refType
	}
	if err := s.journal(ctx, lot, MovementReturn, qty, nil, rt, refID, actor); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, audit.ActionStockReturn, lot,
		fmt.Sprintf("returned %d unit(s) to batch %s", qty, lot.BatchNumber))
	return lot, nil
}

// Deduct removes stock for a dispense line. It must run inside the
// dispense transaction: the lot is re-read under a row lock so a
// concurrent dispense of the same lot cannot cause a lost update.
// Sufficiency, recall, and expiry are all re-verified against the locked
// row, never against an earlier read.
func (s *Service) Deduct(ctx context.Context, lotID uuid.UUID, qty int, refID uuid.UUID, actor string) (*Lot, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("deduct quantity must be positive")
	}

	lot, err := s.repo.GetLotForUpdate(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.IsRecalled {
		return nil, ErrLotRecalled
	}
	if lot.Expired(s.now()) {
		return nil, ErrLotExpired
	}
	if lot.QuantityOnHand < qty {
		return nil, &InsufficientStockError{DrugID: lot.DrugID, Requested: qty, Available: lot.QuantityOnHand}
	}

	lot.QuantityOnHand -= qty
	lot.RecomputeStatus(s.lowStockThreshold, s.now())
	if err := s.repo.UpdateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("update lot: %w", err)
	}

	refType := "dispense"
	if err := s.journal(ctx, lot, MovementDispense, -qty, nil, &refType, &refID, actor); err != nil {
		return nil, err
	}
	return lot, nil
}

// BlockForRecall marks a lot recalled. Blocking an already blocked lot is
// a no-op that keeps the original recall reference.
func (s *Service) BlockForRecall(ctx context.Context, lotID, recallID uuid.UUID, actor string) (*Lot, error) {
	lot, err := s.repo.GetLotForUpdate(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.IsRecalled {
		return lot, nil
	}

	now := s.now()
	lot.IsRecalled = true
	lot.RecallRef = &recallID
	lot.RecalledAt = &now
	lot.RecomputeStatus(s.lowStockThreshold, now)
	if err := s.repo.UpdateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("update lot: %w", err)
	}

	refType := "recall"
	if err := s.journal(ctx, lot, MovementRecallBlock, 0, nil, &refType, &recallID, actor); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, audit.ActionStockBlock,
		lot, fmt.Sprintf("blocked batch %s under recall %s", lot.BatchNumber, recallID))
	return lot, nil
}

// ReleaseFromRecall clears the recall block on a lot. This is the only
// path that unblocks stock; resolving a recall never does it implicitly,
// and the release is journaled with the operator's reason.
func (s *Service) ReleaseFromRecall(ctx context.Context, lotID uuid.UUID, reason, actor string) (*Lot, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("release reason is required")
	}

	lot, err := s.repo.GetLotForUpdate(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if !lot.IsRecalled {
		return nil, fmt.Errorf("lot %s is not under recall", lotID)
	}

	recallRef := lot.RecallRef
	lot.IsRecalled = false
	lot.RecallRef = nil
	lot.RecalledAt = nil
	lot.RecomputeStatus(s.lowStockThreshold, s.now())
	if err := s.repo.UpdateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("update lot: %w", err)
	}

	refType := "recall"
	if err := s.journal(ctx, lot, MovementRelease, 0, &reason, &refType, recallRef, actor); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, audit.ActionStockRelease, lot,
		fmt.Sprintf("released batch %s from recall: %s", lot.BatchNumber, reason))
	return lot, nil
}

// CreateRecalledPlaceholder records a batch named by a recall that is
// not currently in inventory. The zero-quantity lot exists purely so the
// block is auditable and the batch gate answers correctly.
func (s *Service) CreateRecalledPlaceholder(ctx context.Context, drugID uuid.UUID, batchNumber string, recallID uuid.UUID, actor string) (*Lot, error) {
	batchNumber = strings.TrimSpace(batchNumber)
	if batchNumber == "" {
		return nil, fmt.Errorf("batch_number is required")
	}

	now := s.now()
	lot := &Lot{
		DrugID:      drugID,
		BatchNumber: batchNumber,
		IsRecalled:  true,
		RecallRef:   &recallID,
		RecalledAt:  &now,
		ReceivedAt:  now,
	}
	lot.RecomputeStatus(s.lowStockThreshold, now)
	if err := s.repo.CreateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("create placeholder lot: %w", err)
	}

	refType := "recall"
	if err := s.journal(ctx, lot, MovementRecallBlock, 0, nil, &refType, &recallID, actor); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, audit.ActionStockBlock, lot,
		fmt.Sprintf("poisoned batch %s (no stock on hand) under recall %s", lot.BatchNumber, recallID))
	return lot, nil
}

func (s *Service) GetLot(ctx context.Context, id uuid.UUID) (*Lot, error) {
	return s.repo.GetLot(ctx, id)
}

func (s *Service) FindByDrugAndBatch(ctx context.Context, drugID uuid.UUID, batchNumber string) (*Lot, error) {
	return s.repo.FindLotByDrugAndBatch(ctx, drugID, strings.TrimSpace(batchNumber))
}

func (s *Service) ListLots(ctx context.Context, limit, offset int) ([]*Lot, int, error) {
	return s.repo.ListLots(ctx, limit, offset)
}

func (s *Service) ListByDrug(ctx context.Context, drugID uuid.UUID) ([]*Lot, error) {
	return s.repo.ListLotsByDrug(ctx, drugID)
}

// ListExpiring reports lots with stock whose expiry falls within the
// given window. A non-positive window falls back to the configured
// warning horizon.
func (s *Service) ListExpiring(ctx context.Context, withinDays int) ([]*Lot, error) {
	if withinDays <= 0 {
		withinDays = s.expiryWarningDays
	}
	return s.repo.ListExpiringWithin(ctx, withinDays)
}

func (s *Service) ListRecalled(ctx context.Context) ([]*Lot, error) {
	return s.repo.ListRecalled(ctx)
}

func (s *Service) Movements(ctx context.Context, lotID uuid.UUID) ([]*StockMovement, error) {
	if _, err := s.repo.GetLot(ctx, lotID); err != nil {
		return nil, err
	}
	return s.repo.ListMovementsByLot(ctx, lotID)
}

func (s *Service) journal(ctx context.Context, lot *Lot, typ MovementType, qty int, reason, refType *string, refID *uuid.UUID, actor string) error {
	m := &StockMovement{
		LotID:    lot.ID,
		DrugID:   lot.DrugID,
		Type:     typ,
		Quantity: qty,
		Reason:   reason,
		RefType:  refType,
		RefID:    refID,
		Actor:    actor,
	}
	if err := s.repo.InsertMovement(ctx, m); err != nil {
		return fmt.Errorf("record %s movement: %w", typ, err)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, actor, action string, lot *Lot, description string) {
	if s.trail == nil {
		return
	}
	err := s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      action,
		Entity:      "lot",
		EntityID:    lot.ID,
		Description: description,
		Metadata:    map[string]string{"drug_id": lot.DrugID.String(), "batch_number": lot.BatchNumber},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("lot_id", lot.ID.String()).Msg("audit record failed")
	}
}
