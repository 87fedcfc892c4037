package inventory

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxcore/rxcore/internal/domain/audit"
)

type mockRepo struct {
	lots      map[uuid.UUID]*Lot
	movements []*StockMovement
}

func newMockRepo() *mockRepo {
	return &mockRepo{lots: make(map[uuid.UUID]*Lot)}
}

func (m *mockRepo) CreateLot(_ context.Context, l *Lot) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	now := time.Now()
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.ReceivedAt.IsZero() {
		l.ReceivedAt = now
	}
	cp := *l
	m.lots[l.ID] = &cp
	return nil
}

func (m *mockRepo) GetLot(_ context.Context, id uuid.UUID) (*Lot, error) {
	l, ok := m.lots[id]
	if !ok {
		return nil, ErrLotNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *mockRepo) GetLotForUpdate(ctx context.Context, id uuid.UUID) (*Lot, error) {
	return m.GetLot(ctx, id)
}

func (m *mockRepo) FindLotByDrugAndBatch(_ context.Context, drugID uuid.UUID, batch string) (*Lot, error) {
	for _, l := range m.lots {
		if l.DrugID == drugID && l.BatchNumber == batch {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrLotNotFound
}

func (m *mockRepo) UpdateLot(_ context.Context, l *Lot) error {
	if _, ok := m.lots[l.ID]; !ok {
		return ErrLotNotFound
	}
	l.UpdatedAt = time.Now()
	cp := *l
	m.lots[l.ID] = &cp
	return nil
}

func (m *mockRepo) ListLots(_ context.Context, limit, offset int) ([]*Lot, int, error) {
	all := m.sorted()
	total := len(all)
	if offset >= total {
		return []*Lot{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) ListLotsByDrug(_ context.Context, drugID uuid.UUID) ([]*Lot, error) {
	var out []*Lot
	for _, l := range m.sorted() {
		if l.DrugID == drugID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockRepo) ListAllocatable(_ context.Context, drugID uuid.UUID) ([]*Lot, error) {
	// deliberately unordered so tests prove the allocator sorts
	var out []*Lot
	for _, l := range m.lots {
		if l.DrugID == drugID && !l.IsRecalled && l.QuantityOnHand > 0 {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) ListExpiringWithin(_ context.Context, days int) ([]*Lot, error) {
	cutoff := time.Now().AddDate(0, 0, days)
	var out []*Lot
	for _, l := range m.sorted() {
		if l.ExpiryDate != nil && !l.ExpiryDate.After(cutoff) && l.QuantityOnHand > 0 && !l.IsRecalled {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockRepo) ListRecalled(_ context.Context) ([]*Lot, error) {
	var out []*Lot
	for _, l := range m.sorted() {
		if l.IsRecalled {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockRepo) ListLotsByBatch(_ context.Context, batch string) ([]*Lot, error) {
	var out []*Lot
	for _, l := range m.sorted() {
		if l.BatchNumber == batch {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockRepo) InsertMovement(_ context.Context, mv *StockMovement) error {
	if mv.ID == uuid.Nil {
		mv.ID = uuid.New()
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now()
	}
	cp := *mv
	m.movements = append(m.movements, &cp)
	return nil
}

func (m *mockRepo) ListMovementsByLot(_ context.Context, lotID uuid.UUID) ([]*StockMovement, error) {
	var out []*StockMovement
	for _, mv := range m.movements {
		if mv.LotID == lotID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (m *mockRepo) sorted() []*Lot {
	var out []*Lot
	for _, l := range m.lots {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	return NewService(repo, nil, zerolog.Nop(), 10, 90), repo
}

func timePtr(t time.Time) *time.Time { return &t }

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestReceiveLot(t *testing.T) {
	svc, repo := newTestService()
	supplier := "Acme Pharma"

	lot, err := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID:       uuid.New(),
		BatchNumber:  "B-100",
		ExpiryDate:   timePtr(time.Now().AddDate(1, 0, 0)),
		Quantity:     100,
		UnitCost:     2.5,
		UnitPrice:    4.0,
		SupplierName: &supplier,
	}, "pharm-1")
	if err != nil {
		t.Fatalf("ReceiveLot failed: %v", err)
	}
	if lot.ID == uuid.Nil {
		t.Error("expected lot ID to be assigned")
	}
	if lot.Status != LotAvailable {
		t.Errorf("expected status available, got %s", lot.Status)
	}
	if lot.QuantityOnHand != 100 {
		t.Errorf("expected quantity 100, got %d", lot.QuantityOnHand)
	}

	moves, _ := repo.ListMovementsByLot(context.Background(), lot.ID)
	if len(moves) != 1 {
		t.Fatalf("expected 1 movement, got %d", len(moves))
	}
	if moves[0].Type != MovementReceive || moves[0].Quantity != 100 {
		t.Errorf("expected receive movement of 100, got %s %d", moves[0].Type, moves[0].Quantity)
	}
	if moves[0].Actor != "pharm-1" {
		t.Errorf("expected actor pharm-1, got %s", moves[0].Actor)
	}
}

func TestReceiveLotValidation(t *testing.T) {
	svc, _ := newTestService()

	cases := []struct {
		name string
		in   ReceiveLotInput
	}{
		{"missing drug", ReceiveLotInput{BatchNumber: "B-1", Quantity: 10}},
		{"empty batch", ReceiveLotInput{DrugID: uuid.New(), BatchNumber: "   ", Quantity: 10}},
		{"zero quantity", ReceiveLotInput{DrugID: uuid.New(), BatchNumber: "B-1", Quantity: 0}},
		{"negative quantity", ReceiveLotInput{DrugID: uuid.New(), BatchNumber: "B-1", Quantity: -5}},
		{"negative price", ReceiveLotInput{DrugID: uuid.New(), BatchNumber: "B-1", Quantity: 10, UnitPrice: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.ReceiveLot(context.Background(), tc.in, "pharm-1"); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestReceiveLotStatusBoundaries(t *testing.T) {
	svc, _ := newTestService()

	low, err := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-LOW", Quantity: 5,
	}, "pharm-1")
	if err != nil {
		t.Fatalf("ReceiveLot failed: %v", err)
	}
	if low.Status != LotLow {
		t.Errorf("quantity 5 under threshold 10: expected low, got %s", low.Status)
	}

	expired, err := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-EXP", Quantity: 50,
		ExpiryDate: timePtr(time.Now().AddDate(0, 0, -1)),
	}, "pharm-1")
	if err != nil {
		t.Fatalf("ReceiveLot failed: %v", err)
	}
	if expired.Status != LotExpired {
		t.Errorf("past expiry: expected expired, got %s", expired.Status)
	}
}

func TestAdjust(t *testing.T) {
	svc, repo := newTestService()
	lot, _ := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-1", Quantity: 20,
	}, "pharm-1")

	updated, err := svc.Adjust(context.Background(), lot.ID, -13, "stocktake shrinkage", "pharm-1")
	if err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	if updated.QuantityOnHand != 7 {
		t.Errorf("expected quantity 7, got %d", updated.QuantityOnHand)
	}
	if updated.Status != LotLow {
		t.Errorf("expected status low after adjustment, got %s", updated.Status)
	}

	moves, _ := repo.ListMovementsByLot(context.Background(), lot.ID)
	last := moves[len(moves)-1]
	if last.Type != MovementAdjust || last.Quantity != -13 {
		t.Errorf("expected adjust movement of -13, got %s %d", last.Type, last.Quantity)
	}
	if last.Reason == nil || *last.Reason != "stocktake shrinkage" {
		t.Error("expected adjustment reason on movement")
	}
}

func TestAdjustNeverBelowZero(t *testing.T) {
	svc, repo := newTestService()
	lot, _ := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-1", Quantity: 5,
	}, "pharm-1")

	if _, err := svc.Adjust(context.Background(), lot.ID, -10, "bad count", "pharm-1"); err == nil {
		t.Fatal("expected error driving quantity below zero")
	}

	stored, _ := repo.GetLot(context.Background(), lot.ID)
	if stored.QuantityOnHand != 5 {
		t.Errorf("quantity must be unchanged after rejected adjustment, got %d", stored.QuantityOnHand)
	}
}

func TestAdjustRequiresReason(t *testing.T) {
	svc, _ := newTestService()
	lot, _ := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-1", Quantity: 5,
	}, "pharm-1")

	if _, err := svc.Adjust(context.Background(), lot.ID, -1, "  ", "pharm-1"); err == nil {
		t.Error("expected error for blank reason")
	}
	if _, err := svc.Adjust(context.Background(), lot.ID, 0, "reason", "pharm-1"); err == nil {
		t.Error("expected error for zero delta")
	}
}

func TestReturnToLot(t *testing.T) {
	svc, repo := newTestService()
	lot, _ := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-1", Quantity: 50,
	}, "pharm-1")
	dispenseID := uuid.New()

	updated, err := svc.ReturnToLot(context.Background(), lot.ID, 4, &dispenseID, "pharm-2")
	if err != nil {
		t.Fatalf("ReturnToLot failed: %v", err)
	}
	if updated.QuantityOnHand != 54 {
		t.Errorf("expected quantity 54, got %d", updated.QuantityOnHand)
	}

	moves, _ := repo.ListMovementsByLot(context.Background(), lot.ID)
	last := moves[len(moves)-1]
	if last.Type != MovementReturn || last.Quantity != 4 {
		t.Errorf("expected return movement of 4, got %s %d", last.Type, last.Quantity)
	}
	if last.RefID == nil || *last.RefID != dispenseID {
		t.Error("expected return movement to reference the dispense")
	}
}

func TestDeduct(t *testing.T) {
	svc, repo := newTestService()
	lot, _ := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-1", Quantity: 30,
	}, "pharm-1")

	updated, err := svc.Deduct(context.Background(), lot.ID, 30, uuid.New(), "pharm-1")
	if err != nil {
		t.Fatalf("Deduct failed: %v", err)
	}
	if updated.QuantityOnHand != 0 {
		t.Errorf("expected quantity 0, got %d", updated.QuantityOnHand)
	}
	if updated.Status != LotOutOfStock {
		t.Errorf("expected out-of-stock at zero, got %s", updated.Status)
	}

	moves, _ := repo.ListMovementsByLot(context.Background(), lot.ID)
	last := moves[len(moves)-1]
	if last.Type != MovementDispense || last.Quantity != -30 {
		t.Errorf("expected dispense movement of -30, got %s %d", last.Type, last.Quantity)
	}
}

func TestDeductInsufficient(t *testing.T) {
	svc, repo := newTestService()
	drugID := uuid.New()
	lot, _ := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: drugID, BatchNumber: "B-1", Quantity: 3,
	}, "pharm-1")

	_, err := svc.Deduct(context.Background(), lot.ID, 8, uuid.New(), "pharm-1")
	var insufficient *InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.Requested != 8 || insufficient.Available != 3 {
		t.Errorf("unexpected shortfall detail: %+v", insufficient)
	}
	if insufficient.ShortBy() != 5 {
		t.Errorf("expected shortfall 5, got %d", insufficient.ShortBy())
	}

	stored, _ := repo.GetLot(context.Background(), lot.ID)
	if stored.QuantityOnHand != 3 {
		t.Errorf("quantity must be unchanged after failed deduct, got %d", stored.QuantityOnHand)
	}
}

func TestDeductBlockedLots(t *testing.T) {
	svc, _ := newTestService()

	recalled, _ := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-REC", Quantity: 10,
	}, "pharm-1")
	if _, err := svc.BlockForRecall(context.Background(), recalled.ID, uuid.New(), "admin-1"); err != nil {
		t.Fatalf("BlockForRecall failed: %v", err)
	}
	if _, err := svc.Deduct(context.Background(), recalled.ID, 1, uuid.New(), "pharm-1"); !errors.Is(err, ErrLotRecalled) {
		t.Errorf("expected ErrLotRecalled, got %v", err)
	}

	expired, _ := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-EXP", Quantity: 10,
		ExpiryDate: timePtr(time.Now().AddDate(0, 0, -1)),
	}, "pharm-1")
	if _, err := svc.Deduct(context.Background(), expired.ID, 1, uuid.New(), "pharm-1"); !errors.Is(err, ErrLotExpired) {
		t.Errorf("expected ErrLotExpired, got %v", err)
	}
}

func TestBlockForRecall(t *testing.T) {
	svc, repo := newTestService()
	lot, _ := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-1", Quantity: 40,
	}, "pharm-1")
	recallID := uuid.New()

	blocked, err := svc.BlockForRecall(context.Background(), lot.ID, recallID, "admin-1")
	if err != nil {
		t.Fatalf("BlockForRecall failed: %v", err)
	}
	if !blocked.IsRecalled || blocked.Status != LotRecalled {
		t.Errorf("expected recalled lot, got recalled=%v status=%s", blocked.IsRecalled, blocked.Status)
	}
	if blocked.RecallRef == nil || *blocked.RecallRef != recallID {
		t.Error("expected recall reference on lot")
	}
	if blocked.QuantityOnHand != 40 {
		t.Errorf("blocking must not change quantity, got %d", blocked.QuantityOnHand)
	}

	// blocking again keeps the original reference and adds no movement
	before := len(repo.movements)
	again, err := svc.BlockForRecall(context.Background(), lot.ID, uuid.New(), "admin-2")
	if err != nil {
		t.Fatalf("second BlockForRecall failed: %v", err)
	}
	if *again.RecallRef != recallID {
		t.Error("second block must not overwrite the recall reference")
	}
	if len(repo.movements) != before {
		t.Error("second block must not journal another movement")
	}
}

func TestReleaseFromRecall(t *testing.T) {
	svc, repo := newTestService()
	lot, _ := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-1", Quantity: 40,
	}, "pharm-1")
	recallID := uuid.New()
	svc.BlockForRecall(context.Background(), lot.ID, recallID, "admin-1")

	if _, err := svc.ReleaseFromRecall(context.Background(), lot.ID, "", "admin-1"); err == nil {
		t.Error("expected error for blank release reason")
	}

	released, err := svc.ReleaseFromRecall(context.Background(), lot.ID, "manufacturer cleared batch", "admin-1")
	if err != nil {
		t.Fatalf("ReleaseFromRecall failed: %v", err)
	}
	if released.IsRecalled || released.RecallRef != nil {
		t.Error("expected recall block cleared")
	}
	if released.Status != LotAvailable {
		t.Errorf("expected status available after release, got %s", released.Status)
	}

	moves, _ := repo.ListMovementsByLot(context.Background(), lot.ID)
	last := moves[len(moves)-1]
	if last.Type != MovementRelease {
		t.Errorf("expected release movement, got %s", last.Type)
	}
	if last.Reason == nil || *last.Reason != "manufacturer cleared batch" {
		t.Error("expected release reason on movement")
	}
	if last.RefID == nil || *last.RefID != recallID {
		t.Error("expected release movement to reference the recall")
	}

	if _, err := svc.ReleaseFromRecall(context.Background(), lot.ID, "again", "admin-1"); err == nil {
		t.Error("expected error releasing a lot that is not recalled")
	}
}

func TestCreateRecalledPlaceholder(t *testing.T) {
	svc, _ := newTestService()
	recallID := uuid.New()

	lot, err := svc.CreateRecalledPlaceholder(context.Background(), uuid.New(), "GHOST-1", recallID, "admin-1")
	if err != nil {
		t.Fatalf("CreateRecalledPlaceholder failed: %v", err)
	}
	if lot.QuantityOnHand != 0 {
		t.Errorf("placeholder must hold zero stock, got %d", lot.QuantityOnHand)
	}
	if !lot.IsRecalled || lot.Status != LotRecalled {
		t.Error("placeholder must be created blocked")
	}
}

func TestConservation(t *testing.T) {
	svc, repo := newTestService()
	lot, _ := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-1", Quantity: 100,
	}, "pharm-1")

	if _, err := svc.Deduct(context.Background(), lot.ID, 30, uuid.New(), "pharm-1"); err != nil {
		t.Fatalf("deduct 30: %v", err)
	}
	if _, err := svc.ReturnToLot(context.Background(), lot.ID, 10, nil, "pharm-1"); err != nil {
		t.Fatalf("return 10: %v", err)
	}
	if _, err := svc.Deduct(context.Background(), lot.ID, 20, uuid.New(), "pharm-1"); err != nil {
		t.Fatalf("deduct 20: %v", err)
	}
	if _, err := svc.Adjust(context.Background(), lot.ID, -5, "damaged packaging", "pharm-1"); err != nil {
		t.Fatalf("adjust -5: %v", err)
	}

	stored, _ := repo.GetLot(context.Background(), lot.ID)
	want := 100 - 30 + 10 - 20 - 5
	if stored.QuantityOnHand != want {
		t.Errorf("expected quantity %d, got %d", want, stored.QuantityOnHand)
	}

	// the signed journal must sum to the final on-hand quantity
	moves, _ := repo.ListMovementsByLot(context.Background(), lot.ID)
	sum := 0
	for _, m := range moves {
		sum += m.Quantity
	}
	if sum != stored.QuantityOnHand {
		t.Errorf("journal sums to %d but lot holds %d", sum, stored.QuantityOnHand)
	}
}

func TestMovementsUnknownLot(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Movements(context.Background(), uuid.New()); !errors.Is(err, ErrLotNotFound) {
		t.Errorf("expected ErrLotNotFound, got %v", err)
	}
}

type mockTrail struct {
	entries []audit.Entry
}

func (m *mockTrail) Record(_ context.Context, e audit.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestStockOperationsAudited(t *testing.T) {
	repo := newMockRepo()
	trail := &mockTrail{}
	svc := NewService(repo, trail, zerolog.Nop(), 10, 90)
	ctx := context.Background()

	lot, err := svc.ReceiveLot(ctx, ReceiveLotInput{
		DrugID: uuid.New(), BatchNumber: "B-AUD", Quantity: 50,
	}, "pharm-1")
	if err != nil {
		t.Fatalf("ReceiveLot failed: %v", err)
	}
	if _, err := svc.Adjust(ctx, lot.ID, -5, "stocktake", "pharm-1"); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	if _, err := svc.BlockForRecall(ctx, lot.ID, uuid.New(), "qa-1"); err != nil {
		t.Fatalf("BlockForRecall failed: %v", err)
	}
	if _, err := svc.ReleaseFromRecall(ctx, lot.ID, "false alarm", "qa-1"); err != nil {
		t.Fatalf("ReleaseFromRecall failed: %v", err)
	}

	want := []string{audit.ActionStockReceive, audit.ActionStockAdjust, audit.ActionStockBlock, audit.ActionStockRelease}
	if len(trail.entries) != len(want) {
		t.Fatalf("expected %d audit entries, got %d", len(want), len(trail.entries))
	}
	for i, action := range want {
		e := trail.entries[i]
		if e.Action != action {
			t.Errorf("entry %d: expected action %s, got %s", i, action, e.Action)
		}
		if e.Entity != "lot" || e.EntityID != lot.ID {
			t.Errorf("entry %d: expected entity lot/%s, got %s/%s", i, lot.ID, e.Entity, e.EntityID)
		}
		if e.Metadata["batch_number"] != "B-AUD" {
			t.Errorf("entry %d: expected batch metadata, got %v", i, e.Metadata)
		}
	}
}
