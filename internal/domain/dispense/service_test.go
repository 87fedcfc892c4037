package dispense

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxcore/rxcore/internal/domain/audit"
	"github.com/rxcore/rxcore/internal/domain/billing"
	"github.com/rxcore/rxcore/internal/domain/formulary"
	"github.com/rxcore/rxcore/internal/domain/inventory"
	"github.com/rxcore/rxcore/internal/domain/prescription"
	"github.com/rxcore/rxcore/internal/domain/safety"
)

// txStore is state a fake transaction can snapshot and roll back.
type txStore interface {
	snapshot()
	restore()
}

// fakeTx serializes units of work and restores every participating
// store when the function fails, mimicking what the database transaction
// does for the real repositories.
type fakeTx struct {
	mu     sync.Mutex
	stores []txStore
}

func (f *fakeTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stores {
		s.snapshot()
	}
	if err := fn(ctx); err != nil {
		for _, s := range f.stores {
			s.restore()
		}
		return err
	}
	return nil
}

type stubPrescriptions struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*prescription.Prescription
	saved map[uuid.UUID]*prescription.Prescription
}

func clonePrescription(p *prescription.Prescription) *prescription.Prescription {
	cp := *p
	cp.Lines = make([]prescription.Line, len(p.Lines))
	copy(cp.Lines, p.Lines)
	for i := range cp.Lines {
		if cp.Lines[i].Override != nil {
			ov := *cp.Lines[i].Override
			cp.Lines[i].Override = &ov
		}
	}
	return &cp
}

func (s *stubPrescriptions) snapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = make(map[uuid.UUID]*prescription.Prescription, len(s.byID))
	for id, p := range s.byID {
		s.saved[id] = clonePrescription(p)
	}
}

func (s *stubPrescriptions) restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = s.saved
}

func (s *stubPrescriptions) Get(_ context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	return clonePrescription(p), nil
}

func (s *stubPrescriptions) MarkDispensed(_ context.Context, id uuid.UUID, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return prescription.ErrNotFound
	}
	if p.IsDispensed {
		return prescription.ErrAlreadyDispensed
	}
	now := time.Now()
	p.IsDispensed = true
	p.DispensedBy = &actor
	p.DispensedAt = &now
	return nil
}

type stubLedger struct {
	mu    sync.Mutex
	lots  map[uuid.UUID]*inventory.Lot
	saved map[uuid.UUID]*inventory.Lot
}

func (s *stubLedger) snapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = make(map[uuid.UUID]*inventory.Lot, len(s.lots))
	for id, l := range s.lots {
		cp := *l
		s.saved[id] = &cp
	}
}

func (s *stubLedger) restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lots = s.saved
}

func (s *stubLedger) Deduct(_ context.Context, lotID uuid.UUID, qty int, _ uuid.UUID, _ string) (*inventory.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.lots[lotID]
	if !ok {
		return nil, inventory.ErrLotNotFound
	}
	if lot.IsRecalled {
		return nil, inventory.ErrLotRecalled
	}
	if lot.Expired(time.Now()) {
		return nil, inventory.ErrLotExpired
	}
	if lot.QuantityOnHand < qty {
		return nil, &inventory.InsufficientStockError{
			DrugID: lot.DrugID, Requested: qty, Available: lot.QuantityOnHand,
		}
	}
	lot.QuantityOnHand -= qty
	cp := *lot
	return &cp, nil
}

func (s *stubLedger) onHand(lotID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lots[lotID].QuantityOnHand
}

// stubEvaluator answers interaction queries from a canned evaluation and
// derives lot gates from the ledger, like the real evaluator reading the
// same tables.
type stubEvaluator struct {
	eval   *safety.Evaluation
	ledger *stubLedger
}

func (s *stubEvaluator) Evaluate(_ context.Context, _ []uuid.UUID, _ uuid.UUID) (*safety.Evaluation, error) {
	if s.eval != nil {
		return s.eval, nil
	}
	return &safety.Evaluation{}, nil
}

func (s *stubEvaluator) CheckLotByID(_ context.Context, lotID uuid.UUID) (*safety.LotCheck, error) {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()
	lot, ok := s.ledger.lots[lotID]
	if !ok {
		return nil, inventory.ErrLotNotFound
	}
	return &safety.LotCheck{
		LotID:       lot.ID,
		DrugID:      lot.DrugID,
		BatchNumber: lot.BatchNumber,
		Recalled:    lot.IsRecalled,
		RecallRef:   lot.RecallRef,
		Expired:     lot.Expired(time.Now()),
		ExpiryDate:  lot.ExpiryDate,
	}, nil
}

type stubDirectory struct {
	names map[uuid.UUID]formulary.Names
}

func (s *stubDirectory) NamesFor(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]formulary.Names, error) {
	out := make(map[uuid.UUID]formulary.Names, len(ids))
	for _, id := range ids {
		if n, ok := s.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

type stubBiller struct {
	mu    sync.Mutex
	calls []billing.AddBillLineInput
	err   error
}

func (s *stubBiller) AddBillLine(_ context.Context, in billing.AddBillLineInput, _ string) (*billing.BillLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.calls = append(s.calls, in)
	return &billing.BillLine{ID: uuid.New()}, nil
}

type stubScheduler struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (s *stubScheduler) CreateSchedule(_ context.Context, dispenseID, _ uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.calls = append(s.calls, dispenseID)
	return 4, nil
}

type stubTrail struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *stubTrail) Record(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

type mockDispenseRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	saved   map[uuid.UUID]*Record
}

func newMockDispenseRepo() *mockDispenseRepo {
	return &mockDispenseRepo{records: make(map[uuid.UUID]*Record)}
}

func cloneRecord(r *Record) *Record {
	cp := *r
	cp.Items = make([]Item, len(r.Items))
	copy(cp.Items, r.Items)
	return &cp
}

func (m *mockDispenseRepo) snapshot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = make(map[uuid.UUID]*Record, len(m.records))
	for id, r := range m.records {
		m.saved[id] = cloneRecord(r)
	}
}

func (m *mockDispenseRepo) restore() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = m.saved
}

func (m *mockDispenseRepo) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	for i := range r.Items {
		if r.Items[i].ID == uuid.Nil {
			r.Items[i].ID = uuid.New()
		}
		r.Items[i].RecordID = r.ID
	}
	m.records[r.ID] = cloneRecord(r)
	return nil
}

func (m *mockDispenseRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (m *mockDispenseRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Record
	for _, r := range m.records {
		if r.PatientID == patientID {
			all = append(all, cloneRecord(r))
		}
	}
	return all, len(all), nil
}

func (m *mockDispenseRepo) ListByPrescription(_ context.Context, prescriptionID uuid.UUID) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Record
	for _, r := range m.records {
		if r.PrescriptionID == prescriptionID {
			all = append(all, cloneRecord(r))
		}
	}
	return all, nil
}

func (m *mockDispenseRepo) FindExposuresByDrugAndBatches(_ context.Context, drugID uuid.UUID, batchNumbers []string) ([]*BatchExposure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inSet := make(map[string]bool, len(batchNumbers))
	for _, b := range batchNumbers {
		inSet[b] = true
	}
	var out []*BatchExposure
	for _, r := range m.records {
		for _, it := range r.Items {
			if it.DrugID == drugID && inSet[it.BatchNumber] {
				out = append(out, &BatchExposure{
					ItemID: it.ID, RecordID: r.ID, PatientID: r.PatientID,
					DrugID: it.DrugID, LotID: it.LotID, BatchNumber: it.BatchNumber,
					Quantity: it.DispensedQuantity, DispensedAt: r.DispensedAt,
				})
			}
		}
	}
	return out, nil
}

func (m *mockDispenseRepo) ListItemsByBatch(_ context.Context, batchNumber string, limit, offset int) ([]*Item, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Item
	for _, r := range m.records {
		for i := range r.Items {
			if r.Items[i].BatchNumber == batchNumber {
				it := r.Items[i]
				out = append(out, &it)
			}
		}
	}
	return out, len(out), nil
}

func (m *mockDispenseRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type fixture struct {
	svc           *Service
	repo          *mockDispenseRepo
	prescriptions *stubPrescriptions
	ledger        *stubLedger
	evaluator     *stubEvaluator
	directory     *stubDirectory
	biller        *stubBiller
	scheduler     *stubScheduler
	trail         *stubTrail
}

func newFixture() *fixture {
	f := &fixture{
		repo:          newMockDispenseRepo(),
		prescriptions: &stubPrescriptions{byID: make(map[uuid.UUID]*prescription.Prescription)},
		ledger:        &stubLedger{lots: make(map[uuid.UUID]*inventory.Lot)},
		directory:     &stubDirectory{names: make(map[uuid.UUID]formulary.Names)},
		biller:        &stubBiller{},
		scheduler:     &stubScheduler{},
		trail:         &stubTrail{},
	}
	f.evaluator = &stubEvaluator{ledger: f.ledger}
	tx := &fakeTx{stores: []txStore{f.repo, f.prescriptions, f.ledger}}
	f.svc = NewService(tx, f.repo, f.prescriptions, f.ledger, f.evaluator, f.directory,
		f.biller, f.scheduler, f.trail, nil, zerolog.Nop())
	return f
}

func (f *fixture) addDrug(name string) uuid.UUID {
	id := uuid.New()
	f.directory.names[id] = formulary.Names{Name: name, GenericName: name}
	return id
}

func (f *fixture) addLot(drugID uuid.UUID, batch string, qty int, price float64) *inventory.Lot {
	expiry := time.Now().AddDate(1, 0, 0)
	supplier := "Cipla Distribution"
	receipt := "GRN-2041"
	lot := &inventory.Lot{
		ID: uuid.New(), DrugID: drugID, BatchNumber: batch, ExpiryDate: &expiry,
		QuantityOnHand: qty, UnitPrice: price, Status: inventory.LotAvailable,
		SupplierName: &supplier, ReceiptRef: &receipt, ReceivedAt: time.Now(),
	}
	f.ledger.lots[lot.ID] = lot
	return lot
}

func (f *fixture) addPrescription(patientID uuid.UUID, drugIDs ...uuid.UUID) *prescription.Prescription {
	p := &prescription.Prescription{ID: uuid.New(), PatientID: patientID, PrescriberID: "dr-house"}
	for i, id := range drugIDs {
		p.Lines = append(p.Lines, prescription.Line{
			ID: uuid.New(), PrescriptionID: p.ID, LineNo: i + 1, DrugID: id,
			Dosage: "500mg", Frequency: "twice-daily", Duration: "5 days", RequestedQuantity: 10,
		})
	}
	f.prescriptions.byID[p.ID] = p
	return p
}

func TestDispenseHappyPath(t *testing.T) {
	f := newFixture()
	patientID := uuid.New()
	drug := f.addDrug("Amoxicillin 500mg")
	lot := f.addLot(drug, "B-1001", 50, 4.5)
	p := f.addPrescription(patientID, drug)

	rec, err := f.svc.Dispense(context.Background(), Input{
		PrescriptionID: p.ID,
		Lines:          []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 10}},
	}, "pharm-1")
	if err != nil {
		t.Fatalf("Dispense failed: %v", err)
	}

	if rec.PatientID != patientID {
		t.Error("patient id must come from the prescription")
	}
	if rec.DispensedBy != "pharm-1" {
		t.Errorf("expected dispenser pharm-1, got %q", rec.DispensedBy)
	}
	if len(rec.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(rec.Items))
	}

	item := rec.Items[0]
	if item.DrugName != "Amoxicillin 500mg" {
		t.Errorf("expected drug name snapshot, got %q", item.DrugName)
	}
	if item.BatchNumber != "B-1001" {
		t.Errorf("expected batch snapshot B-1001, got %q", item.BatchNumber)
	}
	if item.ExpiryDate == nil || !item.ExpiryDate.Equal(*lot.ExpiryDate) {
		t.Error("expected expiry date snapshot from the lot")
	}
	if item.SupplierName == nil || *item.SupplierName != "Cipla Distribution" {
		t.Error("expected supplier snapshot from the lot")
	}
	if item.ReceiptRef == nil || *item.ReceiptRef != "GRN-2041" {
		t.Error("expected receipt reference snapshot from the lot")
	}
	if item.Dosage != "500mg" || item.Frequency != "twice-daily" || item.Duration != "5 days" {
		t.Error("expected dosing instructions snapshot from the prescription line")
	}
	if item.PrescribedQuantity != 10 || item.DispensedQuantity != 10 {
		t.Errorf("expected quantities 10/10, got %d/%d", item.PrescribedQuantity, item.DispensedQuantity)
	}
	if item.LineTotal != 45.0 {
		t.Errorf("expected line total 45.0, got %v", item.LineTotal)
	}
	if rec.TotalAmount != 45.0 {
		t.Errorf("expected record total 45.0, got %v", rec.TotalAmount)
	}
	if !item.InteractionChecked || item.RecallCheckedAt.IsZero() {
		t.Error("expected safety check stamps on the item")
	}

	if got := f.ledger.onHand(lot.ID); got != 40 {
		t.Errorf("expected 40 on hand after deduction, got %d", got)
	}
	stored, _ := f.prescriptions.Get(context.Background(), p.ID)
	if !stored.IsDispensed {
		t.Error("expected prescription flagged dispensed")
	}
	if f.repo.count() != 1 {
		t.Errorf("expected 1 persisted record, got %d", f.repo.count())
	}
}

func TestDispensePostCommitTriggers(t *testing.T) {
	f := newFixture()
	drug := f.addDrug("Metformin 500mg")
	lot := f.addLot(drug, "B-2002", 30, 2.0)
	p := f.addPrescription(uuid.New(), drug)
	admissionID := uuid.New()

	rec, err := f.svc.Dispense(context.Background(), Input{
		PrescriptionID: p.ID,
		Lines:          []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 5}},
		AdmissionID:    &admissionID,
	}, "pharm-1")
	if err != nil {
		t.Fatalf("Dispense failed: %v", err)
	}

	if len(f.biller.calls) != 1 {
		t.Fatalf("expected 1 bill line, got %d", len(f.biller.calls))
	}
	bill := f.biller.calls[0]
	if bill.ItemType != "medicine" || bill.Quantity != 5 || bill.Rate != 2.0 {
		t.Errorf("unexpected bill line: %+v", bill)
	}
	if bill.ItemRef != rec.Items[0].ID {
		t.Error("bill line must reference the dispensed item")
	}

	if len(f.scheduler.calls) != 1 || f.scheduler.calls[0] != rec.ID {
		t.Error("expected one MAR schedule for the dispense")
	}
	if len(f.trail.entries) != 1 || f.trail.entries[0].Action != audit.ActionDispense {
		t.Error("expected one audit entry for the dispense")
	}
}

func TestDispenseNoMARWithoutAdmission(t *testing.T) {
	f := newFixture()
	drug := f.addDrug("Metformin 500mg")
	lot := f.addLot(drug, "B-2002", 30, 2.0)
	p := f.addPrescription(uuid.New(), drug)

	if _, err := f.svc.Dispense(context.Background(), Input{
		PrescriptionID: p.ID,
		Lines:          []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 5}},
	}, "pharm-1"); err != nil {
		t.Fatalf("Dispense failed: %v", err)
	}
	if len(f.scheduler.calls) != 0 {
		t.Error("outpatient dispense must not generate a MAR schedule")
	}
}

func TestDispenseBillingFailureDoesNotFailDispense(t *testing.T) {
	f := newFixture()
	f.biller.err = errors.New("billing system down")
	drug := f.addDrug("Aspirin 75mg")
	lot := f.addLot(drug, "B-3003", 30, 1.0)
	p := f.addPrescription(uuid.New(), drug)

	rec, err := f.svc.Dispense(context.Background(), Input{
		PrescriptionID: p.ID,
		Lines:          []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 3}},
	}, "pharm-1")
	if err != nil {
		t.Fatalf("dispense must survive billing failure, got %v", err)
	}
	if _, err := f.repo.GetByID(context.Background(), rec.ID); err != nil {
		t.Error("record must stay committed when billing fails")
	}
	if got := f.ledger.onHand(lot.ID); got != 27 {
		t.Errorf("deduction must stay committed when billing fails, on hand %d", got)
	}
}

func TestDispenseAlreadyDispensed(t *testing.T) {
	f := newFixture()
	drug := f.addDrug("Aspirin 75mg")
	lot := f.addLot(drug, "B-3003", 30, 1.0)
	p := f.addPrescription(uuid.New(), drug)
	in := Input{PrescriptionID: p.ID, Lines: []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 3}}}

	if _, err := f.svc.Dispense(context.Background(), in, "pharm-1"); err != nil {
		t.Fatalf("first dispense failed: %v", err)
	}
	_, err := f.svc.Dispense(context.Background(), in, "pharm-2")
	if !errors.Is(err, prescription.ErrAlreadyDispensed) {
		t.Fatalf("expected ErrAlreadyDispensed, got %v", err)
	}
	if got := f.ledger.onHand(lot.ID); got != 27 {
		t.Errorf("second attempt must not touch stock, on hand %d", got)
	}
	if f.repo.count() != 1 {
		t.Errorf("expected exactly 1 record, got %d", f.repo.count())
	}
}

func TestDispenseConcurrentExactlyOneWins(t *testing.T) {
	f := newFixture()
	drug := f.addDrug("Warfarin 5mg")
	lot := f.addLot(drug, "B-4004", 100, 3.0)
	p := f.addPrescription(uuid.New(), drug)
	in := Input{PrescriptionID: p.ID, Lines: []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 10}}}

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.svc.Dispense(context.Background(), in, fmt.Sprintf("pharm-%d", n))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, prescription.ErrAlreadyDispensed):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
	if conflicts != attempts-1 {
		t.Fatalf("expected %d conflicts, got %d", attempts-1, conflicts)
	}
	if got := f.ledger.onHand(lot.ID); got != 90 {
		t.Errorf("stock must be deducted exactly once, on hand %d", got)
	}
	if f.repo.count() != 1 {
		t.Errorf("expected exactly 1 record, got %d", f.repo.count())
	}
}

func TestDispenseInsufficientStockRollsBack(t *testing.T) {
	f := newFixture()
	drugA := f.addDrug("Amoxicillin 500mg")
	drugB := f.addDrug("Omeprazole 20mg")
	lotA := f.addLot(drugA, "B-5005", 50, 4.0)
	lotB := f.addLot(drugB, "B-5006", 2, 6.0)
	p := f.addPrescription(uuid.New(), drugA, drugB)

	_, err := f.svc.Dispense(context.Background(), Input{
		PrescriptionID: p.ID,
		Lines: []LineRequest{
			{DrugID: drugA, LotID: lotA.ID, Quantity: 10},
			{DrugID: drugB, LotID: lotB.ID, Quantity: 10},
		},
	}, "pharm-1")

	var short *inventory.InsufficientStockError
	if !errors.As(err, &short) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if short.Available != 2 || short.ShortBy() != 8 {
		t.Errorf("unexpected shortfall detail: %+v", short)
	}

	if got := f.ledger.onHand(lotA.ID); got != 50 {
		t.Errorf("first line deduction must roll back, on hand %d", got)
	}
	stored, _ := f.prescriptions.Get(context.Background(), p.ID)
	if stored.IsDispensed {
		t.Error("prescription must not be flagged after rollback")
	}
	if f.repo.count() != 0 {
		t.Errorf("no record may survive rollback, got %d", f.repo.count())
	}
	if len(f.biller.calls) != 0 || len(f.trail.entries) != 0 {
		t.Error("no post-commit triggers may fire after rollback")
	}
}

func TestDispenseSafetyBlockedAborts(t *testing.T) {
	f := newFixture()
	drugA := f.addDrug("Warfarin 5mg")
	drugB := f.addDrug("Aspirin 75mg")
	lotA := f.addLot(drugA, "B-6001", 20, 3.0)
	lotB := f.addLot(drugB, "B-6002", 20, 1.0)
	p := f.addPrescription(uuid.New(), drugA, drugB)
	f.evaluator.eval = &safety.Evaluation{
		Interactions: []safety.Interaction{{
			RuleID: uuid.New(), DrugAID: drugA, DrugBID: drugB,
			Severity: safety.SeverityContraindicated, BlockPrescription: true,
			Description: "bleeding risk",
		}},
		HasMajor: true,
	}

	_, err := f.svc.Dispense(context.Background(), Input{
		PrescriptionID: p.ID,
		Lines: []LineRequest{
			{DrugID: drugA, LotID: lotA.ID, Quantity: 5},
			{DrugID: drugB, LotID: lotB.ID, Quantity: 5},
		},
	}, "pharm-1")

	var blocked *safety.SafetyBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected SafetyBlockedError, got %v", err)
	}
	if len(blocked.Blockers) == 0 || blocked.Blockers[0].Code != safety.CodeBlockingInteraction {
		t.Errorf("expected blocking-interaction code, got %+v", blocked.Blockers)
	}
	if f.ledger.onHand(lotA.ID) != 20 || f.ledger.onHand(lotB.ID) != 20 {
		t.Error("blocked dispense must not touch stock")
	}
	if f.repo.count() != 0 {
		t.Error("blocked dispense must not persist a record")
	}
}

func TestDispenseOverrideLiftsBlock(t *testing.T) {
	f := newFixture()
	drugA := f.addDrug("Warfarin 5mg")
	drugB := f.addDrug("Aspirin 75mg")
	lotA := f.addLot(drugA, "B-6001", 20, 3.0)
	lotB := f.addLot(drugB, "B-6002", 20, 1.0)
	p := f.addPrescription(uuid.New(), drugA, drugB)
	p.Lines[0].Override = &prescription.Override{
		Reason: "patient stable on combination", ApprovedBy: "dr-wilson", ApprovedAt: time.Now(),
	}
	f.evaluator.eval = &safety.Evaluation{
		Interactions: []safety.Interaction{{
			RuleID: uuid.New(), DrugAID: drugA, DrugBID: drugB,
			Severity: safety.SeverityMajor, RequiresOverride: true,
		}},
		HasMajor: true,
	}

	rec, err := f.svc.Dispense(context.Background(), Input{
		PrescriptionID: p.ID,
		Lines: []LineRequest{
			{DrugID: drugA, LotID: lotA.ID, Quantity: 5},
			{DrugID: drugB, LotID: lotB.ID, Quantity: 5},
		},
	}, "pharm-1")
	if err != nil {
		t.Fatalf("override must lift the block, got %v", err)
	}
	item := rec.Items[0]
	if item.OverrideReason == nil || *item.OverrideReason != "patient stable on combination" {
		t.Error("expected override reason snapshot on the warfarin item")
	}
	if item.OverrideApprovedBy == nil || *item.OverrideApprovedBy != "dr-wilson" {
		t.Error("expected override approver snapshot on the warfarin item")
	}
}

func TestDispenseRecalledLotBlocks(t *testing.T) {
	f := newFixture()
	drug := f.addDrug("Ranitidine 150mg")
	lot := f.addLot(drug, "B-7007", 40, 2.5)
	recallID := uuid.New()
	lot.IsRecalled = true
	lot.RecallRef = &recallID
	p := f.addPrescription(uuid.New(), drug)

	_, err := f.svc.Dispense(context.Background(), Input{
		PrescriptionID: p.ID,
		Lines:          []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 5}},
	}, "pharm-1")

	var blocked *safety.SafetyBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected SafetyBlockedError for recalled lot, got %v", err)
	}
	if blocked.Blockers[0].Code != safety.CodeLotRecalled {
		t.Errorf("expected lot-recalled code, got %q", blocked.Blockers[0].Code)
	}
	if f.ledger.onHand(lot.ID) != 40 {
		t.Error("recalled lot must not be deducted")
	}
}

func TestDispenseExpiredLotBlocks(t *testing.T) {
	f := newFixture()
	drug := f.addDrug("Insulin Glargine")
	lot := f.addLot(drug, "B-8008", 40, 12.0)
	past := time.Now().AddDate(0, -1, 0)
	lot.ExpiryDate = &past
	p := f.addPrescription(uuid.New(), drug)

	_, err := f.svc.Dispense(context.Background(), Input{
		PrescriptionID: p.ID,
		Lines:          []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 5}},
	}, "pharm-1")

	var blocked *safety.SafetyBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected SafetyBlockedError for expired lot, got %v", err)
	}
	if blocked.Blockers[0].Code != safety.CodeLotExpired {
		t.Errorf("expected lot-expired code, got %q", blocked.Blockers[0].Code)
	}
}

func TestDispenseValidation(t *testing.T) {
	f := newFixture()
	drug := f.addDrug("Amoxicillin 500mg")
	otherDrug := f.addDrug("Cetirizine 10mg")
	lot := f.addLot(drug, "B-9009", 50, 4.0)
	otherLot := f.addLot(otherDrug, "B-9010", 50, 1.5)
	p := f.addPrescription(uuid.New(), drug)

	cases := []struct {
		name string
		in   Input
	}{
		{"missing prescription", Input{Lines: []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 1}}}},
		{"no lines", Input{PrescriptionID: p.ID}},
		{"zero quantity", Input{PrescriptionID: p.ID, Lines: []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 0}}}},
		{"drug not on prescription", Input{PrescriptionID: p.ID, Lines: []LineRequest{{DrugID: otherDrug, LotID: otherLot.ID, Quantity: 1}}}},
		{"exceeds prescribed quantity", Input{PrescriptionID: p.ID, Lines: []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 11}}}},
		{"exceeds across split lines", Input{PrescriptionID: p.ID, Lines: []LineRequest{
			{DrugID: drug, LotID: lot.ID, Quantity: 6},
			{DrugID: drug, LotID: lot.ID, Quantity: 6},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Dispense(context.Background(), tc.in, "pharm-1"); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if _, err := f.svc.Dispense(context.Background(), Input{
		PrescriptionID: p.ID,
		Lines:          []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 1}},
	}, ""); err == nil {
		t.Error("expected error for missing actor")
	}
}

func TestDispenseWrongLotForDrug(t *testing.T) {
	f := newFixture()
	drugA := f.addDrug("Amoxicillin 500mg")
	drugB := f.addDrug("Cetirizine 10mg")
	lotB := f.addLot(drugB, "B-1100", 50, 1.5)
	p := f.addPrescription(uuid.New(), drugA, drugB)

	_, err := f.svc.Dispense(context.Background(), Input{
		PrescriptionID: p.ID,
		Lines:          []LineRequest{{DrugID: drugA, LotID: lotB.ID, Quantity: 5}},
	}, "pharm-1")

	var wrong *WrongDrugError
	if !errors.As(err, &wrong) {
		t.Fatalf("expected WrongDrugError, got %v", err)
	}
	if wrong.LotDrug != drugB || wrong.LineDrug != drugA {
		t.Errorf("unexpected mismatch detail: %+v", wrong)
	}
}

func TestDispensePartialAcrossLots(t *testing.T) {
	f := newFixture()
	drug := f.addDrug("Paracetamol 500mg")
	lotOld := f.addLot(drug, "B-1201", 4, 1.0)
	lotNew := f.addLot(drug, "B-1202", 50, 1.2)
	p := f.addPrescription(uuid.New(), drug)

	rec, err := f.svc.Dispense(context.Background(), Input{
		PrescriptionID: p.ID,
		Lines: []LineRequest{
			{DrugID: drug, LotID: lotOld.ID, Quantity: 4},
			{DrugID: drug, LotID: lotNew.ID, Quantity: 6},
		},
	}, "pharm-1")
	if err != nil {
		t.Fatalf("split dispense failed: %v", err)
	}
	if len(rec.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(rec.Items))
	}
	if rec.Items[0].BatchNumber != "B-1201" || rec.Items[1].BatchNumber != "B-1202" {
		t.Error("expected one item per source lot")
	}
	want := 4*1.0 + 6*1.2
	if rec.TotalAmount != want {
		t.Errorf("expected total %v, got %v", want, rec.TotalAmount)
	}
	if f.ledger.onHand(lotOld.ID) != 0 || f.ledger.onHand(lotNew.ID) != 44 {
		t.Error("expected both lots deducted")
	}
}

func TestExposuresForBatches(t *testing.T) {
	f := newFixture()
	drug := f.addDrug("Losartan 50mg")
	lot := f.addLot(drug, "B-1301", 100, 2.0)

	p1 := f.addPrescription(uuid.New(), drug)
	p2 := f.addPrescription(uuid.New(), drug)
	for _, p := range []*prescription.Prescription{p1, p2} {
		if _, err := f.svc.Dispense(context.Background(), Input{
			PrescriptionID: p.ID,
			Lines:          []LineRequest{{DrugID: drug, LotID: lot.ID, Quantity: 5}},
		}, "pharm-1"); err != nil {
			t.Fatalf("Dispense failed: %v", err)
		}
	}

	exposures, err := f.svc.ExposuresForBatches(context.Background(), drug, []string{"B-1301"})
	if err != nil {
		t.Fatalf("ExposuresForBatches failed: %v", err)
	}
	if len(exposures) != 2 {
		t.Fatalf("expected 2 exposures, got %d", len(exposures))
	}
	none, err := f.svc.ExposuresForBatches(context.Background(), drug, []string{"B-9999"})
	if err != nil {
		t.Fatalf("ExposuresForBatches failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no exposures for unknown batch, got %d", len(none))
	}
}
