package dispense

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxcore/rxcore/internal/domain/audit"
	"github.com/rxcore/rxcore/internal/domain/billing"
	"github.com/rxcore/rxcore/internal/domain/formulary"
	"github.com/rxcore/rxcore/internal/domain/inventory"
	"github.com/rxcore/rxcore/internal/domain/prescription"
	"github.com/rxcore/rxcore/internal/domain/safety"
	"github.com/rxcore/rxcore/internal/platform/metrics"
)

// TxRunner runs a function inside one atomic unit of work.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PrescriptionStore is the slice of the prescription service the
// transaction manager needs.
type PrescriptionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error)
	MarkDispensed(ctx context.Context, id uuid.UUID, actor string) error
}

// StockLedger deducts stock under a row lock inside the transaction.
type StockLedger interface {
	Deduct(ctx context.Context, lotID uuid.UUID, qty int, refID uuid.UUID, actor string) (*inventory.Lot, error)
}

// SafetyEvaluator re-runs the clinical gates inside the transaction.
type SafetyEvaluator interface {
	Evaluate(ctx context.Context, drugIDs []uuid.UUID, patientID uuid.UUID) (*safety.Evaluation, error)
	CheckLotByID(ctx context.Context, lotID uuid.UUID) (*safety.LotCheck, error)
}

// DrugDirectory resolves display names snapshotted onto line items.
type DrugDirectory interface {
	NamesFor(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]formulary.Names, error)
}

// Biller raises one charge per dispensed item, post-commit.
type Biller interface {
	AddBillLine(ctx context.Context, in billing.AddBillLineInput, actor string) (*billing.BillLine, error)
}

// ScheduleCreator expands an inpatient dispense into a MAR schedule,
// post-commit. Implemented by the MAR service through an adapter.
type ScheduleCreator interface {
	CreateSchedule(ctx context.Context, dispenseID, admissionID uuid.UUID) (int, error)
}

// AuditTrail records the committed dispense.
type AuditTrail interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Service is the dispense transaction manager. Everything that mutates
// stock or the prescription happens inside one transaction; billing, MAR
// generation, and auditing run after commit and are best-effort.
type Service struct {
	tx            TxRunner
	repo          Repository
	prescriptions PrescriptionStore
	ledger        StockLedger
	evaluator     SafetyEvaluator
	drugs         DrugDirectory
	biller        Biller
	scheduler     ScheduleCreator
	trail         AuditTrail
	collector     *metrics.Collector
	logger        zerolog.Logger
	now           func() time.Time
}

// NewService wires the transaction manager. biller, scheduler, trail,
// and collector may be nil; the corresponding post-commit step is then
// skipped.
func NewService(
	tx TxRunner,
	repo Repository,
	prescriptions PrescriptionStore,
	ledger StockLedger,
	evaluator SafetyEvaluator,
	drugs DrugDirectory,
	biller Biller,
	scheduler ScheduleCreator,
	trail AuditTrail,
	collector *metrics.Collector,
	logger zerolog.Logger,
) *Service {
	return &Service{
		tx:            tx,
		repo:          repo,
		prescriptions: prescriptions,
		ledger:        ledger,
		evaluator:     evaluator,
		drugs:         drugs,
		biller:        biller,
		scheduler:     scheduler,
		trail:         trail,
		collector:     collector,
		logger:        logger,
		now:           time.Now,
	}
}

// LineRequest names one lot to draw a drug from, usually taken from a
// FEFO allocation preview. The server never trusts the preview: every
// gate is re-checked against the lot inside the transaction.
type LineRequest struct {
	DrugID   uuid.UUID `json:"drug_id"`
	LotID    uuid.UUID `json:"lot_id"`
	Quantity int       `json:"quantity"`
}

// Input is one dispense request.
type Input struct {
	PrescriptionID uuid.UUID     `json:"prescription_id"`
	Lines          []LineRequest `json:"lines"`
	VisitID        *uuid.UUID    `json:"visit_id"`
	VisitType      *string       `json:"visit_type"`
	AdmissionID    *uuid.UUID    `json:"admission_id"`
}

// Dispense fulfills a prescription in one atomic unit of work:
//
//  1. load the prescription, failing if it was already dispensed
//  2. re-run the safety evaluation and per-lot recall/expiry gates
//     against exactly the requested lots
//  3. deduct every line under a row lock, re-verifying sufficiency
//  4. snapshot lot and pricing details into immutable line items
//  5. create the record and flip the prescription's dispensed flag
//
// The caller sees either a complete record or an error with no stock
// mutated. After commit, billing lines, the MAR schedule (when an
// admission is supplied), and the audit entry are triggered best-effort:
// their failures are logged with the record id and never roll back the
// dispense.
func (s *Service) Dispense(ctx context.Context, in Input, actor string) (*Record, error) {
	if in.PrescriptionID == uuid.Nil {
		return nil, fmt.Errorf("prescription_id is required")
	}
	if actor == "" {
		return nil, fmt.Errorf("actor identity is required")
	}
	if len(in.Lines) == 0 {
		return nil, fmt.Errorf("at least one line is required")
	}
	for i, l := range in.Lines {
		if l.DrugID == uuid.Nil || l.LotID == uuid.Nil {
			return nil, &LineError{Line: i + 1, Err: fmt.Errorf("drug_id and lot_id are required")}
		}
		if l.Quantity <= 0 {
			return nil, &LineError{Line: i + 1, Err: fmt.Errorf("quantity must be positive")}
		}
	}

	start := s.now()
	var record *Record
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		record, err = s.dispenseTx(ctx, in, actor)
		return err
	})
	s.observe(start, err)
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, record)
	return record, nil
}

func (s *Service) dispenseTx(ctx context.Context, in Input, actor string) (*Record, error) {
	p, err := s.prescriptions.Get(ctx, in.PrescriptionID)
	if err != nil {
		return nil, err
	}
	if p.IsDispensed {
		return nil, prescription.ErrAlreadyDispensed
	}

	if err := s.validateAgainstPrescription(p, in.Lines); err != nil {
		return nil, err
	}

	// Never trust a client-supplied "safe" flag: the full evaluation and
	// every lot gate run again here, inside the transaction, so a recall
	// or rule change landing after the preview still blocks.
	drugIDs := make([]uuid.UUID, 0, len(in.Lines))
	for _, l := range in.Lines {
		drugIDs = append(drugIDs, l.DrugID)
	}
	eval, err := s.evaluator.Evaluate(ctx, drugIDs, p.PatientID)
	if err != nil {
		return nil, fmt.Errorf("safety evaluation: %w", err)
	}

	lotChecks := make([]*safety.LotCheck, 0, len(in.Lines))
	for i, l := range in.Lines {
		check, err := s.evaluator.CheckLotByID(ctx, l.LotID)
		if err != nil {
			return nil, &LineError{Line: i + 1, Err: err}
		}
		if check.DrugID != l.DrugID {
			return nil, &LineError{Line: i + 1, Err: &WrongDrugError{
				LotID: l.LotID, LotDrug: check.DrugID, LineDrug: l.DrugID,
			}}
		}
		lotChecks = append(lotChecks, check)
	}

	assessment := safety.Assess(eval, lotChecks, func(i safety.Interaction) bool {
		return p.HasOverrideForDrug(i.DrugAID) || p.HasOverrideForDrug(i.DrugBID)
	})
	if !assessment.Safe {
		s.countBlocks(assessment.Blockers)
		return nil, &safety.SafetyBlockedError{Blockers: assessment.Blockers}
	}

	names, err := s.drugs.NamesFor(ctx, drugIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve drug names: %w", err)
	}

	record := &Record{
		ID:             uuid.New(),
		PrescriptionID: p.ID,
		PatientID:      p.PatientID,
		VisitID:        in.VisitID,
		VisitType:      in.VisitType,
		AdmissionID:    in.AdmissionID,
		DispensedBy:    actor,
		DispensedAt:    s.now(),
	}

	for _, l := range in.Lines {
		// Deduct re-reads the lot FOR UPDATE and re-verifies recall,
		// expiry, and sufficiency against the locked row; a concurrent
		// dispense of the same lot serializes here.
		lot, err := s.ledger.Deduct(ctx, l.LotID, l.Quantity, record.ID, actor)
		if err != nil {
			return nil, err
		}

		line := p.LineByDrug(l.DrugID)
		item := Item{
			ID:           uuid.New(),
			RecordID:     record.ID,
			DrugID:       l.DrugID,
			DrugName:     names[l.DrugID].Name,
			LotID:        lot.ID,
			BatchNumber:  lot.BatchNumber,
			ExpiryDate:   lot.ExpiryDate,
			SupplierName: lot.SupplierName,
			ReceiptRef:   lot.ReceiptRef,

			DispensedQuantity:  l.Quantity,
			UnitPrice:          lot.UnitPrice,
			LineTotal:          float64(l.Quantity) * lot.UnitPrice,
			RecallCheckedAt:    s.now(),
			InteractionChecked: true,
		}
		if line != nil {
			item.Dosage = line.Dosage
			item.Frequency = line.Frequency
			item.Duration = line.Duration
			item.PrescribedQuantity = line.RequestedQuantity
			if line.Override != nil {
				item.OverrideReason = &line.Override.Reason
				item.OverrideApprovedBy = &line.Override.ApprovedBy
			}
		}
		record.Items = append(record.Items, item)
		record.TotalAmount += item.LineTotal
	}

	if err := s.repo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("create dispense record: %w", err)
	}

	// The compare-and-set on the dispensed flag is the at-most-once
	// guard: when two dispenses race, the loser fails here and its stock
	// deductions roll back with the transaction.
	if err := s.prescriptions.MarkDispensed(ctx, p.ID, actor); err != nil {
		return nil, err
	}
	return record, nil
}

// validateAgainstPrescription rejects lines naming drugs the
// prescription does not order, and caps the dispensed quantity per drug
// at the prescribed quantity summed across the request's lines.
func (s *Service) validateAgainstPrescription(p *prescription.Prescription, lines []LineRequest) error {
	requested := make(map[uuid.UUID]int, len(lines))
	for i, l := range lines {
		line := p.LineByDrug(l.DrugID)
		if line == nil {
			return &LineError{Line: i + 1, Err: fmt.Errorf("drug %s is not on the prescription", l.DrugID)}
		}
		requested[l.DrugID] += l.Quantity
		if requested[l.DrugID] > line.RequestedQuantity {
			return &LineError{Line: i + 1, Err: fmt.Errorf(
				"requested %d of drug %s exceeds prescribed quantity %d",
				requested[l.DrugID], l.DrugID, line.RequestedQuantity)}
		}
	}
	return nil
}

// afterCommit runs the best-effort side effects. Each failure is logged
// with enough context to reconcile by hand; none is retried here and
// none can undo the committed dispense.
func (s *Service) afterCommit(ctx context.Context, record *Record) {
	if s.biller != nil {
		for _, item := range record.Items {
			_, err := s.biller.AddBillLine(ctx, billing.AddBillLineInput{
				PatientID:   record.PatientID,
				VisitID:     record.VisitID,
				VisitType:   record.VisitType,
				ItemType:    "medicine",
				ItemRef:     item.ID,
				Description: fmt.Sprintf("%s (batch %s)", item.DrugName, item.BatchNumber),
				Quantity:    item.DispensedQuantity,
				Rate:        item.UnitPrice,
			}, record.DispensedBy)
			if err != nil {
				s.logger.Error().Err(err).
					Str("dispense_id", record.ID.String()).
					Str("item_id", item.ID.String()).
					Str("drug_id", item.DrugID.String()).
					Msg("billing line creation failed; reconcile manually")
			}
		}
	}

	if s.scheduler != nil && record.AdmissionID != nil {
		if _, err := s.scheduler.CreateSchedule(ctx, record.ID, *record.AdmissionID); err != nil {
			s.logger.Error().Err(err).
				Str("dispense_id", record.ID.String()).
				Str("admission_id", record.AdmissionID.String()).
				Msg("MAR schedule generation failed; reconcile manually")
		}
	}

	if s.trail != nil {
		err := s.trail.Record(ctx, audit.Entry{
			Actor:       record.DispensedBy,
			Action:      audit.ActionDispense,
			Entity:      "dispense",
			EntityID:    record.ID,
			Description: fmt.Sprintf("dispensed %d item(s) for prescription %s", len(record.Items), record.PrescriptionID),
			Metadata: map[string]string{
				"prescription_id": record.PrescriptionID.String(),
				"patient_id":      record.PatientID.String(),
			},
		})
		if err != nil {
			s.logger.Error().Err(err).
				Str("dispense_id", record.ID.String()).
				Msg("audit record failed")
		}
	}
}

func (s *Service) observe(start time.Time, err error) {
	if s.collector == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	s.collector.DispensesTotal.WithLabelValues(status).Inc()
	s.collector.DispenseDuration.Observe(s.now().Sub(start).Seconds())
}

func (s *Service) countBlocks(blockers []safety.Blocker) {
	if s.collector == nil {
		return
	}
	for _, b := range blockers {
		s.collector.SafetyBlocksTotal.WithLabelValues(b.Code).Inc()
	}
}

func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*Record, error) {
	return s.repo.ListByPrescription(ctx, prescriptionID)
}

// ExposuresForBatches reports every (patient, item) that received stock
// from the named batches of a drug. Used by the recall manager.
func (s *Service) ExposuresForBatches(ctx context.Context, drugID uuid.UUID, batchNumbers []string) ([]*BatchExposure, error) {
	return s.repo.FindExposuresByDrugAndBatches(ctx, drugID, batchNumbers)
}

func (s *Service) ListItemsByBatch(ctx context.Context, batchNumber string, limit, offset int) ([]*Item, int, error) {
	return s.repo.ListItemsByBatch(ctx, batchNumber, limit, offset)
}
