package recall

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxcore/rxcore/internal/domain/audit"
	"github.com/rxcore/rxcore/internal/domain/dispense"
	"github.com/rxcore/rxcore/internal/domain/formulary"
	"github.com/rxcore/rxcore/internal/domain/inventory"
	"github.com/rxcore/rxcore/internal/domain/patient"
	"github.com/rxcore/rxcore/internal/platform/metrics"
	"github.com/rxcore/rxcore/internal/platform/notification"
)

// TxRunner runs a function inside one atomic unit of work.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// StockControl is the slice of the stock ledger the recall manager
// drives: blocking live lots and poisoning unknown batch numbers.
type StockControl interface {
	FindByDrugAndBatch(ctx context.Context, drugID uuid.UUID, batchNumber string) (*inventory.Lot, error)
	BlockForRecall(ctx context.Context, lotID, recallID uuid.UUID, actor string) (*inventory.Lot, error)
	CreateRecalledPlaceholder(ctx context.Context, drugID uuid.UUID, batchNumber string, recallID uuid.UUID, actor string) (*inventory.Lot, error)
}

// ExposureFinder walks dispense history for the affected-patient scan.
type ExposureFinder interface {
	ExposuresForBatches(ctx context.Context, drugID uuid.UUID, batchNumbers []string) ([]*dispense.BatchExposure, error)
}

// ContactDirectory resolves how to reach an affected patient.
type ContactDirectory interface {
	ContactFor(ctx context.Context, patientID uuid.UUID) (*patient.Contact, error)
}

// DrugDirectory resolves the drug name used in notice text.
type DrugDirectory interface {
	NamesFor(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]formulary.Names, error)
}

// Dispatcher delivers one rendered notice over its channel.
// Implemented by the platform notification manager.
type Dispatcher interface {
	Send(ctx context.Context, n *notification.Notification) error
}

// AuditTrail records lifecycle events on the system-wide trail.
type AuditTrail interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Service is the recall lifecycle manager.
type Service struct {
	tx            TxRunner
	repo          Repository
	stock         StockControl
	exposures     ExposureFinder
	contacts      ContactDirectory
	drugs         DrugDirectory
	templates     *notification.TemplateEngine
	dispatcher    Dispatcher
	trail         AuditTrail
	collector     *metrics.Collector
	logger        zerolog.Logger
	notifyTimeout time.Duration
	now           func() time.Time
}

// NewService wires the lifecycle manager. trail and collector may be
// nil. notifyTimeout bounds each individual send during notification
// runs; zero falls back to 10 seconds.
func NewService(
	tx TxRunner,
	repo Repository,
	stock StockControl,
	exposures ExposureFinder,
	contacts ContactDirectory,
	drugs DrugDirectory,
	templates *notification.TemplateEngine,
	dispatcher Dispatcher,
	trail AuditTrail,
	collector *metrics.Collector,
	logger zerolog.Logger,
	notifyTimeout time.Duration,
) *Service {
	if notifyTimeout <= 0 {
		notifyTimeout = 10 * time.Second
	}
	return &Service{
		tx:            tx,
		repo:          repo,
		stock:         stock,
		exposures:     exposures,
		contacts:      contacts,
		drugs:         drugs,
		templates:     templates,
		dispatcher:    dispatcher,
		trail:         trail,
		collector:     collector,
		logger:        logger,
		notifyTimeout: notifyTimeout,
		now:           time.Now,
	}
}

// InitiateInput opens a recall.
type InitiateInput struct {
	DrugID         uuid.UUID      `json:"drug_id"`
	BatchNumbers   []string       `json:"batch_numbers"`
	Reason         string         `json:"reason"`
	Classification Classification `json:"classification"`
}

// InitiateRecall blocks every named batch and scans dispense history for
// exposed patients, all in one transaction: when it returns, either the
// full recall exists with every lot blocked and every affected patient
// identified, or nothing changed.
//
// Batches with no lot on the ledger are blocked through a zero-quantity
// placeholder lot, so the batch number is poisoned before stock ever
// arrives. The affected scan matches the batch numbers snapshotted on
// dispensed items, so exposure survives any later lot edits.
func (s *Service) InitiateRecall(ctx context.Context, in InitiateInput, actor string) (*Recall, error) {
	if in.DrugID == uuid.Nil {
		return nil, fmt.Errorf("drug_id is required")
	}
	if actor == "" {
		return nil, fmt.Errorf("actor identity is required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, fmt.Errorf("recall reason is required")
	}
	batches := normalizeBatches(in.BatchNumbers)
	if len(batches) == 0 {
		return nil, fmt.Errorf("at least one batch number is required")
	}
	if in.Classification == "" {
		in.Classification = ClassII
	}
	if !in.Classification.Valid() {
		return nil, fmt.Errorf("unknown classification %q", in.Classification)
	}

	rec := &Recall{
		ID:             uuid.New(),
		DrugID:         in.DrugID,
		BatchNumbers:   batches,
		Reason:         strings.TrimSpace(in.Reason),
		Classification: in.Classification,
		Status:         StatusActive,
		InitiatedBy:    actor,
		InitiatedAt:    s.now(),
	}

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, rec); err != nil {
			return fmt.Errorf("create recall: %w", err)
		}
		if err := s.blockBatches(ctx, rec, actor); err != nil {
			return err
		}
		if err := s.identifyAffected(ctx, rec); err != nil {
			return err
		}
		return s.repo.InsertAction(ctx, &Action{
			RecallID: rec.ID,
			Action:   ActionInitiated,
			Details: fmt.Sprintf("blocked %d lot(s) across %d batch(es), identified %d affected patient(s)",
				len(rec.Lots), len(batches), len(rec.Affected)),
			Actor:     actor,
			CreatedAt: s.now(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actor, audit.ActionRecallInitiate, rec.ID,
		fmt.Sprintf("recall initiated for drug %s (%d batches, %d affected patients)",
			rec.DrugID, len(batches), len(rec.Affected)),
		map[string]string{"classification": string(rec.Classification)})
	return rec, nil
}

func (s *Service) blockBatches(ctx context.Context, rec *Recall, actor string) error {
	for _, batch := range rec.BatchNumbers {
		lot, err := s.stock.FindByDrugAndBatch(ctx, rec.DrugID, batch)
		placeholder := false
		switch {
		case err == nil:
			lot, err = s.stock.BlockForRecall(ctx, lot.ID, rec.ID, actor)
			if err != nil {
				return fmt.Errorf("block lot for batch %s: %w", batch, err)
			}
		case errors.Is(err, inventory.ErrLotNotFound):
			lot, err = s.stock.CreateRecalledPlaceholder(ctx, rec.DrugID, batch, rec.ID, actor)
			if err != nil {
				return fmt.Errorf("create placeholder for batch %s: %w", batch, err)
			}
			placeholder = true
		default:
			return fmt.Errorf("look up batch %s: %w", batch, err)
		}

		rl := &RecallLot{
			RecallID:        rec.ID,
			LotID:           lot.ID,
			BatchNumber:     batch,
			QuantityBlocked: lot.QuantityOnHand,
			Placeholder:     placeholder,
			BlockedAt:       s.now(),
		}
		if err := s.repo.InsertLot(ctx, rl); err != nil {
			return fmt.Errorf("record lot block for batch %s: %w", batch, err)
		}
		rec.Lots = append(rec.Lots, *rl)
	}
	return nil
}

// identifyAffected deduplicates exposures per (patient, lot): each entry
// keeps the earliest dispense reference and sums the quantities.
func (s *Service) identifyAffected(ctx context.Context, rec *Recall) error {
	exposures, err := s.exposures.ExposuresForBatches(ctx, rec.DrugID, rec.BatchNumbers)
	if err != nil {
		return fmt.Errorf("scan dispense history: %w", err)
	}

	type key struct {
		patient uuid.UUID
		lot     uuid.UUID
	}
	byKey := make(map[key]*AffectedPatient)
	var order []key
	for _, e := range exposures {
		k := key{patient: e.PatientID, lot: e.LotID}
		a, ok := byKey[k]
		if !ok {
			a = &AffectedPatient{
				RecallID:          rec.ID,
				PatientID:         e.PatientID,
				LotID:             e.LotID,
				BatchNumber:       e.BatchNumber,
				DispenseItemID:    e.ItemID,
				FirstDispensedAt:  e.DispensedAt,
				QuantityDispensed: 0,
				CreatedAt:         s.now(),
			}
			byKey[k] = a
			order = append(order, k)
		}
		a.QuantityDispensed += e.Quantity
		if e.DispensedAt.Before(a.FirstDispensedAt) {
			a.FirstDispensedAt = e.DispensedAt
			a.DispenseItemID = e.ItemID
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return byKey[order[i]].FirstDispensedAt.Before(byKey[order[j]].FirstDispensedAt)
	})

	for _, k := range order {
		a := byKey[k]
		if err := s.repo.InsertAffected(ctx, a); err != nil {
			return fmt.Errorf("record affected patient: %w", err)
		}
		rec.Affected = append(rec.Affected, *a)
	}
	return nil
}

// NotifyResult summarizes one notification run.
type NotifyResult struct {
	Notified int `json:"notified"`
	Failed   int `json:"failed"`
	BySMS    int `json:"by_sms"`
	ByEmail  int `json:"by_email"`
}

// NotifyAffectedParties contacts every affected patient not yet marked
// notified: SMS when a phone number is on file, email otherwise. Each
// send gets its own bounded timeout, and one failure never stops the
// rest of the run. An entry is marked notified only after its send
// succeeded, so re-running retries exactly the failures; a run where
// everyone is already notified is a no-op.
//
// Notification runs outside any transaction: sends are not undoable, so
// atomicity is meaningless here. The first successful run moves the
// recall from active to in-progress.
func (s *Service) NotifyAffectedParties(ctx context.Context, recallID uuid.UUID, actor string) (*NotifyResult, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor identity is required")
	}
	rec, err := s.repo.GetByID(ctx, recallID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, ErrRecallClosed
	}

	pending, err := s.repo.ListUnnotified(ctx, recallID)
	if err != nil {
		return nil, err
	}
	result := &NotifyResult{}
	if len(pending) == 0 {
		return result, nil
	}

	names, err := s.drugs.NamesFor(ctx, []uuid.UUID{rec.DrugID})
	if err != nil {
		return nil, fmt.Errorf("resolve drug name: %w", err)
	}
	drugName := names[rec.DrugID].Name
	if drugName == "" {
		drugName = rec.DrugID.String()
	}

	for _, a := range pending {
		channel, err := s.notifyOne(ctx, rec, a, drugName)
		if err != nil {
			result.Failed++
			s.logger.Warn().Err(err).
				Str("recall_id", rec.ID.String()).
				Str("patient_id", a.PatientID.String()).
				Msg("recall notification failed")
			if rerr := s.repo.RecordNotifyFailure(ctx, a.ID, err.Error()); rerr != nil {
				s.logger.Error().Err(rerr).Str("affected_id", a.ID.String()).
					Msg("recording notification failure failed")
			}
			s.countNotification(channel, "failed")
			continue
		}
		if err := s.repo.MarkNotified(ctx, a.ID, channel, s.now()); err != nil {
			// The send went out; losing the mark means one duplicate
			// notice on the next run, which is the safe direction.
			s.logger.Error().Err(err).Str("affected_id", a.ID.String()).
				Msg("marking notification failed after successful send")
		}
		result.Notified++
		switch channel {
		case "sms":
			result.BySMS++
		case "email":
			result.ByEmail++
		}
		s.countNotification(channel, "sent")
	}

	if result.Notified > 0 && rec.Status == StatusActive {
		rec.Status = StatusInProgress
		if err := s.repo.Update(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("recall_id", rec.ID.String()).
				Msg("moving recall to in-progress failed")
		}
	}

	action := &Action{
		RecallID: rec.ID,
		Action:   ActionNotified,
		Details: fmt.Sprintf("notified %d (sms %d, email %d), failed %d",
			result.Notified, result.BySMS, result.ByEmail, result.Failed),
		Actor:     actor,
		CreatedAt: s.now(),
	}
	if err := s.repo.InsertAction(ctx, action); err != nil {
		s.logger.Error().Err(err).Str("recall_id", rec.ID.String()).
			Msg("recording notification action failed")
	}

	s.audit(ctx, actor, audit.ActionRecallNotify, rec.ID, action.Details, nil)
	return result, nil
}

// notifyOne returns the channel it attempted, for failure accounting.
func (s *Service) notifyOne(ctx context.Context, rec *Recall, a *AffectedPatient, drugName string) (string, error) {
	contact, err := s.contacts.ContactFor(ctx, a.PatientID)
	if err != nil {
		return "none", fmt.Errorf("resolve contact: %w", err)
	}

	channel := "email"
	recipient := contact.Email
	if contact.Phone != "" {
		channel = "sms"
		recipient = contact.Phone
	}
	if recipient == "" {
		return "none", fmt.Errorf("no contact details on file")
	}

	subject, body, err := s.templates.Render("recall-notice", map[string]string{
		"patient_name":   contact.FullName,
		"drug_name":      drugName,
		"batch_number":   a.BatchNumber,
		"dispensed_date": a.FirstDispensedAt.Format("02 Jan 2006"),
		"reason":         rec.Reason,
	})
	if err != nil {
		return channel, fmt.Errorf("render notice: %w", err)
	}

	n := &notification.Notification{
		Type:      notification.TypeEmail,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Priority:  "high",
		Metadata: map[string]string{
			"recall_id":  rec.ID.String(),
			"patient_id": a.PatientID.String(),
		},
	}
	if channel == "sms" {
		n.Type = notification.TypeSMS
		n.Subject = ""
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()
	if err := s.dispatcher.Send(sendCtx, n); err != nil {
		return channel, err
	}
	return channel, nil
}

// ResolveRecall closes the recall as completed. The lot blocks stay:
// resolution means the response is finished, not that the stock became
// safe.
func (s *Service) ResolveRecall(ctx context.Context, recallID uuid.UUID, notes, actor string) (*Recall, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor identity is required")
	}
	if strings.TrimSpace(notes) == "" {
		return nil, fmt.Errorf("resolution notes are required")
	}
	rec, err := s.transition(ctx, recallID, StatusCompleted, notes, actor, ActionResolved)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, audit.ActionRecallResolve, rec.ID, "recall resolved: "+strings.TrimSpace(notes), nil)
	return rec, nil
}

// CancelRecall voids a recall opened in error. Only an active recall can
// be cancelled; once notices went out the recall must run to completion.
// Cancellation does not unblock the lots: releasing stock back to use is
// the ledger's release operation, taken lot by lot with its own reason.
func (s *Service) CancelRecall(ctx context.Context, recallID uuid.UUID, reason, actor string) (*Recall, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor identity is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("cancellation reason is required")
	}
	rec, err := s.transition(ctx, recallID, StatusCancelled, reason, actor, ActionCancelled)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, audit.ActionRecallCancel, rec.ID, "recall cancelled: "+strings.TrimSpace(reason), nil)
	return rec, nil
}

func (s *Service) transition(ctx context.Context, recallID uuid.UUID, to Status, notes, actor, action string) (*Recall, error) {
	var rec *Recall
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.repo.GetByID(ctx, recallID)
		if err != nil {
			return err
		}
		if !rec.Status.CanTransitionTo(to) {
			return &InvalidTransitionError{From: rec.Status, To: to}
		}
		now := s.now()
		trimmed := strings.TrimSpace(notes)
		rec.Status = to
		rec.ResolvedBy = &actor
		rec.ResolvedAt = &now
		rec.ResolutionNotes = &trimmed
		if err := s.repo.Update(ctx, rec); err != nil {
			return err
		}
		return s.repo.InsertAction(ctx, &Action{
			RecallID:  rec.ID,
			Action:    action,
			Details:   trimmed,
			Actor:     actor,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the recall with its lot blocks, affected patients, and
// action log loaded.
func (s *Service) Get(ctx context.Context, recallID uuid.UUID) (*Recall, error) {
	rec, err := s.repo.GetByID(ctx, recallID)
	if err != nil {
		return nil, err
	}
	lots, err := s.repo.ListLots(ctx, recallID)
	if err != nil {
		return nil, err
	}
	for _, l := range lots {
		rec.Lots = append(rec.Lots, *l)
	}
	affected, err := s.repo.ListAffected(ctx, recallID)
	if err != nil {
		return nil, err
	}
	for _, a := range affected {
		rec.Affected = append(rec.Affected, *a)
	}
	actions, err := s.repo.ListActions(ctx, recallID)
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		rec.Actions = append(rec.Actions, *a)
	}
	return rec, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Recall, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Recall, int, error) {
	return s.repo.ListByStatus(ctx, status, limit, offset)
}

// IsBatchRecalled reports whether any non-cancelled recall covers the
// drug/batch pair.
func (s *Service) IsBatchRecalled(ctx context.Context, drugID uuid.UUID, batchNumber string) (bool, error) {
	return s.repo.BatchRecalled(ctx, drugID, batchNumber)
}

func (s *Service) audit(ctx context.Context, actor, action string, recallID uuid.UUID, description string, meta map[string]string) {
	if s.trail == nil {
		return
	}
	err := s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      action,
		Entity:      "recall",
		EntityID:    recallID,
		Description: description,
		Metadata:    meta,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("recall_id", recallID.String()).Msg("audit record failed")
	}
}

func (s *Service) countNotification(channel, status string) {
	if s.collector == nil {
		return
	}
	s.collector.RecallNotificationsTotal.WithLabelValues(channel, status).Inc()
}

func normalizeBatches(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, b := range in {
		b = strings.TrimSpace(b)
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}
