package mar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxcore/rxcore/internal/domain/audit"
	"github.com/rxcore/rxcore/internal/domain/dispense"
	"github.com/rxcore/rxcore/internal/domain/safety"
	"github.com/rxcore/rxcore/internal/platform/metrics"
)

// DispenseSource loads the dispense record a schedule expands.
type DispenseSource interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*dispense.Record, error)
}

// SafetyEvaluator re-runs the clinical gates at the bedside.
type SafetyEvaluator interface {
	Evaluate(ctx context.Context, drugIDs []uuid.UUID, patientID uuid.UUID) (*safety.Evaluation, error)
	CheckLotByID(ctx context.Context, lotID uuid.UUID) (*safety.LotCheck, error)
}

// AuditTrail records administrations on the system-wide trail.
type AuditTrail interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Service is the MAR scheduler and administrator: it expands inpatient
// dispenses into dose-by-dose worksheets and guards the bedside
// workflow over them.
type Service struct {
	repo                Repository
	dispenses           DispenseSource
	evaluator           SafetyEvaluator
	trail               AuditTrail
	collector           *metrics.Collector
	logger              zerolog.Logger
	defaultDurationDays int
	now                 func() time.Time
}

// NewService wires the scheduler. trail and collector may be nil.
// defaultDurationDays is used when a line's duration text has no
// parseable day count; zero falls back to 5.
func NewService(
	repo Repository,
	dispenses DispenseSource,
	evaluator SafetyEvaluator,
	trail AuditTrail,
	collector *metrics.Collector,
	logger zerolog.Logger,
	defaultDurationDays int,
) *Service {
	if defaultDurationDays <= 0 {
		defaultDurationDays = 5
	}
	return &Service{
		repo:                repo,
		dispenses:           dispenses,
		evaluator:           evaluator,
		trail:               trail,
		collector:           collector,
		logger:              logger,
		defaultDurationDays: defaultDurationDays,
		now:                 time.Now,
	}
}

// CreateSchedule expands every line item of an inpatient dispense into
// scheduled doses: the line's frequency picks the clock times, its
// duration text picks the day count, and only doses at or after now are
// created. Each entry carries the item's drug, dose, and lot snapshot.
// A dispense gets at most one schedule; PRN lines produce no entries.
// Returns the number of entries created.
func (s *Service) CreateSchedule(ctx context.Context, dispenseID, admissionID uuid.UUID) (int, error) {
	if dispenseID == uuid.Nil || admissionID == uuid.Nil {
		return 0, fmt.Errorf("dispense_id and admission_id are required")
	}

	existing, err := s.repo.CountByDispense(ctx, dispenseID)
	if err != nil {
		return 0, err
	}
	if existing > 0 {
		return 0, ErrScheduleExists
	}

	rec, err := s.dispenses.GetRecord(ctx, dispenseID)
	if err != nil {
		return 0, err
	}
	if rec.AdmissionID != nil && *rec.AdmissionID != admissionID {
		return 0, fmt.Errorf("dispense belongs to admission %s", rec.AdmissionID)
	}

	now := s.now()
	var entries []*Entry
	for _, item := range rec.Items {
		hours, ok := TimesForFrequency(item.Frequency)
		if !ok {
			s.logger.Warn().
				Str("dispense_id", dispenseID.String()).
				Str("drug_id", item.DrugID.String()).
				Str("frequency", item.Frequency).
				Msg("unknown frequency, scheduling once daily")
			hours, _ = TimesForFrequency("once-daily")
		}
		if len(hours) == 0 {
			continue
		}
		days := DurationDays(item.Duration, s.defaultDurationDays)

		year, month, day := now.Date()
		for d := 0; d < days; d++ {
			for _, h := range hours {
				at := time.Date(year, month, day+d, h, 0, 0, 0, now.Location())
				if at.Before(now) {
					continue
				}
				entries = append(entries, &Entry{
					DispenseID:     dispenseID,
					DispenseItemID: item.ID,
					AdmissionID:    admissionID,
					PatientID:      rec.PatientID,
					DrugID:         item.DrugID,
					DrugName:       item.DrugName,
					Dosage:         item.Dosage,
					LotID:          item.LotID,
					BatchNumber:    item.BatchNumber,
					ExpiryDate:     item.ExpiryDate,
					ScheduledTime:  at,
					Status:         StatusScheduled,
				})
			}
		}
	}

	if len(entries) > 0 {
		if err := s.repo.InsertEntries(ctx, entries); err != nil {
			return 0, err
		}
	}

	s.audit(ctx, rec.DispensedBy, audit.ActionMARSchedule, dispenseID,
		fmt.Sprintf("generated %d scheduled dose(s) for admission %s", len(entries), admissionID))
	return len(entries), nil
}

// PreAdministrationCheck re-runs the safety gates against the dose as
// it exists right now: is the lot recalled or expired, and does the drug
// conflict with anything else on the patient's worksheet that calendar
// day, or with their allergies. The result is stamped on the entry;
// administration refuses to proceed without a stamp.
func (s *Service) PreAdministrationCheck(ctx context.Context, entryID uuid.UUID) (*safety.Assessment, error) {
	e, err := s.repo.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.Status.Terminal() {
		return nil, ErrAlreadyProcessed
	}

	lotCheck, err := s.evaluator.CheckLotByID(ctx, e.LotID)
	if err != nil {
		return nil, fmt.Errorf("lot gate: %w", err)
	}

	dayStart := time.Date(e.ScheduledTime.Year(), e.ScheduledTime.Month(), e.ScheduledTime.Day(),
		0, 0, 0, 0, e.ScheduledTime.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)
	sameDay, err := s.repo.ListForPatientBetween(ctx, e.PatientID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	drugSet := []uuid.UUID{e.DrugID}
	seen := map[uuid.UUID]bool{e.DrugID: true}
	for _, other := range sameDay {
		if !seen[other.DrugID] {
			seen[other.DrugID] = true
			drugSet = append(drugSet, other.DrugID)
		}
	}

	eval, err := s.evaluator.Evaluate(ctx, drugSet, e.PatientID)
	if err != nil {
		return nil, fmt.Errorf("safety evaluation: %w", err)
	}

	// Overrides were a prescribing decision; at the bedside nothing
	// lifts a blocker except the blocker itself clearing.
	assessment := safety.Assess(eval, []*safety.LotCheck{lotCheck}, nil)

	if err := s.repo.StampCheck(ctx, e.ID, s.now(), assessment.Safe); err != nil {
		return nil, err
	}
	if !assessment.Safe {
		s.countBlocks(assessment.Blockers)
	}
	return assessment, nil
}

// Administer marks the dose given. It requires a recorded check, and
// refuses when that check found blockers; the compare-and-set in the
// repository makes sure two nurses can't both give the same dose.
func (s *Service) Administer(ctx context.Context, entryID uuid.UUID, actor string, witness *string) (*Entry, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor identity is required")
	}
	e, err := s.repo.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.Status.Terminal() {
		return nil, ErrAlreadyProcessed
	}
	if e.CheckedAt == nil {
		return nil, ErrCheckRequired
	}
	if e.CheckSafe != nil && !*e.CheckSafe {
		return nil, ErrUnsafeToAdminister
	}

	if err := s.repo.MarkGiven(ctx, entryID, actor, s.now(), witness); err != nil {
		return nil, err
	}

	s.countAdministration(StatusGiven)
	s.audit(ctx, actor, audit.ActionMARAdminister, entryID,
		fmt.Sprintf("administered %s %s to patient %s", e.DrugName, e.Dosage, e.PatientID))
	return s.repo.GetByID(ctx, entryID)
}

// Hold parks the dose without giving it. Terminal for this dose.
func (s *Service) Hold(ctx context.Context, entryID uuid.UUID, reason, actor string) (*Entry, error) {
	return s.resolve(ctx, entryID, StatusHeld, reason, actor, audit.ActionMARHold)
}

// Refuse records the patient declining the dose. Terminal for this dose.
func (s *Service) Refuse(ctx context.Context, entryID uuid.UUID, reason, actor string) (*Entry, error) {
	return s.resolve(ctx, entryID, StatusRefused, reason, actor, audit.ActionMARRefuse)
}

// Skip records the dose deliberately not given. Terminal for this dose.
func (s *Service) Skip(ctx context.Context, entryID uuid.UUID, reason, actor string) (*Entry, error) {
	return s.resolve(ctx, entryID, StatusSkipped, reason, actor, audit.ActionMARSkip)
}

func (s *Service) resolve(ctx context.Context, entryID uuid.UUID, status EntryStatus, reason, actor, auditAction string) (*Entry, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor identity is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("a reason is required to mark a dose %s", status)
	}

	if err := s.repo.MarkOutcome(ctx, entryID, status, reason, actor, s.now()); err != nil {
		return nil, err
	}

	s.countAdministration(status)
	s.audit(ctx, actor, auditAction, entryID, fmt.Sprintf("dose marked %s: %s", status, reason))
	return s.repo.GetByID(ctx, entryID)
}

func (s *Service) Get(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	return s.repo.GetByID(ctx, entryID)
}

func (s *Service) ListByDispense(ctx context.Context, dispenseID uuid.UUID) ([]*Entry, error) {
	return s.repo.ListByDispense(ctx, dispenseID)
}

func (s *Service) ListByAdmission(ctx context.Context, admissionID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	return s.repo.ListByAdmission(ctx, admissionID, limit, offset)
}

// ListDue returns scheduled doses due in [from, to), the ward's
// round-preparation view.
func (s *Service) ListDue(ctx context.Context, from, to time.Time, limit, offset int) ([]*Entry, int, error) {
	if !to.After(from) {
		return nil, 0, fmt.Errorf("to must be after from")
	}
	return s.repo.ListDueBetween(ctx, from, to, limit, offset)
}

func (s *Service) audit(ctx context.Context, actor, action string, entityID uuid.UUID, description string) {
	if s.trail == nil {
		return
	}
	err := s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      action,
		Entity:      "mar",
		EntityID:    entityID,
		Description: description,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("entity_id", entityID.String()).Msg("audit record failed")
	}
}

func (s *Service) countAdministration(status EntryStatus) {
	if s.collector == nil {
		return
	}
	s.collector.MARAdministrationsTotal.WithLabelValues(string(status)).Inc()
}

func (s *Service) countBlocks(blockers []safety.Blocker) {
	if s.collector == nil {
		return
	}
	for _, b := range blockers {
		s.collector.SafetyBlocksTotal.WithLabelValues(b.Code).Inc()
	}
}
