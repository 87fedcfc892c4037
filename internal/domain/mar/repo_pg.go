package mar

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxcore/rxcore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgRepo struct {
	pool *pgxpool.Pool
}

// NewPGRepository returns a Repository backed by PostgreSQL.
func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &pgRepo{pool: pool}
}

func (r *pgRepo) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const entryCols = `id, dispense_id, dispense_item_id, admission_id, patient_id,
	drug_id, drug_name, dosage, lot_id, batch_number, expiry_date,
	scheduled_time, status, checked_at, check_safe,
	performed_by, performed_at, witnessed_by, status_reason,
	created_at, updated_at`

func (r *pgRepo) InsertEntries(ctx context.Context, entries []*Entry) error {
	now := time.Now()
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.CreatedAt = now
		e.UpdatedAt = now
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO mar_entries (id, dispense_id, dispense_item_id, admission_id, patient_id,
				drug_id, drug_name, dosage, lot_id, batch_number, expiry_date,
				scheduled_time, status, checked_at, check_safe,
				performed_by, performed_at, witnessed_by, status_reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
				$12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
			e.ID, e.DispenseID, e.DispenseItemID, e.AdmissionID, e.PatientID,
			e.DrugID, e.DrugName, e.Dosage, e.LotID, e.BatchNumber, e.ExpiryDate,
			e.ScheduledTime, e.Status, e.CheckedAt, e.CheckSafe,
			e.PerformedBy, e.PerformedAt, e.WitnessedBy, e.StatusReason, e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.DispenseID, &e.DispenseItemID, &e.AdmissionID, &e.PatientID,
		&e.DrugID, &e.DrugName, &e.Dosage, &e.LotID, &e.BatchNumber, &e.ExpiryDate,
		&e.ScheduledTime, &e.Status, &e.CheckedAt, &e.CheckSafe,
		&e.PerformedBy, &e.PerformedAt, &e.WitnessedBy, &e.StatusReason,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *pgRepo) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM mar_entries WHERE id = $1`, id))
}

func (r *pgRepo) CountByDispense(ctx context.Context, dispenseID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM mar_entries WHERE dispense_id = $1`, dispenseID).Scan(&n)
	return n, err
}

func (r *pgRepo) ListByDispense(ctx context.Context, dispenseID uuid.UUID) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM mar_entries WHERE dispense_id = $1
		 ORDER BY scheduled_time, id`, dispenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *pgRepo) ListByAdmission(ctx context.Context, admissionID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM mar_entries WHERE admission_id = $1`, admissionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM mar_entries WHERE admission_id = $1
		 ORDER BY scheduled_time, id LIMIT $2 OFFSET $3`, admissionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries, err := collectEntries(rows)
	return entries, total, err
}

func (r *pgRepo) ListDueBetween(ctx context.Context, from, to time.Time, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM mar_entries
		WHERE status = 'scheduled' AND scheduled_time >= $1 AND scheduled_time < $2`,
		from, to).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM mar_entries
		 WHERE status = 'scheduled' AND scheduled_time >= $1 AND scheduled_time < $2
		 ORDER BY scheduled_time, id LIMIT $3 OFFSET $4`, from, to, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries, err := collectEntries(rows)
	return entries, total, err
}

func (r *pgRepo) ListForPatientBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM mar_entries
		 WHERE patient_id = $1 AND scheduled_time >= $2 AND scheduled_time < $3
		 ORDER BY scheduled_time, id`, patientID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *pgRepo) StampCheck(ctx context.Context, id uuid.UUID, at time.Time, safe bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE mar_entries SET checked_at = $2, check_safe = $3, updated_at = $2
		WHERE id = $1`, id, at, safe)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *pgRepo) MarkGiven(ctx context.Context, id uuid.UUID, actor string, at time.Time, witness *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE mar_entries
		SET status = 'given', performed_by = $2, performed_at = $3, witnessed_by = $4, updated_at = $3
		WHERE id = $1 AND status = 'scheduled'`,
		id, actor, at, witness,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.classifyLost(ctx, id)
}

func (r *pgRepo) MarkOutcome(ctx context.Context, id uuid.UUID, status EntryStatus, reason, actor string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE mar_entries
		SET status = $2, status_reason = $3, performed_by = $4, performed_at = $5, updated_at = $5
		WHERE id = $1 AND status = 'scheduled'`,
		id, status, reason, actor, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.classifyLost(ctx, id)
}

// classifyLost distinguishes a missing entry from one that already left
// the scheduled state when a compare-and-set touched zero rows.
func (r *pgRepo) classifyLost(ctx context.Context, id uuid.UUID) error {
	var status EntryStatus
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT status FROM mar_entries WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEntryNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyProcessed
}

func collectEntries(rows pgx.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
