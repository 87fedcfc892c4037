package prescription

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

const prescriptionCols = `id, patient_id, prescriber_id, notes, is_dispensed, dispensed_by, dispensed_at, created_at, updated_at`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(
		&p.ID, &p.PatientID, &p.PrescriberID, &p.Notes,
		&p.IsDispensed, &p.DispensedBy, &p.DispensedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pgRepo) Create(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO prescriptions (id, patient_id, prescriber_id, notes, is_dispensed, dispensed_by, dispensed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.PatientID, p.PrescriberID, p.Notes, p.IsDispensed, p.DispensedBy, p.DispensedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	for i := range p.Lines {
		l := &p.Lines[i]
		l.PrescriptionID = p.ID
		if err := r.insertLine(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

const lineCols = `id, prescription_id, line_no, drug_id, dosage, frequency, duration, requested_quantity,
	interaction_checked, allergy_checked, override_reason, override_approved_by, override_approved_at, created_at`

func (r *pgRepo) insertLine(ctx context.Context, l *Line) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	var reason, approvedBy *string
	var approvedAt *time.Time
	if l.Override != nil {
		reason = &l.Override.Reason
		approvedBy = &l.Override.ApprovedBy
		approvedAt = &l.Override.ApprovedAt
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO prescription_lines (id, prescription_id, line_no, drug_id, dosage, frequency, duration,
			requested_quantity, interaction_checked, allergy_checked,
			override_reason, override_approved_by, override_approved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		l.ID, l.PrescriptionID, l.LineNo, l.DrugID, l.Dosage, l.Frequency, l.Duration,
		l.RequestedQuantity, l.InteractionChecked, l.AllergyChecked,
		reason, approvedBy, approvedAt, l.CreatedAt,
	)
	return err
}

func scanLine(row pgx.Row) (*Line, error) {
	var l Line
	var reason, approvedBy *string
	var approvedAt *time.Time
	err := row.Scan(
		&l.ID, &l.PrescriptionID, &l.LineNo, &l.DrugID, &l.Dosage, &l.Frequency, &l.Duration,
		&l.RequestedQuantity, &l.InteractionChecked, &l.AllergyChecked,
		&reason, &approvedBy, &approvedAt, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reason != nil && approvedBy != nil && approvedAt != nil {
		l.Override = &Override{Reason: *reason, ApprovedBy: *approvedBy, ApprovedAt: *approvedAt}
	}
	return &l, nil
}

func (r *pgRepo) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx,
		`SELECT `+prescriptionCols+` FROM prescriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadLines(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *pgRepo) loadLines(ctx context.Context, p *Prescription) error {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+lineCols+` FROM prescription_lines WHERE prescription_id = $1 ORDER BY line_no ASC`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	p.Lines = []Line{}
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return err
		}
		p.Lines = append(p.Lines, *l)
	}
	return rows.Err()
}

func (r *pgRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM prescriptions WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+prescriptionCols+` FROM prescriptions WHERE patient_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	prescriptions, err := r.collectWithLines(ctx, rows)
	return prescriptions, total, err
}

func (r *pgRepo) List(ctx context.Context, limit, offset int) ([]*Prescription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM prescriptions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+prescriptionCols+` FROM prescriptions ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	prescriptions, err := r.collectWithLines(ctx, rows)
	return prescriptions, total, err
}

func (r *pgRepo) collectWithLines(ctx context.Context, rows pgx.Rows) ([]*Prescription, error) {
	var out []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, p := range out {
		if err := r.loadLines(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *pgRepo) UpdateLine(ctx context.Context, l *Line) error {
	var reason, approvedBy *string
	var approvedAt *time.Time
	if l.Override != nil {
		reason = &l.Override.Reason
		approvedBy = &l.Override.ApprovedBy
		approvedAt = &l.Override.ApprovedAt
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescription_lines SET
			interaction_checked = $2, allergy_checked = $3,
			override_reason = $4, override_approved_by = $5, override_approved_at = $6
		WHERE id = $1`,
		l.ID, l.InteractionChecked, l.AllergyChecked, reason, approvedBy, approvedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (r *pgRepo) MarkDispensed(ctx context.Context, id uuid.UUID, actor string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescriptions SET is_dispensed = true, dispensed_by = $2, dispensed_at = $3, updated_at = $3
		WHERE id = $1 AND is_dispensed = false`,
		id, actor, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// zero rows: either the prescription is missing or the flag was
	// already set by a concurrent dispense
	var dispensed bool
	err = r.conn(ctx).QueryRow(ctx, `SELECT is_dispensed FROM prescriptions WHERE id = $1`, id).Scan(&dispensed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyDispensed
}
