package recall

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

const recallCols = `id, drug_id, batch_numbers, reason, classification, status,
	initiated_by, initiated_at, resolved_by, resolved_at, resolution_notes,
	created_at, updated_at`

func (r *pgRepo) Create(ctx context.Context, rec *Recall) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO recalls (id, drug_id, batch_numbers, reason, classification, status,
			initiated_by, initiated_at, resolved_by, resolved_at, resolution_notes,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.DrugID, rec.BatchNumbers, rec.Reason, rec.Classification, rec.Status,
		rec.InitiatedBy, rec.InitiatedAt, rec.ResolvedBy, rec.ResolvedAt, rec.ResolutionNotes,
		rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func scanRecall(row pgx.Row) (*Recall, error) {
	var rec Recall
	err := row.Scan(
		&rec.ID, &rec.DrugID, &rec.BatchNumbers, &rec.Reason, &rec.Classification,
		&rec.Status, &rec.InitiatedBy, &rec.InitiatedAt, &rec.ResolvedBy, &rec.ResolvedAt,
		&rec.ResolutionNotes, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *pgRepo) GetByID(ctx context.Context, id uuid.UUID) (*Recall, error) {
	return scanRecall(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recallCols+` FROM recalls WHERE id = $1`, id))
}

func (r *pgRepo) Update(ctx context.Context, rec *Recall) error {
	rec.UpdatedAt = time.Now()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE recalls SET status = $2, resolved_by = $3, resolved_at = $4,
			resolution_notes = $5, updated_at = $6
		WHERE id = $1`,
		rec.ID, rec.Status, rec.ResolvedBy, rec.ResolvedAt, rec.ResolutionNotes, rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepo) List(ctx context.Context, limit, offset int) ([]*Recall, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM recalls`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recallCols+` FROM recalls ORDER BY initiated_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	recalls, err := collectRecalls(rows)
	return recalls, total, err
}

func (r *pgRepo) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Recall, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM recalls WHERE status = $1`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recallCols+` FROM recalls WHERE status = $1
		 ORDER BY initiated_at DESC LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	recalls, err := collectRecalls(rows)
	return recalls, total, err
}

func (r *pgRepo) BatchRecalled(ctx context.Context, drugID uuid.UUID, batchNumber string) (bool, error) {
	var recalled bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM recalls
			WHERE drug_id = $1 AND status <> 'cancelled' AND $2 = ANY(batch_numbers)
		)`, drugID, batchNumber).Scan(&recalled)
	return recalled, err
}

func (r *pgRepo) InsertLot(ctx context.Context, l *RecallLot) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO recall_lots (id, recall_id, lot_id, batch_number, quantity_blocked,
			placeholder, blocked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.RecallID, l.LotID, l.BatchNumber, l.QuantityBlocked, l.Placeholder, l.BlockedAt,
	)
	return err
}

func (r *pgRepo) ListLots(ctx context.Context, recallID uuid.UUID) ([]*RecallLot, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, recall_id, lot_id, batch_number, quantity_blocked, placeholder, blocked_at
		FROM recall_lots WHERE recall_id = $1 ORDER BY blocked_at, id`, recallID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []*RecallLot
	for rows.Next() {
		var l RecallLot
		if err := rows.Scan(&l.ID, &l.RecallID, &l.LotID, &l.BatchNumber,
			&l.QuantityBlocked, &l.Placeholder, &l.BlockedAt); err != nil {
			return nil, err
		}
		lots = append(lots, &l)
	}
	return lots, rows.Err()
}

const affectedCols = `id, recall_id, patient_id, lot_id, batch_number, dispense_item_id,
	quantity_dispensed, first_dispensed_at, notified, notified_at, notify_channel,
	notify_error, created_at`

func (r *pgRepo) InsertAffected(ctx context.Context, a *AffectedPatient) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO recall_affected_patients (id, recall_id, patient_id, lot_id, batch_number,
			dispense_item_id, quantity_dispensed, first_dispensed_at, notified, notified_at,
			notify_channel, notify_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.RecallID, a.PatientID, a.LotID, a.BatchNumber, a.DispenseItemID,
		a.QuantityDispensed, a.FirstDispensedAt, a.Notified, a.NotifiedAt,
		a.NotifyChannel, a.NotifyError, a.CreatedAt,
	)
	return err
}

func scanAffected(row pgx.Row) (*AffectedPatient, error) {
	var a AffectedPatient
	err := row.Scan(
		&a.ID, &a.RecallID, &a.PatientID, &a.LotID, &a.BatchNumber, &a.DispenseItemID,
		&a.QuantityDispensed, &a.FirstDispensedAt, &a.Notified, &a.NotifiedAt,
		&a.NotifyChannel, &a.NotifyError, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *pgRepo) ListAffected(ctx context.Context, recallID uuid.UUID) ([]*AffectedPatient, error) {
	return r.listAffectedWhere(ctx,
		`SELECT `+affectedCols+` FROM recall_affected_patients
		 WHERE recall_id = $1 ORDER BY first_dispensed_at, id`, recallID)
}

func (r *pgRepo) ListUnnotified(ctx context.Context, recallID uuid.UUID) ([]*AffectedPatient, error) {
	return r.listAffectedWhere(ctx,
		`SELECT `+affectedCols+` FROM recall_affected_patients
		 WHERE recall_id = $1 AND notified = false ORDER BY first_dispensed_at, id`, recallID)
}

func (r *pgRepo) listAffectedWhere(ctx context.Context, query string, recallID uuid.UUID) ([]*AffectedPatient, error) {
	rows, err := r.conn(ctx).Query(ctx, query, recallID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var affected []*AffectedPatient
	for rows.Next() {
		a, err := scanAffected(rows)
		if err != nil {
			return nil, err
		}
		affected = append(affected, a)
	}
	return affected, rows.Err()
}

func (r *pgRepo) MarkNotified(ctx context.Context, affectedID uuid.UUID, channel string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE recall_affected_patients
		SET notified = true, notified_at = $2, notify_channel = $3, notify_error = NULL
		WHERE id = $1`, affectedID, at, channel)
	return err
}

func (r *pgRepo) RecordNotifyFailure(ctx context.Context, affectedID uuid.UUID, cause string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE recall_affected_patients SET notify_error = $2 WHERE id = $1`,
		affectedID, cause)
	return err
}

func (r *pgRepo) InsertAction(ctx context.Context, a *Action) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO recall_actions (id, recall_id, action, details, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.RecallID, a.Action, a.Details, a.Actor, a.CreatedAt,
	)
	return err
}

func (r *pgRepo) ListActions(ctx context.Context, recallID uuid.UUID) ([]*Action, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, recall_id, action, details, actor, created_at
		FROM recall_actions WHERE recall_id = $1 ORDER BY created_at, id`, recallID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.RecallID, &a.Action, &a.Details, &a.Actor, &a.CreatedAt); err != nil {
			return nil, err
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

func collectRecalls(rows pgx.Rows) ([]*Recall, error) {
	var recalls []*Recall
	for rows.Next() {
		rec, err := scanRecall(rows)
		if err != nil {
			return nil, err
		}
		recalls = append(recalls, rec)
	}
	return recalls, rows.Err()
}
