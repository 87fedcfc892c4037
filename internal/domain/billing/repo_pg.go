package billing

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

// ErrNotFound is returned when a bill line id does not exist.
var ErrNotFound = errors.New("bill line not found")

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

const billLineCols = `id, patient_id, visit_id, visit_type, item_type, item_ref, description,
	quantity, rate, amount, currency, status, created_by, created_at, updated_at`

func scanBillLine(row pgx.Row) (*BillLine, error) {
	var b BillLine
	err := row.Scan(
		&b.ID, &b.PatientID, &b.VisitID, &b.VisitType, &b.ItemType, &b.ItemRef, &b.Description,
		&b.Quantity, &b.Rate, &b.Amount, &b.Currency, &b.Status, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *pgRepo) Create(ctx context.Context, b *BillLine) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bill_lines (id, patient_id, visit_id, visit_type, item_type, item_ref, description,
			quantity, rate, amount, currency, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		b.ID, b.PatientID, b.VisitID, b.VisitType, b.ItemType, b.ItemRef, b.Description,
		b.Quantity, b.Rate, b.Amount, b.Currency, b.Status, b.CreatedBy, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (r *pgRepo) GetByID(ctx context.Context, id uuid.UUID) (*BillLine, error) {
	b, err := scanBillLine(r.conn(ctx).QueryRow(ctx,
		`SELECT `+billLineCols+` FROM bill_lines WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *pgRepo) Update(ctx context.Context, b *BillLine) error {
	b.UpdatedAt = time.Now()
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE bill_lines SET status = $2, updated_at = $3 WHERE id = $1`,
		b.ID, b.Status, b.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*BillLine, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM bill_lines WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+billLineCols+` FROM bill_lines WHERE patient_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	lines, err := collectBillLines(rows)
	return lines, total, err
}

func (r *pgRepo) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*BillLine, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+billLineCols+` FROM bill_lines WHERE visit_id = $1 ORDER BY created_at ASC`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBillLines(rows)
}

func collectBillLines(rows pgx.Rows) ([]*BillLine, error) {
	var lines []*BillLine
	for rows.Next() {
		b, err := scanBillLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, b)
	}
	return lines, rows.Err()
}
