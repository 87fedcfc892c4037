package inventory

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

const lotCols = `id, drug_id, batch_number, expiry_date, quantity_on_hand, quantity_reserved,
	unit_cost, unit_price, status, is_recalled, recall_ref, recalled_at,
	supplier_name, receipt_ref, received_at, created_at, updated_at`

func scanLot(row pgx.Row) (*Lot, error) {
	var l Lot
	err := row.Scan(
		&l.ID, &l.DrugID, &l.BatchNumber, &l.ExpiryDate, &l.QuantityOnHand, &l.QuantityReserved,
		&l.UnitCost, &l.UnitPrice, &l.Status, &l.IsRecalled, &l.RecallRef, &l.RecalledAt,
		&l.SupplierName, &l.ReceiptRef, &l.ReceivedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *pgRepo) CreateLot(ctx context.Context, l *Lot) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	now := time.Now()
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.ReceivedAt.IsZero() {
		l.ReceivedAt = now
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lots (id, drug_id, batch_number, expiry_date, quantity_on_hand, quantity_reserved,
			unit_cost, unit_price, status, is_recalled, recall_ref, recalled_at,
			supplier_name, receipt_ref, received_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		l.ID, l.DrugID, l.BatchNumber, l.ExpiryDate, l.QuantityOnHand, l.QuantityReserved,
		l.UnitCost, l.UnitPrice, l.Status, l.IsRecalled, l.RecallRef, l.RecalledAt,
		l.SupplierName, l.ReceiptRef, l.ReceivedAt, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (r *pgRepo) GetLot(ctx context.Context, id uuid.UUID) (*Lot, error) {
	l, err := scanLot(r.conn(ctx).QueryRow(ctx, `SELECT `+lotCols+` FROM lots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLotNotFound
	}
	return l, err
}

func (r *pgRepo) GetLotForUpdate(ctx context.Context, id uuid.UUID) (*Lot, error) {
	l, err := scanLot(r.conn(ctx).QueryRow(ctx, `SELECT `+lotCols+` FROM lots WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLotNotFound
	}
	return l, err
}

func (r *pgRepo) FindLotByDrugAndBatch(ctx context.Context, drugID uuid.UUID, batchNumber string) (*Lot, error) {
	l, err := scanLot(r.conn(ctx).QueryRow(ctx,
		`SELECT `+lotCols+` FROM lots WHERE drug_id = $1 AND batch_number = $2`, drugID, batchNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLotNotFound
	}
	return l, err
}

func (r *pgRepo) UpdateLot(ctx context.Context, l *Lot) error {
	l.UpdatedAt = time.Now()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lots SET
			expiry_date = $2, quantity_on_hand = $3, quantity_reserved = $4,
			unit_cost = $5, unit_price = $6, status = $7, is_recalled = $8,
			recall_ref = $9, recalled_at = $10, supplier_name = $11, receipt_ref = $12,
			updated_at = $13
		WHERE id = $1`,
		l.ID, l.ExpiryDate, l.QuantityOnHand, l.QuantityReserved,
		l.UnitCost, l.UnitPrice, l.Status, l.IsRecalled,
		l.RecallRef, l.RecalledAt, l.SupplierName, l.ReceiptRef,
		l.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *pgRepo) ListLots(ctx context.Context, limit, offset int) ([]*Lot, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lots`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+lotCols+` FROM lots ORDER BY received_at DESC, created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	lots, err := collectLots(rows)
	return lots, total, err
}

func (r *pgRepo) ListLotsByDrug(ctx context.Context, drugID uuid.UUID) ([]*Lot, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+lotCols+` FROM lots WHERE drug_id = $1
		 ORDER BY expiry_date ASC NULLS LAST, received_at ASC`, drugID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLots(rows)
}

func (r *pgRepo) ListAllocatable(ctx context.Context, drugID uuid.UUID) ([]*Lot, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+lotCols+` FROM lots
		 WHERE drug_id = $1 AND is_recalled = false AND quantity_on_hand > 0
		   AND (expiry_date IS NULL OR expiry_date >= now())
		 ORDER BY expiry_date ASC NULLS LAST, received_at ASC, created_at ASC`, drugID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLots(rows)
}

func (r *pgRepo) ListExpiringWithin(ctx context.Context, days int) ([]*Lot, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+lotCols+` FROM lots
		 WHERE expiry_date IS NOT NULL AND expiry_date <= now() + make_interval(days => $1)
		   AND quantity_on_hand > 0 AND is_recalled = false
		 ORDER BY expiry_date ASC`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLots(rows)
}

func (r *pgRepo) ListRecalled(ctx context.Context) ([]*Lot, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+lotCols+` FROM lots WHERE is_recalled = true ORDER BY recalled_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLots(rows)
}

func (r *pgRepo) ListLotsByBatch(ctx context.Context, batchNumber string) ([]*Lot, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+lotCols+` FROM lots WHERE batch_number = $1 ORDER BY received_at ASC`, batchNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLots(rows)
}

func collectLots(rows pgx.Rows) ([]*Lot, error) {
	var lots []*Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

const movementCols = `id, lot_id, drug_id, type, quantity, reason, ref_type, ref_id, actor, created_at`

func (r *pgRepo) InsertMovement(ctx context.Context, m *StockMovement) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO stock_movements (id, lot_id, drug_id, type, quantity, reason, ref_type, ref_id, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.LotID, m.DrugID, m.Type, m.Quantity, m.Reason, m.RefType, m.RefID, m.Actor, m.CreatedAt,
	)
	return err
}

func (r *pgRepo) ListMovementsByLot(ctx context.Context, lotID uuid.UUID) ([]*StockMovement, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+movementCols+` FROM stock_movements WHERE lot_id = $1 ORDER BY created_at ASC`, lotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var moves []*StockMovement
	for rows.Next() {
		var m StockMovement
		if err := rows.Scan(
			&m.ID, &m.LotID, &m.DrugID, &m.Type, &m.Quantity,
			&m.Reason, &m.RefType, &m.RefID, &m.Actor, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		moves = append(moves, &m)
	}
	return moves, rows.Err()
}
