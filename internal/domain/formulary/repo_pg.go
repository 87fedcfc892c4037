package formulary

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxcore/rxcore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type drugRepoPG struct{ pool *pgxpool.Pool }

func NewDrugRepoPG(pool *pgxpool.Pool) DrugRepository {
	return &drugRepoPG{pool: pool}
}

func (r *drugRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const drugCols = `id, code, name, generic_name, form, strength, unit, unit_price,
	is_narcotic, is_high_alert, active, created_at, updated_at`

func (r *drugRepoPG) scanRow(row pgx.Row) (*Drug, error) {
	var d Drug
	err := row.Scan(&d.ID, &d.Code, &d.Name, &d.GenericName, &d.Form, &d.Strength, &d.Unit, &d.UnitPrice,
		&d.IsNarcotic, &d.IsHighAlert, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *drugRepoPG) Create(ctx context.Context, d *Drug) error {
	d.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO drugs (id, code, name, generic_name, form, strength, unit, unit_price,
			is_narcotic, is_high_alert, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.Code, d.Name, d.GenericName, d.Form, d.Strength, d.Unit, d.UnitPrice,
		d.IsNarcotic, d.IsHighAlert, d.Active)
	return err
}

func (r *drugRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Drug, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+drugCols+` FROM drugs WHERE id = $1`, id))
}

func (r *drugRepoPG) GetByCode(ctx context.Context, code string) (*Drug, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+drugCols+` FROM drugs WHERE code = $1`, code))
}

func (r *drugRepoPG) Update(ctx context.Context, d *Drug) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE drugs SET code=$2, name=$3, generic_name=$4, form=$5, strength=$6, unit=$7,
			unit_price=$8, is_narcotic=$9, is_high_alert=$10, active=$11, updated_at=NOW()
		WHERE id = $1`,
		d.ID, d.Code, d.Name, d.GenericName, d.Form, d.Strength, d.Unit,
		d.UnitPrice, d.IsNarcotic, d.IsHighAlert, d.Active)
	return err
}

func (r *drugRepoPG) List(ctx context.Context, limit, offset int) ([]*Drug, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM drugs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+drugCols+` FROM drugs ORDER BY name ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Drug
	for rows.Next() {
		d, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, nil
}

func (r *drugRepoPG) Search(ctx context.Context, query string, limit, offset int) ([]*Drug, int, error) {
	pattern := "%" + query + "%"
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM drugs
		WHERE name ILIKE $1 OR generic_name ILIKE $1 OR code ILIKE $1`, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+drugCols+` FROM drugs
		WHERE name ILIKE $1 OR generic_name ILIKE $1 OR code ILIKE $1
		ORDER BY name ASC LIMIT $2 OFFSET $3`, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Drug
	for rows.Next() {
		d, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, nil
}

func (r *drugRepoPG) NamesFor(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Names, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]Names{}, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, name, COALESCE(generic_name, '') FROM drugs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]Names, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var n Names
		if err := rows.Scan(&id, &n.Name, &n.GenericName); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}
