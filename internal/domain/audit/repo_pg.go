package audit

import (
	"context"
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

const entryCols = `id, actor, action, entity, entity_id, description, metadata, created_at`

func (r *pgRepo) Insert(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_entries (id, actor, action, entity, entity_id, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Actor, e.Action, e.Entity, e.EntityID, e.Description, e.Metadata, e.CreatedAt,
	)
	return err
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	if err := row.Scan(
		&e.ID, &e.Actor, &e.Action, &e.Entity, &e.EntityID,
		&e.Description, &e.Metadata, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *pgRepo) ListByEntity(ctx context.Context, entity string, entityID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE entity = $1 AND entity_id = $2`,
		entity, entityID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM audit_entries WHERE entity = $1 AND entity_id = $2
		 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		entity, entityID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries, err := collectEntries(rows)
	return entries, total, err
}

func (r *pgRepo) ListByActor(ctx context.Context, actor string, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE actor = $1`, actor).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM audit_entries WHERE actor = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, actor, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries, err := collectEntries(rows)
	return entries, total, err
}

func (r *pgRepo) List(ctx context.Context, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM audit_entries ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries, err := collectEntries(rows)
	return entries, total, err
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
