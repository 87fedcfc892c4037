package safety

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

// NewPGRepository returns a RuleRepository backed by PostgreSQL.
func NewPGRepository(pool *pgxpool.Pool) RuleRepository {
	return &pgRepo{pool: pool}
}

func (r *pgRepo) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const ruleCols = `id, drug_a_id, drug_b_id, severity, description,
	block_prescription, requires_override, active, created_at, updated_at`

func scanRule(row pgx.Row) (*InteractionRule, error) {
	var ir InteractionRule
	err := row.Scan(
		&ir.ID, &ir.DrugAID, &ir.DrugBID, &ir.Severity, &ir.Description,
		&ir.BlockPrescription, &ir.RequiresOverride, &ir.Active, &ir.CreatedAt, &ir.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ir, nil
}

func (r *pgRepo) CreateRule(ctx context.Context, ir *InteractionRule) error {
	if ir.ID == uuid.Nil {
		ir.ID = uuid.New()
	}
	now := time.Now()
	ir.CreatedAt = now
	ir.UpdatedAt = now
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO interaction_rules (id, drug_a_id, drug_b_id, severity, description,
			block_prescription, requires_override, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ir.ID, ir.DrugAID, ir.DrugBID, ir.Severity, ir.Description,
		ir.BlockPrescription, ir.RequiresOverride, ir.Active, ir.CreatedAt, ir.UpdatedAt,
	)
	return err
}

func (r *pgRepo) GetRule(ctx context.Context, id uuid.UUID) (*InteractionRule, error) {
	ir, err := scanRule(r.conn(ctx).QueryRow(ctx,
		`SELECT `+ruleCols+` FROM interaction_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return ir, err
}

func (r *pgRepo) UpdateRule(ctx context.Context, ir *InteractionRule) error {
	ir.UpdatedAt = time.Now()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE interaction_rules SET
			severity = $2, description = $3, block_prescription = $4,
			requires_override = $5, active = $6, updated_at = $7
		WHERE id = $1`,
		ir.ID, ir.Severity, ir.Description, ir.BlockPrescription,
		ir.RequiresOverride, ir.Active, ir.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *pgRepo) ListRules(ctx context.Context, limit, offset int) ([]*InteractionRule, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM interaction_rules`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+ruleCols+` FROM interaction_rules ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	rules, err := collectRules(rows)
	return rules, total, err
}

func (r *pgRepo) FindActiveByPair(ctx context.Context, drugA, drugB uuid.UUID) (*InteractionRule, error) {
	a, b := CanonicalPair(drugA, drugB)
	ir, err := scanRule(r.conn(ctx).QueryRow(ctx,
		`SELECT `+ruleCols+` FROM interaction_rules
		 WHERE drug_a_id = $1 AND drug_b_id = $2 AND active = true`, a, b))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return ir, err
}

func (r *pgRepo) ListActiveAmong(ctx context.Context, drugIDs []uuid.UUID) ([]*InteractionRule, error) {
	if len(drugIDs) < 2 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+ruleCols+` FROM interaction_rules
		 WHERE active = true AND drug_a_id = ANY($1) AND drug_b_id = ANY($1)
		 ORDER BY created_at ASC`, drugIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func collectRules(rows pgx.Rows) ([]*InteractionRule, error) {
	var rules []*InteractionRule
	for rows.Next() {
		ir, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, ir)
	}
	return rules, rows.Err()
}
