package safety

import (
	"context"

	"github.com/google/uuid"
)

// RuleRepository is the persistence contract for interaction rules.
// Implementations must map a missing row to ErrRuleNotFound.
type RuleRepository interface {
	CreateRule(ctx context.Context, r *InteractionRule) error
	GetRule(ctx context.Context, id uuid.UUID) (*InteractionRule, error)
	UpdateRule(ctx context.Context, r *InteractionRule) error
	ListRules(ctx context.Context, limit, offset int) ([]*InteractionRule, int, error)
	// FindActiveByPair looks up the single active rule for a canonical
	// pair, or ErrRuleNotFound.
	FindActiveByPair(ctx context.Context, drugA, drugB uuid.UUID) (*InteractionRule, error)
	// ListActiveAmong returns every active rule whose both drugs are in
	// the given set, ordered by creation time.
	ListActiveAmong(ctx context.Context, drugIDs []uuid.UUID) ([]*InteractionRule, error)
}
