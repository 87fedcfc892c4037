package formulary

import (
	"context"

	"github.com/google/uuid"
)

type DrugRepository interface {
	Create(ctx context.Context, d *Drug) error
	GetByID(ctx context.Context, id uuid.UUID) (*Drug, error)
	GetByCode(ctx context.Context, code string) (*Drug, error)
	Update(ctx context.Context, d *Drug) error
	List(ctx context.Context, limit, offset int) ([]*Drug, int, error)
	Search(ctx context.Context, query string, limit, offset int) ([]*Drug, int, error)
	NamesFor(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Names, error)
}
