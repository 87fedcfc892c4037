package audit

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence contract for the audit trail. The trail
// is append-only: there is no update or delete.
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	ListByEntity(ctx context.Context, entity string, entityID uuid.UUID, limit, offset int) ([]*Entry, int, error)
	ListByActor(ctx context.Context, actor string, limit, offset int) ([]*Entry, int, error)
	List(ctx context.Context, limit, offset int) ([]*Entry, int, error)
}
