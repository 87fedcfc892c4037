package recall

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for recalls and their child
// rows. Implementations must map a missing recall to ErrNotFound.
type Repository interface {
	Create(ctx context.Context, r *Recall) error
	GetByID(ctx context.Context, id uuid.UUID) (*Recall, error)
	Update(ctx context.Context, r *Recall) error
	List(ctx context.Context, limit, offset int) ([]*Recall, int, error)
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Recall, int, error)
	// BatchRecalled reports whether any non-cancelled recall names the
	// drug/batch pair. Completed recalls still count: a recalled batch
	// stays recalled after the paperwork closes.
	BatchRecalled(ctx context.Context, drugID uuid.UUID, batchNumber string) (bool, error)

	InsertLot(ctx context.Context, l *RecallLot) error
	ListLots(ctx context.Context, recallID uuid.UUID) ([]*RecallLot, error)

	InsertAffected(ctx context.Context, a *AffectedPatient) error
	ListAffected(ctx context.Context, recallID uuid.UUID) ([]*AffectedPatient, error)
	ListUnnotified(ctx context.Context, recallID uuid.UUID) ([]*AffectedPatient, error)
	MarkNotified(ctx context.Context, affectedID uuid.UUID, channel string, at time.Time) error
	RecordNotifyFailure(ctx context.Context, affectedID uuid.UUID, cause string) error

	InsertAction(ctx context.Context, a *Action) error
	ListActions(ctx context.Context, recallID uuid.UUID) ([]*Action, error)
}
