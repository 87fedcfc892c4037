package audit

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one append-only audit record. Every state-changing operation
// in the pharmacy engine writes one after it commits: dispense, recall
// initiate/notify/resolve/cancel, administration, hold/refuse/skip, and
// every stock mutation. Entries are never updated or deleted.
type Entry struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	Actor       string            `db:"actor" json:"actor"`
	Action      string            `db:"action" json:"action"`
	Entity      string            `db:"entity" json:"entity"`
	EntityID    uuid.UUID         `db:"entity_id" json:"entity_id"`
	Description string            `db:"description" json:"description"`
	Metadata    map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
}

// Action codes written by the pharmacy engine. Handlers and reports key
// off these rather than free text.
const (
	ActionDispense       = "dispense"
	ActionStockReceive   = "stock.receive"
	ActionStockAdjust    = "stock.adjust"
	ActionStockReturn    = "stock.return"
	ActionStockBlock     = "stock.recall-block"
	ActionStockRelease   = "stock.release"
	ActionRecallInitiate = "recall.initiate"
	ActionRecallNotify   = "recall.notify"
	ActionRecallResolve  = "recall.resolve"
	ActionRecallCancel   = "recall.cancel"
	ActionMARSchedule    = "mar.schedule"
	ActionMARAdminister  = "mar.administer"
	ActionMARHold        = "mar.hold"
	ActionMARRefuse      = "mar.refuse"
	ActionMARSkip        = "mar.skip"
)
