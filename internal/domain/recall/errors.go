package recall

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a recall id does not exist.
	ErrNotFound = errors.New("recall not found")

	// ErrRecallClosed is returned when an operation targets a recall in a
	// terminal state.
	ErrRecallClosed = errors.New("recall is closed")
)

// InvalidTransitionError is returned when a lifecycle move is not in the
// transition table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move recall from %s to %s", e.From, e.To)
}
