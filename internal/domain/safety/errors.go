package safety

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRuleNotFound is returned when an interaction rule id does not
	// exist.
	ErrRuleNotFound = errors.New("interaction rule not found")

	// ErrDuplicateRule is returned when a second active rule is created
	// for a drug pair that already has one.
	ErrDuplicateRule = errors.New("an active rule already exists for this drug pair")
)

// SafetyBlockedError aborts a dispense or administration. It carries
// every blocker found, not just the first, so the caller can present the
// complete picture in one round trip.
type SafetyBlockedError struct {
	Blockers []Blocker
}

func (e *SafetyBlockedError) Error() string {
	if len(e.Blockers) == 0 {
		return "safety blocked"
	}
	msgs := make([]string, len(e.Blockers))
	for i, b := range e.Blockers {
		msgs[i] = fmt.Sprintf("%s: %s", b.Code, b.Message)
	}
	return "safety blocked: " + strings.Join(msgs, "; ")
}
