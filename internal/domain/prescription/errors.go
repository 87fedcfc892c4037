package prescription

import "errors"

var (
	// ErrNotFound is returned when a prescription id does not exist.
	ErrNotFound = errors.New("prescription not found")

	// ErrAlreadyDispensed is returned when an operation requires a
	// not-yet-dispensed prescription but the flag is already set. The
	// dispense path treats it as the at-most-once guard firing.
	ErrAlreadyDispensed = errors.New("prescription already dispensed")

	// ErrLineNotFound is returned when a line number does not exist on
	// the prescription.
	ErrLineNotFound = errors.New("prescription line not found")
)
