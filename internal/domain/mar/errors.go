package mar

import "errors"

var (
	// ErrEntryNotFound is returned when a MAR entry id does not exist.
	ErrEntryNotFound = errors.New("mar entry not found")

	// ErrScheduleExists is returned when a dispense already has a
	// generated schedule.
	ErrScheduleExists = errors.New("schedule already exists for this dispense")

	// ErrCheckRequired is returned when administration is attempted on an
	// entry with no recorded pre-administration check.
	ErrCheckRequired = errors.New("pre-administration check required before administering")

	// ErrUnsafeToAdminister is returned when the last recorded check
	// found blockers. A fresh passing check clears it.
	ErrUnsafeToAdminister = errors.New("last pre-administration check found blockers")

	// ErrAlreadyProcessed is returned when the entry already left the
	// scheduled state.
	ErrAlreadyProcessed = errors.New("mar entry already processed")
)
