package dispense

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrRecordNotFound is returned when a dispense record id does not
	// exist.
	ErrRecordNotFound = errors.New("dispense record not found")
)

// LineError wraps a validation failure on one requested line with its
// position, so a multi-drug request reports exactly which line was bad.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// WrongDrugError is returned when a requested lot does not hold the drug
// the line names. It means the client assembled the request from a stale
// or mismatched allocation preview.
type WrongDrugError struct {
	LotID    uuid.UUID
	LotDrug  uuid.UUID
	LineDrug uuid.UUID
}

func (e *WrongDrugError) Error() string {
	return fmt.Sprintf("lot %s holds drug %s, not requested drug %s", e.LotID, e.LotDrug, e.LineDrug)
}
