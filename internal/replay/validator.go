package replay

import "github.com/petrijr/loom/pkg/api"

// Validator rejects commands that disagree with history. A violation is
// fatal to the in-progress replay attempt: the execution stays parked in its
// last consistent persisted state and the error is surfaced for operator
// diagnosis, never silently corrected.
type Validator struct {
	ExecutionID string
}

// Check compares the name a command carries against the historical event at
// the same per-family ordinal position.
func (v Validator) Check(f api.Family, position uint64, want, got string) error {
	if want == got {
		return nil
	}
	return &api.DeterminismError{
		ExecutionID: v.ExecutionID,
		Family:      f,
		Position:    position,
		WantName:    want,
		GotName:     got,
	}
}
