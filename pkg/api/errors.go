package api

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrUnknownKind is returned when no handler is registered for a
	// workflow or task kind.
	ErrUnknownKind = errors.New("unknown kind")

	// ErrConcurrentAppend is returned by the event store when the caller's
	// expected prior sequence is stale. The caller must re-read the history
	// and retry with fresh state; histories are never merged.
	ErrConcurrentAppend = errors.New("concurrent append: stale expected sequence")

	// ErrClaimLost is returned when a worker reports a result for a work
	// item whose lease expired and was reassigned, or whose entity already
	// moved past the expected phase. The report is a no-op.
	ErrClaimLost = errors.New("claim lost")

	// ErrCancelled is the outcome error of a sub-entity that was cancelled
	// before it could complete.
	ErrCancelled = errors.New("cancelled")

	// ErrExecutionTerminal is returned for operations on an execution that
	// already reached an end state.
	ErrExecutionTerminal = errors.New("execution is terminal")

	// ErrPromiseResolved is returned when resolving or rejecting a promise
	// that already settled. Promises are one-shot; signals are not.
	ErrPromiseResolved = errors.New("promise already settled")

	// ErrPromiseNotFound is returned when settling a promise id the
	// execution never created.
	ErrPromiseNotFound = errors.New("promise not found")

	// ErrUnrecoverableHistory marks an execution whose history could not be
	// repaired within the recovery attempt budget.
	ErrUnrecoverableHistory = errors.New("unrecoverable history")
)

// DeterminismError is returned when a command issued during replay disagrees
// with the historical event at the same ordinal position. It is fatal to the
// replay attempt: the execution is parked in its last consistent persisted
// state and the error is surfaced for operator diagnosis.
type DeterminismError struct {
	ExecutionID string
	Family      Family
	Position    uint64 // 1-based per-family ordinal of the command
	WantName    string // name recorded in history
	GotName     string // name the code issued now
}

func (e *DeterminismError) Error() string {
	return fmt.Sprintf("determinism violation in %s: %s command #%d expected %q, code issued %q",
		e.ExecutionID, e.Family, e.Position, e.WantName, e.GotName)
}

// IsDeterminismError reports whether err is a replay determinism violation.
func IsDeterminismError(err error) (*DeterminismError, bool) {
	var de *DeterminismError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// TaskError is the structured failure a task hands back to its workflow.
// It survives persistence as a plain string but keeps the task identity.
type TaskError struct {
	TaskID string
	Kind   string
	Reason string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s) failed: %s", e.TaskID, e.Kind, e.Reason)
}

// ChildError is the failure a child workflow hands back to its parent.
type ChildError struct {
	ChildID string
	Kind    string
	Reason  string
}

func (e *ChildError) Error() string {
	return fmt.Sprintf("child workflow %s (%s) failed: %s", e.ChildID, e.Kind, e.Reason)
}

// FaultKind classifies a history inconsistency found by the recovery manager.
type FaultKind string

const (
	FaultOrphanedCompletion FaultKind = "orphaned_completion"
	FaultDuplicateEvent     FaultKind = "duplicate_event"
	FaultSequenceGap        FaultKind = "sequence_gap"
	FaultStuckEntity        FaultKind = "stuck_entity"
)

// Fault is one detected inconsistency in an execution's history.
type Fault struct {
	Kind     FaultKind
	Sequence uint64 // offending event sequence, when applicable
	EntityID string
	Family   Family
	Detail   string
}

func (f Fault) String() string {
	return fmt.Sprintf("%s at seq %d (%s %s): %s", f.Kind, f.Sequence, f.Family, f.EntityID, f.Detail)
}
