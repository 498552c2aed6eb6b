package api

import (
	"context"
	"time"
)

// WorkKind identifies what a claimed pending-work item asks the worker to do.
type WorkKind string

const (
	WorkTask  WorkKind = "task"
	WorkTimer WorkKind = "timer"
)

// WorkItem is one claimed unit of pending work. Claiming is at-least-once:
// the engine re-checks the target entity's phase before acting on a report,
// so a worker holding a stale claim gets ErrClaimLost instead of causing a
// duplicate transition.
type WorkItem struct {
	ID          string
	Kind        WorkKind
	ExecutionID string
	EntityID    string

	// TaskKind is the registered handler kind for task items.
	TaskKind string
	Input    any

	// Attempt counts deliveries of this item (1-based).
	Attempt int

	NotBefore  time.Time
	Owner      string
	LeaseUntil time.Time
}

// TaskAttempt is what StartTask hands the worker: the handler kind, the
// recorded input, and the retry policy the workflow attached.
type TaskAttempt struct {
	Kind  string
	Input any
	Retry *RetryPolicy
}

// Engine is the durable workflow engine API.
type Engine interface {
	// RegisterWorkflow registers deterministic orchestration code for a
	// workflow kind.
	RegisterWorkflow(kind string, fn WorkflowFunc) error

	// RegisterTask registers a task handler for a kind.
	RegisterTask(kind string, h TaskHandler) error

	// TaskHandler looks up a registered task handler.
	TaskHandler(kind string) (TaskHandler, bool)

	// CreateExecution creates a new execution, or returns the existing one
	// when opts.IdempotencyKey is claimed by a live or succeeded target.
	// The bool reports whether a new execution was created.
	CreateExecution(ctx context.Context, opts CreateOptions) (*Execution, bool, error)

	// SignalWithStart atomically creates the execution if absent and then
	// unconditionally appends a signal.received event. Signals are never
	// deduplicated.
	SignalWithStart(ctx context.Context, opts CreateOptions, name string, payload any) (*Execution, bool, error)

	// Signal appends a signal.received event to a live execution.
	Signal(ctx context.Context, executionID, name string, payload any) error

	// CancelExecution requests cooperative cancellation. The request
	// propagates to every non-terminal child workflow; the execution
	// reaches CANCELLED only after all its work is terminal.
	CancelExecution(ctx context.Context, executionID string) error

	// ResolvePromise settles a one-shot promise with a value.
	ResolvePromise(ctx context.Context, executionID, promiseID string, value any) error

	// RejectPromise settles a one-shot promise with a failure.
	RejectPromise(ctx context.Context, executionID, promiseID, reason string) error

	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, opts ListOptions) ([]*Execution, error)

	// ReadHistory returns the execution's events with Sequence strictly
	// greater than afterSequence, in global order.
	ReadHistory(ctx context.Context, id string, afterSequence uint64) ([]Event, error)

	// Subscribe returns a channel of events appended after the call. It is
	// fed by append notifications and is never the sole source of truth:
	// reconnecting consumers must reconcile via ReadHistory.
	Subscribe(ctx context.Context, id string) (<-chan Event, func(), error)

	// ClaimPendingWork claims up to batch ready work items for owner using
	// lock-and-skip selection. Claims are leases: a crashed owner's items
	// become eligible again after lease expiry.
	ClaimPendingWork(ctx context.Context, owner string, batch int) ([]WorkItem, error)

	// StartTask records task.started for a claimed task item and returns
	// the attempt to run. Returns ErrClaimLost if the task already moved
	// past SCHEDULED.
	StartTask(ctx context.Context, claim WorkItem) (*TaskAttempt, error)

	// CompleteTask / FailTask report a task outcome and advance the
	// workflow. Reports against a task that is no longer STARTED are
	// no-ops returning ErrClaimLost.
	CompleteTask(ctx context.Context, claim WorkItem, output any) error
	FailTask(ctx context.Context, claim WorkItem, reason string) error

	// FireTimer fires a due timer at most once; a timer that already fired
	// or was cancelled yields ErrClaimLost.
	FireTimer(ctx context.Context, claim WorkItem) error

	// CompletePendingWork removes a claimed item; ReleasePendingWork makes
	// it eligible again after delay (used for worker-side give-up).
	CompletePendingWork(ctx context.Context, claim WorkItem) error
	ReleasePendingWork(ctx context.Context, claim WorkItem, delay time.Duration) error

	// AuditExecution reports history inconsistencies without repairing.
	AuditExecution(ctx context.Context, id string) ([]Fault, error)

	// RecoverExecution drives the execution's history back to consistency
	// within a bounded number of repair attempts, or marks the execution
	// FAILED with ErrUnrecoverableHistory.
	RecoverExecution(ctx context.Context, id string) error
}
