package loom

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/loom/internal/engine"
	"github.com/petrijr/loom/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine          = api.Engine
	Execution       = api.Execution
	CreateOptions   = api.CreateOptions
	ListOptions     = api.ListOptions
	Event           = api.Event
	EventType       = api.EventType
	Phase           = api.Phase
	Fault           = api.Fault
	WorkItem        = api.WorkItem
	WorkflowContext = api.WorkflowContext
	WorkflowFunc    = api.WorkflowFunc
	TaskHandler     = api.TaskHandler
	TaskHandlerFunc = api.TaskHandlerFunc
	TaskError       = api.TaskError
	Future          = api.Future
	RetryPolicy     = api.RetryPolicy
	TaskOption      = api.TaskOption
	TaskAttempt     = api.TaskAttempt

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	WithRetry            = api.WithRetry
)

// Re-export phase values for convenience.

const (
	PhasePending    = api.PhasePending
	PhaseRunning    = api.PhaseRunning
	PhaseSuspended  = api.PhaseSuspended
	PhaseCancelling = api.PhaseCancelling
	PhaseCompleted  = api.PhaseCompleted
	PhaseFailed     = api.PhaseFailed
	PhaseCancelled  = api.PhaseCancelled
)

// Re-export the errors callers branch on.

var (
	ErrExecutionNotFound    = api.ErrExecutionNotFound
	ErrUnknownKind          = api.ErrUnknownKind
	ErrExecutionTerminal    = api.ErrExecutionTerminal
	ErrCancelled            = api.ErrCancelled
	ErrClaimLost            = api.ErrClaimLost
	ErrPromiseResolved      = api.ErrPromiseResolved
	ErrPromiseNotFound      = api.ErrPromiseNotFound
	ErrUnrecoverableHistory = api.ErrUnrecoverableHistory
)

// Engine constructors. These wrap the internal/engine package so external
// callers never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewInMemoryEngineWithObserver(obs)
}

// NewSQLiteEngine returns an Engine that persists executions, histories,
// idempotency slots and pending work in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return engine.NewSQLiteEngineWithObserver(db, obs)
}

// NewRedisEngine returns a SQLite-persisted Engine that shares idempotency
// slots and event notifications through Redis, for multi-instance deployments.
func NewRedisEngine(db *sql.DB, client *redis.Client) (Engine, error) {
	return engine.NewRedisEngine(db, client)
}

// Convenience helpers that just forward to the underlying Engine.

// CreateExecution starts a new workflow execution.
func CreateExecution(ctx context.Context, eng Engine, opts CreateOptions) (*Execution, bool, error) {
	return eng.CreateExecution(ctx, opts)
}

// SignalWithStart delivers a signal, creating the execution first if needed.
func SignalWithStart(ctx context.Context, eng Engine, opts CreateOptions, name string, payload any) (*Execution, bool, error) {
	return eng.SignalWithStart(ctx, opts, name, payload)
}

// Signal delivers a signal to a live execution.
func Signal(ctx context.Context, eng Engine, executionID, name string, payload any) error {
	return eng.Signal(ctx, executionID, name, payload)
}

// CancelExecution requests cooperative cancellation of an execution.
func CancelExecution(ctx context.Context, eng Engine, executionID string) error {
	return eng.CancelExecution(ctx, executionID)
}

// GetExecution fetches an execution by id.
func GetExecution(ctx context.Context, eng Engine, id string) (*Execution, error) {
	return eng.GetExecution(ctx, id)
}

// ReadHistory returns an execution's events after the given sequence.
func ReadHistory(ctx context.Context, eng Engine, id string, afterSequence uint64) ([]Event, error) {
	return eng.ReadHistory(ctx, id, afterSequence)
}
