package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

var (
	// ErrSlotNotFound is returned when no idempotency slot exists for a
	// (tenant, key) pair.
	ErrSlotNotFound = errors.New("idempotency slot not found")

	// ErrExecutionExists is returned when saving an execution whose id is
	// already taken.
	ErrExecutionExists = errors.New("execution already exists")

	// ErrSlotConflict is returned by PutSlot when the (tenant, key) pair is
	// held by an unexpired slot pointing at a different target.
	ErrSlotConflict = errors.New("idempotency slot held by another target")
)

// ExecutionFilter selects executions from the store.
// Empty string / zero phase mean "no filter" for that field.
type ExecutionFilter struct {
	TenantID string
	Kind     string
	Phase    api.Phase
}

// ExecutionStore handles storage of execution records.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *api.Execution) error
	UpdateExecution(ctx context.Context, exec *api.Execution) error
	GetExecution(ctx context.Context, id string) (*api.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error)

	// TryAcquireLease attempts to acquire (or re-acquire) the advance lease
	// on an execution. If the execution is currently leased by another owner
	// and the lease has not expired, it returns acquired=false, err=nil.
	//
	// Implementations treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, executionID, owner string) error
}

// EventStore is the append-only, per-execution, strictly ordered history
// store. It is the single source of truth.
type EventStore interface {
	// AppendEvents appends the batch atomically. expectedNext is the global
	// sequence the first event of the batch must receive; when it is stale
	// the append fails with api.ErrConcurrentAppend and nothing is written.
	// Appends to one execution are mutually exclusive.
	AppendEvents(ctx context.Context, executionID string, expectedNext uint64, events []api.Event) error

	// ListEvents returns events with Sequence > afterSeq in global order.
	ListEvents(ctx context.Context, executionID string, afterSeq uint64) ([]api.Event, error)

	// ReplaceHistory atomically swaps the execution's full history. It
	// exists for the recovery manager only; the hot path never rewrites.
	ReplaceHistory(ctx context.Context, executionID string, events []api.Event) error
}

// IdempotencyStore persists (tenant, key) -> execution slots.
type IdempotencyStore interface {
	GetSlot(ctx context.Context, tenantID, key string) (*api.IdempotencySlot, error)

	// PutSlot registers the slot if the (tenant, key) pair is free, expired,
	// or already points at the same target; otherwise it leaves the existing
	// slot untouched and returns ErrSlotConflict. Registration is atomic in
	// the shared store, so concurrent claimants on one key cannot both
	// succeed with different targets.
	PutSlot(ctx context.Context, slot api.IdempotencySlot) error
	DeleteSlot(ctx context.Context, tenantID, key string) error

	// ExpireSlots removes slots whose TTL passed before now and returns how
	// many were reclaimed.
	ExpireSlots(ctx context.Context, now time.Time) (int, error)
}

// Notifier broadcasts appended events to live subscribers. It is fed by the
// engine after each durable append and is never the sole source of truth:
// reconnecting consumers reconcile through the EventStore.
type Notifier interface {
	Publish(ctx context.Context, executionID string, events []api.Event)

	// Subscribe returns a channel receiving events appended after the call
	// and a cancel function. Slow subscribers may miss events; they are
	// expected to fall back to ListEvents.
	Subscribe(executionID string) (<-chan api.Event, func())
}

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Executions  ExecutionStore
	Events      EventStore
	Idempotency IdempotencyStore
	Notifier    Notifier
}
