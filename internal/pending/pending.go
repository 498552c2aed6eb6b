// Package pending implements the shared pending-work store: the queue of
// ready tasks and due timers that server processes claim work from.
//
// Claim state is expressed entirely as row predicates (not_before and the
// claim lease window), never as in-process singletons, so any instance can
// be replaced with zero coordination beyond the store. Claiming is
// at-least-once: a crashed claimant's rows become eligible again when the
// lease expires, and downstream execution re-checks entity phase before
// acting.
package pending

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

// ErrNotClaimed is returned when completing or releasing an item the caller
// no longer holds.
var ErrNotClaimed = errors.New("pending item not claimed by owner")

// Item is one unit of pending work.
type Item struct {
	ID          string
	Kind        api.WorkKind
	ExecutionID string
	EntityID    string

	// TaskKind and Input describe the handler call for task items.
	TaskKind string
	Input    any

	// Attempt counts deliveries (1-based after the first claim).
	Attempt int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this item is eligible: enqueue time
	// for ready tasks, the fire time for timers.
	NotBefore time.Time

	ClaimedBy    string
	ClaimedUntil time.Time
}

// Store is the shared pending-work queue.
type Store interface {
	// Enqueue adds an item. Enqueueing an id that already exists is a
	// no-op, which makes re-advancing an execution idempotent.
	Enqueue(ctx context.Context, item Item) error

	// Claim selects up to batch eligible items ordered by readiness time
	// and atomically marks them claimed by owner until the lease expires.
	// Rows already claimed by a live owner are skipped, not waited on.
	Claim(ctx context.Context, owner string, batch int, lease time.Duration) ([]Item, error)

	// Complete removes a claimed item. Returns ErrNotClaimed if owner no
	// longer holds the claim (lease expired and the item was reassigned).
	Complete(ctx context.Context, id, owner string) error

	// Release makes a claimed item eligible again after delay.
	Release(ctx context.Context, id, owner string, delay time.Duration) error

	// Delete removes an item regardless of claim state. Used when the
	// underlying entity was cancelled before any worker picked it up.
	Delete(ctx context.Context, id string) error

	// Len returns the number of items, claimed or not.
	Len(ctx context.Context) (int, error)
}
