package api

import (
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(SuspendedInfo{})
	gob.Register(TaskSchedulePayload{})
	gob.Register(TimerStartPayload{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Phase represents the lifecycle state of a workflow execution.
type Phase string

const (
	PhasePending    Phase = "PENDING"
	PhaseRunning    Phase = "RUNNING"
	PhaseSuspended  Phase = "SUSPENDED"
	PhaseCancelling Phase = "CANCELLING"
	PhaseCompleted  Phase = "COMPLETED"
	PhaseFailed     Phase = "FAILED"
	PhaseCancelled  Phase = "CANCELLED"
)

// Terminal reports whether the phase is an end state. Terminal executions
// are never mutated again; they are retained for audit.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// TaskPhase is the lifecycle state of a task within an execution.
type TaskPhase string

const (
	TaskScheduled TaskPhase = "SCHEDULED"
	TaskStarted   TaskPhase = "STARTED"
	TaskCompleted TaskPhase = "COMPLETED"
	TaskFailed    TaskPhase = "FAILED"
	TaskCancelled TaskPhase = "CANCELLED"
)

func (p TaskPhase) Terminal() bool {
	switch p {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TimerPhase is the lifecycle state of a timer within an execution.
type TimerPhase string

const (
	TimerStarted   TimerPhase = "STARTED"
	TimerFired     TimerPhase = "FIRED"
	TimerCancelled TimerPhase = "CANCELLED"
)

func (p TimerPhase) Terminal() bool { return p == TimerFired || p == TimerCancelled }

// ChildPhase is the lifecycle state of a child workflow as seen from its parent.
type ChildPhase string

const (
	ChildInitiated       ChildPhase = "INITIATED"
	ChildStarted         ChildPhase = "STARTED"
	ChildCompleted       ChildPhase = "COMPLETED"
	ChildFailed          ChildPhase = "FAILED"
	ChildCancelRequested ChildPhase = "CANCEL_REQUESTED"
	ChildCancelled       ChildPhase = "CANCELLED"
)

func (p ChildPhase) Terminal() bool {
	switch p {
	case ChildCompleted, ChildFailed, ChildCancelled:
		return true
	}
	return false
}

// PromisePhase is the lifecycle state of a one-shot promise.
// Unlike signals, a promise resolves at most once.
type PromisePhase string

const (
	PromiseCreated  PromisePhase = "CREATED"
	PromiseResolved PromisePhase = "RESOLVED"
	PromiseRejected PromisePhase = "REJECTED"
)

func (p PromisePhase) Terminal() bool { return p == PromiseResolved || p == PromiseRejected }

// Execution is a single durable workflow execution. It is created by
// CreateExecution (or SignalWithStart), mutated only by appending events to
// its history, and never destroyed.
type Execution struct {
	TenantID string
	ID       string
	Kind     string
	Phase    Phase

	// NextSequence is the global sequence the next appended event will get.
	// The history is gapless and starts at 1, so NextSequence-1 is also the
	// current history length.
	NextSequence uint64

	// ParentID is set when this execution was started as a child workflow.
	// Only the id is stored; the parent is reached by lookup, never by a
	// live reference.
	ParentID string

	// ChildEntityID is the entity id this execution has inside its parent's
	// history (empty for root executions).
	ChildEntityID string

	// IdempotencyKey is the key this execution was created under, if any.
	// A terminal failure or cancellation clears the corresponding slot so
	// the key becomes reusable.
	IdempotencyKey string

	Input  any
	Output any
	Err    error

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SuspendedInfo is the payload of a workflow.suspended event. It names the
// signals the execution is blocked on (if any) so the fold can tell a
// signal-only wait apart from a wait on scheduled sub-entities.
type SuspendedInfo struct {
	WaitingSignals []string
}

// TaskSchedulePayload is the body of a task.scheduled event.
type TaskSchedulePayload struct {
	Input any
	Retry *RetryPolicy
}

// TimerStartPayload is the body of a timer.started event.
type TimerStartPayload struct {
	FireAt time.Time
}

// IdempotencySlot maps (tenant, key) to the execution it guards.
type IdempotencySlot struct {
	TenantID   string
	Key        string
	TargetID   string
	TargetKind string
	ExpiresAt  time.Time
}

// Expired reports whether the slot's TTL has passed at the given time.
func (s *IdempotencySlot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now)
}

// CreateOptions describes a new execution.
type CreateOptions struct {
	TenantID string
	Kind     string
	Input    any

	// IdempotencyKey, if non-empty, enables claim-then-register dedup:
	// a second create under the same unexpired key returns the existing
	// execution instead of creating a new one.
	IdempotencyKey string

	// IdempotencyTTL bounds how long the key stays claimed after the
	// guarded execution succeeds. Zero means the engine default.
	IdempotencyTTL time.Duration
}

// ListOptions filters ListExecutions. Zero values mean "no filter".
type ListOptions struct {
	TenantID string
	Kind     string
	Phase    Phase
}

// RetryPolicy controls how a task handler is retried by the worker when it
// returns an error. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the second attempt; each further delay
// is multiplied by BackoffMultiplier (default 2.0) and capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// NextBackoff returns the delay to apply after the given failed attempt
// (1-based), or zero when no delay is configured.
func (p *RetryPolicy) NextBackoff(attempt int) time.Duration {
	if p == nil || p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxBackoff > 0 && d > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}
