package api

import "time"

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowStarted         EventType = "workflow.started"
	EventWorkflowSuspended       EventType = "workflow.suspended"
	EventWorkflowResumed         EventType = "workflow.resumed"
	EventWorkflowCompleted       EventType = "workflow.completed"
	EventWorkflowFailed          EventType = "workflow.failed"
	EventWorkflowCancelRequested EventType = "workflow.cancel_requested"
	EventWorkflowCancelled       EventType = "workflow.cancelled"

	EventTaskScheduled EventType = "task.scheduled"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"

	EventTimerStarted   EventType = "timer.started"
	EventTimerFired     EventType = "timer.fired"
	EventTimerCancelled EventType = "timer.cancelled"

	EventChildInitiated       EventType = "child.initiated"
	EventChildStarted         EventType = "child.started"
	EventChildCompleted       EventType = "child.completed"
	EventChildFailed          EventType = "child.failed"
	EventChildCancelRequested EventType = "child.cancel_requested"
	EventChildCancelled       EventType = "child.cancelled"

	EventSignalReceived EventType = "signal.received"

	EventPromiseCreated  EventType = "promise.created"
	EventPromiseResolved EventType = "promise.resolved"
	EventPromiseRejected EventType = "promise.rejected"
)

// Family groups event types by the sub-entity they belong to. Per-type
// sequence numbers are assigned per family, per creation event: the third
// task.scheduled in a history has TypeSequence 3 regardless of how many
// timers or signals came before it.
type Family string

const (
	FamilyWorkflow Family = "workflow"
	FamilyTask     Family = "task"
	FamilyTimer    Family = "timer"
	FamilyChild    Family = "child"
	FamilySignal   Family = "signal"
	FamilyPromise  Family = "promise"
)

// Family returns the sub-entity family of the event type.
func (t EventType) Family() Family {
	switch t {
	case EventTaskScheduled, EventTaskStarted, EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
		return FamilyTask
	case EventTimerStarted, EventTimerFired, EventTimerCancelled:
		return FamilyTimer
	case EventChildInitiated, EventChildStarted, EventChildCompleted, EventChildFailed,
		EventChildCancelRequested, EventChildCancelled:
		return FamilyChild
	case EventSignalReceived:
		return FamilySignal
	case EventPromiseCreated, EventPromiseResolved, EventPromiseRejected:
		return FamilyPromise
	default:
		return FamilyWorkflow
	}
}

// Creation reports whether the event type creates a sub-entity (or, for
// signals, enqueues a new value). Creation events are the ones that carry a
// fresh per-type sequence number and that replay correlates commands against.
func (t EventType) Creation() bool {
	switch t {
	case EventTaskScheduled, EventTimerStarted, EventChildInitiated,
		EventSignalReceived, EventPromiseCreated:
		return true
	}
	return false
}

// Terminal reports whether the event type moves its sub-entity to an end
// state. Workflow-level events are not sub-entity terminals.
func (t EventType) Terminal() bool {
	switch t {
	case EventTaskCompleted, EventTaskFailed, EventTaskCancelled,
		EventTimerFired, EventTimerCancelled,
		EventChildCompleted, EventChildFailed, EventChildCancelled,
		EventPromiseResolved, EventPromiseRejected:
		return true
	}
	return false
}

// Event is an immutable history record for one execution.
//
// Sequence is the per-execution global order: gapless, strictly increasing,
// starting at 1. TypeSequence is the per-family ordinal of creation events
// (zero for non-creation events); it is what replay uses to correlate a
// re-issued command with its historical event.
type Event struct {
	ExecutionID  string
	Sequence     uint64
	TypeSequence uint64
	Type         EventType
	At           time.Time

	// EntityID identifies the task/timer/child/promise the event belongs
	// to, or holds the signal name for signal.received.
	EntityID string

	// Name carries the task kind, child workflow kind, or signal name.
	Name string

	// Payload is the event-type specific body: task input or output,
	// signal value, promise value, workflow output, SuspendedInfo.
	Payload any

	// Detail is a small human-oriented string: error text, cancel reason.
	// Keep it low-volume; large payloads go in Payload.
	Detail string

	// Attempt is the 1-based handler attempt for task.started, else 0.
	Attempt int
}
