package api

import (
	"errors"
	"time"
)

// Ref identifies a sub-entity of an execution: a task, timer, child workflow
// or promise. Signals are addressed by name, not by Ref.
type Ref struct {
	Family Family
	ID     string
}

// Outcome is the resolved result of a sub-entity.
type Outcome struct {
	Value     any
	Err       error
	Cancelled bool
}

// Driver mediates between workflow code and the engine during a single
// advance pass. It is implemented by the engine's runner: during replay the
// creation methods correlate against historical events, and past the end of
// history they record fresh commands. Workflow code never uses a Driver
// directly; it goes through WorkflowContext.
type Driver interface {
	// ScheduleTask records a task-schedule command (or correlates it with
	// history) and returns the task's ref.
	ScheduleTask(kind string, input any, policy *RetryPolicy) Ref

	// StartTimer records a timer-start command firing after d.
	StartTimer(d time.Duration) Ref

	// StartChild records a child-workflow-initiate command.
	StartChild(kind string, input any) Ref

	// CreatePromise records a promise-create command for the given id.
	CreatePromise(id string) Ref

	// SignalAvailable reports whether an unconsumed signal.received event
	// is buffered for the given name.
	SignalAvailable(name string) bool

	// TakeSignal consumes the next buffered signal value for name. It must
	// only be called after SignalAvailable returned true.
	TakeSignal(name string) any

	// Outcome returns the resolved outcome of the entity, if it reached a
	// terminal phase.
	Outcome(ref Ref) (Outcome, bool)

	// Cancel records a cancel intent for the entity. Cancelling an entity
	// that is already terminal is a no-op.
	Cancel(ref Ref)

	// ExecutionID returns the id of the execution being advanced.
	ExecutionID() string

	// Now returns the event-sourced clock: the timestamp of the history
	// event that triggered this advance, stable across replays.
	Now() time.Time

	// Suspend parks the run. It unwinds the workflow function and does not
	// return. waiting lists the signal names the code is blocked on, if the
	// wait is not covered by scheduled sub-entities.
	Suspend(waiting []string)
}

// WorkflowContext is the handle workflow code uses to schedule durable work.
//
// Workflow functions must be deterministic: they are re-executed from the top
// on every advance, and each call below either fast-forwards past an already
// recorded event or records a new command. Anything nondeterministic (time,
// randomness, external I/O) must go through the context or into a task.
type WorkflowContext struct {
	driver Driver
}

// NewWorkflowContext wraps a Driver. It is called by the engine, not by
// workflow code.
func NewWorkflowContext(d Driver) *WorkflowContext {
	return &WorkflowContext{driver: d}
}

// ExecutionID returns the id of the running execution.
func (wctx *WorkflowContext) ExecutionID() string { return wctx.driver.ExecutionID() }

// Now returns a deterministic timestamp that is stable across replays.
func (wctx *WorkflowContext) Now() time.Time { return wctx.driver.Now() }

// TaskOption configures a scheduled task.
type TaskOption func(*taskSettings)

type taskSettings struct {
	retry *RetryPolicy
}

// WithRetry sets the worker-side retry policy for a task.
func WithRetry(policy RetryPolicy) TaskOption {
	return func(s *taskSettings) { s.retry = &policy }
}

// ExecuteTask schedules a task of the given kind and returns its future.
func (wctx *WorkflowContext) ExecuteTask(kind string, input any, opts ...TaskOption) Future {
	var s taskSettings
	for _, opt := range opts {
		opt(&s)
	}
	ref := wctx.driver.ScheduleTask(kind, input, s.retry)
	return &entityFuture{ref: ref}
}

// StartTimer starts a durable timer that fires after d.
func (wctx *WorkflowContext) StartTimer(d time.Duration) Future {
	return &entityFuture{ref: wctx.driver.StartTimer(d)}
}

// Sleep blocks the workflow for d. It is StartTimer followed by Get.
func (wctx *WorkflowContext) Sleep(d time.Duration) error {
	_, err := wctx.StartTimer(d).Get(wctx)
	return err
}

// StartChild starts a child workflow execution of the given kind.
func (wctx *WorkflowContext) StartChild(kind string, input any) Future {
	return &entityFuture{ref: wctx.driver.StartChild(kind, input)}
}

// Promise creates (or fast-forwards to) a one-shot promise with the given id.
// Promises are settled externally via Engine.ResolvePromise / RejectPromise.
func (wctx *WorkflowContext) Promise(id string) Future {
	return &entityFuture{ref: wctx.driver.CreatePromise(id)}
}

// Signal returns a future for the next value of the named signal queue.
// Signals are FIFO per name and are never deduplicated: every delivery is a
// distinct value, and each Signal call consumes at most one.
func (wctx *WorkflowContext) Signal(name string) Future {
	return &signalFuture{name: name}
}

// SignalWithTimeout waits for the named signal up to d. It returns the
// payload and ok=true on delivery, or ok=false when the timer won.
func (wctx *WorkflowContext) SignalWithTimeout(name string, d time.Duration) (any, bool, error) {
	sig := wctx.Signal(name)
	timer := wctx.StartTimer(d)
	idx, val, err := wctx.Select(sig, timer)
	if err != nil {
		return nil, false, err
	}
	if idx == 0 {
		return val, true, nil
	}
	return nil, false, nil
}

// Future is the pending result of a durable operation.
type Future interface {
	// Get returns the resolved outcome, suspending the workflow until the
	// entity reaches a terminal phase. A cancelled entity yields
	// ErrCancelled.
	Get(wctx *WorkflowContext) (any, error)

	ready(wctx *WorkflowContext) bool
	peekErr(wctx *WorkflowContext) error
	result(wctx *WorkflowContext) (any, error)
	cancel(wctx *WorkflowContext)
	waitNames() []string
}

type entityFuture struct {
	ref Ref
}

func (f *entityFuture) Get(wctx *WorkflowContext) (any, error) {
	if !f.ready(wctx) {
		wctx.suspendOn(f)
	}
	return f.result(wctx)
}

func (f *entityFuture) ready(wctx *WorkflowContext) bool {
	_, ok := wctx.driver.Outcome(f.ref)
	return ok
}

func (f *entityFuture) peekErr(wctx *WorkflowContext) error {
	oc, ok := wctx.driver.Outcome(f.ref)
	if !ok {
		return nil
	}
	if oc.Cancelled {
		return ErrCancelled
	}
	return oc.Err
}

func (f *entityFuture) result(wctx *WorkflowContext) (any, error) {
	oc, ok := wctx.driver.Outcome(f.ref)
	if !ok {
		return nil, errors.New("future not resolved")
	}
	if oc.Cancelled {
		return nil, ErrCancelled
	}
	return oc.Value, oc.Err
}

func (f *entityFuture) cancel(wctx *WorkflowContext) {
	wctx.driver.Cancel(f.ref)
}

func (f *entityFuture) waitNames() []string { return nil }

type signalFuture struct {
	name  string
	taken bool
	value any
}

func (f *signalFuture) Get(wctx *WorkflowContext) (any, error) {
	if !f.ready(wctx) {
		wctx.suspendOn(f)
	}
	return f.result(wctx)
}

func (f *signalFuture) ready(wctx *WorkflowContext) bool {
	return f.taken || wctx.driver.SignalAvailable(f.name)
}

func (f *signalFuture) peekErr(wctx *WorkflowContext) error { return nil }

func (f *signalFuture) result(wctx *WorkflowContext) (any, error) {
	if !f.taken {
		f.value = wctx.driver.TakeSignal(f.name)
		f.taken = true
	}
	return f.value, nil
}

// cancel is a no-op: an unconsumed signal simply stays buffered.
func (f *signalFuture) cancel(wctx *WorkflowContext) {}

func (f *signalFuture) waitNames() []string { return []string{f.name} }

// JoinAll waits for every future. Results come back in scheduling order,
// never completion order, so the outcome is identical across all completion
// interleavings. The first non-cancelled failure fails the whole group and
// cancels the remaining pending members.
func (wctx *WorkflowContext) JoinAll(futures ...Future) ([]any, error) {
	for {
		// First failure wins, in scheduling order.
		for _, f := range futures {
			if !f.ready(wctx) {
				continue
			}
			if err := f.peekErr(wctx); err != nil && !errors.Is(err, ErrCancelled) {
				for _, other := range futures {
					if other != f && !other.ready(wctx) {
						other.cancel(wctx)
					}
				}
				return nil, err
			}
		}

		allReady := true
		for _, f := range futures {
			if !f.ready(wctx) {
				allReady = false
				break
			}
		}
		if allReady {
			out := make([]any, len(futures))
			for i, f := range futures {
				v, err := f.result(wctx)
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return out, nil
		}

		wctx.suspendOn(futures...)
	}
}

// Select waits until one future resolves, cancels the rest, and returns the
// winner's index and outcome. Members that resolved as cancelled do not win;
// if every member ends up cancelled, Select returns ErrCancelled with index
// -1. When several members are already resolved at decision time, the first
// of them in argument order wins; the other resolved members keep their
// recorded outcome and only still-pending members receive cancellation
// events. With explicit cancellation events in history, the winner is a pure
// function of the log and identical on every replay.
func (wctx *WorkflowContext) Select(futures ...Future) (int, any, error) {
	for {
		winner := -1
		undecided := false
		for i, f := range futures {
			if !f.ready(wctx) {
				undecided = true
				continue
			}
			if errors.Is(f.peekErr(wctx), ErrCancelled) {
				continue
			}
			winner = i
			break
		}

		if winner >= 0 {
			for i, f := range futures {
				if i != winner {
					f.cancel(wctx)
				}
			}
			v, err := futures[winner].result(wctx)
			return winner, v, err
		}
		if !undecided {
			return -1, nil, ErrCancelled
		}

		wctx.suspendOn(futures...)
	}
}

// suspendOn parks the workflow until one of the blocked futures can make
// progress. It does not return.
func (wctx *WorkflowContext) suspendOn(futures ...Future) {
	var waiting []string
	for _, f := range futures {
		if !f.ready(wctx) {
			waiting = append(waiting, f.waitNames()...)
		}
	}
	wctx.driver.Suspend(waiting)
	panic("loom: Driver.Suspend returned")
}
