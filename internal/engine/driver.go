package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/loom/internal/replay"
	"github.com/petrijr/loom/internal/state"
	"github.com/petrijr/loom/pkg/api"
)

// cancelledDetail marks terminal events produced by cancellation rather than
// by an outcome report.
const cancelledDetail = "cancelled"

// suspendSignal unwinds the workflow function when it parks on unresolved
// futures. abortSignal unwinds it when the run itself must not continue
// (replay divergence, protocol misuse); no events from an aborted run are
// ever appended.
type (
	suspendSignal struct{ waiting []string }
	abortSignal   struct{ err error }
)

// command is a creation command issued past the end of history: the durable
// effect it describes has not happened yet and is appended after the run.
type command struct {
	ref    api.Ref
	kind   string
	input  any
	retry  *api.RetryPolicy
	fireAt time.Time
}

// driver implements api.Driver for one advance pass. Creation calls first
// try to correlate with history through the replayer; only past the end of
// history do they stage fresh commands. Entity ids are derived from the
// per-family ordinal, so the id assigned to a new command is exactly the id
// replay will observe on every later pass.
type driver struct {
	executionID string
	comp        *state.Composite
	rep         *replay.Replayer
	now         time.Time

	commands  []*command
	staged    map[api.Ref]*command
	cancels   []api.Ref
	cancelled map[api.Ref]bool
}

var _ api.Driver = (*driver)(nil)

func newDriver(comp *state.Composite, rep *replay.Replayer, now time.Time) *driver {
	return &driver{
		executionID: comp.ExecutionID,
		comp:        comp,
		rep:         rep,
		now:         now,
		staged:      make(map[api.Ref]*command),
		cancelled:   make(map[api.Ref]bool),
	}
}

func (d *driver) ScheduleTask(kind string, input any, policy *api.RetryPolicy) api.Ref {
	ev, err := d.rep.MatchTask(kind)
	if err != nil {
		panic(abortSignal{err})
	}
	if ev != nil {
		return api.Ref{Family: api.FamilyTask, ID: ev.EntityID}
	}
	ref := api.Ref{Family: api.FamilyTask, ID: fmt.Sprintf("task-%d", d.rep.Issued(api.FamilyTask))}
	d.stage(&command{ref: ref, kind: kind, input: input, retry: policy})
	return ref
}

func (d *driver) StartTimer(dur time.Duration) api.Ref {
	ev, err := d.rep.MatchTimer()
	if err != nil {
		panic(abortSignal{err})
	}
	if ev != nil {
		return api.Ref{Family: api.FamilyTimer, ID: ev.EntityID}
	}
	ref := api.Ref{Family: api.FamilyTimer, ID: fmt.Sprintf("timer-%d", d.rep.Issued(api.FamilyTimer))}
	d.stage(&command{ref: ref, fireAt: d.now.Add(dur)})
	return ref
}

func (d *driver) StartChild(kind string, input any) api.Ref {
	ev, err := d.rep.MatchChild(kind)
	if err != nil {
		panic(abortSignal{err})
	}
	if ev != nil {
		return api.Ref{Family: api.FamilyChild, ID: ev.EntityID}
	}
	ref := api.Ref{Family: api.FamilyChild, ID: fmt.Sprintf("child-%d", d.rep.Issued(api.FamilyChild))}
	d.stage(&command{ref: ref, kind: kind, input: input})
	return ref
}

func (d *driver) CreatePromise(id string) api.Ref {
	ev, err := d.rep.MatchPromise(id)
	if err != nil {
		panic(abortSignal{err})
	}
	ref := api.Ref{Family: api.FamilyPromise, ID: id}
	if ev != nil {
		return ref
	}
	if _, exists := d.comp.Promises[id]; exists {
		panic(abortSignal{fmt.Errorf("promise id %q reused", id)})
	}
	if _, exists := d.staged[ref]; exists {
		panic(abortSignal{fmt.Errorf("promise id %q reused", id)})
	}
	d.stage(&command{ref: ref})
	return ref
}

func (d *driver) stage(cmd *command) {
	d.commands = append(d.commands, cmd)
	d.staged[cmd.ref] = cmd
}

func (d *driver) SignalAvailable(name string) bool {
	return d.rep.SignalAvailable(name)
}

func (d *driver) TakeSignal(name string) any {
	v, ok := d.rep.TakeSignal(name)
	if !ok {
		panic(abortSignal{fmt.Errorf("signal %q: no buffered value", name)})
	}
	return v
}

func (d *driver) Outcome(ref api.Ref) (api.Outcome, bool) {
	switch ref.Family {
	case api.FamilyTask:
		t, ok := d.comp.Tasks[ref.ID]
		if !ok {
			return api.Outcome{}, false
		}
		switch t.Phase {
		case api.TaskCompleted:
			return api.Outcome{Value: t.Output}, true
		case api.TaskFailed:
			return api.Outcome{Err: &api.TaskError{TaskID: t.ID, Kind: t.Kind, Reason: t.Failure}}, true
		case api.TaskCancelled:
			return api.Outcome{Cancelled: true}, true
		}

	case api.FamilyTimer:
		t, ok := d.comp.Timers[ref.ID]
		if !ok {
			return api.Outcome{}, false
		}
		switch t.Phase {
		case api.TimerFired:
			return api.Outcome{}, true
		case api.TimerCancelled:
			return api.Outcome{Cancelled: true}, true
		}

	case api.FamilyChild:
		ch, ok := d.comp.Children[ref.ID]
		if !ok {
			return api.Outcome{}, false
		}
		switch ch.Phase {
		case api.ChildCompleted:
			return api.Outcome{Value: ch.Output}, true
		case api.ChildFailed:
			return api.Outcome{Err: &api.ChildError{ChildID: ch.ID, Kind: ch.Kind, Reason: ch.Failure}}, true
		case api.ChildCancelled:
			return api.Outcome{Cancelled: true}, true
		}

	case api.FamilyPromise:
		p, ok := d.comp.Promises[ref.ID]
		if !ok {
			return api.Outcome{}, false
		}
		switch p.Phase {
		case api.PromiseResolved:
			return api.Outcome{Value: p.Value}, true
		case api.PromiseRejected:
			if p.Failure == cancelledDetail {
				return api.Outcome{Cancelled: true}, true
			}
			return api.Outcome{Err: errors.New(p.Failure)}, true
		}
	}
	return api.Outcome{}, false
}

func (d *driver) Cancel(ref api.Ref) {
	if d.cancelled[ref] {
		return
	}
	if _, isNew := d.staged[ref]; !isNew && !d.open(ref) {
		return
	}
	d.cancelled[ref] = true
	d.cancels = append(d.cancels, ref)
}

// open reports whether the entity exists in the folded state and has not
// reached a terminal phase.
func (d *driver) open(ref api.Ref) bool {
	switch ref.Family {
	case api.FamilyTask:
		t, ok := d.comp.Tasks[ref.ID]
		return ok && !t.Phase.Terminal()
	case api.FamilyTimer:
		t, ok := d.comp.Timers[ref.ID]
		return ok && !t.Phase.Terminal()
	case api.FamilyChild:
		ch, ok := d.comp.Children[ref.ID]
		return ok && !ch.Phase.Terminal()
	case api.FamilyPromise:
		p, ok := d.comp.Promises[ref.ID]
		return ok && !p.Phase.Terminal()
	}
	return false
}

func (d *driver) ExecutionID() string { return d.executionID }

func (d *driver) Now() time.Time { return d.now }

func (d *driver) Suspend(waiting []string) {
	panic(suspendSignal{waiting: waiting})
}

// runResult is the outcome of one execution of the workflow function.
// fatal errors mean the run must leave no trace: nothing it produced is
// appended, and the execution stays parked in its last persisted state.
type runResult struct {
	output    any
	err       error
	fatal     error
	suspended bool
	waiting   []string
}

func runWorkflow(fn api.WorkflowFunc, d *driver, input any) (res runResult) {
	defer func() {
		switch sig := recover().(type) {
		case nil:
		case suspendSignal:
			res = runResult{suspended: true, waiting: sig.waiting}
		case abortSignal:
			res = runResult{fatal: sig.err}
		default:
			// A panic in workflow code is a deterministic failure: the same
			// history re-raises it on every replay.
			res = runResult{err: fmt.Errorf("workflow panic: %v", sig)}
		}
	}()
	out, err := fn(api.NewWorkflowContext(d), input)
	return runResult{output: out, err: err}
}

// eventClock returns the deterministic time of an advance: the timestamp of
// the latest history event, stable across replays of the same history.
func eventClock(history []api.Event) time.Time {
	if len(history) == 0 {
		return time.Now()
	}
	return history[len(history)-1].At
}
