package state

import (
	"fmt"

	"github.com/petrijr/loom/pkg/api"
)

// TransitionError is returned by Apply/Fold when an event cannot be applied
// to the current state. The embedded fault classifies the inconsistency the
// same way the recovery manager does.
type TransitionError struct {
	Fault api.Fault
}

func (e *TransitionError) Error() string {
	return "invalid transition: " + e.Fault.String()
}

func transitionErr(kind api.FaultKind, ev api.Event, detail string) error {
	return &TransitionError{Fault: api.Fault{
		Kind:     kind,
		Sequence: ev.Sequence,
		EntityID: ev.EntityID,
		Family:   ev.Type.Family(),
		Detail:   detail,
	}}
}

// Composite is the folded state of one execution and all its sub-entities.
// It is a pure function of the event history: Fold over the same events
// always yields the same Composite, regardless of which process computes it.
type Composite struct {
	ExecutionID  string
	Phase        api.Phase
	NextSequence uint64

	Kind   string
	Input  any
	Output any

	// Failure holds the error text of a FAILED execution.
	Failure string

	Tasks    map[string]*Task
	Timers   map[string]*Timer
	Children map[string]*Child
	Promises map[string]*Promise

	// Creation-order id lists; map iteration order is not deterministic
	// and the runner needs a stable walk.
	TaskOrder    []string
	TimerOrder   []string
	ChildOrder   []string
	PromiseOrder []string

	// Signals holds the delivered values per signal name, in arrival
	// order. Consumption cursors live in the replay layer, not here.
	Signals     map[string][]any
	SignalOrder []string

	// WaitingSignals names the signals the execution is blocked on while
	// SUSPENDED with no pending sub-entities.
	WaitingSignals []string

	CancelRequested bool

	counters map[api.Family]uint64
}

// New returns the empty state of a not-yet-started execution.
func New(executionID string) *Composite {
	return &Composite{
		ExecutionID:  executionID,
		Phase:        api.PhasePending,
		NextSequence: 1,
		Tasks:        make(map[string]*Task),
		Timers:       make(map[string]*Timer),
		Children:     make(map[string]*Child),
		Promises:     make(map[string]*Promise),
		Signals:      make(map[string][]any),
		counters:     make(map[api.Family]uint64),
	}
}

// Fold replays an ordered history into a Composite. The history must be
// gapless from sequence 1; any violation of the transition rules is returned
// as a *TransitionError.
func Fold(executionID string, events []api.Event) (*Composite, error) {
	c := New(executionID)
	for _, ev := range events {
		if err := c.Apply(ev); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// TypeSeq returns how many creation events of the family have been applied.
// The next creation event of that family must carry TypeSeq(f)+1.
func (c *Composite) TypeSeq(f api.Family) uint64 { return c.counters[f] }

// HasPendingWork reports whether any sub-entity is non-terminal, or the
// execution is blocked waiting for signals.
func (c *Composite) HasPendingWork() bool {
	if len(c.WaitingSignals) > 0 {
		return true
	}
	return !c.AllWorkTerminal()
}

// AllWorkTerminal reports whether every task, timer, child workflow and
// promise has reached a terminal phase.
func (c *Composite) AllWorkTerminal() bool {
	for _, t := range c.Tasks {
		if !t.terminal() {
			return false
		}
	}
	for _, t := range c.Timers {
		if !t.terminal() {
			return false
		}
	}
	for _, ch := range c.Children {
		if !ch.terminal() {
			return false
		}
	}
	for _, p := range c.Promises {
		if !p.terminal() {
			return false
		}
	}
	return true
}

// Apply validates ev against the current state and applies it.
func (c *Composite) Apply(ev api.Event) error {
	if ev.Sequence != c.NextSequence {
		if ev.Sequence < c.NextSequence {
			return transitionErr(api.FaultDuplicateEvent, ev,
				fmt.Sprintf("sequence %d already applied (next is %d)", ev.Sequence, c.NextSequence))
		}
		return transitionErr(api.FaultSequenceGap, ev,
			fmt.Sprintf("expected sequence %d, got %d", c.NextSequence, ev.Sequence))
	}

	if ev.Type.Creation() {
		want := c.counters[ev.Type.Family()] + 1
		if ev.TypeSequence != want {
			return transitionErr(api.FaultDuplicateEvent, ev,
				fmt.Sprintf("expected %s type sequence %d, got %d", ev.Type.Family(), want, ev.TypeSequence))
		}
	}

	var err error
	switch ev.Type.Family() {
	case api.FamilyWorkflow:
		err = c.applyWorkflow(ev)
	case api.FamilyTask:
		err = c.applyTask(ev)
	case api.FamilyTimer:
		err = c.applyTimer(ev)
	case api.FamilyChild:
		err = c.applyChild(ev)
	case api.FamilySignal:
		err = c.applySignal(ev)
	case api.FamilyPromise:
		err = c.applyPromise(ev)
	}
	if err != nil {
		return err
	}

	if ev.Type.Creation() {
		c.counters[ev.Type.Family()]++
	}
	c.NextSequence++
	return nil
}

func (c *Composite) applyWorkflow(ev api.Event) error {
	switch ev.Type {
	case api.EventWorkflowStarted:
		if c.Phase != api.PhasePending {
			return transitionErr(api.FaultDuplicateEvent, ev, "workflow already started")
		}
		c.Phase = api.PhaseRunning
		c.Kind = ev.Name
		c.Input = ev.Payload

	case api.EventWorkflowSuspended:
		if c.Phase != api.PhaseRunning && c.Phase != api.PhaseCancelling {
			return transitionErr(api.FaultStuckEntity, ev,
				fmt.Sprintf("cannot suspend from %s", c.Phase))
		}
		info, _ := ev.Payload.(api.SuspendedInfo)
		if !c.hasOpenEntities() && len(info.WaitingSignals) == 0 {
			return transitionErr(api.FaultStuckEntity, ev, "suspend with no pending work")
		}
		if c.Phase == api.PhaseRunning {
			c.Phase = api.PhaseSuspended
		}
		c.WaitingSignals = info.WaitingSignals

	case api.EventWorkflowResumed:
		if c.Phase != api.PhaseSuspended {
			return transitionErr(api.FaultStuckEntity, ev,
				fmt.Sprintf("cannot resume from %s", c.Phase))
		}
		c.wake()

	case api.EventWorkflowCompleted:
		if c.Phase != api.PhaseRunning {
			return transitionErr(api.FaultStuckEntity, ev,
				fmt.Sprintf("cannot complete from %s", c.Phase))
		}
		if c.HasPendingWork() {
			return transitionErr(api.FaultStuckEntity, ev, "complete with pending work")
		}
		c.Phase = api.PhaseCompleted
		c.Output = ev.Payload
		c.WaitingSignals = nil

	case api.EventWorkflowFailed:
		if c.Phase.Terminal() {
			return transitionErr(api.FaultDuplicateEvent, ev, "workflow already terminal")
		}
		c.Phase = api.PhaseFailed
		c.Failure = ev.Detail
		c.WaitingSignals = nil

	case api.EventWorkflowCancelRequested:
		if c.Phase.Terminal() {
			return transitionErr(api.FaultDuplicateEvent, ev, "workflow already terminal")
		}
		c.Phase = api.PhaseCancelling
		c.CancelRequested = true
		c.WaitingSignals = nil
		// Propagation is part of the same transition: every non-terminal
		// child observes the request without a per-child event.
		for _, id := range c.ChildOrder {
			if ch := c.Children[id]; !ch.terminal() {
				ch.Phase = api.ChildCancelRequested
			}
		}

	case api.EventWorkflowCancelled:
		if c.Phase != api.PhaseCancelling {
			return transitionErr(api.FaultStuckEntity, ev,
				fmt.Sprintf("cannot cancel from %s", c.Phase))
		}
		if !c.AllWorkTerminal() {
			return transitionErr(api.FaultStuckEntity, ev, "cancel with non-terminal sub-entities")
		}
		c.Phase = api.PhaseCancelled
	}
	return nil
}

func (c *Composite) applyTask(ev api.Event) error {
	if ev.Type == api.EventTaskScheduled {
		if _, exists := c.Tasks[ev.EntityID]; exists {
			return transitionErr(api.FaultDuplicateEvent, ev, "task id reused")
		}
		t := &Task{
			ID: ev.EntityID, Kind: ev.Name, Phase: api.TaskScheduled,
			Seq: ev.TypeSequence,
		}
		if body, ok := ev.Payload.(api.TaskSchedulePayload); ok {
			t.Input = body.Input
			t.Retry = body.Retry
		} else {
			t.Input = ev.Payload
		}
		c.Tasks[ev.EntityID] = t
		c.TaskOrder = append(c.TaskOrder, ev.EntityID)
		return nil
	}

	t, ok := c.Tasks[ev.EntityID]
	if !ok {
		return transitionErr(api.FaultOrphanedCompletion, ev, "no task.scheduled for id")
	}
	if t.terminal() {
		return transitionErr(api.FaultDuplicateEvent, ev,
			fmt.Sprintf("task already %s", t.Phase))
	}
	switch ev.Type {
	case api.EventTaskStarted:
		if t.Phase != api.TaskScheduled {
			return transitionErr(api.FaultDuplicateEvent, ev, "task already started")
		}
		t.Phase = api.TaskStarted
		t.Attempt = ev.Attempt
	case api.EventTaskCompleted:
		t.Phase = api.TaskCompleted
		t.Output = ev.Payload
		c.wake()
	case api.EventTaskFailed:
		t.Phase = api.TaskFailed
		t.Failure = ev.Detail
		c.wake()
	case api.EventTaskCancelled:
		t.Phase = api.TaskCancelled
		c.wake()
	}
	return nil
}

func (c *Composite) applyTimer(ev api.Event) error {
	if ev.Type == api.EventTimerStarted {
		if _, exists := c.Timers[ev.EntityID]; exists {
			return transitionErr(api.FaultDuplicateEvent, ev, "timer id reused")
		}
		body, _ := ev.Payload.(api.TimerStartPayload)
		c.Timers[ev.EntityID] = &Timer{
			ID: ev.EntityID, Phase: api.TimerStarted, Seq: ev.TypeSequence, FireAt: body.FireAt,
		}
		c.TimerOrder = append(c.TimerOrder, ev.EntityID)
		return nil
	}

	t, ok := c.Timers[ev.EntityID]
	if !ok {
		return transitionErr(api.FaultOrphanedCompletion, ev, "no timer.started for id")
	}
	if t.terminal() {
		// A timer fires at most once; a second fired (or a fire after
		// cancel) is always spurious.
		return transitionErr(api.FaultDuplicateEvent, ev,
			fmt.Sprintf("timer already %s", t.Phase))
	}
	switch ev.Type {
	case api.EventTimerFired:
		t.Phase = api.TimerFired
		c.wake()
	case api.EventTimerCancelled:
		t.Phase = api.TimerCancelled
		c.wake()
	}
	return nil
}

func (c *Composite) applyChild(ev api.Event) error {
	if ev.Type == api.EventChildInitiated {
		if _, exists := c.Children[ev.EntityID]; exists {
			return transitionErr(api.FaultDuplicateEvent, ev, "child id reused")
		}
		c.Children[ev.EntityID] = &Child{
			ID: ev.EntityID, Kind: ev.Name, Phase: api.ChildInitiated,
			Seq: ev.TypeSequence, Input: ev.Payload,
		}
		c.ChildOrder = append(c.ChildOrder, ev.EntityID)
		return nil
	}

	ch, ok := c.Children[ev.EntityID]
	if !ok {
		return transitionErr(api.FaultOrphanedCompletion, ev, "no child.initiated for id")
	}
	if ch.terminal() {
		return transitionErr(api.FaultDuplicateEvent, ev,
			fmt.Sprintf("child already %s", ch.Phase))
	}
	switch ev.Type {
	case api.EventChildStarted:
		if ch.Phase != api.ChildInitiated {
			return transitionErr(api.FaultDuplicateEvent, ev, "child already started")
		}
		ch.Phase = api.ChildStarted
		if id, ok := ev.Payload.(string); ok {
			ch.ExecutionID = id
		}
	case api.EventChildCancelRequested:
		ch.Phase = api.ChildCancelRequested
	case api.EventChildCompleted:
		ch.Phase = api.ChildCompleted
		ch.Output = ev.Payload
		c.wake()
	case api.EventChildFailed:
		ch.Phase = api.ChildFailed
		ch.Failure = ev.Detail
		c.wake()
	case api.EventChildCancelled:
		ch.Phase = api.ChildCancelled
		c.wake()
	}
	return nil
}

func (c *Composite) applySignal(ev api.Event) error {
	name := ev.EntityID
	if _, seen := c.Signals[name]; !seen {
		c.SignalOrder = append(c.SignalOrder, name)
	}
	c.Signals[name] = append(c.Signals[name], ev.Payload)
	// Signal arrival always wakes a suspended execution: even if the code
	// is not waiting on this name, it must get a chance to decide.
	c.wake()
	return nil
}

func (c *Composite) applyPromise(ev api.Event) error {
	if ev.Type == api.EventPromiseCreated {
		if _, exists := c.Promises[ev.EntityID]; exists {
			return transitionErr(api.FaultDuplicateEvent, ev, "promise id reused")
		}
		c.Promises[ev.EntityID] = &Promise{
			ID: ev.EntityID, Phase: api.PromiseCreated, Seq: ev.TypeSequence,
		}
		c.PromiseOrder = append(c.PromiseOrder, ev.EntityID)
		return nil
	}

	p, ok := c.Promises[ev.EntityID]
	if !ok {
		return transitionErr(api.FaultOrphanedCompletion, ev, "no promise.created for id")
	}
	if p.terminal() {
		// One-shot: a promise settles exactly once.
		return transitionErr(api.FaultDuplicateEvent, ev,
			fmt.Sprintf("promise already %s", p.Phase))
	}
	switch ev.Type {
	case api.EventPromiseResolved:
		p.Phase = api.PromiseResolved
		p.Value = ev.Payload
		c.wake()
	case api.EventPromiseRejected:
		p.Phase = api.PromiseRejected
		p.Failure = ev.Detail
		c.wake()
	}
	return nil
}

// wake moves a suspended execution back to RUNNING: a sub-entity reaching a
// terminal phase (or a signal arriving) means the code must decide what to
// do next.
func (c *Composite) wake() {
	if c.Phase == api.PhaseSuspended {
		c.Phase = api.PhaseRunning
		c.WaitingSignals = nil
	}
}

// hasOpenEntities reports non-terminal sub-entities without considering
// waiting signals.
func (c *Composite) hasOpenEntities() bool {
	return !c.AllWorkTerminal()
}

// OpenTasks returns non-terminal tasks in creation order.
func (c *Composite) OpenTasks() []*Task {
	var out []*Task
	for _, id := range c.TaskOrder {
		if t := c.Tasks[id]; !t.terminal() {
			out = append(out, t)
		}
	}
	return out
}

// OpenTimers returns non-terminal timers in creation order.
func (c *Composite) OpenTimers() []*Timer {
	var out []*Timer
	for _, id := range c.TimerOrder {
		if t := c.Timers[id]; !t.terminal() {
			out = append(out, t)
		}
	}
	return out
}

// OpenChildren returns non-terminal children in creation order.
func (c *Composite) OpenChildren() []*Child {
	var out []*Child
	for _, id := range c.ChildOrder {
		if ch := c.Children[id]; !ch.terminal() {
			out = append(out, ch)
		}
	}
	return out
}

// OpenPromises returns non-terminal promises in creation order.
func (c *Composite) OpenPromises() []*Promise {
	var out []*Promise
	for _, id := range c.PromiseOrder {
		if p := c.Promises[id]; !p.terminal() {
			out = append(out, p)
		}
	}
	return out
}
