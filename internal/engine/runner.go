package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/loom/internal/pending"
	"github.com/petrijr/loom/internal/persistence"
	"github.com/petrijr/loom/internal/replay"
	"github.com/petrijr/loom/internal/state"
	"github.com/petrijr/loom/pkg/api"
)

// advance drives one execution as far as it can go right now: fold the
// history, re-run the workflow function against it, append what the run
// produced, then enqueue and propagate the side effects of the new events.
//
// The advance lease keeps instances from burning cycles replaying the same
// execution concurrently; correctness never depends on it, because the
// append's expected-sequence check rejects every stale writer.
func (e *engineImpl) advance(ctx context.Context, executionID string) error {
	acquired, err := e.store.Executions.TryAcquireLease(ctx, executionID, e.owner, e.advanceLeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() { _ = e.store.Executions.ReleaseLease(ctx, executionID, e.owner) }()

	exec, err := e.store.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	comp, batch, err := e.mutateExecution(ctx, executionID, func(c *state.Composite, history []api.Event) ([]api.Event, error) {
		return e.planAdvance(exec, c, history)
	})
	if err != nil {
		return err
	}
	return e.applyEffects(ctx, exec, comp, batch)
}

// planAdvance decides what the next batch of events is. It runs inside the
// fold-append cycle, so on an append race it is re-invoked against fresh
// state.
func (e *engineImpl) planAdvance(exec *api.Execution, c *state.Composite, history []api.Event) ([]api.Event, error) {
	if c.Phase.Terminal() || c.Phase == api.PhaseSuspended {
		return nil, nil
	}
	if c.Phase == api.PhaseCancelling {
		return e.planCancellation(c, history)
	}

	b := newBatch(c)
	input := c.Input
	if c.Phase == api.PhasePending {
		startEvent(b, exec)
		input = exec.Input
	}

	fn, err := e.workflows.Get(exec.Kind)
	if err != nil {
		return nil, err
	}

	d := newDriver(c, replay.New(c.ExecutionID, history), eventClock(history))
	res := runWorkflow(fn, d, input)
	if res.fatal != nil {
		return nil, res.fatal
	}

	// New creation commands first, in issue order: replay on the next pass
	// must encounter them exactly as the code issued them.
	for _, cmd := range d.commands {
		switch cmd.ref.Family {
		case api.FamilyTask:
			b.add(api.Event{
				Type:     api.EventTaskScheduled,
				EntityID: cmd.ref.ID,
				Name:     cmd.kind,
				Payload:  api.TaskSchedulePayload{Input: cmd.input, Retry: cmd.retry},
			})
		case api.FamilyTimer:
			b.add(api.Event{
				Type:     api.EventTimerStarted,
				EntityID: cmd.ref.ID,
				Payload:  api.TimerStartPayload{FireAt: cmd.fireAt},
			})
		case api.FamilyChild:
			b.add(api.Event{
				Type:     api.EventChildInitiated,
				EntityID: cmd.ref.ID,
				Name:     cmd.kind,
				Payload:  cmd.input,
			})
		case api.FamilyPromise:
			b.add(api.Event{
				Type:     api.EventPromiseCreated,
				EntityID: cmd.ref.ID,
			})
		}
	}

	p := &planner{b: b, c: c, d: d, done: make(map[api.Ref]bool)}
	for _, ref := range d.cancels {
		p.cancelEntity(ref)
	}

	switch {
	case res.suspended:
		b.add(api.Event{
			Type:    api.EventWorkflowSuspended,
			Payload: api.SuspendedInfo{WaitingSignals: res.waiting},
		})

	case res.err != nil:
		// The workflow decided to fail: outstanding work is cancelled so
		// nothing keeps running for a dead orchestration.
		p.cancelRemaining()
		b.add(api.Event{Type: api.EventWorkflowFailed, Detail: res.err.Error()})

	default:
		p.cancelRemaining()
		scratch, err := simulate(c.ExecutionID, history, b.events)
		if err != nil {
			return nil, err
		}
		if !scratch.HasPendingWork() {
			b.add(api.Event{Type: api.EventWorkflowCompleted, Payload: res.output})
		}
		// Otherwise a child is still winding down; completion is re-attempted
		// when its terminal event arrives.
	}
	return b.events, nil
}

// planCancellation drives a CANCELLING execution toward CANCELLED. The
// workflow function does not run again after a cancel request; the engine
// cancels outstanding work and waits for children to reach terminal phases.
func (e *engineImpl) planCancellation(c *state.Composite, history []api.Event) ([]api.Event, error) {
	b := newBatch(c)
	for _, t := range c.OpenTasks() {
		b.add(api.Event{Type: api.EventTaskCancelled, EntityID: t.ID, Detail: cancelledDetail})
	}
	for _, t := range c.OpenTimers() {
		b.add(api.Event{Type: api.EventTimerCancelled, EntityID: t.ID, Detail: cancelledDetail})
	}
	for _, p := range c.OpenPromises() {
		b.add(api.Event{Type: api.EventPromiseRejected, EntityID: p.ID, Detail: cancelledDetail})
	}
	// A child that was never started has no execution to cancel remotely;
	// it terminates right here.
	for _, id := range c.ChildOrder {
		if ch := c.Children[id]; ch.Phase == api.ChildCancelRequested && ch.ExecutionID == "" {
			b.add(api.Event{Type: api.EventChildCancelled, EntityID: id, Detail: cancelledDetail})
		}
	}

	scratch, err := simulate(c.ExecutionID, history, b.events)
	if err != nil {
		return nil, err
	}
	if scratch.AllWorkTerminal() {
		b.add(api.Event{Type: api.EventWorkflowCancelled})
	}
	return b.events, nil
}

// planner emits cancellation events, at most one set per entity, against the
// pre-batch state plus the commands staged this run.
type planner struct {
	b    *eventBatch
	c    *state.Composite
	d    *driver
	done map[api.Ref]bool
}

func (p *planner) cancelEntity(ref api.Ref) {
	if p.done[ref] {
		return
	}
	p.done[ref] = true

	switch ref.Family {
	case api.FamilyTask:
		p.b.add(api.Event{Type: api.EventTaskCancelled, EntityID: ref.ID, Detail: cancelledDetail})
	case api.FamilyTimer:
		p.b.add(api.Event{Type: api.EventTimerCancelled, EntityID: ref.ID, Detail: cancelledDetail})
	case api.FamilyPromise:
		p.b.add(api.Event{Type: api.EventPromiseRejected, EntityID: ref.ID, Detail: cancelledDetail})
	case api.FamilyChild:
		if _, isNew := p.d.staged[ref]; isNew {
			// Never started; no remote execution exists yet.
			p.b.add(api.Event{Type: api.EventChildCancelled, EntityID: ref.ID, Detail: cancelledDetail})
			return
		}
		ch := p.c.Children[ref.ID]
		switch ch.Phase {
		case api.ChildInitiated:
			p.b.add(api.Event{Type: api.EventChildCancelled, EntityID: ref.ID, Detail: cancelledDetail})
		case api.ChildStarted:
			p.b.add(api.Event{Type: api.EventChildCancelRequested, EntityID: ref.ID})
		}
	}
}

// cancelRemaining cancels every entity that is still open once the workflow
// function has produced a final result.
func (p *planner) cancelRemaining() {
	for _, t := range p.c.OpenTasks() {
		p.cancelEntity(api.Ref{Family: api.FamilyTask, ID: t.ID})
	}
	for _, t := range p.c.OpenTimers() {
		p.cancelEntity(api.Ref{Family: api.FamilyTimer, ID: t.ID})
	}
	for _, pr := range p.c.OpenPromises() {
		p.cancelEntity(api.Ref{Family: api.FamilyPromise, ID: pr.ID})
	}
	for _, ch := range p.c.OpenChildren() {
		if ch.Phase == api.ChildCancelRequested {
			continue
		}
		p.cancelEntity(api.Ref{Family: api.FamilyChild, ID: ch.ID})
	}
	for _, cmd := range p.d.commands {
		p.cancelEntity(cmd.ref)
	}
}

// simulate folds history plus a candidate batch into a scratch state, so
// planning can ask "what will be true after this append" without mutating
// the state the driver read.
func simulate(executionID string, history, batch []api.Event) (*state.Composite, error) {
	scratch, err := state.Fold(executionID, history)
	if err != nil {
		return nil, err
	}
	for _, ev := range batch {
		if err := scratch.Apply(ev); err != nil {
			return nil, err
		}
	}
	return scratch, nil
}

// applyEffects performs the side effects the new events call for: pending
// work rows, child workflow starts and cancellations, parent notification,
// idempotency slot release and observer callbacks. Every effect is
// idempotent, so a crash between append and effects is repaired by the next
// advance of the same execution.
func (e *engineImpl) applyEffects(ctx context.Context, exec *api.Execution, comp *state.Composite, batch []api.Event) error {
	if comp == nil {
		return nil
	}
	now := time.Now()

	for _, ev := range batch {
		switch ev.Type {
		case api.EventTaskCancelled, api.EventTimerCancelled:
			if err := e.pending.Delete(ctx, pendingItemID(exec.ID, ev.EntityID)); err != nil {
				e.logger.Warn("pending delete failed",
					slog.String("execution_id", exec.ID),
					slog.String("entity_id", ev.EntityID),
					slog.Any("error", err))
			}
		}
	}

	// Enqueue every claimable entity. Enqueue is idempotent by item id, so
	// this also restores rows lost to a crash between append and enqueue.
	for _, id := range comp.TaskOrder {
		t := comp.Tasks[id]
		if t.Phase != api.TaskScheduled {
			continue
		}
		e.enqueue(ctx, pending.Item{
			ID:          pendingItemID(exec.ID, id),
			Kind:        api.WorkTask,
			ExecutionID: exec.ID,
			EntityID:    id,
			TaskKind:    t.Kind,
			Input:       t.Input,
			EnqueuedAt:  now,
			NotBefore:   now,
		})
	}
	for _, id := range comp.TimerOrder {
		t := comp.Timers[id]
		if t.Phase != api.TimerStarted {
			continue
		}
		e.enqueue(ctx, pending.Item{
			ID:          pendingItemID(exec.ID, id),
			Kind:        api.WorkTimer,
			ExecutionID: exec.ID,
			EntityID:    id,
			EnqueuedAt:  now,
			NotBefore:   t.FireAt,
		})
	}

	for _, id := range comp.ChildOrder {
		ch := comp.Children[id]
		switch {
		case ch.Phase == api.ChildInitiated:
			if err := e.startChild(ctx, exec, id, ch); err != nil {
				e.logger.Error("child start failed",
					slog.String("execution_id", exec.ID),
					slog.String("child", id),
					slog.Any("error", err))
			}
		case ch.Phase == api.ChildCancelRequested && ch.ExecutionID != "":
			if err := e.CancelExecution(ctx, ch.ExecutionID); err != nil && !errors.Is(err, api.ErrExecutionNotFound) {
				e.logger.Warn("child cancel failed",
					slog.String("execution_id", exec.ID),
					slog.String("child_execution_id", ch.ExecutionID),
					slog.Any("error", err))
			}
		}
	}

	if len(batch) == 0 {
		return nil
	}

	snapshot := e.refreshed(ctx, exec)
	switch comp.Phase {
	case api.PhaseSuspended:
		e.observer.OnExecutionSuspended(ctx, snapshot)
	case api.PhaseCompleted:
		e.observer.OnExecutionCompleted(ctx, snapshot)
		e.notifyParent(ctx, snapshot, comp)
	case api.PhaseFailed:
		e.observer.OnExecutionFailed(ctx, snapshot, errors.New(comp.Failure))
		e.releaseSlot(ctx, snapshot)
		e.notifyParent(ctx, snapshot, comp)
	case api.PhaseCancelled:
		e.observer.OnExecutionFailed(ctx, snapshot, api.ErrCancelled)
		e.releaseSlot(ctx, snapshot)
		e.notifyParent(ctx, snapshot, comp)
	}
	return nil
}

func (e *engineImpl) enqueue(ctx context.Context, item pending.Item) {
	if err := e.pending.Enqueue(ctx, item); err != nil {
		e.logger.Error("pending enqueue failed",
			slog.String("item_id", item.ID),
			slog.Any("error", err))
	}
}

// startChild creates and starts the execution behind an initiated child
// entity. The child's execution id is derived from the parent id and entity
// id, so a crash after creating the child but before recording child.started
// re-attaches to the same execution instead of leaking a duplicate.
func (e *engineImpl) startChild(ctx context.Context, parent *api.Execution, entityID string, ch *state.Child) error {
	if _, err := e.workflows.Get(ch.Kind); err != nil {
		// No code for this kind: the child fails in the parent's history
		// without an execution ever existing.
		_, batch, aerr := e.mutateExecution(ctx, parent.ID, func(c *state.Composite, history []api.Event) ([]api.Event, error) {
			cc, ok := c.Children[entityID]
			if !ok || cc.Phase != api.ChildInitiated {
				return nil, nil
			}
			b := newBatch(c)
			b.add(api.Event{Type: api.EventChildFailed, EntityID: entityID, Detail: err.Error()})
			return b.events, nil
		})
		if aerr != nil {
			return aerr
		}
		if len(batch) > 0 {
			e.tryAdvance(ctx, parent.ID)
		}
		return nil
	}

	now := time.Now()
	child := &api.Execution{
		TenantID:      parent.TenantID,
		ID:            parent.ID + "." + entityID,
		Kind:          ch.Kind,
		Phase:         api.PhasePending,
		NextSequence:  1,
		ParentID:      parent.ID,
		ChildEntityID: entityID,
		Input:         ch.Input,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := e.store.Executions.SaveExecution(ctx, child)
	created := err == nil
	if err != nil && !errors.Is(err, persistence.ErrExecutionExists) {
		return err
	}

	_, _, err = e.mutateExecution(ctx, child.ID, func(c *state.Composite, history []api.Event) ([]api.Event, error) {
		if c.Phase != api.PhasePending {
			return nil, nil
		}
		b := newBatch(c)
		startEvent(b, child)
		return b.events, nil
	})
	if err != nil {
		return err
	}

	_, _, err = e.mutateExecution(ctx, parent.ID, func(c *state.Composite, history []api.Event) ([]api.Event, error) {
		cc, ok := c.Children[entityID]
		if !ok || cc.Phase != api.ChildInitiated {
			return nil, nil
		}
		b := newBatch(c)
		b.add(api.Event{Type: api.EventChildStarted, EntityID: entityID, Name: ch.Kind, Payload: child.ID})
		return b.events, nil
	})
	if err != nil {
		return err
	}

	if created {
		e.observer.OnExecutionStart(ctx, child)
	}
	e.tryAdvance(ctx, child.ID)
	return nil
}

// notifyParent records a terminal child outcome in the parent's history and
// wakes the parent. Re-notification is harmless: once the child entity is
// terminal in the parent's fold, the change yields no events.
func (e *engineImpl) notifyParent(ctx context.Context, exec *api.Execution, comp *state.Composite) {
	if exec.ParentID == "" {
		return
	}

	ev := api.Event{EntityID: exec.ChildEntityID, Name: exec.Kind}
	switch comp.Phase {
	case api.PhaseCompleted:
		ev.Type = api.EventChildCompleted
		ev.Payload = comp.Output
	case api.PhaseFailed:
		ev.Type = api.EventChildFailed
		ev.Detail = comp.Failure
	case api.PhaseCancelled:
		ev.Type = api.EventChildCancelled
		ev.Detail = cancelledDetail
	default:
		return
	}

	_, batch, err := e.mutateExecution(ctx, exec.ParentID, func(c *state.Composite, history []api.Event) ([]api.Event, error) {
		if c.Phase.Terminal() {
			return nil, nil
		}
		ch, ok := c.Children[exec.ChildEntityID]
		if !ok || ch.Phase.Terminal() {
			return nil, nil
		}
		b := newBatch(c)
		b.add(ev)
		return b.events, nil
	})
	if err != nil {
		e.logger.Error("parent notification failed",
			slog.String("execution_id", exec.ID),
			slog.String("parent_id", exec.ParentID),
			slog.Any("error", err))
		return
	}
	if len(batch) > 0 {
		e.tryAdvance(ctx, exec.ParentID)
	}
}
