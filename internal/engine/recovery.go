package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/loom/internal/state"
	"github.com/petrijr/loom/pkg/api"
)

// AuditExecution reports history inconsistencies without repairing anything.
func (e *engineImpl) AuditExecution(ctx context.Context, id string) ([]api.Fault, error) {
	if _, err := e.store.Executions.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	history, err := e.store.Events.ListEvents(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	faults, _ := auditHistory(id, history)
	return faults, nil
}

// RecoverExecution repairs a damaged history within a bounded number of
// attempts, then re-advances the execution. When the history cannot be made
// consistent, the execution is forced to FAILED so it stops accepting work,
// and ErrUnrecoverableHistory is returned.
func (e *engineImpl) RecoverExecution(ctx context.Context, id string) error {
	exec, err := e.store.Executions.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	history, err := e.store.Events.ListEvents(ctx, id, 0)
	if err != nil {
		return err
	}

	faults, _ := auditHistory(id, history)
	if len(faults) == 0 {
		e.tryAdvance(ctx, id)
		return nil
	}

	for attempt := 0; attempt < e.maxRepairAttempts; attempt++ {
		repaired, repairs := repairHistory(id, history)
		if err := e.store.Events.ReplaceHistory(ctx, id, repaired); err != nil {
			return err
		}
		history = repaired

		remaining, _ := auditHistory(id, history)
		if len(remaining) > 0 {
			continue
		}
		comp, err := state.Fold(id, history)
		if err != nil {
			continue
		}
		if err := e.syncExecution(ctx, id, comp); err != nil {
			return err
		}
		e.logger.Info("execution history recovered",
			slog.String("execution_id", id),
			slog.Int("repairs", len(repairs)),
			slog.Int("attempts", attempt+1))
		e.tryAdvance(ctx, id)
		return nil
	}

	now := time.Now()
	minimal := []api.Event{
		{ExecutionID: id, Sequence: 1, Type: api.EventWorkflowStarted, Name: exec.Kind, Payload: exec.Input, At: now},
		{ExecutionID: id, Sequence: 2, Type: api.EventWorkflowFailed, Detail: api.ErrUnrecoverableHistory.Error(), At: now},
	}
	if err := e.store.Events.ReplaceHistory(ctx, id, minimal); err != nil {
		return err
	}
	comp, err := state.Fold(id, minimal)
	if err != nil {
		return err
	}
	if err := e.syncExecution(ctx, id, comp); err != nil {
		return err
	}
	e.releaseSlot(ctx, exec)
	e.observer.OnExecutionFailed(ctx, exec, api.ErrUnrecoverableHistory)
	e.logger.Error("execution history unrecoverable",
		slog.String("execution_id", id),
		slog.Int("attempts", e.maxRepairAttempts))
	return api.ErrUnrecoverableHistory
}

// auditHistory walks a history through the state machine without modifying
// it. Events that cannot be applied are reported and skipped, so one fault
// does not hide the ones after it.
func auditHistory(executionID string, events []api.Event) ([]api.Fault, *state.Composite) {
	c := state.New(executionID)
	var faults []api.Fault
	for _, ev := range events {
		err := c.Apply(ev)
		if err == nil {
			continue
		}
		te := asTransition(err)
		if te == nil {
			faults = append(faults, api.Fault{
				Kind:     api.FaultStuckEntity,
				Sequence: ev.Sequence,
				EntityID: ev.EntityID,
				Family:   ev.Type.Family(),
				Detail:   err.Error(),
			})
			continue
		}
		faults = append(faults, te.Fault)
		if te.Fault.Kind != api.FaultSequenceGap {
			continue
		}
		// Resync past the gap so the rest of the history is still audited.
		c.NextSequence = ev.Sequence
		if err := c.Apply(ev); err != nil {
			if te2 := asTransition(err); te2 != nil {
				faults = append(faults, te2.Fault)
			}
		}
	}
	if c.Phase == api.PhaseSuspended && !c.HasPendingWork() {
		faults = append(faults, api.Fault{
			Kind:   api.FaultStuckEntity,
			Family: api.FamilyWorkflow,
			Detail: "suspended with no pending work",
		})
	}
	return faults, c
}

// repairHistory rebuilds a consistent history from a damaged one in a single
// pass: every kept event is renumbered into a gapless sequence, orphaned
// completions get a synthesized creation event so their outcome survives,
// and events that still cannot apply are dropped. A suspension left with no
// pending work is woken with an explicit resume event.
func repairHistory(executionID string, events []api.Event) ([]api.Event, []api.Fault) {
	c := state.New(executionID)
	var out []api.Event
	var repairs []api.Fault

	for _, orig := range events {
		ev := renumber(c, orig)
		err := c.Apply(ev)
		if err == nil {
			out = append(out, ev)
			continue
		}
		te := asTransition(err)
		if te == nil {
			continue
		}
		repairs = append(repairs, te.Fault)
		if te.Fault.Kind != api.FaultOrphanedCompletion {
			continue
		}
		synth, ok := syntheticCreation(orig)
		if !ok {
			continue
		}
		sev := renumber(c, synth)
		if c.Apply(sev) != nil {
			continue
		}
		out = append(out, sev)
		ev = renumber(c, orig)
		if c.Apply(ev) == nil {
			out = append(out, ev)
		}
	}

	if c.Phase == api.PhaseSuspended && !c.HasPendingWork() {
		ev := renumber(c, api.Event{
			ExecutionID: executionID,
			Type:        api.EventWorkflowResumed,
			At:          time.Now(),
		})
		if c.Apply(ev) == nil {
			out = append(out, ev)
			repairs = append(repairs, api.Fault{
				Kind:   api.FaultStuckEntity,
				Family: api.FamilyWorkflow,
				Detail: "resumed suspension with no pending work",
			})
		}
	}
	return out, repairs
}

func renumber(c *state.Composite, ev api.Event) api.Event {
	ev.Sequence = c.NextSequence
	if ev.Type.Creation() {
		ev.TypeSequence = c.TypeSeq(ev.Type.Family()) + 1
	}
	return ev
}

// syntheticCreation builds the creation event an orphaned completion implies.
func syntheticCreation(ev api.Event) (api.Event, bool) {
	base := api.Event{
		ExecutionID: ev.ExecutionID,
		EntityID:    ev.EntityID,
		At:          ev.At,
	}
	switch ev.Type.Family() {
	case api.FamilyTask:
		base.Type = api.EventTaskScheduled
		base.Name = ev.Name
	case api.FamilyTimer:
		base.Type = api.EventTimerStarted
	case api.FamilyChild:
		base.Type = api.EventChildInitiated
		base.Name = ev.Name
	case api.FamilyPromise:
		base.Type = api.EventPromiseCreated
	default:
		return api.Event{}, false
	}
	return base, true
}

func asTransition(err error) *state.TransitionError {
	var te *state.TransitionError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
