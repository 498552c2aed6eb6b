package engine

import (
	"context"

	"github.com/petrijr/loom/internal/state"
	"github.com/petrijr/loom/pkg/api"
)

// Task and timer reports re-check the entity's phase inside the fold-append
// cycle. Claims are at-least-once, so a report may arrive from a worker
// whose lease expired; the phase check turns such reports into ErrClaimLost
// no-ops instead of duplicate transitions.

func (e *engineImpl) StartTask(ctx context.Context, claim api.WorkItem) (*api.TaskAttempt, error) {
	var attempt *api.TaskAttempt
	_, _, err := e.mutateExecution(ctx, claim.ExecutionID, func(c *state.Composite, history []api.Event) ([]api.Event, error) {
		if c.Phase.Terminal() {
			return nil, api.ErrClaimLost
		}
		t, ok := c.Tasks[claim.EntityID]
		if !ok || t.Phase.Terminal() {
			return nil, api.ErrClaimLost
		}
		attempt = &api.TaskAttempt{Kind: t.Kind, Input: t.Input, Retry: t.Retry}
		if t.Phase == api.TaskStarted {
			// Re-delivery after a crashed attempt: the start is already
			// recorded, the handler just runs again. At-least-once.
			return nil, nil
		}

		b := newBatch(c)
		b.add(api.Event{
			Type:     api.EventTaskStarted,
			EntityID: claim.EntityID,
			Name:     t.Kind,
			Attempt:  claim.Attempt,
		})
		return b.events, nil
	})
	if err != nil {
		return nil, err
	}
	e.observer.OnTaskStart(ctx, claim.ExecutionID, claim.EntityID, attempt.Kind, claim.Attempt)
	return attempt, nil
}

func (e *engineImpl) CompleteTask(ctx context.Context, claim api.WorkItem, output any) error {
	return e.reportTask(ctx, claim, api.Event{
		Type:     api.EventTaskCompleted,
		EntityID: claim.EntityID,
		Payload:  output,
	})
}

func (e *engineImpl) FailTask(ctx context.Context, claim api.WorkItem, reason string) error {
	return e.reportTask(ctx, claim, api.Event{
		Type:     api.EventTaskFailed,
		EntityID: claim.EntityID,
		Detail:   reason,
	})
}

func (e *engineImpl) reportTask(ctx context.Context, claim api.WorkItem, ev api.Event) error {
	_, batch, err := e.mutateExecution(ctx, claim.ExecutionID, func(c *state.Composite, history []api.Event) ([]api.Event, error) {
		if c.Phase.Terminal() {
			return nil, api.ErrClaimLost
		}
		t, ok := c.Tasks[claim.EntityID]
		if !ok || t.Phase != api.TaskStarted {
			return nil, api.ErrClaimLost
		}
		ev.Name = t.Kind
		b := newBatch(c)
		b.add(ev)
		return b.events, nil
	})
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		e.tryAdvance(ctx, claim.ExecutionID)
	}
	return nil
}

// FireTimer fires a due timer at most once. Two claimants racing on the same
// timer both pass the phase check against their own fold, but only one
// append wins; the loser re-folds, sees the timer FIRED, and gets
// ErrClaimLost.
func (e *engineImpl) FireTimer(ctx context.Context, claim api.WorkItem) error {
	_, batch, err := e.mutateExecution(ctx, claim.ExecutionID, func(c *state.Composite, history []api.Event) ([]api.Event, error) {
		if c.Phase.Terminal() {
			return nil, api.ErrClaimLost
		}
		t, ok := c.Timers[claim.EntityID]
		if !ok || t.Phase != api.TimerStarted {
			return nil, api.ErrClaimLost
		}
		b := newBatch(c)
		b.add(api.Event{
			Type:     api.EventTimerFired,
			EntityID: claim.EntityID,
		})
		return b.events, nil
	})
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		e.tryAdvance(ctx, claim.ExecutionID)
	}
	return nil
}
