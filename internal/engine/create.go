package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/loom/internal/persistence"
	"github.com/petrijr/loom/internal/state"
	"github.com/petrijr/loom/pkg/api"
)

// signalDelivery is a signal to fold into the first append of a freshly
// created execution, so signal-with-start is atomic: no observer can see the
// execution started without the signal.
type signalDelivery struct {
	name    string
	payload any
}

func (e *engineImpl) CreateExecution(ctx context.Context, opts api.CreateOptions) (*api.Execution, bool, error) {
	exec, created, err := e.createOrGet(ctx, opts, nil)
	if err != nil {
		return nil, false, err
	}
	if created {
		e.tryAdvance(ctx, exec.ID)
	}
	return e.refreshed(ctx, exec), created, nil
}

func (e *engineImpl) SignalWithStart(ctx context.Context, opts api.CreateOptions, name string, payload any) (*api.Execution, bool, error) {
	exec, created, err := e.createOrGet(ctx, opts, &signalDelivery{name: name, payload: payload})
	if err != nil {
		return nil, false, err
	}
	if created {
		e.tryAdvance(ctx, exec.ID)
		return e.refreshed(ctx, exec), true, nil
	}
	// The execution already existed: the signal is appended on its own.
	// Signals are never deduplicated, so this happens unconditionally.
	if err := e.Signal(ctx, exec.ID, name, payload); err != nil {
		return exec, false, err
	}
	return e.refreshed(ctx, exec), false, nil
}

// createOrGet creates the execution, or returns the existing one when the
// idempotency key is claimed by a live or succeeded target. Claim and
// register straddle the durable create: the key is locked first, the
// execution is created and started, and only then is the slot registered.
func (e *engineImpl) createOrGet(ctx context.Context, opts api.CreateOptions, sig *signalDelivery) (*api.Execution, bool, error) {
	if _, err := e.workflows.Get(opts.Kind); err != nil {
		return nil, false, err
	}

	if opts.IdempotencyKey != "" {
		unlock := e.creates.lock(opts.TenantID + "\x00" + opts.IdempotencyKey)
		defer unlock()

		existing, err := e.dedupTarget(ctx, opts)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	now := time.Now()
	exec := &api.Execution{
		TenantID:       opts.TenantID,
		ID:             uuid.NewString(),
		Kind:           opts.Kind,
		Phase:          api.PhasePending,
		NextSequence:   1,
		IdempotencyKey: opts.IdempotencyKey,
		Input:          opts.Input,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.Executions.SaveExecution(ctx, exec); err != nil {
		return nil, false, err
	}

	_, _, err := e.mutateExecution(ctx, exec.ID, func(c *state.Composite, history []api.Event) ([]api.Event, error) {
		if c.Phase != api.PhasePending {
			return nil, nil
		}
		b := newBatch(c)
		startEvent(b, exec)
		if sig != nil {
			b.add(api.Event{
				Type:     api.EventSignalReceived,
				EntityID: sig.name,
				Name:     sig.name,
				Payload:  sig.payload,
			})
		}
		return b.events, nil
	})
	if err != nil {
		return nil, false, err
	}

	if opts.IdempotencyKey != "" {
		ttl := opts.IdempotencyTTL
		if ttl <= 0 {
			ttl = e.idempotencyTTL
		}
		winner, err := e.registerSlot(ctx, opts, exec, now.Add(ttl))
		if err != nil {
			return nil, false, err
		}
		if winner != nil {
			// Another instance registered the key between the dedup check
			// and this claim. The key names the winner's execution; ours is
			// a duplicate and is cancelled before it can run.
			e.discardDuplicate(ctx, exec)
			return winner, false, nil
		}
	}

	e.observer.OnExecutionStart(ctx, exec)
	return exec, true, nil
}

const maxSlotClaimAttempts = 4

// registerSlot claims the idempotency key for exec. The claim is an atomic
// register-if-absent in the shared store, so two instances racing on one key
// cannot both hold it: the loser resolves the winner's execution and returns
// it. A conflicting slot whose target is already terminal is cleared and the
// claim retried.
func (e *engineImpl) registerSlot(ctx context.Context, opts api.CreateOptions, exec *api.Execution, expiresAt time.Time) (*api.Execution, error) {
	slot := api.IdempotencySlot{
		TenantID:   opts.TenantID,
		Key:        opts.IdempotencyKey,
		TargetID:   exec.ID,
		TargetKind: exec.Kind,
		ExpiresAt:  expiresAt,
	}
	for attempt := 0; attempt < maxSlotClaimAttempts; attempt++ {
		err := e.store.Idempotency.PutSlot(ctx, slot)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, persistence.ErrSlotConflict) {
			return nil, err
		}
		winner, err := e.dedupTarget(ctx, opts)
		if err != nil {
			return nil, err
		}
		if winner != nil {
			return winner, nil
		}
		// The slot holder went terminal between the conflict and the lookup;
		// clear the dead slot and claim again.
		if err := e.store.Idempotency.DeleteSlot(ctx, opts.TenantID, opts.IdempotencyKey); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("idempotency key %q: slot contention did not settle", opts.IdempotencyKey)
}

// discardDuplicate cancels an execution that lost the cross-instance race
// for its idempotency key. Its history holds only the start batch, so the
// cancellation settles synchronously and the duplicate never runs workflow
// code.
func (e *engineImpl) discardDuplicate(ctx context.Context, exec *api.Execution) {
	if err := e.CancelExecution(ctx, exec.ID); err != nil {
		e.logger.Warn("duplicate execution cancel failed",
			"execution_id", exec.ID, "error", err)
	}
}

// dedupTarget resolves the execution an unexpired slot points at. A slot
// whose target failed or was cancelled does not dedup: the terminal cleanup
// cleared (or is about to clear) it, and the key is reusable.
func (e *engineImpl) dedupTarget(ctx context.Context, opts api.CreateOptions) (*api.Execution, error) {
	slot, err := e.store.Idempotency.GetSlot(ctx, opts.TenantID, opts.IdempotencyKey)
	if errors.Is(err, persistence.ErrSlotNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if slot.Expired(time.Now()) {
		return nil, nil
	}

	existing, err := e.store.Executions.GetExecution(ctx, slot.TargetID)
	if errors.Is(err, api.ErrExecutionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.Phase == api.PhaseFailed || existing.Phase == api.PhaseCancelled {
		return nil, nil
	}
	return existing, nil
}

func (e *engineImpl) Signal(ctx context.Context, executionID, name string, payload any) error {
	exec, err := e.store.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	_, batch, err := e.mutateExecution(ctx, executionID, func(c *state.Composite, history []api.Event) ([]api.Event, error) {
		if c.Phase.Terminal() {
			return nil, api.ErrExecutionTerminal
		}
		b := newBatch(c)
		if c.Phase == api.PhasePending {
			startEvent(b, exec)
		}
		b.add(api.Event{
			Type:     api.EventSignalReceived,
			EntityID: name,
			Name:     name,
			Payload:  payload,
		})
		return b.events, nil
	})
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		e.tryAdvance(ctx, executionID)
	}
	return nil
}

func (e *engineImpl) CancelExecution(ctx context.Context, executionID string) error {
	exec, err := e.store.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	comp, _, err := e.mutateExecution(ctx, executionID, func(c *state.Composite, history []api.Event) ([]api.Event, error) {
		// Cancelling a terminal or already-cancelling execution is a no-op.
		if c.Phase.Terminal() || c.Phase == api.PhaseCancelling {
			return nil, nil
		}
		b := newBatch(c)
		if c.Phase == api.PhasePending {
			startEvent(b, exec)
		}
		b.add(api.Event{Type: api.EventWorkflowCancelRequested})
		return b.events, nil
	})
	if err != nil {
		return err
	}
	if !comp.Phase.Terminal() {
		e.tryAdvance(ctx, executionID)
	}
	return nil
}

func (e *engineImpl) ResolvePromise(ctx context.Context, executionID, promiseID string, value any) error {
	return e.settlePromise(ctx, executionID, promiseID, api.Event{
		Type:     api.EventPromiseResolved,
		EntityID: promiseID,
		Payload:  value,
	})
}

func (e *engineImpl) RejectPromise(ctx context.Context, executionID, promiseID, reason string) error {
	return e.settlePromise(ctx, executionID, promiseID, api.Event{
		Type:     api.EventPromiseRejected,
		EntityID: promiseID,
		Detail:   reason,
	})
}

func (e *engineImpl) settlePromise(ctx context.Context, executionID, promiseID string, ev api.Event) error {
	if _, err := e.store.Executions.GetExecution(ctx, executionID); err != nil {
		return err
	}

	_, batch, err := e.mutateExecution(ctx, executionID, func(c *state.Composite, history []api.Event) ([]api.Event, error) {
		if c.Phase.Terminal() {
			return nil, api.ErrExecutionTerminal
		}
		p, ok := c.Promises[promiseID]
		if !ok {
			return nil, fmt.Errorf("promise %q: %w", promiseID, api.ErrPromiseNotFound)
		}
		if p.Phase.Terminal() {
			return nil, api.ErrPromiseResolved
		}
		b := newBatch(c)
		b.add(ev)
		return b.events, nil
	})
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		e.tryAdvance(ctx, executionID)
	}
	return nil
}

// releaseSlot clears the idempotency slot of a failed or cancelled
// execution, making its key reusable. The slot is only cleared while it
// still points at this execution; a newer claimant keeps its slot.
func (e *engineImpl) releaseSlot(ctx context.Context, exec *api.Execution) {
	if exec.IdempotencyKey == "" {
		return
	}
	slot, err := e.store.Idempotency.GetSlot(ctx, exec.TenantID, exec.IdempotencyKey)
	if err != nil || slot.TargetID != exec.ID {
		return
	}
	if err := e.store.Idempotency.DeleteSlot(ctx, exec.TenantID, exec.IdempotencyKey); err != nil {
		e.logger.Warn("idempotency slot release failed",
			"execution_id", exec.ID, "key", exec.IdempotencyKey, "error", err)
	}
}

// refreshed re-reads the execution row so callers observe the phase after
// any synchronous advance; on read failure the stale snapshot is returned.
func (e *engineImpl) refreshed(ctx context.Context, exec *api.Execution) *api.Execution {
	if fresh, err := e.store.Executions.GetExecution(ctx, exec.ID); err == nil {
		return fresh
	}
	return exec
}
