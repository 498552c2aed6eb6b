package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

// corrupt swaps an execution's history for a hand-built one, simulating
// storage damage the engine itself would never write.
func (h *harness) corrupt(ctx context.Context, id string, events []api.Event) {
	h.t.Helper()
	now := time.Now()
	for i := range events {
		events[i].ExecutionID = id
		if events[i].At.IsZero() {
			events[i].At = now
		}
	}
	if err := h.mem.ReplaceHistory(ctx, id, events); err != nil {
		h.t.Fatalf("ReplaceHistory failed: %v", err)
	}
}

func TestAuditCleanHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow("noop", func(wctx *api.WorkflowContext, input any) (any, error) {
		return "done", nil
	})

	exec, _, err := h.eng.CreateExecution(ctx, api.CreateOptions{Kind: "noop"})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	faults, err := h.eng.AuditExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("AuditExecution failed: %v", err)
	}
	if len(faults) != 0 {
		t.Fatalf("expected a clean audit, got %+v", faults)
	}

	if _, err := h.eng.AuditExecution(ctx, "missing"); !errors.Is(err, api.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestAuditReportsSequenceGap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow("wait", func(wctx *api.WorkflowContext, input any) (any, error) {
		return wctx.Signal("go").Get(wctx)
	})

	exec, _, err := h.eng.CreateExecution(ctx, api.CreateOptions{Kind: "wait"})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	h.corrupt(ctx, exec.ID, []api.Event{
		{Sequence: 1, Type: api.EventWorkflowStarted, Name: "wait"},
		{Sequence: 3, Type: api.EventSignalReceived, TypeSequence: 1, EntityID: "go", Name: "go", Payload: "v"},
	})

	faults, err := h.eng.AuditExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("AuditExecution failed: %v", err)
	}
	if len(faults) != 1 || faults[0].Kind != api.FaultSequenceGap || faults[0].Sequence != 3 {
		t.Fatalf("expected a sequence gap at 3, got %+v", faults)
	}
}

func TestAuditReportsOrphanedCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow("wait", func(wctx *api.WorkflowContext, input any) (any, error) {
		return wctx.Signal("go").Get(wctx)
	})

	exec, _, err := h.eng.CreateExecution(ctx, api.CreateOptions{Kind: "wait"})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	h.corrupt(ctx, exec.ID, []api.Event{
		{Sequence: 1, Type: api.EventWorkflowStarted, Name: "wait"},
		{Sequence: 2, Type: api.EventTaskCompleted, EntityID: "task-7", Name: "charge"},
	})

	faults, err := h.eng.AuditExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("AuditExecution failed: %v", err)
	}
	if len(faults) != 1 || faults[0].Kind != api.FaultOrphanedCompletion {
		t.Fatalf("expected an orphaned completion, got %+v", faults)
	}
	if faults[0].EntityID != "task-7" || faults[0].Family != api.FamilyTask {
		t.Fatalf("fault must name the entity: %+v", faults[0])
	}
}

func TestRecoverRenumbersGappedHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.task("charge", func(input any) (any, error) { return "ok", nil })
	h.workflow("charge-flow", func(wctx *api.WorkflowContext, input any) (any, error) {
		return wctx.ExecuteTask("charge", input).Get(wctx)
	})

	exec, _, err := h.eng.CreateExecution(ctx, api.CreateOptions{Kind: "charge-flow"})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	// A write hiccup left holes in the sequence; the events themselves are
	// fine.
	h.corrupt(ctx, exec.ID, []api.Event{
		{Sequence: 1, Type: api.EventWorkflowStarted, Name: "charge-flow"},
		{Sequence: 3, Type: api.EventTaskScheduled, TypeSequence: 1, EntityID: "task-1", Name: "charge"},
		{Sequence: 5, Type: api.EventTaskStarted, EntityID: "task-1", Name: "charge", Attempt: 1},
		{Sequence: 9, Type: api.EventTaskCompleted, EntityID: "task-1", Name: "charge", Payload: "ok"},
	})

	if err := h.eng.RecoverExecution(ctx, exec.ID); err != nil {
		t.Fatalf("RecoverExecution failed: %v", err)
	}

	events := h.history(ctx, exec.ID)
	faults, _ := h.eng.AuditExecution(ctx, exec.ID)
	if len(faults) != 0 {
		t.Fatalf("expected a clean history after recovery, got %+v", faults)
	}

	// The repaired history replays cleanly, so the re-advance finishes the
	// workflow.
	final, _ := h.eng.GetExecution(ctx, exec.ID)
	if final.Phase != api.PhaseCompleted || final.Output != "ok" {
		t.Fatalf("unexpected execution after recovery: %+v (history %+v)", final, events)
	}
}

func TestRecoverSynthesizesOrphanedCreation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.task("charge", func(input any) (any, error) { return "ok", nil })
	h.workflow("charge-flow", func(wctx *api.WorkflowContext, input any) (any, error) {
		return wctx.ExecuteTask("charge", input).Get(wctx)
	})

	exec, _, err := h.eng.CreateExecution(ctx, api.CreateOptions{Kind: "charge-flow"})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	// The outcome survived but its creation event is gone. The repair must
	// keep the outcome rather than throw the work away.
	h.corrupt(ctx, exec.ID, []api.Event{
		{Sequence: 1, Type: api.EventWorkflowStarted, Name: "charge-flow"},
		{Sequence: 2, Type: api.EventTaskCompleted, EntityID: "task-1", Name: "charge", Payload: "ok"},
	})

	if err := h.eng.RecoverExecution(ctx, exec.ID); err != nil {
		t.Fatalf("RecoverExecution failed: %v", err)
	}

	events := h.history(ctx, exec.ID)
	if events[1].Type != api.EventTaskScheduled || events[1].EntityID != "task-1" || events[1].TypeSequence != 1 {
		t.Fatalf("expected a synthesized task.scheduled, got %+v", events)
	}
	if events[2].Type != api.EventTaskCompleted {
		t.Fatalf("the orphaned outcome must survive the repair: %+v", events)
	}

	final, _ := h.eng.GetExecution(ctx, exec.ID)
	if final.Phase != api.PhaseCompleted || final.Output != "ok" {
		t.Fatalf("unexpected execution after recovery: %+v", final)
	}
}

func TestRecoverCleanHistoryReAdvances(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.workflow("wait", func(wctx *api.WorkflowContext, input any) (any, error) {
		return wctx.Signal("go").Get(wctx)
	})

	exec, _, err := h.eng.CreateExecution(ctx, api.CreateOptions{Kind: "wait"})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	before := h.history(ctx, exec.ID)

	if err := h.eng.RecoverExecution(ctx, exec.ID); err != nil {
		t.Fatalf("RecoverExecution failed: %v", err)
	}
	after := h.history(ctx, exec.ID)
	if len(after) != len(before) {
		t.Fatalf("clean recovery must not rewrite history: before=%d after=%d", len(before), len(after))
	}

	final, _ := h.eng.GetExecution(ctx, exec.ID)
	if final.Phase != api.PhaseSuspended {
		t.Fatalf("expected the execution to stay suspended, got %s", final.Phase)
	}

	if err := h.eng.RecoverExecution(ctx, "missing"); !errors.Is(err, api.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}
