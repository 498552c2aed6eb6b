package loom_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/loom"
)

func TestLocalRunnerLifecycle(t *testing.T) {
	ctx := context.Background()
	r := loom.NewLocalRunner()

	require.NoError(t, r.Engine.RegisterTask("echo", loom.TaskHandlerFunc(
		func(ctx context.Context, input any) (any, error) { return input, nil })))
	require.NoError(t, r.Engine.RegisterWorkflow("echo-flow", func(wctx *loom.WorkflowContext, input any) (any, error) {
		return wctx.ExecuteTask("echo", input).Get(wctx)
	}))

	require.NoError(t, r.StartWorkers(ctx, 2))
	// A second start without Stop is refused.
	require.Error(t, r.StartWorkers(ctx, 1))

	exec, _, err := loom.CreateExecution(ctx, r.Engine, loom.CreateOptions{Kind: "echo-flow", Input: "ping"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := r.AwaitTerminal(waitCtx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, loom.PhaseCompleted, final.Phase)
	require.Equal(t, "ping", final.Output)

	r.Stop()
	// Stop is idempotent, and the runner can be started again.
	r.Stop()
	require.NoError(t, r.StartWorkers(ctx, 1))
	r.Stop()
}

func TestLocalRunnerAwaitTerminalHonorsContext(t *testing.T) {
	ctx := context.Background()
	r := loom.NewLocalRunner()
	require.NoError(t, r.Engine.RegisterWorkflow("stuck", func(wctx *loom.WorkflowContext, input any) (any, error) {
		return wctx.Signal("never").Get(wctx)
	}))

	exec, _, err := loom.CreateExecution(ctx, r.Engine, loom.CreateOptions{Kind: "stuck"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = r.AwaitTerminal(waitCtx, exec.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = r.AwaitTerminal(ctx, "missing")
	require.ErrorIs(t, err, loom.ErrExecutionNotFound)
}
