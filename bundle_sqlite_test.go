package loom_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/loom"
	"github.com/petrijr/loom/pkg/worker"
)

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// pump drives the bundle's worker until the condition holds for the
// execution and its history.
func pump(t *testing.T, b *loom.WorkerBundle, id string, cond func(*loom.Execution, []loom.Event) bool) *loom.Execution {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := b.Engine.GetExecution(ctx, id)
		require.NoError(t, err)
		history, err := loom.ReadHistory(ctx, b.Engine, id, 0)
		require.NoError(t, err)
		if cond(exec, history) {
			return exec
		}
		n, err := b.Worker.ProcessBatch(ctx)
		require.NoError(t, err)
		if n == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	t.Fatalf("execution %s never met the condition", id)
	return nil
}

func hasEvent(history []loom.Event, typ loom.EventType) bool {
	for _, ev := range history {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func registerOnboarding(t *testing.T, b *loom.WorkerBundle) *loom.FlowBuilder {
	t.Helper()
	require.NoError(t, b.Engine.RegisterTask("provision", loom.TaskHandlerFunc(
		func(ctx context.Context, input any) (any, error) {
			return "account for " + input.(string), nil
		})))
	flow := loom.NewFlow("onboarding").
		Task("provision").
		WaitForSignal("activated")
	flow.MustRegister(b.Engine)
	return flow
}

func TestSQLiteBundleSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loom.db")

	db := openTestDB(t, path)
	bundle, err := loom.NewSQLiteBundle(db, worker.Config{Owner: "w1"})
	require.NoError(t, err)
	flow := registerOnboarding(t, bundle)

	exec, created, err := flow.Run(ctx, bundle.Engine, "ada")
	require.NoError(t, err)
	require.True(t, created)

	// The provisioning task runs, then the flow parks on the signal.
	suspended := pump(t, bundle, exec.ID, func(e *loom.Execution, history []loom.Event) bool {
		return e.Phase == loom.PhaseSuspended && hasEvent(history, "task.completed")
	})
	require.Equal(t, loom.PhaseSuspended, suspended.Phase)

	// "Restart": a new bundle over the same database picks up where the old
	// one stopped. State lives in SQLite, not in the process.
	db2 := openTestDB(t, path)
	bundle2, err := loom.NewSQLiteBundle(db2, worker.Config{Owner: "w2"})
	require.NoError(t, err)
	registerOnboarding(t, bundle2)

	recovered, err := bundle2.Engine.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, loom.PhaseSuspended, recovered.Phase)

	history, err := loom.ReadHistory(ctx, bundle2.Engine, exec.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	require.Equal(t, loom.EventType("workflow.started"), history[0].Type)

	require.NoError(t, loom.Signal(ctx, bundle2.Engine, exec.ID, "activated", "go-live"))
	final := pump(t, bundle2, exec.ID, func(e *loom.Execution, history []loom.Event) bool {
		return e.Phase == loom.PhaseCompleted
	})
	require.Equal(t, "go-live", final.Output)
}

func TestSQLiteBundleIdempotentCreate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "loom.db"))

	bundle, err := loom.NewSQLiteBundle(db, worker.Config{Owner: "w1"})
	require.NoError(t, err)
	registerOnboarding(t, bundle)

	opts := loom.CreateOptions{TenantID: "t1", Kind: "onboarding", Input: "bob", IdempotencyKey: "signup-7"}
	first, created, err := bundle.Engine.CreateExecution(ctx, opts)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := bundle.Engine.CreateExecution(ctx, opts)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
}
