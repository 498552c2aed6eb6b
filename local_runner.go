package loom

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrijr/loom/pkg/worker"
)

// LocalRunner bundles an in-memory Engine with a Worker to provide a simple
// single-process runner for development, tests and examples.
//
// Typical usage:
//
//	runner := loom.NewLocalRunner()
//	runner.Engine.RegisterWorkflow("my-flow", myFlow)
//	runner.Engine.RegisterTask("my-task", myTask)
//
//	_ = runner.StartWorkers(ctx, 2)
//	exec, _, _ := runner.Engine.CreateExecution(ctx, loom.CreateOptions{Kind: "my-flow", Input: in})
//	final, _ := runner.AwaitTerminal(ctx, exec.ID)
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine Engine

	// Worker claims and executes pending tasks and timers against Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine and a
// worker with a short poll interval.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithObserver(nil)
}

// NewLocalRunnerWithObserver is NewLocalRunner with an Observer attached to
// both the engine and the worker.
func NewLocalRunnerWithObserver(obs Observer) *LocalRunner {
	eng := NewInMemoryEngineWithObserver(obs)
	w := worker.New(eng, worker.Config{
		PollInterval: 10 * time.Millisecond,
		Observer:     obs,
	})
	return &LocalRunner{
		Engine: eng,
		Worker: w,
	}
}

// StartWorkers starts 'concurrency' goroutines running the Worker's poll loop
// until the context is cancelled via Stop.
//
// If StartWorkers is called again without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("loom: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()
			_ = r.Worker.Run(ctx)
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits for
// them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// AwaitTerminal blocks until the execution reaches a terminal phase and
// returns its final row. It follows the execution's event stream, falling
// back to the stored row so a terminal event that raced the subscription is
// not missed.
func (r *LocalRunner) AwaitTerminal(ctx context.Context, executionID string) (*Execution, error) {
	events, stop, err := r.Engine.Subscribe(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer stop()

	for {
		exec, err := r.Engine.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Phase.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-events:
		case <-time.After(50 * time.Millisecond):
			// Poll fallback for events that landed before Subscribe.
		}
	}
}
