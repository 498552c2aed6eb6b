// Package worker runs claimed pending work against an Engine: it polls for
// ready tasks and due timers, invokes registered task handlers, and reports
// outcomes back. Any number of workers may run against the same stores;
// claim leases keep them from stepping on each other.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/loom/pkg/api"
)

const (
	defaultBatch        = 16
	defaultPollInterval = 100 * time.Millisecond
	defaultRetryDelay   = 5 * time.Second
)

// Config describes a Worker.
type Config struct {
	// Owner identifies this worker for claims. Defaults to a generated id.
	Owner string

	// Batch is the maximum number of items claimed per poll.
	Batch int

	// PollInterval is the idle sleep between polls that found no work.
	PollInterval time.Duration

	// RetryDelay is how long a work item stays parked after a transient
	// report failure before it becomes claimable again.
	RetryDelay time.Duration

	Observer api.Observer
	Logger   *slog.Logger
}

// Worker claims and executes pending work.
type Worker struct {
	engine api.Engine
	cfg    Config

	observer api.Observer
	logger   *slog.Logger
}

// New creates a Worker for the given engine.
func New(engine api.Engine, cfg Config) *Worker {
	if cfg.Owner == "" {
		cfg.Owner = "worker-" + uuid.NewString()
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{engine: engine, cfg: cfg, observer: obs, logger: logger}
}

// Owner returns the claim owner id of this worker.
func (w *Worker) Owner() string { return w.cfg.Owner }

// Run polls for work until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		n, err := w.ProcessBatch(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.logger.Error("claim failed", slog.Any("error", err))
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessBatch claims up to one batch of ready work and processes each item.
// It returns how many items were claimed.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	items, err := w.engine.ClaimPendingWork(ctx, w.cfg.Owner, w.cfg.Batch)
	if err != nil {
		return 0, err
	}
	for _, claim := range items {
		w.processItem(ctx, claim)
	}
	return len(items), nil
}

func (w *Worker) processItem(ctx context.Context, claim api.WorkItem) {
	switch claim.Kind {
	case api.WorkTimer:
		w.processTimer(ctx, claim)
	case api.WorkTask:
		w.processTask(ctx, claim)
	default:
		w.logger.Error("unknown work kind",
			slog.String("item_id", claim.ID),
			slog.String("kind", string(claim.Kind)))
		w.complete(ctx, claim)
	}
}

func (w *Worker) processTimer(ctx context.Context, claim api.WorkItem) {
	err := w.engine.FireTimer(ctx, claim)
	if err != nil && !errors.Is(err, api.ErrClaimLost) {
		w.release(ctx, claim)
		return
	}
	w.complete(ctx, claim)
}

// processTask runs one durable task attempt. The claim's delivery count is
// the attempt number: a failed handler call below MaxAttempts releases the
// item back to the queue with backoff, and a redelivery after a lease expiry
// consumes an attempt the same way. MaxAttempts therefore bounds handler
// calls across workers and restarts, while the history still records a
// single task.started and a single terminal outcome.
func (w *Worker) processTask(ctx context.Context, claim api.WorkItem) {
	attempt, err := w.engine.StartTask(ctx, claim)
	if err != nil {
		if errors.Is(err, api.ErrClaimLost) {
			// The task already moved on (completed elsewhere or cancelled);
			// the item is spent.
			w.complete(ctx, claim)
			return
		}
		w.release(ctx, claim)
		return
	}

	handler, ok := w.engine.TaskHandler(attempt.Kind)
	if !ok {
		w.report(ctx, claim, func() error {
			return w.engine.FailTask(ctx, claim, "no task handler registered for kind "+attempt.Kind)
		})
		return
	}

	maxAttempts := 1
	if attempt.Retry != nil && attempt.Retry.MaxAttempts > 0 {
		maxAttempts = attempt.Retry.MaxAttempts
	}

	started := time.Now()
	output, herr := handler.Execute(ctx, attempt.Input)
	w.observer.OnTaskCompleted(ctx, claim.ExecutionID, claim.EntityID, attempt.Kind, herr, time.Since(started))

	if herr != nil {
		if claim.Attempt < maxAttempts {
			var delay time.Duration
			if attempt.Retry != nil {
				delay = attempt.Retry.NextBackoff(claim.Attempt)
			}
			w.releaseFor(ctx, claim, delay)
			return
		}
		w.report(ctx, claim, func() error {
			return w.engine.FailTask(ctx, claim, herr.Error())
		})
		return
	}
	w.report(ctx, claim, func() error {
		return w.engine.CompleteTask(ctx, claim, output)
	})
}

// report delivers a task outcome and settles the pending item. A lost claim
// means another delivery already settled the task; the report is dropped.
// Any other failure parks the item for redelivery so the outcome event is
// not lost.
func (w *Worker) report(ctx context.Context, claim api.WorkItem, deliver func() error) {
	err := deliver()
	if err != nil && !errors.Is(err, api.ErrClaimLost) {
		w.release(ctx, claim)
		return
	}
	w.complete(ctx, claim)
}

func (w *Worker) complete(ctx context.Context, claim api.WorkItem) {
	if err := w.engine.CompletePendingWork(ctx, claim); err != nil {
		w.logger.Warn("pending complete failed",
			slog.String("item_id", claim.ID),
			slog.Any("error", err))
	}
}

func (w *Worker) release(ctx context.Context, claim api.WorkItem) {
	w.releaseFor(ctx, claim, w.cfg.RetryDelay)
}

func (w *Worker) releaseFor(ctx context.Context, claim api.WorkItem, delay time.Duration) {
	if err := w.engine.ReleasePendingWork(ctx, claim, delay); err != nil {
		w.logger.Warn("pending release failed",
			slog.String("item_id", claim.ID),
			slog.Any("error", err))
	}
}
