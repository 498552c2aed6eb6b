// Package engine implements the durable workflow engine: executions are
// advanced by folding their event history, re-running the registered workflow
// function against it, and appending the commands the run produced as new
// events. The history is the single source of truth; every other structure
// (execution rows, pending work, idempotency slots) is derived from it.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/loom/internal/pending"
	"github.com/petrijr/loom/internal/persistence"
	"github.com/petrijr/loom/internal/state"
	"github.com/petrijr/loom/pkg/api"
)

const (
	defaultAdvanceLeaseTTL   = 30 * time.Second
	defaultWorkLeaseTTL      = time.Minute
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultMaxRepairAttempts = 3

	// maxAppendRetries bounds how often a fold-append cycle is retried when
	// it loses the race against a concurrent append.
	maxAppendRetries = 8
)

type engineImpl struct {
	store   persistence.Persistence
	pending pending.Store

	workflows *workflowRegistry
	tasks     *taskRegistry

	observer api.Observer
	logger   *slog.Logger

	// owner identifies this engine instance for advance leases.
	owner string

	advanceLeaseTTL   time.Duration
	workLeaseTTL      time.Duration
	idempotencyTTL    time.Duration
	maxRepairAttempts int

	creates keyedMutex
}

var _ api.Engine = (*engineImpl)(nil)

// Config describes how to construct an engine.
// External callers normally use the helper constructors instead.
type Config struct {
	Persistence persistence.Persistence
	Pending     pending.Store
	Observer    api.Observer
	Logger      *slog.Logger

	// AdvanceLeaseTTL is how long one instance holds an execution while
	// advancing it.
	AdvanceLeaseTTL time.Duration

	// WorkLeaseTTL is how long a claimed pending-work item stays assigned
	// before it becomes eligible for re-claim.
	WorkLeaseTTL time.Duration

	// IdempotencyTTL is the default slot lifetime when CreateOptions does
	// not set one.
	IdempotencyTTL time.Duration

	// MaxRepairAttempts bounds RecoverExecution before it gives up and
	// marks the execution failed.
	MaxRepairAttempts int
}

// NewInMemoryEngine returns an engine backed entirely by in-process stores.
func NewInMemoryEngine() api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Executions:  mem,
			Events:      mem,
			Idempotency: mem,
			Notifier:    persistence.NewInMemoryNotifier(),
		},
		Pending: pending.NewInMemoryStore(),
	})
}

// NewInMemoryEngineWithObserver returns an in-memory engine with the given
// observer.
func NewInMemoryEngineWithObserver(obs api.Observer) api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Executions:  mem,
			Events:      mem,
			Idempotency: mem,
			Notifier:    persistence.NewInMemoryNotifier(),
		},
		Pending:  pending.NewInMemoryStore(),
		Observer: obs,
	})
}

// NewSQLiteEngine returns an engine persisting executions, histories,
// idempotency slots and pending work in the given SQLite database.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed engine with the given
// observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, error) {
	p, queue, err := sqliteStores(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: p,
		Pending:     queue,
		Observer:    obs,
	}), nil
}

func sqliteStores(db *sql.DB) (persistence.Persistence, pending.Store, error) {
	execs, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return persistence.Persistence{}, nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return persistence.Persistence{}, nil, err
	}
	queue, err := pending.NewSQLiteStore(db)
	if err != nil {
		return persistence.Persistence{}, nil, err
	}
	return persistence.Persistence{
		Executions:  execs,
		Events:      events,
		Idempotency: execs,
		Notifier:    persistence.NewInMemoryNotifier(),
	}, queue, nil
}

// NewRedisEngine returns a SQLite-persisted engine that shares idempotency
// slots and event notifications through Redis, for multi-instance
// deployments.
func NewRedisEngine(db *sql.DB, client *redis.Client) (api.Engine, error) {
	p, queue, err := sqliteStores(db)
	if err != nil {
		return nil, err
	}
	p.Idempotency = persistence.NewRedisIdempotencyStore(client, "")
	p.Notifier = persistence.NewRedisNotifier(client, "")
	return NewEngineWithConfig(Config{
		Persistence: p,
		Pending:     queue,
	}), nil
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &engineImpl{
		store:             cfg.Persistence,
		pending:           cfg.Pending,
		workflows:         newWorkflowRegistry(),
		tasks:             newTaskRegistry(),
		observer:          obs,
		logger:            logger,
		owner:             uuid.NewString(),
		advanceLeaseTTL:   cfg.AdvanceLeaseTTL,
		workLeaseTTL:      cfg.WorkLeaseTTL,
		idempotencyTTL:    cfg.IdempotencyTTL,
		maxRepairAttempts: cfg.MaxRepairAttempts,
	}
	if e.advanceLeaseTTL <= 0 {
		e.advanceLeaseTTL = defaultAdvanceLeaseTTL
	}
	if e.workLeaseTTL <= 0 {
		e.workLeaseTTL = defaultWorkLeaseTTL
	}
	if e.idempotencyTTL <= 0 {
		e.idempotencyTTL = defaultIdempotencyTTL
	}
	if e.maxRepairAttempts <= 0 {
		e.maxRepairAttempts = defaultMaxRepairAttempts
	}
	return e
}

func (e *engineImpl) RegisterWorkflow(kind string, fn api.WorkflowFunc) error {
	return e.workflows.Register(kind, fn)
}

func (e *engineImpl) RegisterTask(kind string, h api.TaskHandler) error {
	return e.tasks.Register(kind, h)
}

func (e *engineImpl) TaskHandler(kind string) (api.TaskHandler, bool) {
	return e.tasks.Get(kind)
}

func (e *engineImpl) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	return e.store.Executions.GetExecution(ctx, id)
}

func (e *engineImpl) ListExecutions(ctx context.Context, opts api.ListOptions) ([]*api.Execution, error) {
	return e.store.Executions.ListExecutions(ctx, persistence.ExecutionFilter{
		TenantID: opts.TenantID,
		Kind:     opts.Kind,
		Phase:    opts.Phase,
	})
}

func (e *engineImpl) ReadHistory(ctx context.Context, id string, afterSequence uint64) ([]api.Event, error) {
	if _, err := e.store.Executions.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	return e.store.Events.ListEvents(ctx, id, afterSequence)
}

func (e *engineImpl) Subscribe(ctx context.Context, id string) (<-chan api.Event, func(), error) {
	if _, err := e.store.Executions.GetExecution(ctx, id); err != nil {
		return nil, nil, err
	}
	ch, cancel := e.store.Notifier.Subscribe(id)
	return ch, cancel, nil
}

func (e *engineImpl) ClaimPendingWork(ctx context.Context, owner string, batch int) ([]api.WorkItem, error) {
	items, err := e.pending.Claim(ctx, owner, batch, e.workLeaseTTL)
	if err != nil {
		return nil, err
	}
	out := make([]api.WorkItem, 0, len(items))
	for _, it := range items {
		out = append(out, api.WorkItem{
			ID:          it.ID,
			Kind:        it.Kind,
			ExecutionID: it.ExecutionID,
			EntityID:    it.EntityID,
			TaskKind:    it.TaskKind,
			Input:       it.Input,
			Attempt:     it.Attempt,
			NotBefore:   it.NotBefore,
			Owner:       it.ClaimedBy,
			LeaseUntil:  it.ClaimedUntil,
		})
	}
	return out, nil
}

func (e *engineImpl) CompletePendingWork(ctx context.Context, claim api.WorkItem) error {
	return e.pending.Complete(ctx, claim.ID, claim.Owner)
}

func (e *engineImpl) ReleasePendingWork(ctx context.Context, claim api.WorkItem, delay time.Duration) error {
	return e.pending.Release(ctx, claim.ID, claim.Owner, delay)
}

// pendingItemID derives the stable pending-work id for an entity, so
// re-advancing an execution enqueues each entity at most once.
func pendingItemID(executionID, entityID string) string {
	return executionID + "/" + entityID
}

// changeFn inspects the folded state of an execution and returns the events
// to append. Returning an empty batch means there is nothing to do.
type changeFn func(c *state.Composite, history []api.Event) ([]api.Event, error)

// mutateExecution runs one fold-append cycle: list the history, fold it,
// let change plan a batch against the fold, validate the batch by applying
// it, and append it with the expected next sequence. A lost append race
// re-reads and retries with fresh state; histories are never merged.
func (e *engineImpl) mutateExecution(ctx context.Context, executionID string, change changeFn) (*state.Composite, []api.Event, error) {
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		history, err := e.store.Events.ListEvents(ctx, executionID, 0)
		if err != nil {
			return nil, nil, err
		}
		comp, err := state.Fold(executionID, history)
		if err != nil {
			return nil, nil, err
		}

		batch, err := change(comp, history)
		if err != nil {
			return nil, nil, err
		}
		if len(batch) == 0 {
			return comp, nil, nil
		}

		expected := comp.NextSequence
		for i := range batch {
			if err := comp.Apply(batch[i]); err != nil {
				return nil, nil, err
			}
		}
		if err := e.store.Events.AppendEvents(ctx, executionID, expected, batch); err != nil {
			if errors.Is(err, api.ErrConcurrentAppend) {
				continue
			}
			return nil, nil, err
		}

		if err := e.syncExecution(ctx, executionID, comp); err != nil {
			e.logger.Warn("execution row sync failed",
				slog.String("execution_id", executionID),
				slog.Any("error", err))
		}
		e.store.Notifier.Publish(ctx, executionID, batch)
		e.observer.OnEventsAppended(ctx, executionID, batch)
		return comp, batch, nil
	}
	return nil, nil, api.ErrConcurrentAppend
}

// syncExecution projects the folded state onto the execution row. The row is
// a read-model convenience; on conflict the history wins.
func (e *engineImpl) syncExecution(ctx context.Context, executionID string, comp *state.Composite) error {
	exec, err := e.store.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	exec.Phase = comp.Phase
	exec.NextSequence = comp.NextSequence
	exec.Output = comp.Output
	if comp.Failure != "" {
		exec.Err = errors.New(comp.Failure)
	}
	exec.UpdatedAt = time.Now()
	return e.store.Executions.UpdateExecution(ctx, exec)
}

// tryAdvance advances an execution and logs instead of propagating failures:
// by the time advance runs, the caller's own append already succeeded, and a
// replay problem (such as a determinism violation) parks the execution
// rather than failing the API call that woke it.
func (e *engineImpl) tryAdvance(ctx context.Context, executionID string) {
	if err := e.advance(ctx, executionID); err != nil {
		e.logger.Error("advance failed",
			slog.String("execution_id", executionID),
			slog.Any("error", err))
	}
}

// keyedMutex hands out one mutex per key, serializing claim-then-register
// races on the same idempotency key within this process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	mu, ok := k.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		k.locks[key] = mu
	}
	k.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}
