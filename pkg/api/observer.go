package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay event processing.
type Observer interface {
	// OnExecutionStart is called once when an execution is created, before
	// its first advance.
	OnExecutionStart(ctx context.Context, exec *Execution)

	// OnExecutionSuspended is called when an execution parks with no ready
	// work.
	OnExecutionSuspended(ctx context.Context, exec *Execution)

	// OnExecutionCompleted is called when an execution reaches COMPLETED.
	OnExecutionCompleted(ctx context.Context, exec *Execution)

	// OnExecutionFailed is called when an execution reaches FAILED or
	// CANCELLED.
	OnExecutionFailed(ctx context.Context, exec *Execution, err error)

	// OnTaskStart is called when a worker begins a task attempt.
	OnTaskStart(ctx context.Context, executionID, taskID, kind string, attempt int)

	// OnTaskCompleted is called after a task attempt returns, for both
	// successes and failures (err != nil).
	OnTaskCompleted(ctx context.Context, executionID, taskID, kind string, err error, duration time.Duration)

	// OnEventsAppended is called after a batch of events is durably
	// appended to an execution's history.
	OnEventsAppended(ctx context.Context, executionID string, events []Event)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStart(ctx context.Context, exec *Execution)                {}
func (NoopObserver) OnExecutionSuspended(ctx context.Context, exec *Execution)            {}
func (NoopObserver) OnExecutionCompleted(ctx context.Context, exec *Execution)            {}
func (NoopObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error)    {}
func (NoopObserver) OnTaskStart(ctx context.Context, executionID, taskID, kind string, attempt int) {
}
func (NoopObserver) OnTaskCompleted(ctx context.Context, executionID, taskID, kind string, err error, d time.Duration) {
}
func (NoopObserver) OnEventsAppended(ctx context.Context, executionID string, events []Event) {}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionStart(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionSuspended(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionSuspended(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionCompleted(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	for _, o := range c.observers {
		o.OnExecutionFailed(ctx, exec, err)
	}
}

func (c *CompositeObserver) OnTaskStart(ctx context.Context, executionID, taskID, kind string, attempt int) {
	for _, o := range c.observers {
		o.OnTaskStart(ctx, executionID, taskID, kind, attempt)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, executionID, taskID, kind string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, executionID, taskID, kind, err, d)
	}
}

func (c *CompositeObserver) OnEventsAppended(ctx context.Context, executionID string, events []Event) {
	for _, o := range c.observers {
		o.OnEventsAppended(ctx, executionID, events)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution / task
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_start",
		slog.String("kind", exec.Kind),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnExecutionSuspended(ctx context.Context, exec *Execution) {
	o.Logger.DebugContext(ctx, "execution_suspended",
		slog.String("kind", exec.Kind),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_completed",
		slog.String("kind", exec.Kind),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	o.Logger.ErrorContext(ctx, "execution_failed",
		slog.String("kind", exec.Kind),
		slog.String("execution_id", exec.ID),
		slog.String("phase", string(exec.Phase)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTaskStart(ctx context.Context, executionID, taskID, kind string, attempt int) {
	o.Logger.DebugContext(ctx, "task_start",
		slog.String("execution_id", executionID),
		slog.String("task_id", taskID),
		slog.String("task_kind", kind),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, executionID, taskID, kind string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "task_completed",
		slog.String("execution_id", executionID),
		slog.String("task_id", taskID),
		slog.String("task_kind", kind),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnEventsAppended(ctx context.Context, executionID string, events []Event) {
	if len(events) == 0 {
		return
	}
	o.Logger.DebugContext(ctx, "events_appended",
		slog.String("execution_id", executionID),
		slog.Int("count", len(events)),
		slog.String("first", string(events[0].Type)),
		slog.Uint64("through_seq", events[len(events)-1].Sequence),
	)
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	tasksCompleted      atomic.Int64
	eventsAppended      atomic.Int64
	totalTaskDuration   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsCompleted int64
	ExecutionsFailed    int64
	LiveExecutions      int64

	TasksCompleted  int64
	EventsAppended  int64
	AvgTaskDuration time.Duration
}

func (m *BasicMetrics) OnExecutionStart(ctx context.Context, exec *Execution) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	m.executionsCompleted.Add(1)
}

func (m *BasicMetrics) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	m.executionsFailed.Add(1)
}

func (m *BasicMetrics) OnTaskCompleted(ctx context.Context, executionID, taskID, kind string, err error, d time.Duration) {
	// Only count successful attempts for average duration.
	if err == nil {
		m.tasksCompleted.Add(1)
		m.totalTaskDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnEventsAppended(ctx context.Context, executionID string, events []Event) {
	m.eventsAppended.Add(int64(len(events)))
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	completed := m.executionsCompleted.Load()
	failed := m.executionsFailed.Load()
	tasks := m.tasksCompleted.Load()
	totalNs := m.totalTaskDuration.Load()

	var avg time.Duration
	if tasks > 0 {
		avg = time.Duration(totalNs / tasks)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsCompleted: completed,
		ExecutionsFailed:    failed,
		LiveExecutions:      started - completed - failed,
		TasksCompleted:      tasks,
		EventsAppended:      m.eventsAppended.Load(),
		AvgTaskDuration:     avg,
	}
}
