// Package loom provides a durable, event-sourced workflow engine for Go.
//
// Loom is designed for backend services that need long-lived orchestrations
// that survive process crashes: multi-step sagas, human-approval flows,
// scheduled retries, fan-out/fan-in over external work. Every execution is a
// gapless, append-only event history; all visible state is a pure fold of
// that history, so a process can die at any instruction and a replay
// reconstructs exactly where it was.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. Workflow functions
//  3. Task handlers and Worker
//  4. FlowBuilder
//  5. LocalRunner
//
// # Engine
//
// The Engine owns execution histories and the derived execution rows. It
// provides APIs to:
//   - create executions (optionally deduplicated by idempotency key)
//   - deliver signals, including atomic signal-with-start
//   - settle externally-resolved promises
//   - request cooperative cancellation
//   - read and subscribe to histories
//   - audit and recover damaged histories
//
// Engines can be backed by different stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - SQLite + Redis (shared idempotency slots and cross-process
//     event notifications for multi-instance deployments)
//
// Appends are guarded by an expected-sequence check, so concurrent engine
// instances over the same store never fork a history.
//
// # Workflow functions
//
// A workflow function is deterministic orchestration code:
//
//	func(wctx *loom.WorkflowContext, input any) (any, error)
//
// It is re-executed from the top on every advance; each WorkflowContext call
// either fast-forwards through an already recorded event or records a new
// command. Anything nondeterministic (time, randomness, external I/O) must go
// through the context or into a task. The context offers durable tasks,
// timers, child workflows, one-shot promises, FIFO signal queues, and the
// JoinAll / Select combinators whose outcomes are replay-stable.
//
// # Task handlers and Worker
//
// Task handlers hold the side effects. A Worker claims ready tasks and due
// timers from the pending-work store under a lease, runs the handler with
// in-process retries per the task's RetryPolicy, and reports the single
// durable outcome back. Handlers get at-least-once delivery and should be
// idempotent; timers fire at most once.
//
// # FlowBuilder
//
// FlowBuilder defines sequential workflows out of durable tasks without
// writing a workflow function by hand:
//
//	loom.NewFlow("OnboardUser").
//	    Task("createAccount").
//	    Task("sendWelcomeEmail").
//	    WaitForSignal("activated").
//	    MustRegister(engine)
//
// Step combinators cover parallel task groups, sleeps, signal waits with
// timeout, child workflows, promises, conditionals and loops.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine and a worker into a single
// process-local helper for development and unit testing, with AwaitTerminal
// to block until an execution finishes. For durable deployments, use
// NewSQLiteBundle or NewRedisBundle instead.
//
// For runnable examples, see the /examples directory.
package loom
