package loom

import "time"

// Step combinators for FlowBuilder. Each returns a FlowStep that acts only
// through the WorkflowContext, so flows built from them stay deterministic.

// TaskStep executes the named durable task with the stage input and returns
// its output.
func TaskStep(kind string, opts ...TaskOption) FlowStep {
	return func(wctx *WorkflowContext, input any) (any, error) {
		return wctx.ExecuteTask(kind, input, opts...).Get(wctx)
	}
}

// ParallelTasksStep runs the named tasks concurrently, each with the stage
// input, and returns their outputs in task order as a []any. The first
// failure cancels the rest.
func ParallelTasksStep(kinds ...string) FlowStep {
	return func(wctx *WorkflowContext, input any) (any, error) {
		futures := make([]Future, len(kinds))
		for i, kind := range kinds {
			futures[i] = wctx.ExecuteTask(kind, input)
		}
		out, err := wctx.JoinAll(futures...)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// SleepStep waits on a durable timer and passes the stage input through.
func SleepStep(d time.Duration) FlowStep {
	return func(wctx *WorkflowContext, input any) (any, error) {
		if err := wctx.Sleep(d); err != nil {
			return nil, err
		}
		return input, nil
	}
}

// WaitForSignalStep suspends until the named signal arrives and returns its
// payload. The stage input is discarded.
func WaitForSignalStep(name string) FlowStep {
	return func(wctx *WorkflowContext, input any) (any, error) {
		return wctx.Signal(name).Get(wctx)
	}
}

// WaitForSignalWithTimeoutStep waits for the named signal up to d. On
// delivery it returns the payload; when the timer wins it passes the stage
// input through unchanged.
func WaitForSignalWithTimeoutStep(name string, d time.Duration) FlowStep {
	return func(wctx *WorkflowContext, input any) (any, error) {
		val, ok, err := wctx.SignalWithTimeout(name, d)
		if err != nil {
			return nil, err
		}
		if !ok {
			return input, nil
		}
		return val, nil
	}
}

// ChildStep runs a child workflow of the given kind with the stage input and
// returns its output.
func ChildStep(kind string) FlowStep {
	return func(wctx *WorkflowContext, input any) (any, error) {
		return wctx.StartChild(kind, input).Get(wctx)
	}
}

// PromiseStep creates (or replays) a one-shot promise with the given id and
// waits for it to be settled externally. The stage input is discarded.
func PromiseStep(id string) FlowStep {
	return func(wctx *WorkflowContext, input any) (any, error) {
		return wctx.Promise(id).Get(wctx)
	}
}

// IfStep branches between two steps based on the stage input.
func IfStep(cond func(input any) bool, thenStep, elseStep FlowStep) FlowStep {
	return func(wctx *WorkflowContext, input any) (any, error) {
		if cond(input) {
			return thenStep(wctx, input)
		}
		if elseStep == nil {
			return input, nil
		}
		return elseStep(wctx, input)
	}
}

// LoopStep executes body a fixed number of times, feeding each output back
// as the next input.
func LoopStep(times int, body FlowStep) FlowStep {
	return func(wctx *WorkflowContext, input any) (any, error) {
		cur := input
		for i := 0; i < times; i++ {
			out, err := body(wctx, cur)
			if err != nil {
				return nil, err
			}
			cur = out
		}
		return cur, nil
	}
}
