package loom

import (
	"context"
	"fmt"
	"time"
)

// FlowStep is one stage of a built flow. It receives the previous stage's
// output and returns the next stage's input. Steps run inside the workflow
// function, so everything they do must go through the WorkflowContext.
type FlowStep func(wctx *WorkflowContext, input any) (any, error)

// FlowBuilder provides a fluent API for defining sequential workflows out of
// durable tasks, without writing a workflow function by hand:
//
//	flow := loom.NewFlow("OnboardUser").
//	    Task("createAccount").
//	    Task("sendWelcomeEmail").
//	    WaitForSignal("activated")
//
//	flow.MustRegister(engine)
//
//	exec, _, err := eng.CreateExecution(ctx, loom.CreateOptions{
//	    Kind:  flow.Name(),
//	    Input: input,
//	})
//
// Each stage's output becomes the next stage's input. The resulting workflow
// function is deterministic as long as custom Step funcs only act through the
// context.
type FlowBuilder struct {
	name  string
	steps []FlowStep
}

// NewFlow creates a flow builder for a workflow of the given kind.
func NewFlow(name string) *FlowBuilder {
	return &FlowBuilder{name: name}
}

// Name returns the workflow kind this flow registers under.
func (b *FlowBuilder) Name() string {
	return b.name
}

// Step appends a custom stage.
func (b *FlowBuilder) Step(fn FlowStep) *FlowBuilder {
	if fn == nil {
		panic(fmt.Sprintf("loom: flow %q has nil step", b.name))
	}
	b.steps = append(b.steps, fn)
	return b
}

// Task appends a stage that executes the named durable task and passes its
// output on.
func (b *FlowBuilder) Task(kind string) *FlowBuilder {
	return b.Step(TaskStep(kind))
}

// TaskWithRetry appends a task stage with a worker-side retry policy.
func (b *FlowBuilder) TaskWithRetry(kind string, retry RetryPolicy) *FlowBuilder {
	return b.Step(TaskStep(kind, WithRetry(retry)))
}

// Parallel appends a stage that runs the named tasks concurrently, each
// receiving the stage input, and passes their outputs on as a []any.
func (b *FlowBuilder) Parallel(kinds ...string) *FlowBuilder {
	return b.Step(ParallelTasksStep(kinds...))
}

// Sleep appends a durable timer stage. The stage input passes through.
func (b *FlowBuilder) Sleep(d time.Duration) *FlowBuilder {
	return b.Step(SleepStep(d))
}

// WaitForSignal appends a stage that suspends until the named signal arrives
// and passes the signal payload on.
func (b *FlowBuilder) WaitForSignal(name string) *FlowBuilder {
	return b.Step(WaitForSignalStep(name))
}

// Child appends a stage that runs a child workflow of the given kind with the
// stage input and passes the child's output on.
func (b *FlowBuilder) Child(kind string) *FlowBuilder {
	return b.Step(ChildStep(kind))
}

// Build returns the workflow function the flow compiles to.
func (b *FlowBuilder) Build() WorkflowFunc {
	steps := b.steps
	return func(wctx *WorkflowContext, input any) (any, error) {
		cur := input
		for _, step := range steps {
			out, err := step(wctx, cur)
			if err != nil {
				return nil, err
			}
			cur = out
		}
		return cur, nil
	}
}

// Register registers the built flow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	return eng.RegisterWorkflow(b.name, b.Build())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

// Run is a convenience that creates an execution of the flow's kind.
func (b *FlowBuilder) Run(ctx context.Context, eng Engine, input any) (*Execution, bool, error) {
	return eng.CreateExecution(ctx, CreateOptions{
		Kind:  b.name,
		Input: input,
	})
}
