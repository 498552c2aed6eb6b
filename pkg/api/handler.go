package api

import "context"

// WorkflowFunc is deterministic orchestration code for one workflow kind.
// It is re-executed from the top on every advance of an execution; all
// durable effects must go through the WorkflowContext.
type WorkflowFunc func(wctx *WorkflowContext, input any) (any, error)

// TaskHandler executes one task attempt on a worker. Handlers run real side
// effects and are therefore invoked at least once per task; they must be
// idempotent with respect to re-delivery after a lost claim.
type TaskHandler interface {
	Execute(ctx context.Context, input any) (any, error)
}

// TaskHandlerFunc adapts a plain function to a TaskHandler.
type TaskHandlerFunc func(ctx context.Context, input any) (any, error)

func (f TaskHandlerFunc) Execute(ctx context.Context, input any) (any, error) {
	return f(ctx, input)
}
