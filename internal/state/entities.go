package state

import (
	"time"

	"github.com/petrijr/loom/pkg/api"
)

// Task is the folded view of one task sub-entity.
type Task struct {
	ID      string
	Kind    string
	Phase   api.TaskPhase
	Seq     uint64 // per-type creation ordinal
	Input   any
	Output  any
	Failure string
	Retry   *api.RetryPolicy
	Attempt int
}

// Timer is the folded view of one timer sub-entity.
type Timer struct {
	ID     string
	Phase  api.TimerPhase
	Seq    uint64
	FireAt time.Time
}

// Child is the folded view of one child workflow as seen from the parent.
// Only ids cross the boundary; the child execution is reached by lookup.
type Child struct {
	ID          string
	Kind        string
	Phase       api.ChildPhase
	Seq         uint64
	ExecutionID string
	Input       any
	Output      any
	Failure     string
}

// Promise is the folded view of one one-shot promise.
type Promise struct {
	ID      string
	Phase   api.PromisePhase
	Seq     uint64
	Value   any
	Failure string
}

func (t *Task) terminal() bool    { return t.Phase.Terminal() }
func (t *Timer) terminal() bool   { return t.Phase.Terminal() }
func (c *Child) terminal() bool   { return c.Phase.Terminal() }
func (p *Promise) terminal() bool { return p.Phase.Terminal() }
