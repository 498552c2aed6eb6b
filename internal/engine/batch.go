package engine

import (
	"time"

	"github.com/petrijr/loom/internal/state"
	"github.com/petrijr/loom/pkg/api"
)

// eventBatch numbers events against a folded state: global sequences continue
// from the fold's NextSequence, and creation events get the next per-family
// ordinal. All appends go through a batch so the numbering invariants hold in
// exactly one place.
type eventBatch struct {
	comp    *state.Composite
	next    uint64
	now     time.Time
	typeSeq map[api.Family]uint64
	events  []api.Event
}

func newBatch(comp *state.Composite) *eventBatch {
	return &eventBatch{
		comp:    comp,
		next:    comp.NextSequence,
		now:     time.Now(),
		typeSeq: make(map[api.Family]uint64),
	}
}

func (b *eventBatch) add(ev api.Event) api.Event {
	ev.ExecutionID = b.comp.ExecutionID
	ev.Sequence = b.next
	b.next++
	if ev.At.IsZero() {
		ev.At = b.now
	}
	if ev.Type.Creation() {
		f := ev.Type.Family()
		if _, ok := b.typeSeq[f]; !ok {
			b.typeSeq[f] = b.comp.TypeSeq(f)
		}
		b.typeSeq[f]++
		ev.TypeSequence = b.typeSeq[f]
	}
	b.events = append(b.events, ev)
	return ev
}

func (b *eventBatch) empty() bool { return len(b.events) == 0 }

// startEvent opens a pending execution's history. It is prepended by any
// change that finds the execution saved but not yet started.
func startEvent(b *eventBatch, exec *api.Execution) {
	b.add(api.Event{
		Type:    api.EventWorkflowStarted,
		Name:    exec.Kind,
		Payload: exec.Input,
	})
}
