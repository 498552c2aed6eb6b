// Package replay reconstructs worker-side state from a persisted event
// history. It keeps one FIFO queue per event type-name pair plus a monotonic
// cursor per type family, and correlates each command the workflow code
// issues with the historical event at the same ordinal position.
package replay

import (
	"github.com/petrijr/loom/pkg/api"
)

// Replayer walks the creation events of one history in issue order.
//
// Each Match call either consumes the next buffered historical event of its
// family (the command was already executed; no real side effect must happen
// again) or reports that the command is new. Events that no command has
// consumed yet stay queued; that is how externally delivered signals buffer
// ahead of the workflow code asking for them.
type Replayer struct {
	validator Validator

	tasks    []api.Event
	timers   []api.Event
	children []api.Event
	promises []api.Event
	signals  map[string][]api.Event

	cursor    map[api.Family]int
	sigCursor map[string]int
}

// New builds a Replayer over the ordered history of one execution.
func New(executionID string, history []api.Event) *Replayer {
	r := &Replayer{
		validator: Validator{ExecutionID: executionID},
		signals:   make(map[string][]api.Event),
		cursor:    make(map[api.Family]int),
		sigCursor: make(map[string]int),
	}
	for _, ev := range history {
		switch ev.Type {
		case api.EventTaskScheduled:
			r.tasks = append(r.tasks, ev)
		case api.EventTimerStarted:
			r.timers = append(r.timers, ev)
		case api.EventChildInitiated:
			r.children = append(r.children, ev)
		case api.EventPromiseCreated:
			r.promises = append(r.promises, ev)
		case api.EventSignalReceived:
			name := ev.EntityID
			r.signals[name] = append(r.signals[name], ev)
		}
	}
	return r
}

// MatchTask correlates a schedule-task command for the given kind. It
// returns the historical event when one exists at the cursor, nil when the
// command is new, or a determinism error on mismatch.
func (r *Replayer) MatchTask(kind string) (*api.Event, error) {
	return r.match(api.FamilyTask, r.tasks, kind)
}

// MatchTimer correlates a start-timer command. Timers carry no name, so
// only the ordinal position is checked.
func (r *Replayer) MatchTimer() (*api.Event, error) {
	return r.match(api.FamilyTimer, r.timers, "")
}

// MatchChild correlates a start-child-workflow command for the given kind.
func (r *Replayer) MatchChild(kind string) (*api.Event, error) {
	return r.match(api.FamilyChild, r.children, kind)
}

// MatchPromise correlates a create-promise command. The promise id is the
// caller-chosen identity, so it is validated like a kind.
func (r *Replayer) MatchPromise(id string) (*api.Event, error) {
	pos := r.cursor[api.FamilyPromise]
	if pos >= len(r.promises) {
		r.cursor[api.FamilyPromise] = pos + 1
		return nil, nil
	}
	ev := r.promises[pos]
	if err := r.validator.Check(api.FamilyPromise, uint64(pos+1), ev.EntityID, id); err != nil {
		return nil, err
	}
	r.cursor[api.FamilyPromise] = pos + 1
	return &ev, nil
}

func (r *Replayer) match(f api.Family, queue []api.Event, name string) (*api.Event, error) {
	pos := r.cursor[f]
	if pos >= len(queue) {
		r.cursor[f] = pos + 1
		return nil, nil
	}
	ev := queue[pos]
	if err := r.validator.Check(f, uint64(pos+1), ev.Name, name); err != nil {
		return nil, err
	}
	r.cursor[f] = pos + 1
	return &ev, nil
}

// Issued returns how many commands of the family have been issued in this
// pass, matched or new.
func (r *Replayer) Issued(f api.Family) int { return r.cursor[f] }

// HistoryCount returns how many creation events of the family the history
// holds.
func (r *Replayer) HistoryCount(f api.Family) int {
	switch f {
	case api.FamilyTask:
		return len(r.tasks)
	case api.FamilyTimer:
		return len(r.timers)
	case api.FamilyChild:
		return len(r.children)
	case api.FamilyPromise:
		return len(r.promises)
	}
	return 0
}

// SignalAvailable reports whether an unconsumed signal.received event is
// buffered for the name.
func (r *Replayer) SignalAvailable(name string) bool {
	return r.sigCursor[name] < len(r.signals[name])
}

// TakeSignal consumes the next buffered signal value for the name, FIFO.
func (r *Replayer) TakeSignal(name string) (any, bool) {
	pos := r.sigCursor[name]
	queue := r.signals[name]
	if pos >= len(queue) {
		return nil, false
	}
	r.sigCursor[name] = pos + 1
	return queue[pos].Payload, true
}
