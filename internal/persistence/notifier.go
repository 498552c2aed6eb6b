package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/loom/pkg/api"
)

// subscriberBuffer bounds how far a subscriber may lag before events are
// dropped on the floor. Dropped subscribers reconcile via ListEvents.
const subscriberBuffer = 64

// InMemoryNotifier fans appended events out to channel subscribers within
// one process.
type InMemoryNotifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan api.Event
}

var _ Notifier = (*InMemoryNotifier)(nil)

// NewInMemoryNotifier creates an empty notifier.
func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{subs: make(map[string]map[int]chan api.Event)}
}

func (n *InMemoryNotifier) Publish(ctx context.Context, executionID string, events []api.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs[executionID] {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
				// Subscriber is lagging; it must catch up from the
				// event store.
			}
		}
	}
}

func (n *InMemoryNotifier) Subscribe(executionID string) (<-chan api.Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++

	ch := make(chan api.Event, subscriberBuffer)
	if n.subs[executionID] == nil {
		n.subs[executionID] = make(map[int]chan api.Event)
	}
	n.subs[executionID][id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[executionID][id]; ok {
			delete(n.subs[executionID], id)
			close(sub)
			if len(n.subs[executionID]) == 0 {
				delete(n.subs, executionID)
			}
		}
	}
	return ch, cancel
}
