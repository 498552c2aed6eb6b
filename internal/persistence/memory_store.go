package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of ExecutionStore,
// EventStore and IdempotencyStore backed by maps. It is the default store
// for tests and single-process embedding.
type InMemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*api.Execution
	histories  map[string][]api.Event
	slots      map[string]api.IdempotencySlot
	leases     map[string]lease

	// appendMu serializes appends per execution: within one execution,
	// event ordering is total; across executions there is none.
	appendMu sync.Mutex
	appends  map[string]*sync.Mutex
}

type lease struct {
	owner string
	until time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		executions: make(map[string]*api.Execution),
		histories:  make(map[string][]api.Event),
		slots:      make(map[string]api.IdempotencySlot),
		leases:     make(map[string]lease),
		appends:    make(map[string]*sync.Mutex),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ ExecutionStore   = (*InMemoryStore)(nil)
	_ EventStore       = (*InMemoryStore)(nil)
	_ IdempotencyStore = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return ErrExecutionExists
	}
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; !ok {
		return api.ErrExecutionNotFound
	}
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, api.ErrExecutionNotFound
	}
	cp := *exec
	return &cp, nil
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Execution
	for _, exec := range s.executions {
		if filter.TenantID != "" && exec.TenantID != filter.TenantID {
			continue
		}
		if filter.Kind != "" && exec.Kind != filter.Kind {
			continue
		}
		if filter.Phase != "" && exec.Phase != filter.Phase {
			continue
		}
		cp := *exec
		result = append(result, &cp)
	}
	return result, nil
}

func (s *InMemoryStore) executionAppendMu(executionID string) *sync.Mutex {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	mu, ok := s.appends[executionID]
	if !ok {
		mu = &sync.Mutex{}
		s.appends[executionID] = mu
	}
	return mu
}

func (s *InMemoryStore) AppendEvents(ctx context.Context, executionID string, expectedNext uint64, events []api.Event) error {
	if len(events) == 0 {
		return nil
	}

	mu := s.executionAppendMu(executionID)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.histories[executionID]
	if uint64(len(history))+1 != expectedNext {
		return api.ErrConcurrentAppend
	}
	// All-or-nothing: partial batches are never visible.
	s.histories[executionID] = append(history, events...)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, executionID string, afterSeq uint64) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.histories[executionID]
	var out []api.Event
	for _, ev := range history {
		if ev.Sequence > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ReplaceHistory(ctx context.Context, executionID string, events []api.Event) error {
	mu := s.executionAppendMu(executionID)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]api.Event, len(events))
	copy(cp, events)
	s.histories[executionID] = cp
	return nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	l, ok := s.leases[executionID]
	if ok && l.owner != owner && l.until.After(now) {
		return false, nil
	}
	s.leases[executionID] = lease{owner: owner, until: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[executionID]
	if !ok || l.owner != owner {
		return api.ErrClaimLost
	}
	s.leases[executionID] = lease{owner: owner, until: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[executionID]; ok && l.owner == owner {
		delete(s.leases, executionID)
	}
	return nil
}

func slotKey(tenantID, key string) string { return tenantID + "\x00" + key }

func (s *InMemoryStore) GetSlot(ctx context.Context, tenantID, key string) (*api.IdempotencySlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.slots[slotKey(tenantID, key)]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := slot
	return &cp, nil
}

func (s *InMemoryStore) PutSlot(ctx context.Context, slot api.IdempotencySlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := slotKey(slot.TenantID, slot.Key)
	if held, ok := s.slots[k]; ok {
		if held.TargetID != slot.TargetID && !held.Expired(time.Now()) {
			return ErrSlotConflict
		}
	}
	s.slots[k] = slot
	return nil
}

func (s *InMemoryStore) DeleteSlot(ctx context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.slots, slotKey(tenantID, key))
	return nil
}

func (s *InMemoryStore) ExpireSlots(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for k, slot := range s.slots {
		if slot.Expired(now) {
			delete(s.slots, k)
			n++
		}
	}
	return n, nil
}
