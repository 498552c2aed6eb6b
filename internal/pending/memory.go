package pending

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a goroutine-safe Store backed by a map. The mutex stands
// in for the row-level locking a shared database provides; the claim
// predicate logic is identical to the SQLite implementation.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]*Item)}
}

func (s *InMemoryStore) Enqueue(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.ID]; ok {
		return nil
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	if item.NotBefore.IsZero() {
		item.NotBefore = item.EnqueuedAt
	}
	cp := item
	s.items[item.ID] = &cp
	return nil
}

func (s *InMemoryStore) Claim(ctx context.Context, owner string, batch int, lease time.Duration) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	var eligible []*Item
	for _, it := range s.items {
		if it.NotBefore.After(now) {
			continue
		}
		if it.ClaimedBy != "" && it.ClaimedBy != owner && it.ClaimedUntil.After(now) {
			// Lock-and-skip: another claimant holds this row.
			continue
		}
		eligible = append(eligible, it)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].NotBefore.Equal(eligible[j].NotBefore) {
			return eligible[i].NotBefore.Before(eligible[j].NotBefore)
		}
		return eligible[i].ID < eligible[j].ID
	})
	if batch > 0 && len(eligible) > batch {
		eligible = eligible[:batch]
	}

	out := make([]Item, 0, len(eligible))
	for _, it := range eligible {
		it.ClaimedBy = owner
		it.ClaimedUntil = now.Add(lease)
		it.Attempt++
		out = append(out, *it)
	}
	return out, nil
}

func (s *InMemoryStore) Complete(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || it.ClaimedBy != owner {
		return ErrNotClaimed
	}
	delete(s.items, id)
	return nil
}

func (s *InMemoryStore) Release(ctx context.Context, id, owner string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || it.ClaimedBy != owner {
		return ErrNotClaimed
	}
	it.ClaimedBy = ""
	it.ClaimedUntil = time.Time{}
	it.NotBefore = time.Now().Add(delay)
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, id)
	return nil
}

func (s *InMemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.items), nil
}
