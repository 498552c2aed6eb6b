package pending

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/loom/pkg/api"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func TestSQLiteEnqueueClaimRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	base := time.Now().Add(-time.Minute)

	_ = s.Enqueue(ctx, Item{ID: "e.task-2", Kind: api.WorkTask, ExecutionID: "e", EntityID: "task-2",
		TaskKind: "notify", Input: map[string]any{"to": "ops"}, NotBefore: base.Add(time.Second)})
	_ = s.Enqueue(ctx, Item{ID: "e.task-1", Kind: api.WorkTask, ExecutionID: "e", EntityID: "task-1",
		TaskKind: "charge", Input: map[string]any{"amount": 100}, NotBefore: base})

	// Duplicate id is ignored.
	_ = s.Enqueue(ctx, Item{ID: "e.task-1", Kind: api.WorkTask, ExecutionID: "e", EntityID: "task-1",
		TaskKind: "overwritten"})
	if n, _ := s.Len(ctx); n != 2 {
		t.Fatalf("expected 2 items, got %d", n)
	}

	claimed, err := s.Claim(ctx, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != "e.task-1" || claimed[1].ID != "e.task-2" {
		t.Fatalf("unexpected claim order: %+v", claimed)
	}
	first := claimed[0]
	if first.Kind != api.WorkTask || first.TaskKind != "charge" || first.Attempt != 1 {
		t.Fatalf("item did not survive the round trip: %+v", first)
	}
	in, ok := first.Input.(map[string]any)
	if !ok || in["amount"] != 100 {
		t.Fatalf("input did not survive the round trip: %+v", first.Input)
	}
}

func TestSQLiteClaimSkipsLiveClaimsAndHonorsBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	for _, id := range []string{"a", "b", "c"} {
		_ = s.Enqueue(ctx, Item{ID: id, Kind: api.WorkTask, ExecutionID: "e", EntityID: "task-" + id})
	}

	first, _ := s.Claim(ctx, "w1", 2, time.Minute)
	if len(first) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(first))
	}
	second, _ := s.Claim(ctx, "w2", 10, time.Minute)
	if len(second) != 1 || second[0].ID != "c" {
		t.Fatalf("second claimant must skip live claims: %+v", second)
	}
	// Everything is claimed now.
	third, _ := s.Claim(ctx, "w3", 10, time.Minute)
	if len(third) != 0 {
		t.Fatalf("expected nothing left, got %+v", third)
	}
}

func TestSQLiteExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	_ = s.Enqueue(ctx, Item{ID: "a", Kind: api.WorkTimer, ExecutionID: "e", EntityID: "timer-1"})

	if got, _ := s.Claim(ctx, "w1", 10, -time.Second); len(got) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(got))
	}
	got, _ := s.Claim(ctx, "w2", 10, time.Minute)
	if len(got) != 1 || got[0].ClaimedBy != "w2" || got[0].Attempt != 2 {
		t.Fatalf("expired lease must be reclaimable: %+v", got)
	}
	if err := s.Complete(ctx, "a", "w1"); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed for the old owner, got %v", err)
	}
	if err := s.Complete(ctx, "a", "w2"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
}

func TestSQLiteNotBeforeGating(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	_ = s.Enqueue(ctx, Item{ID: "e.timer-1", Kind: api.WorkTimer, ExecutionID: "e", EntityID: "timer-1",
		NotBefore: time.Now().Add(time.Hour)})

	if got, _ := s.Claim(ctx, "w1", 10, time.Minute); len(got) != 0 {
		t.Fatalf("future timer must not be claimable: %+v", got)
	}
}

func TestSQLiteReleaseAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	_ = s.Enqueue(ctx, Item{ID: "a", Kind: api.WorkTask, ExecutionID: "e", EntityID: "task-1"})
	if _, err := s.Claim(ctx, "w1", 10, time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if err := s.Release(ctx, "a", "other", 0); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed for wrong owner, got %v", err)
	}
	if err := s.Release(ctx, "a", "w1", 0); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// The released row is immediately eligible again.
	got, _ := s.Claim(ctx, "w2", 10, time.Minute)
	if len(got) != 1 || got[0].Attempt != 2 {
		t.Fatalf("released item must be reclaimable: %+v", got)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n, _ := s.Len(ctx); n != 0 {
		t.Fatalf("expected empty table, len=%d", n)
	}
}
