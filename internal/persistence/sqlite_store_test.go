package persistence

import (
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/loom/pkg/api"
)

type orderPayload struct {
	Item  string
	Count int
}

func init() {
	gob.Register(orderPayload{})
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	// In-memory SQLite with a connection pool sees separate databases per
	// connection.
	db.SetMaxOpenConns(1)
	return db
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(newTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func TestSQLiteStoreSaveGetUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	exec := &api.Execution{
		ID:           "exec-1",
		TenantID:     "t1",
		Kind:         "checkout",
		Phase:        api.PhasePending,
		NextSequence: 1,
		Input:        orderPayload{Item: "book", Count: 2},
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}
	if err := store.SaveExecution(ctx, exec); !errors.Is(err, ErrExecutionExists) {
		t.Fatalf("expected ErrExecutionExists, got %v", err)
	}

	got, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	in, ok := got.Input.(orderPayload)
	if !ok || in.Item != "book" || in.Count != 2 {
		t.Fatalf("input did not survive the round trip: %+v", got.Input)
	}

	got.Phase = api.PhaseCompleted
	got.NextSequence = 7
	got.Output = orderPayload{Item: "receipt", Count: 1}
	got.UpdatedAt = time.Now()
	if err := store.UpdateExecution(ctx, got); err != nil {
		t.Fatalf("UpdateExecution failed: %v", err)
	}

	again, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if again.Phase != api.PhaseCompleted || again.NextSequence != 7 {
		t.Fatalf("unexpected execution after update: %+v", again)
	}
	out, ok := again.Output.(orderPayload)
	if !ok || out.Item != "receipt" {
		t.Fatalf("output did not survive the round trip: %+v", again.Output)
	}

	if _, err := store.GetExecution(ctx, "missing"); !errors.Is(err, api.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestSQLiteStoreErrRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	exec := &api.Execution{
		ID:    "exec-err",
		Kind:  "k",
		Phase: api.PhaseFailed,
		Err:   errors.New("task charge failed: card declined"),
	}
	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}
	got, err := store.GetExecution(ctx, "exec-err")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.Err == nil || got.Err.Error() != "task charge failed: card declined" {
		t.Fatalf("error text did not survive: %v", got.Err)
	}
}

func TestSQLiteStoreListExecutionsFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	base := time.Now()
	seed := []*api.Execution{
		{ID: "a", TenantID: "t1", Kind: "order", Phase: api.PhaseRunning, CreatedAt: base},
		{ID: "b", TenantID: "t1", Kind: "billing", Phase: api.PhaseCompleted, CreatedAt: base.Add(time.Second)},
		{ID: "c", TenantID: "t2", Kind: "order", Phase: api.PhaseRunning, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range seed {
		if err := store.SaveExecution(ctx, e); err != nil {
			t.Fatalf("SaveExecution failed: %v", err)
		}
	}

	all, err := store.ListExecutions(ctx, ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Fatalf("expected creation order a,b,c got %+v", all)
	}

	orders, _ := store.ListExecutions(ctx, ExecutionFilter{TenantID: "t1", Kind: "order"})
	if len(orders) != 1 || orders[0].ID != "a" {
		t.Fatalf("unexpected filtered result: %+v", orders)
	}
}

func TestSQLiteStoreLeases(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	_ = store.SaveExecution(ctx, &api.Execution{ID: "e", Kind: "k", Phase: api.PhaseRunning})

	ok, err := store.TryAcquireLease(ctx, "e", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, _ = store.TryAcquireLease(ctx, "e", "owner-a", time.Minute)
	if !ok {
		t.Fatal("same-owner acquire must be re-entrant")
	}
	ok, _ = store.TryAcquireLease(ctx, "e", "owner-b", time.Minute)
	if ok {
		t.Fatal("live lease must block other owners")
	}

	if err := store.RenewLease(ctx, "e", "owner-b", time.Minute); !errors.Is(err, api.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
	if err := store.ReleaseLease(ctx, "e", "owner-a"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	ok, _ = store.TryAcquireLease(ctx, "e", "owner-b", time.Minute)
	if !ok {
		t.Fatal("released lease must be acquirable")
	}

	// A lease on an unknown execution row cannot be acquired.
	ok, _ = store.TryAcquireLease(ctx, "missing", "owner-a", time.Minute)
	if ok {
		t.Fatal("lease on missing execution must fail")
	}
}

func TestSQLiteStoreIdempotencySlots(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	now := time.Now()

	slot := api.IdempotencySlot{
		TenantID:   "t1",
		Key:        "order-42",
		TargetID:   "exec-1",
		TargetKind: "checkout",
		ExpiresAt:  now.Add(time.Hour),
	}
	if err := store.PutSlot(ctx, slot); err != nil {
		t.Fatalf("PutSlot failed: %v", err)
	}

	got, err := store.GetSlot(ctx, "t1", "order-42")
	if err != nil {
		t.Fatalf("GetSlot failed: %v", err)
	}
	if got.TargetID != "exec-1" || got.Expired(now) {
		t.Fatalf("unexpected slot: %+v", got)
	}

	// A live slot refuses to be re-pointed at another target.
	slot.TargetID = "exec-2"
	if err := store.PutSlot(ctx, slot); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}
	got, _ = store.GetSlot(ctx, "t1", "order-42")
	if got.TargetID != "exec-1" {
		t.Fatalf("conflicting put must not change the slot, got %+v", got)
	}

	_ = store.PutSlot(ctx, api.IdempotencySlot{TenantID: "t1", Key: "stale", ExpiresAt: now.Add(-time.Minute)})
	n, err := store.ExpireSlots(ctx, now)
	if err != nil {
		t.Fatalf("ExpireSlots failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired slot, got %d", n)
	}

	if err := store.DeleteSlot(ctx, "t1", "order-42"); err != nil {
		t.Fatalf("DeleteSlot failed: %v", err)
	}
	if _, err := store.GetSlot(ctx, "t1", "order-42"); !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
}

func TestSQLitePutSlotIsRegisterIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	now := time.Now()

	first := api.IdempotencySlot{TenantID: "t1", Key: "order-42", TargetID: "exec-1", ExpiresAt: now.Add(time.Hour)}
	if err := store.PutSlot(ctx, first); err != nil {
		t.Fatalf("PutSlot failed: %v", err)
	}

	second := first
	second.TargetID = "exec-2"
	if err := store.PutSlot(ctx, second); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}

	// The holder may refresh its own slot.
	first.ExpiresAt = now.Add(2 * time.Hour)
	if err := store.PutSlot(ctx, first); err != nil {
		t.Fatalf("refresh by the holder failed: %v", err)
	}

	// An expired slot is free for the taking.
	stale := api.IdempotencySlot{TenantID: "t1", Key: "old", TargetID: "exec-1", ExpiresAt: now.Add(-time.Minute)}
	if err := store.PutSlot(ctx, stale); err != nil {
		t.Fatalf("PutSlot failed: %v", err)
	}
	fresh := stale
	fresh.TargetID = "exec-3"
	fresh.ExpiresAt = now.Add(time.Hour)
	if err := store.PutSlot(ctx, fresh); err != nil {
		t.Fatalf("expired slot must be claimable: %v", err)
	}
	got, _ := store.GetSlot(ctx, "t1", "old")
	if got.TargetID != "exec-3" {
		t.Fatalf("expected the new claimant, got %+v", got)
	}
}
