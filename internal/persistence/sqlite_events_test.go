package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

func newTestEventStore(t *testing.T) *SQLiteEventStore {
	t.Helper()
	store, err := NewSQLiteEventStore(newTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteEventStore failed: %v", err)
	}
	return store
}

func TestSQLiteEventStoreAppendAndList(t *testing.T) {
	ctx := context.Background()
	store := newTestEventStore(t)
	at := time.Now()

	batch := []api.Event{
		{ExecutionID: "e", Sequence: 1, Type: api.EventWorkflowStarted, Name: "checkout",
			Payload: orderPayload{Item: "book", Count: 1}, At: at},
		{ExecutionID: "e", Sequence: 2, Type: api.EventTaskScheduled, TypeSequence: 1,
			EntityID: "task-1", Name: "charge",
			Payload: api.TaskSchedulePayload{Input: orderPayload{Item: "book", Count: 1}}, At: at},
	}
	if err := store.AppendEvents(ctx, "e", 1, batch); err != nil {
		t.Fatalf("AppendEvents failed: %v", err)
	}

	events, err := store.ListEvents(ctx, "e", 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != api.EventWorkflowStarted || events[0].Name != "checkout" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	body, ok := events[1].Payload.(api.TaskSchedulePayload)
	if !ok {
		t.Fatalf("task payload did not survive: %T", events[1].Payload)
	}
	if in, ok := body.Input.(orderPayload); !ok || in.Item != "book" {
		t.Fatalf("nested input did not survive: %+v", body.Input)
	}

	after, _ := store.ListEvents(ctx, "e", 1)
	if len(after) != 1 || after[0].Sequence != 2 {
		t.Fatalf("unexpected afterSeq result: %+v", after)
	}

	// Histories are per execution.
	other, _ := store.ListEvents(ctx, "other", 0)
	if len(other) != 0 {
		t.Fatalf("expected empty history for other execution, got %d", len(other))
	}
}

func TestSQLiteEventStoreStaleAppendRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestEventStore(t)

	if err := store.AppendEvents(ctx, "e", 1, []api.Event{
		{ExecutionID: "e", Sequence: 1, Type: api.EventWorkflowStarted},
	}); err != nil {
		t.Fatalf("seed append failed: %v", err)
	}

	err := store.AppendEvents(ctx, "e", 1, []api.Event{
		{ExecutionID: "e", Sequence: 1, Type: api.EventWorkflowFailed},
	})
	if !errors.Is(err, api.ErrConcurrentAppend) {
		t.Fatalf("expected ErrConcurrentAppend, got %v", err)
	}

	events, _ := store.ListEvents(ctx, "e", 0)
	if len(events) != 1 {
		t.Fatalf("stale append must write nothing, have %d events", len(events))
	}
}

func TestSQLiteEventStoreBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestEventStore(t)

	_ = store.AppendEvents(ctx, "e", 1, []api.Event{
		{ExecutionID: "e", Sequence: 1, Type: api.EventWorkflowStarted},
	})

	// The second event collides on the primary key; the whole batch must
	// roll back.
	err := store.AppendEvents(ctx, "e", 2, []api.Event{
		{ExecutionID: "e", Sequence: 2, Type: api.EventTimerStarted, TypeSequence: 1, EntityID: "timer-1"},
		{ExecutionID: "e", Sequence: 1, Type: api.EventWorkflowFailed},
	})
	if err == nil {
		t.Fatal("expected append to fail")
	}
	events, _ := store.ListEvents(ctx, "e", 0)
	if len(events) != 1 {
		t.Fatalf("partial batch leaked: %d events", len(events))
	}
}

func TestSQLiteEventStoreReplaceHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestEventStore(t)
	at := time.Now()

	_ = store.AppendEvents(ctx, "e", 1, []api.Event{
		{ExecutionID: "e", Sequence: 1, Type: api.EventWorkflowStarted, At: at},
		{ExecutionID: "e", Sequence: 2, Type: api.EventTaskScheduled, TypeSequence: 1, EntityID: "task-1", At: at},
		{ExecutionID: "e", Sequence: 3, Type: api.EventTaskCompleted, EntityID: "task-1", At: at},
	})

	repaired := []api.Event{
		{ExecutionID: "e", Sequence: 1, Type: api.EventWorkflowStarted, At: at},
		{ExecutionID: "e", Sequence: 2, Type: api.EventWorkflowFailed, Detail: "unrecoverable history", At: at},
	}
	if err := store.ReplaceHistory(ctx, "e", repaired); err != nil {
		t.Fatalf("ReplaceHistory failed: %v", err)
	}

	events, _ := store.ListEvents(ctx, "e", 0)
	if len(events) != 2 || events[1].Type != api.EventWorkflowFailed {
		t.Fatalf("unexpected history after replace: %+v", events)
	}

	// Appends continue from the replaced history.
	if err := store.AppendEvents(ctx, "e", 3, []api.Event{
		{ExecutionID: "e", Sequence: 3, Type: api.EventSignalReceived, TypeSequence: 1, EntityID: "late", At: at},
	}); err != nil {
		t.Fatalf("append after replace failed: %v", err)
	}
}
