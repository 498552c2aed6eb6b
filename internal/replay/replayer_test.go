package replay

import (
	"testing"

	"github.com/petrijr/loom/pkg/api"
)

func creationHistory() []api.Event {
	return []api.Event{
		{Sequence: 1, Type: api.EventWorkflowStarted, Name: "wf"},
		{Sequence: 2, Type: api.EventTaskScheduled, TypeSequence: 1, EntityID: "task-1", Name: "charge"},
		{Sequence: 3, Type: api.EventTimerStarted, TypeSequence: 1, EntityID: "timer-1"},
		{Sequence: 4, Type: api.EventTaskScheduled, TypeSequence: 2, EntityID: "task-2", Name: "notify"},
		{Sequence: 5, Type: api.EventSignalReceived, TypeSequence: 1, EntityID: "approve", Payload: "yes"},
		{Sequence: 6, Type: api.EventChildInitiated, TypeSequence: 1, EntityID: "child-1", Name: "sub"},
		{Sequence: 7, Type: api.EventPromiseCreated, TypeSequence: 1, EntityID: "decision"},
	}
}

func TestMatchConsumesCreationEventsInOrder(t *testing.T) {
	r := New("exec-1", creationHistory())

	ev, err := r.MatchTask("charge")
	if err != nil {
		t.Fatalf("first MatchTask failed: %v", err)
	}
	if ev == nil || ev.EntityID != "task-1" {
		t.Fatalf("expected task-1, got %+v", ev)
	}

	ev, err = r.MatchTimer()
	if err != nil {
		t.Fatalf("MatchTimer failed: %v", err)
	}
	if ev == nil || ev.EntityID != "timer-1" {
		t.Fatalf("expected timer-1, got %+v", ev)
	}

	ev, err = r.MatchTask("notify")
	if err != nil {
		t.Fatalf("second MatchTask failed: %v", err)
	}
	if ev == nil || ev.EntityID != "task-2" {
		t.Fatalf("expected task-2, got %+v", ev)
	}

	ev, err = r.MatchChild("sub")
	if err != nil {
		t.Fatalf("MatchChild failed: %v", err)
	}
	if ev == nil || ev.EntityID != "child-1" {
		t.Fatalf("expected child-1, got %+v", ev)
	}
}

func TestMatchPastEndOfHistoryIsNewCommand(t *testing.T) {
	r := New("exec-1", creationHistory())

	if _, err := r.MatchTask("charge"); err != nil {
		t.Fatalf("MatchTask failed: %v", err)
	}
	if _, err := r.MatchTask("notify"); err != nil {
		t.Fatalf("MatchTask failed: %v", err)
	}

	ev, err := r.MatchTask("refund")
	if err != nil {
		t.Fatalf("MatchTask past end failed: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil event for a new command, got %+v", ev)
	}
	if got := r.Issued(api.FamilyTask); got != 3 {
		t.Fatalf("expected 3 issued task commands, got %d", got)
	}
}

func TestMatchMismatchIsDeterminismError(t *testing.T) {
	r := New("exec-1", creationHistory())

	_, err := r.MatchTask("refund")
	de, ok := api.IsDeterminismError(err)
	if !ok {
		t.Fatalf("expected DeterminismError, got %v", err)
	}
	if de.Family != api.FamilyTask || de.Position != 1 {
		t.Fatalf("unexpected error fields: %+v", de)
	}
	if de.WantName != "charge" || de.GotName != "refund" {
		t.Fatalf("unexpected names: %+v", de)
	}
}

func TestMatchPromiseValidatesID(t *testing.T) {
	r := New("exec-1", creationHistory())

	ev, err := r.MatchPromise("decision")
	if err != nil {
		t.Fatalf("MatchPromise failed: %v", err)
	}
	if ev == nil || ev.EntityID != "decision" {
		t.Fatalf("expected decision promise, got %+v", ev)
	}

	r2 := New("exec-1", creationHistory())
	if _, err := r2.MatchPromise("other"); err == nil {
		t.Fatal("expected determinism error for wrong promise id")
	}
}

func TestSignalsBufferAheadOfConsumption(t *testing.T) {
	r := New("exec-1", creationHistory())

	if !r.SignalAvailable("approve") {
		t.Fatal("expected approve signal to be buffered")
	}
	if r.SignalAvailable("reject") {
		t.Fatal("no reject signal was delivered")
	}

	v, ok := r.TakeSignal("approve")
	if !ok || v != "yes" {
		t.Fatalf("expected yes, got %v ok=%v", v, ok)
	}
	if r.SignalAvailable("approve") {
		t.Fatal("signal must be consumed exactly once")
	}
	if _, ok := r.TakeSignal("approve"); ok {
		t.Fatal("second take must report no value")
	}
}

func TestSignalFIFOAcrossReplays(t *testing.T) {
	h := []api.Event{
		{Sequence: 1, Type: api.EventWorkflowStarted, Name: "wf"},
		{Sequence: 2, Type: api.EventSignalReceived, TypeSequence: 1, EntityID: "q", Payload: "a"},
		{Sequence: 3, Type: api.EventSignalReceived, TypeSequence: 2, EntityID: "q", Payload: "b"},
	}

	for i := 0; i < 3; i++ {
		r := New("exec-1", h)
		first, _ := r.TakeSignal("q")
		second, _ := r.TakeSignal("q")
		if first != "a" || second != "b" {
			t.Fatalf("replay %d: expected a,b got %v,%v", i, first, second)
		}
	}
}

func TestHistoryCount(t *testing.T) {
	r := New("exec-1", creationHistory())
	if r.HistoryCount(api.FamilyTask) != 2 {
		t.Fatalf("expected 2 task creations, got %d", r.HistoryCount(api.FamilyTask))
	}
	if r.HistoryCount(api.FamilyTimer) != 1 {
		t.Fatalf("expected 1 timer creation, got %d", r.HistoryCount(api.FamilyTimer))
	}
	if r.HistoryCount(api.FamilyPromise) != 1 {
		t.Fatalf("expected 1 promise creation, got %d", r.HistoryCount(api.FamilyPromise))
	}
}
