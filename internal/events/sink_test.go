package events

import (
	"errors"
	"testing"
	"time"
)

func TestMemorySinkRecordsInOrder(t *testing.T) {
	sink := &MemorySink{}

	for _, typ := range []Type{EventTaskCreated, EventTaskStarted, EventTaskCompleted} {
		err := sink.Emit(Event{TenantID: "t-1", Type: typ, OccurredAt: time.Now()})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got := sink.Events()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Type != EventTaskCreated || got[2].Type != EventTaskCompleted {
		t.Errorf("events out of order: %v", got)
	}
}

func TestMemorySinkByType(t *testing.T) {
	sink := &MemorySink{}
	sink.Emit(Event{Type: EventJobStarted})
	sink.Emit(Event{Type: EventJobRetried})
	sink.Emit(Event{Type: EventJobRetried})
	sink.Emit(Event{Type: EventJobCompleted})

	retries := sink.ByType(EventJobRetried)
	if len(retries) != 2 {
		t.Errorf("expected 2 retry events, got %d", len(retries))
	}
}

type failingSink struct{}

func (failingSink) Emit(Event) error { return errors.New("sink unavailable") }

func TestMultiSinkDeliversToAll(t *testing.T) {
	a := &MemorySink{}
	b := &MemorySink{}
	multi := MultiSink{a, failingSink{}, b}

	err := multi.Emit(Event{Type: EventRunStarted})
	if err == nil {
		t.Fatal("expected error from failing sink")
	}

	// A failing sink must not prevent delivery to the others.
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("expected both sinks to receive the event, got %d and %d",
			len(a.Events()), len(b.Events()))
	}
}
