package events

import (
	"context"
	"sync"
	"testing"
)

type fakeStore struct {
	mu     sync.Mutex
	events []*Event
}

func (s *fakeStore) SaveEvent(ctx context.Context, evt *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *fakeStore) EventsForRun(ctx context.Context, runID string, fromSeq, toSeq int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if e.RunID != runID || e.Sequence < fromSeq {
			continue
		}
		if toSeq > 0 && e.Sequence >= toSeq {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func TestBusAssignsSequencePerRun(t *testing.T) {
	store := &fakeStore{}
	bus := NewBus(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		evt := New(RunStarted, "sess-1", "run-a")
		if err := bus.Publish(ctx, evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if evt.Sequence != i {
			t.Fatalf("run-a seq %d: want %d got %d", i, i, evt.Sequence)
		}
	}

	evt := New(RunStarted, "sess-1", "run-b")
	if err := bus.Publish(ctx, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if evt.Sequence != 0 {
		t.Fatalf("run-b should start at sequence 0, got %d", evt.Sequence)
	}
}

func TestBusSubscribeAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []Type
	unsub := bus.Subscribe(StreamAssistant, func(ctx context.Context, evt *Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt.Type)
	})

	if err := bus.Publish(ctx, New(StreamAssistant, "s", "r")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, New(StreamUser, "s", "r")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	unsub()
	if err := bus.Publish(ctx, New(StreamAssistant, "s", "r")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != StreamAssistant {
		t.Fatalf("expected exactly one StreamAssistant delivery before unsubscribe, got %v", seen)
	}
}

func TestBusGlobalHandlerSeesEverything(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(ctx context.Context, evt *Event) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	for _, typ := range []Type{StreamInit, StreamAssistant, StreamResult} {
		if err := bus.Publish(ctx, New(typ, "s", "r")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Fatalf("want 3 global deliveries, got %d", count)
	}
}

func TestBusHandlerPanicDoesNotCrashPublish(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	bus.SubscribeAll(func(ctx context.Context, evt *Event) {
		panic("boom")
	})

	if err := bus.Publish(ctx, New(StreamError, "s", "r")); err != nil {
		t.Fatalf("publish should not fail when a handler panics: %v", err)
	}
}

func TestBusResetSequence(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()
	bus.Publish(ctx, New(RunStarted, "s", "r"))
	bus.Publish(ctx, New(RunStarted, "s", "r"))
	if bus.LastSequence("r") != 2 {
		t.Fatalf("want last sequence 2, got %d", bus.LastSequence("r"))
	}
	bus.ResetSequence("r")
	if bus.LastSequence("r") != 0 {
		t.Fatalf("want reset sequence 0, got %d", bus.LastSequence("r"))
	}
}
