package session

import (
	"context"
	"testing"
	"time"
)

func TestEventStream_PushNext(t *testing.T) {
	s := NewEventStream()
	defer s.Close()

	s.Push(Event{Type: EventToken, Content: "a"})
	s.Push(Event{Type: EventToken, Content: "b"})

	ctx := context.Background()
	for _, want := range []string{"a", "b"} {
		evt, ok := s.Next(ctx)
		if !ok {
			t.Fatal("Next returned ok=false")
		}
		if evt.Content != want {
			t.Errorf("Content = %q, want %q", evt.Content, want)
		}
	}
}

func TestEventStream_NextBlocksUntilPush(t *testing.T) {
	s := NewEventStream()
	defer s.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Push(Event{Type: EventToken, Content: "late"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, ok := s.Next(ctx)
	if !ok || evt.Content != "late" {
		t.Fatalf("Next = %+v, %v", evt, ok)
	}
}

func TestEventStream_NextHonorsContext(t *testing.T) {
	s := NewEventStream()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := s.Next(ctx); ok {
		t.Error("Next should return ok=false on context timeout")
	}
}

func TestEventStream_Close(t *testing.T) {
	s := NewEventStream()
	s.Push(Event{Type: EventToken, Content: "x"})
	s.Close()
	s.Close() // idempotent

	if _, ok := s.Next(context.Background()); ok {
		t.Error("Next after Close should return ok=false")
	}

	// Pushes after close are dropped without panic.
	s.Push(Event{Type: EventToken, Content: "y"})
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestEventStream_ManyProducers(t *testing.T) {
	s := NewEventStream()
	defer s.Close()

	const n = 100
	for i := 0; i < 4; i++ {
		go func() {
			for j := 0; j < n/4; j++ {
				s.Push(Event{Type: EventToken, Content: "t"})
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		if _, ok := s.Next(ctx); !ok {
			t.Fatalf("stream ended after %d of %d events", i, n)
		}
	}
}
