package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("c1")
	b.Publish(Event{Type: EventToken, SessionID: "s1", Token: "hello"})

	select {
	case evt := <-sub.Events():
		if evt.Type != EventToken {
			t.Errorf("Type = %q, want %q", evt.Type, EventToken)
		}
		if evt.SessionID != "s1" {
			t.Errorf("SessionID = %q, want 's1'", evt.SessionID)
		}
		if evt.Token != "hello" {
			t.Errorf("Token = %q, want 'hello'", evt.Token)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_FanOut(t *testing.T) {
	b := New()
	defer b.Close()

	s1 := b.Subscribe("c1")
	s2 := b.Subscribe("c2")
	b.Publish(Event{Type: EventSessionCreated, SessionID: "s1"})

	for _, sub := range []*Subscriber{s1, s2} {
		select {
		case evt := <-sub.Events():
			if evt.Type != EventSessionCreated {
				t.Errorf("%s: Type = %q", sub.ID(), evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event", sub.ID())
		}
	}
}

func TestBus_PublishOrder(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("c1")
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventToken, SessionID: "s1", Token: fmt.Sprintf("t%d", i)})
	}

	for i := 0; i < 100; i++ {
		evt := <-sub.Events()
		want := fmt.Sprintf("t%d", i)
		if evt.Token != want {
			t.Fatalf("event %d: Token = %q, want %q", i, evt.Token, want)
		}
	}
}

func TestBus_DropOldestWhenFull(t *testing.T) {
	b := NewWithBuffer(5)
	defer b.Close()

	sub := b.Subscribe("slow")
	// No consumer draining: publish past capacity.
	for i := 0; i < 8; i++ {
		b.Publish(Event{Type: EventToken, Token: fmt.Sprintf("t%d", i)})
	}

	if got := sub.Dropped(); got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}

	// The oldest three were evicted; t3..t7 remain in order.
	for i := 3; i < 8; i++ {
		evt := <-sub.Events()
		want := fmt.Sprintf("t%d", i)
		if evt.Token != want {
			t.Fatalf("Token = %q, want %q", evt.Token, want)
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewWithBuffer(2)
	defer b.Close()

	_ = b.Subscribe("slow") // never drained
	fast := b.Subscribe("fast")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			b.Publish(Event{Type: EventToken, Token: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// Fast subscriber still holds its most recent events.
	if len(fast.Events()) == 0 {
		t.Error("fast subscriber has no queued events")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("c1")
	b.Unsubscribe("c1")

	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed channel after Unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}

	// Publishing to an unsubscribed bus must not panic.
	b.Publish(Event{Type: EventToken})
}

func TestBus_SubscribeReplacesExisting(t *testing.T) {
	b := New()
	defer b.Close()

	old := b.Subscribe("c1")
	neu := b.Subscribe("c1")

	if _, ok := <-old.Events(); ok {
		t.Error("old subscriber channel should be closed")
	}

	b.Publish(Event{Type: EventToken, Token: "x"})
	select {
	case evt := <-neu.Events():
		if evt.Token != "x" {
			t.Errorf("Token = %q", evt.Token)
		}
	case <-time.After(time.Second):
		t.Fatal("replacement subscriber got no event")
	}
}

func TestBus_Close(t *testing.T) {
	b := New()
	sub := b.Subscribe("c1")
	b.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed channel after bus Close")
	}

	// Publish and Close after Close are no-ops.
	b.Publish(Event{Type: EventToken})
	b.Close()

	post := b.Subscribe("late")
	if _, ok := <-post.Events(); ok {
		t.Error("subscriber on closed bus should get a closed channel")
	}
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("c1")

	var wg sync.WaitGroup
	const publishers = 8
	const perPublisher = 50
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish(Event{Type: EventToken, SessionID: fmt.Sprintf("s%d", p), Token: fmt.Sprintf("%d", i)})
			}
		}(p)
	}

	got := make(map[string]int)
	for i := 0; i < publishers*perPublisher; i++ {
		select {
		case evt := <-sub.Events():
			// Per-publisher order: token numbers for one session ascend.
			n := got[evt.SessionID]
			if evt.Token != fmt.Sprintf("%d", n) {
				t.Fatalf("session %s: token %q out of order (want %d)", evt.SessionID, evt.Token, n)
			}
			got[evt.SessionID] = n + 1
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", i)
		}
	}
	wg.Wait()
}
