package agent

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/bamboo/internal/bus"
)

// waitForTerminal blocks until sub sees agent_complete or agent_error for
// the session, returning everything observed on the way.
func waitForTerminal(t *testing.T, sub *bus.Subscriber, sessionID string) []bus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var events []bus.Event
	for {
		select {
		case evt := <-sub.Events():
			events = append(events, evt)
			if evt.SessionID != sessionID {
				continue
			}
			if evt.Type == bus.EventAgentComplete || evt.Type == bus.EventAgentError {
				return events
			}
		case <-deadline:
			t.Fatalf("no terminal event for %s after %d events", sessionID, len(events))
		}
	}
}

func startRunner(t *testing.T, b *bus.Bus, loop *Loop, timeout time.Duration) *Runner {
	t.Helper()
	runner := NewRunner(RunnerConfig{Bus: b, Loop: loop, Timeout: timeout})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Start(ctx)
	}()
	// The bus only delivers to already-registered subscribers, so publishing
	// before Start's Subscribe lands would drop the request. Every test calls
	// startRunner before subscribing itself, so the runner is subscriber one.
	deadline := time.Now().Add(5 * time.Second)
	for b.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("runner never subscribed to the bus")
		}
		time.Sleep(time.Millisecond)
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("runner did not stop")
		}
	})
	return runner
}

func TestRunner_DispatchesChatRequest(t *testing.T) {
	p := &scriptedProvider{
		model:  "test-model",
		rounds: []scriptedRound{{chunks: contentChunks("hello there")}},
	}
	loop, mgr, b := newTestLoop(t, p)
	startRunner(t, b, loop, 0)

	sub := b.Subscribe("test")
	b.Publish(bus.Event{
		Type:      bus.EventChatRequest,
		SessionID: "s1",
		Content:   "hi",
		ReplyTo:   bus.HTTPReply("req-1"),
	})

	events := waitForTerminal(t, sub, "s1")
	if got := countType(events, bus.EventAgentComplete); got != 1 {
		t.Fatalf("agent_complete events = %d, want 1", got)
	}

	history, err := mgr.History("s1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history length = %d, want 2", len(history))
	}
}

func TestRunner_SerializesSameSession(t *testing.T) {
	release := make(chan struct{})
	p := &scriptedProvider{
		model: "test-model",
		rounds: []scriptedRound{
			{chunks: contentChunks("first")},
			{chunks: contentChunks("second")},
		},
		block:   release,
		started: make(chan struct{}, 2),
	}
	loop, _, b := newTestLoop(t, p)
	startRunner(t, b, loop, 0)

	sub := b.Subscribe("test")
	for i := 0; i < 2; i++ {
		b.Publish(bus.Event{Type: bus.EventChatRequest, SessionID: "s1", Content: "go"})
	}

	// First turn reaches the provider and parks there.
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never reached the provider")
	}

	// The second turn must not start while the first is in flight.
	select {
	case <-p.started:
		t.Fatal("second turn started while first was streaming")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	var completes int
	deadline := time.After(5 * time.Second)
	for completes < 2 {
		select {
		case evt := <-sub.Events():
			if evt.Type == bus.EventAgentComplete {
				completes++
			}
			if evt.Type == bus.EventAgentError {
				t.Fatalf("unexpected agent_error: %s", evt.Error)
			}
		case <-deadline:
			t.Fatalf("saw %d completions, want 2", completes)
		}
	}

	p.mu.Lock()
	maxActive := p.maxActive
	p.mu.Unlock()
	if maxActive != 1 {
		t.Errorf("max concurrent streams = %d, want 1", maxActive)
	}
}

func TestRunner_DistinctSessionsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	p := &scriptedProvider{
		model: "test-model",
		rounds: []scriptedRound{
			{chunks: contentChunks("a")},
			{chunks: contentChunks("b")},
		},
		block:   release,
		started: make(chan struct{}, 2),
	}
	loop, _, b := newTestLoop(t, p)
	startRunner(t, b, loop, 0)

	sub := b.Subscribe("test")
	b.Publish(bus.Event{Type: bus.EventChatRequest, SessionID: "s1", Content: "go"})
	b.Publish(bus.Event{Type: bus.EventChatRequest, SessionID: "s2", Content: "go"})

	for i := 0; i < 2; i++ {
		select {
		case <-p.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("stream %d never started", i+1)
		}
	}
	close(release)

	waitForTerminal(t, sub, "s1")

	p.mu.Lock()
	maxActive := p.maxActive
	p.mu.Unlock()
	if maxActive != 2 {
		t.Errorf("max concurrent streams = %d, want 2", maxActive)
	}
}

func TestRunner_CancelStopsTurn(t *testing.T) {
	p := &scriptedProvider{
		model:   "test-model",
		rounds:  []scriptedRound{{chunks: contentChunks("never")}},
		block:   make(chan struct{}), // never released; only cancel ends it
		started: make(chan struct{}, 1),
	}
	loop, _, b := newTestLoop(t, p)
	runner := startRunner(t, b, loop, 0)

	sub := b.Subscribe("test")
	b.Publish(bus.Event{Type: bus.EventChatRequest, SessionID: "s1", Content: "go"})

	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached the provider")
	}
	if !runner.Busy("s1") {
		t.Error("Busy = false while turn in flight")
	}
	if !runner.Cancel("s1") {
		t.Fatal("Cancel = false, want true")
	}

	events := waitForTerminal(t, sub, "s1")
	var sawCancelled bool
	for _, evt := range events {
		if evt.Type == bus.EventAgentError && evt.Error == "cancelled" {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Error("no agent_error with message cancelled")
	}
	if runner.Busy("s1") {
		t.Error("Busy = true after cancel")
	}
}

func TestRunner_TurnTimeout(t *testing.T) {
	p := &scriptedProvider{
		model:   "test-model",
		rounds:  []scriptedRound{{chunks: contentChunks("never")}},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	loop, _, b := newTestLoop(t, p)
	startRunner(t, b, loop, 50*time.Millisecond)

	sub := b.Subscribe("test")
	b.Publish(bus.Event{Type: bus.EventChatRequest, SessionID: "s1", Content: "go"})

	events := waitForTerminal(t, sub, "s1")
	var sawTimeout bool
	for _, evt := range events {
		if evt.Type == bus.EventAgentError && evt.Error == "timeout" {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Error("no agent_error with message timeout")
	}
}

func TestRunner_IgnoresOtherEventTypes(t *testing.T) {
	p := &scriptedProvider{
		model:  "test-model",
		rounds: []scriptedRound{{chunks: contentChunks("ok")}},
	}
	loop, _, b := newTestLoop(t, p)
	startRunner(t, b, loop, 0)

	sub := b.Subscribe("test")
	b.Publish(bus.Event{Type: bus.EventToken, SessionID: "s1", Token: "stray"})
	b.Publish(bus.Event{Type: bus.EventChatRequest, SessionID: "s1", Content: "real"})

	waitForTerminal(t, sub, "s1")

	p.mu.Lock()
	calls := p.calls
	p.mu.Unlock()
	if calls != 1 {
		t.Errorf("provider calls = %d, want 1", calls)
	}
}
