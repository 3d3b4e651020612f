package session

import (
	"context"
	"sync"
)

// EventStream is the live event feed handed to a transport when it
// connects a session. Pushes never block the producer; a single consumer
// drains the queue with Next. Closing wakes the consumer with ok=false.
type EventStream struct {
	mu     sync.Mutex
	buf    []Event
	wake   chan struct{}
	closed bool
}

// NewEventStream creates an empty stream.
func NewEventStream() *EventStream {
	return &EventStream{wake: make(chan struct{}, 1)}
}

// Push enqueues evt for the consumer. Events pushed after Close are
// discarded.
func (s *EventStream) Push(evt Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, evt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the stream is closed, or ctx
// is done. It returns ok=false when no more events will arrive.
func (s *EventStream) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			evt := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return evt, true
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, false
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Close ends the stream. Queued events are dropped and any blocked Next
// returns ok=false. Close is idempotent.
func (s *EventStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.buf = nil
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len reports how many events are queued.
func (s *EventStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
