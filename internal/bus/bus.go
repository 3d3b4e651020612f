package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 1000

// Bus fans events out to named subscribers. Publish never blocks; a
// subscriber that cannot keep up loses its oldest queued events and its
// Dropped counter records how many.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	buffer int
	closed bool
}

// New creates a bus with the default per-subscriber buffer.
func New() *Bus {
	return NewWithBuffer(DefaultBuffer)
}

// NewWithBuffer creates a bus whose subscribers queue up to n events.
func NewWithBuffer(n int) *Bus {
	if n < 1 {
		n = 1
	}
	return &Bus{
		subs:   make(map[string]*Subscriber),
		buffer: n,
	}
}

// Subscribe registers a subscriber under id and returns its event queue.
// Subscribing with an id that is already registered replaces the old
// subscriber and closes its channel.
func (b *Bus) Subscribe(id string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		id: id,
		ch: make(chan Event, b.buffer),
	}
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	if old, ok := b.subs[id]; ok {
		old.close()
		slog.Warn("bus subscriber replaced", "id", id)
	}
	b.subs[id] = sub
	return sub
}

// Unsubscribe removes the subscriber registered under id and closes its
// channel. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sub.close()
	}
}

// Publish delivers evt to every subscriber. Events published by a single
// goroutine arrive at each subscriber in publish order.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.push(evt)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down: all subscriber channels are closed and
// subsequent Publish calls are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}
}

// Subscriber is a single consumer's view of the bus. Exactly one
// goroutine should range over Events.
type Subscriber struct {
	id      string
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// ID returns the id the subscriber was registered under.
func (s *Subscriber) ID() string { return s.id }

// Events is the subscriber's queue. The channel is closed when the
// subscriber is unsubscribed or the bus shuts down.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because the queue was
// full. A nonzero value means the consumer lagged behind.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// push enqueues evt, evicting the oldest queued event when full.
func (s *Subscriber) push(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- evt:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
