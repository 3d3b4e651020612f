package agent

import (
	"context"
	"sync"
)

// CancelRegistry tracks the cancel function of the in-flight turn on each
// session, so transports can stop a run by session id alone.
type CancelRegistry struct {
	mu      sync.Mutex
	entries map[string]*cancelEntry
}

type cancelEntry struct {
	cancel context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{entries: make(map[string]*cancelEntry)}
}

// Register derives a cancellable context for a turn on sessionID and
// returns a release that must be called when the turn ends. A second
// Register for the same session replaces the entry; the Runner's
// per-session serialization keeps that from happening in practice.
func (r *CancelRegistry) Register(ctx context.Context, sessionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	e := &cancelEntry{cancel: cancel}

	r.mu.Lock()
	r.entries[sessionID] = e
	r.mu.Unlock()

	release := func() {
		cancel()
		r.mu.Lock()
		if r.entries[sessionID] == e {
			delete(r.entries, sessionID)
		}
		r.mu.Unlock()
	}
	return ctx, release
}

// Cancel stops the in-flight turn on sessionID and reports whether one was
// running.
func (r *CancelRegistry) Cancel(sessionID string) bool {
	r.mu.Lock()
	e := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.mu.Unlock()

	if e == nil {
		return false
	}
	e.cancel()
	return true
}

// Active reports whether a turn is currently running on sessionID.
func (r *CancelRegistry) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[sessionID] != nil
}

// Len returns the number of in-flight turns.
func (r *CancelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
