package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/bamboo/internal/bus"
)

// runnerSubscriber is the bus subscriber id the Runner claims.
const runnerSubscriber = "agent-runner"

// Runner bridges the event bus to the Loop. It consumes chat_request
// events and executes each as a turn, serializing turns per session while
// letting distinct sessions run concurrently.
type Runner struct {
	bus     *bus.Bus
	loop    *Loop
	cancels *CancelRegistry
	timeout time.Duration

	locks sync.Map // session id -> *sync.Mutex
	wg    sync.WaitGroup
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Bus     *bus.Bus
	Loop    *Loop
	Timeout time.Duration // per-turn budget; 0 means unbounded
}

func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		bus:     cfg.Bus,
		loop:    cfg.Loop,
		cancels: NewCancelRegistry(),
		timeout: cfg.Timeout,
	}
}

// Start subscribes to the bus and dispatches turns until ctx is cancelled
// or the bus closes. It returns after in-flight turns have finished.
func (r *Runner) Start(ctx context.Context) error {
	sub := r.bus.Subscribe(runnerSubscriber)
	defer r.bus.Unsubscribe(runnerSubscriber)

	slog.Info("agent runner started", "timeout", r.timeout)
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				r.wg.Wait()
				return nil
			}
			if evt.Type != bus.EventChatRequest {
				continue
			}
			r.dispatch(ctx, evt)
		}
	}
}

// Cancel stops the in-flight turn on a session, if any.
func (r *Runner) Cancel(sessionID string) bool {
	return r.cancels.Cancel(sessionID)
}

// Busy reports whether a turn is in flight on the session.
func (r *Runner) Busy(sessionID string) bool {
	return r.cancels.Active(sessionID)
}

func (r *Runner) dispatch(ctx context.Context, evt bus.Event) {
	if evt.SessionID == "" || evt.Content == "" {
		slog.Warn("dropping malformed chat request", "session", evt.SessionID)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		// Turns on the same session run one at a time.
		mu := r.sessionLock(evt.SessionID)
		mu.Lock()
		defer mu.Unlock()

		runCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, r.timeout)
			defer cancel()
		}
		runCtx, release := r.cancels.Register(runCtx, evt.SessionID)
		defer release()

		req := Request{
			SessionID: evt.SessionID,
			Content:   evt.Content,
			Model:     evt.Model,
			ReplyTo:   evt.ReplyTo,
		}
		if _, err := r.loop.Run(runCtx, req); err != nil {
			slog.Error("turn failed", "session", evt.SessionID, "error", err)
		}
	}()
}

func (r *Runner) sessionLock(id string) *sync.Mutex {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}
