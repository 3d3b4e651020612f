// Package httpapi serves the REST surface of the runtime. A chat turn is
// accepted over POST and its events are rendered back as server-sent
// events: the stream handler subscribes to the event bus, publishes the
// pending chat request once the subscriber is attached, and forwards the
// session's events until the turn completes. Session listing, history,
// cancellation, and the masked config view live here too.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nextlevelbuilder/bamboo/internal/bus"
	"github.com/nextlevelbuilder/bamboo/internal/config"
	"github.com/nextlevelbuilder/bamboo/internal/session"
)

// Agent is the slice of the runner the API drives directly: stopping a
// turn and asking whether one is in flight. Chat itself goes over the bus.
type Agent interface {
	Cancel(sessionID string) bool
	Busy(sessionID string) bool
}

// API exposes the runtime over HTTP under /api/v1.
type API struct {
	cfg      *config.Config
	bus      *bus.Bus
	sessions *session.Manager
	agent    Agent

	// pending holds the message of an accepted chat until its SSE
	// stream attaches and the chat request can be published.
	pendingMu sync.Mutex
	pending   map[string]pendingPrompt

	httpServer *http.Server
	handler    http.Handler
}

// New creates the HTTP API. agent may be nil, in which case stop reports
// every session as idle.
func New(cfg *config.Config, b *bus.Bus, sessions *session.Manager, agent Agent) *API {
	return &API{
		cfg:      cfg,
		bus:      b,
		sessions: sessions,
		agent:    agent,
		pending:  make(map[string]pendingPrompt),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/chat", a.handleChat)
	mux.HandleFunc("GET /api/v1/stream/{id}", a.handleStream)
	mux.HandleFunc("POST /api/v1/stop/{id}", a.handleStop)
	mux.HandleFunc("GET /api/v1/history/{id}", a.handleHistory)

	mux.HandleFunc("GET /api/v1/sessions", a.handleListSessions)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", a.handleDeleteSession)

	mux.HandleFunc("GET /api/v1/health", a.handleHealth)
	mux.HandleFunc("GET /api/v1/config", a.handleConfig)
}

// Handler returns the API's HTTP handler, building it on first use. CORS
// headers are applied when enabled in the server config.
func (a *API) Handler() http.Handler {
	if a.handler != nil {
		return a.handler
	}

	mux := http.NewServeMux()
	a.RegisterRoutes(mux)

	var h http.Handler = mux
	if a.cfg.Server.CORS {
		h = corsHandler(h)
	}
	a.handler = h
	return h
}

// Start listens on the configured server address until ctx is cancelled.
func (a *API) Start(ctx context.Context) error {
	a.httpServer = &http.Server{
		Addr:    a.cfg.Server.Addr(),
		Handler: a.Handler(),
	}

	slog.Info("http api starting", "addr", a.cfg.Server.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.httpServer.Shutdown(shutdownCtx)
	}()

	if err := a.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http api server: %w", err)
	}
	return nil
}

// corsHandler allows cross-origin browser access to the API. The surface
// carries no cookies or ambient credentials, so a wildcard origin is safe.
func corsHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the running configuration with secrets masked.
func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.cfg.MaskedCopy())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps session layer errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyExists), errors.Is(err, session.ErrClosed):
		status = http.StatusConflict
	case errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrRetentionLapsed):
		status = http.StatusGone
	case errors.Is(err, session.ErrAccessDenied):
		status = http.StatusForbidden
	case session.IsQuotaExceeded(err):
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
