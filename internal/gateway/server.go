// Package gateway serves the WebSocket ingress. Clients speak the
// pkg/protocol frame vocabulary: a connect frame binds the connection to a
// session, chat frames feed the agent through the event bus, and the
// session's live event stream flows back as agent_* frames.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/bamboo/internal/bus"
	"github.com/nextlevelbuilder/bamboo/internal/config"
	"github.com/nextlevelbuilder/bamboo/internal/session"
	"github.com/nextlevelbuilder/bamboo/pkg/protocol"
)

// busSubscriber is the gateway's id on the event bus.
const busSubscriber = "gateway"

// Agent is the slice of the runner the gateway drives directly: stopping a
// turn and asking whether one is in flight. Chat itself goes over the bus.
type Agent interface {
	Cancel(sessionID string) bool
	Busy(sessionID string) bool
}

// Server accepts WebSocket connections and bridges them to the runtime.
type Server struct {
	cfg      config.GatewayConfig
	bus      *bus.Bus
	sessions *session.Manager
	agent    Agent

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. agent may be nil, in which case the
// status and cancel commands report no activity.
func NewServer(cfg config.GatewayConfig, b *bus.Bus, sessions *session.Manager, agent Agent) *Server {
	s := &Server{
		cfg:      cfg,
		bus:      b,
		sessions: sessions,
		agent:    agent,
		clients:  make(map[string]*Client),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// checkOrigin validates the WebSocket Origin header against the allowed
// origins whitelist. No configured origins means all are allowed; an empty
// Origin header (CLI, SDK, non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.mux = mux
	return mux
}

// Start listens on the configured bind address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: s.BuildMux(),
	}

	slog.Info("gateway starting", "addr", s.cfg.Bind)

	go s.watchBus(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades HTTP to WebSocket and manages the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	if !s.registerClient(client) {
		client.reject(protocol.ErrorFrame(protocol.CodeCapacityExceeded, "Server at capacity"))
		return
	}
	defer s.unregisterClient(client)

	client.Run(r.Context())
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// watchBus forwards server-wide bus events to connected clients. Only
// config reloads fan out from here; agent events reach each client through
// its session's event stream instead.
func (s *Server) watchBus(ctx context.Context) {
	sub := s.bus.Subscribe(busSubscriber)
	defer s.bus.Unsubscribe(busSubscriber)

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Type == bus.EventConfigUpdated {
				s.BroadcastEvent(protocol.ConfigUpdated(evt.Sections))
			}
		case <-ctx.Done():
			return
		}
	}
}

// SendToSession delivers an event to the client bound to sessionID, if
// any. Unbound sessions drop the frame with a log line.
func (s *Server) SendToSession(sessionID string, event protocol.EventFrame) {
	s.mu.RLock()
	var target *Client
	for _, client := range s.clients {
		if client.SessionID() == sessionID {
			target = client
			break
		}
	}
	s.mu.RUnlock()

	if target == nil {
		slog.Debug("no client bound to session, dropping frame",
			"session_id", sessionID, "type", event.Type)
		return
	}
	target.SendEvent(event)
}

// BroadcastEvent sends an event to all connected clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

// ClientCount reports how many connections are in the pool.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// claimSession records c as the connection for sessionID, unbinding any
// other client still pointing at it. The session manager has already
// replaced the stream; this keeps the pool's view in step.
func (s *Server) claimSession(sessionID string, c *Client) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, other := range s.clients {
		if other != c && other.SessionID() == sessionID {
			other.unbind(sessionID)
		}
	}
}

// registerClient admits c unless the pool is at capacity.
func (s *Server) registerClient(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConnections > 0 && len(s.clients) >= s.cfg.MaxConnections {
		slog.Warn("connection rejected, pool at capacity",
			"max_connections", s.cfg.MaxConnections)
		return false
	}
	s.clients[c.id] = c
	slog.Info("client connected", "id", c.id, "clients", len(s.clients))
	return true
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	if ok {
		delete(s.clients, c.id)
	}
	n := len(s.clients)
	s.mu.Unlock()
	if !ok {
		return
	}

	c.teardown()
	slog.Info("client disconnected", "id", c.id, "clients", n)
}

// closeClients force-closes every pooled connection. The per-connection
// handlers then unwind and unregister themselves.
func (s *Server) closeClients() {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

// StartTestServer creates a listener on :0 (random port) and returns the
// actual address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go s.watchBus(ctx)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
			s.closeClients()
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
