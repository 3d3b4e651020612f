package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/bamboo/internal/config"
)

// server is one live MCP connection and the registry names it owns.
type server struct {
	name      string
	client    *mcpclient.Client
	owned     []string
	stop      context.CancelFunc
	connected atomic.Bool

	mu     sync.Mutex
	probes int // consecutive failed redial attempts
}

// dial connects to one server, runs the MCP handshake, and installs a
// BridgeTool per remote tool. A watcher goroutine keeps the session
// healthy afterwards.
func (m *Manager) dial(ctx context.Context, name string, cfg *config.MCPServerConfig) (*server, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	remote, err := handshake(ctx, client, cfg.Transport)
	if err != nil {
		client.Close()
		return nil, err
	}

	timeout := cfg.TimeoutSec
	if timeout <= 0 {
		timeout = 60
	}

	srv := &server{name: name, client: client}
	srv.connected.Store(true)
	for _, t := range remote {
		bridge := NewBridgeTool(name, t, client, cfg.ToolPrefix, timeout, &srv.connected)
		if _, taken := m.registry.Get(bridge.Name()); taken {
			slog.Warn("mcp tool name collision", "server", name, "tool", bridge.Name())
			continue
		}
		m.registry.Register(bridge)
		srv.owned = append(srv.owned, bridge.Name())
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	srv.stop = cancel
	go srv.watch(watchCtx)

	slog.Info("mcp server connected", "server", name, "transport", cfg.Transport, "tools", len(srv.owned))
	return srv, nil
}

// newClient builds the transport-appropriate mcp-go client.
func newClient(cfg *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, mapToEnvSlice(cfg.Env), cfg.Args...)
	case "sse":
		if len(cfg.Headers) > 0 {
			return mcpclient.NewSSEMCPClient(cfg.URL, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL)
	case "streamable-http":
		if len(cfg.Headers) > 0 {
			return mcpclient.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// handshake initializes the session and asks the server what it serves.
// Stdio clients spawn their process implicitly; the HTTP transports
// need an explicit Start first.
func handshake(ctx context.Context, client *mcpclient.Client, transportType string) ([]mcpgo.Tool, error) {
	if transportType != "stdio" {
		if err := client.Start(ctx); err != nil {
			return nil, fmt.Errorf("start transport: %w", err)
		}
	}

	var init mcpgo.InitializeRequest
	init.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcpgo.Implementation{Name: "bamboo", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, init); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	list, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return list.Tools, nil
}

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}

// watch pings the server on an interval and redials with backoff after
// a failed probe. It exits when the manager shuts the server down.
func (s *server) watch(ctx context.Context) {
	tick := time.NewTicker(pingInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if err := s.probe(ctx); err != nil {
			s.connected.Store(false)
			slog.Warn("mcp server unhealthy", "server", s.name, "error", err)
			s.redial(ctx)
		} else {
			s.noteHealthy()
		}
	}
}

// probe treats a missing ping method as healthy; plenty of MCP servers
// never implemented it.
func (s *server) probe(ctx context.Context) error {
	err := s.client.Ping(ctx)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "method not found") {
		return nil
	}
	return err
}

func (s *server) noteHealthy() {
	s.connected.Store(true)
	s.mu.Lock()
	s.probes = 0
	s.mu.Unlock()
}

// redial waits out an exponential backoff and probes once more. The
// mcp-go transports reconnect under the hood, so a clean probe means
// the session is usable again.
func (s *server) redial(ctx context.Context) {
	s.mu.Lock()
	s.probes++
	attempt := s.probes
	s.mu.Unlock()

	if attempt > redialAttempts {
		slog.Error("mcp server gave up reconnecting", "server", s.name, "attempts", redialAttempts)
		return
	}

	delay := redialBase << (attempt - 1)
	if delay > redialCap {
		delay = redialCap
	}
	slog.Info("mcp server redialing", "server", s.name, "attempt", attempt, "delay", delay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	if s.probe(ctx) == nil {
		s.noteHealthy()
		slog.Info("mcp server recovered", "server", s.name)
	}
}

// shutdown stops the watcher and closes the client.
func (s *server) shutdown() {
	if s.stop != nil {
		s.stop()
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			slog.Debug("mcp client close", "server", s.name, "error", err)
		}
	}
}
