// Package mcp bridges tools from Model Context Protocol servers into
// the local tool registry. Servers come from static config; connecting
// is best-effort so a dead server never blocks startup.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/bamboo/internal/config"
	"github.com/nextlevelbuilder/bamboo/internal/tools"
)

const (
	pingInterval   = 30 * time.Second
	redialBase     = 2 * time.Second
	redialCap      = 60 * time.Second
	redialAttempts = 10
)

// Manager owns one connection per configured MCP server plus the bridge
// tools registered on their behalf.
type Manager struct {
	registry *tools.Registry
	configs  map[string]*config.MCPServerConfig

	mu      sync.Mutex
	servers map[string]*server
}

func NewManager(registry *tools.Registry, configs map[string]*config.MCPServerConfig) *Manager {
	return &Manager{
		registry: registry,
		configs:  configs,
		servers:  make(map[string]*server),
	}
}

// Start dials every enabled server and begins health monitoring. Dial
// failures are collected into one error so the caller can log them and
// keep going.
func (m *Manager) Start(ctx context.Context) error {
	var failed []string
	for name, cfg := range m.configs {
		if !cfg.IsEnabled() {
			slog.Info("mcp server disabled", "server", name)
			continue
		}
		srv, err := m.dial(ctx, name, cfg)
		if err != nil {
			slog.Warn("mcp server unreachable", "server", name, "error", err)
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		m.mu.Lock()
		m.servers[name] = srv
		m.mu.Unlock()
	}
	if len(failed) > 0 {
		return fmt.Errorf("mcp servers failed to connect: %s", strings.Join(failed, "; "))
	}
	return nil
}

// Stop closes every connection and pulls its bridge tools out of the
// registry.
func (m *Manager) Stop() {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*server)
	m.mu.Unlock()

	for name, srv := range servers {
		srv.shutdown()
		for _, tool := range srv.owned {
			m.registry.Unregister(tool)
		}
		slog.Debug("mcp server closed", "server", name)
	}
}

// ToolNames lists every registered bridge tool, sorted for stable logs.
func (m *Manager) ToolNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for _, srv := range m.servers {
		names = append(names, srv.owned...)
	}
	sort.Strings(names)
	return names
}
