// Package config defines the bamboo configuration tree and its loading
// rules: defaults, then config.json (JSON5, so comments and trailing
// commas are fine), then BAMBOO_* environment overrides. Secrets never
// persist in the file; only environment variable names do.
package config

import (
	"fmt"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Gateway   GatewayConfig   `json:"gateway"`
	Agent     AgentConfig     `json:"agent"`
	LLM       LLMConfig       `json:"llm"`
	Skills    SkillsConfig    `json:"skills"`
	Tools     ToolsConfig     `json:"tools"`
	Storage   StorageConfig   `json:"storage"`
	Memory    MemoryConfig    `json:"memory"`
	MCP       MCPConfig       `json:"mcp,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// ServerConfig binds the HTTP API listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	CORS bool   `json:"cors"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GatewayConfig controls the WebSocket gateway.
type GatewayConfig struct {
	Enabled               bool   `json:"enabled"`
	Bind                  string `json:"bind"`                 // e.g. "127.0.0.1:18790"
	AuthToken             string `json:"-"`                    // from env BAMBOO_GATEWAY_TOKEN only
	MaxConnections        int    `json:"max_connections"`
	HeartbeatIntervalSecs int    `json:"heartbeat_interval_secs"`
	RateLimitRPM          int    `json:"rate_limit_rpm"` // chat frames per minute per connection, 0 = no limit

	// AllowedOrigins restricts browser connections by Origin header;
	// empty allows all. Requests without an Origin (CLI, SDK) always pass.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (g GatewayConfig) HeartbeatInterval() time.Duration {
	if g.HeartbeatIntervalSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.HeartbeatIntervalSecs) * time.Second
}

// AgentConfig tunes the reasoning loop.
type AgentConfig struct {
	MaxRounds      int     `json:"max_rounds"`
	TimeoutSeconds int     `json:"timeout_seconds"` // whole-turn budget
	SystemPrompt   string  `json:"system_prompt,omitempty"`
	Model          string  `json:"model,omitempty"` // overrides the provider default
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
}

// Timeout returns the per-turn deadline, zero meaning none.
func (a AgentConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// LLMConfig selects and configures the upstream providers.
type LLMConfig struct {
	DefaultProvider string                     `json:"default_provider"`
	Providers       map[string]*ProviderConfig `json:"providers"`
}

// ProviderConfig is one upstream LLM service.
type ProviderConfig struct {
	Enabled        bool              `json:"enabled"`
	Family         string            `json:"family,omitempty"` // "openai" (default) or "anthropic"
	BaseURL        string            `json:"base_url"`
	Model          string            `json:"model,omitempty"`
	Auth           AuthConfig        `json:"auth"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// Timeout returns the per-request HTTP deadline.
func (p *ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// AuthConfig names a credential strategy. Type selects the strategy and
// the remaining fields apply per type: api_key and bearer read the secret
// from the environment variable named by Env; device_code runs the OAuth
// device flow against the given endpoints and caches the token on disk.
type AuthConfig struct {
	Type          string   `json:"type"` // api_key | bearer | device_code | none
	Env           string   `json:"env,omitempty"`
	Header        string   `json:"header,omitempty"` // api_key header name, default x-api-key
	ClientID      string   `json:"client_id,omitempty"`
	DeviceAuthURL string   `json:"device_auth_url,omitempty"`
	TokenURL      string   `json:"token_url,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
	CachePath     string   `json:"cache_path,omitempty"` // default ~/.bamboo/auth/<provider>.json
}

// SkillsConfig controls the skill loader.
type SkillsConfig struct {
	Enabled     bool     `json:"enabled"`
	AutoReload  bool     `json:"auto_reload"`
	Directories []string `json:"directories"`
}

// ToolsConfig controls the built-in tools and the subprocess executor.
type ToolsConfig struct {
	BuiltinEnabled  bool     `json:"builtin_enabled"`
	Workspace       string   `json:"workspace"` // root for the file tools
	AllowedCommands []string `json:"allowed_commands,omitempty"`
	TimeoutSeconds  int      `json:"timeout_seconds,omitempty"`
}

// StorageConfig places the session store and tunes the session cache.
type StorageConfig struct {
	Type                    string `json:"type"` // only "jsonl" is supported
	Path                    string `json:"path"`
	MaxSessions             int    `json:"max_sessions,omitempty"`
	SessionTTLHours         int    `json:"session_ttl_hours,omitempty"` // 0 = never expire
	MaxActiveSessions       int    `json:"max_active_sessions,omitempty"`
	IdleTimeoutSecs         int    `json:"idle_timeout_secs,omitempty"`
	DisconnectRetentionSecs int    `json:"disconnect_retention_secs,omitempty"`
	AutoSaveIntervalSecs    int    `json:"auto_save_interval_secs,omitempty"`
	CleanupIntervalSecs     int    `json:"cleanup_interval_secs,omitempty"`
}

// SessionTTL returns the default session lifetime, zero meaning none.
func (s StorageConfig) SessionTTL() time.Duration {
	if s.SessionTTLHours <= 0 {
		return 0
	}
	return time.Duration(s.SessionTTLHours) * time.Hour
}

// MemoryConfig controls the per-session memory tools.
type MemoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MCPConfig lists external MCP servers whose tools are bridged into the
// registry.
type MCPConfig struct {
	Servers map[string]*MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig describes one external MCP server.
type MCPServerConfig struct {
	Enabled    *bool             `json:"enabled,omitempty"` // nil means enabled
	Transport  string            `json:"transport"`         // stdio | sse | streamable-http
	Command    string            `json:"command,omitempty"` // stdio only
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"` // sse and streamable-http
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"` // default mcp_<name>_
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

// IsEnabled reports whether the server should be connected. Servers are
// enabled unless explicitly turned off.
func (c *MCPServerConfig) IsEnabled() bool {
	return c != nil && (c.Enabled == nil || *c.Enabled)
}

// TelemetryConfig configures OTLP trace export. When disabled the global
// no-op tracer stands and spans cost nothing.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}
