package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	return ExpandHome("~/.bamboo/config.json")
}

// Default returns a Config with working defaults: HTTP API and gateway on
// loopback, the copilot device-code provider enabled, JSONL session
// storage under ~/.bamboo.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8081,
			CORS: true,
		},
		Gateway: GatewayConfig{
			Enabled:               true,
			Bind:                  "127.0.0.1:18790",
			MaxConnections:        1000,
			HeartbeatIntervalSecs: 30,
			RateLimitRPM:          60,
		},
		Agent: AgentConfig{
			MaxRounds:      10,
			TimeoutSeconds: 300,
			SystemPrompt:   "You are a helpful assistant",
		},
		LLM: LLMConfig{
			DefaultProvider: "copilot",
			Providers: map[string]*ProviderConfig{
				"copilot": {
					Enabled: true,
					Family:  "openai",
					BaseURL: "https://api.githubcopilot.com",
					Model:   "gpt-4o",
					Auth: AuthConfig{
						Type:          "device_code",
						ClientID:      "Iv1.b507a08c87ecfe98",
						DeviceAuthURL: "https://github.com/login/device/code",
						TokenURL:      "https://github.com/login/oauth/access_token",
					},
					Headers: map[string]string{
						"editor-version":        "vscode/1.99.2",
						"editor-plugin-version": "copilot-chat/0.20.3",
					},
					TimeoutSeconds: 60,
				},
				"openai": {
					Enabled:        false,
					Family:         "openai",
					BaseURL:        "https://api.openai.com/v1",
					Model:          "gpt-4o-mini",
					Auth:           AuthConfig{Type: "api_key", Env: "OPENAI_API_KEY"},
					TimeoutSeconds: 60,
				},
				"anthropic": {
					Enabled:        false,
					Family:         "anthropic",
					BaseURL:        "https://api.anthropic.com",
					Model:          "claude-sonnet-4-5-20250929",
					Auth:           AuthConfig{Type: "api_key", Env: "ANTHROPIC_API_KEY"},
					TimeoutSeconds: 60,
				},
			},
		},
		Skills: SkillsConfig{
			Enabled:     true,
			AutoReload:  true,
			Directories: []string{"~/.bamboo/skills"},
		},
		Tools: ToolsConfig{
			BuiltinEnabled: true,
			Workspace:      "~/.bamboo/workspace",
		},
		Storage: StorageConfig{
			Type: "jsonl",
			Path: "~/.bamboo/sessions",
		},
		Memory: MemoryConfig{
			Enabled: true,
			Path:    "~/.bamboo/memory",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "bamboo",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("BAMBOO_HOST", &c.Server.Host)
	envInt("BAMBOO_PORT", &c.Server.Port)

	envStr("BAMBOO_GATEWAY_BIND", &c.Gateway.Bind)
	envStr("BAMBOO_GATEWAY_TOKEN", &c.Gateway.AuthToken)
	envInt("BAMBOO_GATEWAY_MAX_CONNECTIONS", &c.Gateway.MaxConnections)

	envStr("BAMBOO_PROVIDER", &c.LLM.DefaultProvider)
	envStr("BAMBOO_MODEL", &c.Agent.Model)
	envInt("BAMBOO_MAX_ROUNDS", &c.Agent.MaxRounds)

	envStr("BAMBOO_SESSIONS_PATH", &c.Storage.Path)
	envStr("BAMBOO_MEMORY_PATH", &c.Memory.Path)
	envStr("BAMBOO_WORKSPACE", &c.Tools.Workspace)
	if v := os.Getenv("BAMBOO_SKILLS_DIRS"); v != "" {
		c.Skills.Directories = strings.Split(v, ",")
	}

	envBool("BAMBOO_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("BAMBOO_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("BAMBOO_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envBool("BAMBOO_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
	envStr("BAMBOO_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
}

// Save writes the config to path with owner-only permissions. Parent
// directories are created as needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secret values replaced, safe to
// hand to API clients.
func (c *Config) MaskedCopy() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := &Config{}
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	if c.Gateway.AuthToken != "" {
		cp.Gateway.AuthToken = secretMask
	}
	for _, p := range cp.MCP.Servers {
		for k := range p.Headers {
			p.Headers[k] = secretMask
		}
		for k := range p.Env {
			p.Env[k] = secretMask
		}
	}
	for k := range cp.Telemetry.Headers {
		cp.Telemetry.Headers[k] = secretMask
	}
	return cp
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Storage.Type != "" && c.Storage.Type != "jsonl" {
		return fmt.Errorf("storage.type %q is not supported", c.Storage.Type)
	}
	if c.LLM.DefaultProvider != "" {
		if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
			return fmt.Errorf("llm.default_provider %q is not configured", c.LLM.DefaultProvider)
		}
	}
	for name, p := range c.LLM.Providers {
		if !p.Enabled {
			continue
		}
		switch p.Auth.Type {
		case "api_key", "bearer":
			if p.Auth.Env == "" {
				return fmt.Errorf("provider %s: auth.env is required for %s auth", name, p.Auth.Type)
			}
		case "device_code":
			if p.Auth.ClientID == "" {
				return fmt.Errorf("provider %s: auth.client_id is required for device_code auth", name)
			}
		case "none", "":
		default:
			return fmt.Errorf("provider %s: unknown auth.type %q", name, p.Auth.Type)
		}
	}
	return nil
}

// SessionsPath returns the expanded session storage directory.
func (c *Config) SessionsPath() string { return ExpandHome(c.Storage.Path) }

// MemoryPath returns the expanded memory directory.
func (c *Config) MemoryPath() string { return ExpandHome(c.Memory.Path) }

// WorkspacePath returns the expanded tool workspace directory.
func (c *Config) WorkspacePath() string { return ExpandHome(c.Tools.Workspace) }

// SkillDirs returns the expanded skill directories.
func (c *Config) SkillDirs() []string {
	dirs := make([]string, 0, len(c.Skills.Directories))
	for _, d := range c.Skills.Directories {
		dirs = append(dirs, ExpandHome(d))
	}
	return dirs
}

// AuthCachePath returns where a provider's device-code token is cached.
func AuthCachePath(provider string) string {
	return ExpandHome(filepath.Join("~", ".bamboo", "auth", provider+".json"))
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
