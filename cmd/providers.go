package cmd

import (
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/oauth2"

	"github.com/nextlevelbuilder/bamboo/internal/config"
	"github.com/nextlevelbuilder/bamboo/internal/providers"
)

// registerProviders builds a provider per enabled llm.providers entry and
// registers it. present overrides how the device-code prompt is shown; nil
// prints it to stdout.
func registerProviders(registry *providers.Registry, cfg *config.Config, present func(*oauth2.DeviceAuthResponse)) {
	names := make([]string, 0, len(cfg.LLM.Providers))
	for name := range cfg.LLM.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := cfg.LLM.Providers[name]
		if pc == nil || !pc.Enabled {
			continue
		}
		p, err := buildProvider(name, pc, present)
		if err != nil {
			slog.Warn("skipping provider", "name", name, "error", err)
			continue
		}
		registry.Register(p)
		slog.Info("registered provider", "name", name, "family", familyOf(pc), "model", pc.Model)
	}

	if cfg.LLM.DefaultProvider != "" {
		if err := registry.SetDefault(cfg.LLM.DefaultProvider); err != nil {
			slog.Warn("default provider not registered", "name", cfg.LLM.DefaultProvider, "error", err)
		}
	}
}

func buildProvider(name string, pc *config.ProviderConfig, present func(*oauth2.DeviceAuthResponse)) (providers.Provider, error) {
	var tr providers.Transformer
	switch familyOf(pc) {
	case "anthropic":
		tr = providers.NewAnthropicTransformer()
	case "openai":
		tr = providers.NewOpenAITransformer(name)
	default:
		return nil, fmt.Errorf("unknown provider family %q", pc.Family)
	}

	auth, err := authenticator(name, pc, present)
	if err != nil {
		return nil, err
	}

	return providers.NewBaseProvider(providers.Settings{
		Name:    name,
		BaseURL: pc.BaseURL,
		Model:   pc.Model,
		Timeout: pc.Timeout(),
		Headers: pc.Headers,
	}, tr, auth), nil
}

// authenticator maps an auth config onto a credential strategy. api_key
// keys default to a bearer Authorization header for openai-family
// backends and to x-api-key for anthropic, matching what those APIs
// expect; auth.header overrides either.
func authenticator(name string, pc *config.ProviderConfig, present func(*oauth2.DeviceAuthResponse)) (providers.Authenticator, error) {
	auth := pc.Auth
	switch auth.Type {
	case "", "none":
		return providers.NoAuth{}, nil

	case "api_key":
		if auth.Env == "" {
			return nil, fmt.Errorf("provider %s: api_key auth needs env", name)
		}
		if auth.Header == "" && familyOf(pc) == "openai" {
			return &providers.BearerAuth{EnvVar: auth.Env}, nil
		}
		return &providers.APIKeyAuth{EnvVar: auth.Env, Header: auth.Header}, nil

	case "bearer":
		if auth.Env == "" {
			return nil, fmt.Errorf("provider %s: bearer auth needs env", name)
		}
		return &providers.BearerAuth{EnvVar: auth.Env}, nil

	case "device_code":
		return deviceCodeAuth(name, auth, present), nil

	default:
		return nil, fmt.Errorf("provider %s: unknown auth type %q", name, auth.Type)
	}
}

func deviceCodeAuth(name string, auth config.AuthConfig, present func(*oauth2.DeviceAuthResponse)) *providers.DeviceCodeAuth {
	cachePath := auth.CachePath
	if cachePath == "" {
		cachePath = config.AuthCachePath(name)
	}
	oc := &oauth2.Config{
		ClientID: auth.ClientID,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: auth.DeviceAuthURL,
			TokenURL:      auth.TokenURL,
		},
		Scopes: auth.Scopes,
	}
	return providers.NewDeviceCodeAuth(oc, config.ExpandHome(cachePath), present)
}

func familyOf(pc *config.ProviderConfig) string {
	if pc.Family == "" {
		return "openai"
	}
	return pc.Family
}
