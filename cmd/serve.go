package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/bamboo/internal/agent"
	"github.com/nextlevelbuilder/bamboo/internal/bus"
	"github.com/nextlevelbuilder/bamboo/internal/config"
	"github.com/nextlevelbuilder/bamboo/internal/gateway"
	"github.com/nextlevelbuilder/bamboo/internal/httpapi"
	"github.com/nextlevelbuilder/bamboo/internal/mcp"
	"github.com/nextlevelbuilder/bamboo/internal/memory"
	"github.com/nextlevelbuilder/bamboo/internal/providers"
	"github.com/nextlevelbuilder/bamboo/internal/session"
	"github.com/nextlevelbuilder/bamboo/internal/skills"
	"github.com/nextlevelbuilder/bamboo/internal/telemetry"
	"github.com/nextlevelbuilder/bamboo/internal/tools"
	"github.com/nextlevelbuilder/bamboo/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, HTTP API, and agent runner",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, telErr := telemetry.Init(ctx, cfg.Telemetry, Version)
		if telErr != nil {
			slog.Warn("telemetry init failed", "error", telErr)
		} else {
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				shutdownTelemetry(flushCtx)
			}()
		}
	}

	msgBus := bus.New()
	defer msgBus.Close()

	providerRegistry := providers.NewRegistry()
	registerProviders(providerRegistry, cfg, nil)
	provider, err := providerRegistry.Default()
	if err != nil {
		slog.Error("no usable llm provider", "error", err)
		os.Exit(1)
	}

	// File tools resolve paths against the workspace; it must be absolute.
	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0755)

	executor := tools.NewExecutor(tools.ExecutorConfig{
		Timeout:   time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		Allowlist: cfg.Tools.AllowedCommands,
	})
	toolsReg := tools.NewRegistry()
	if cfg.Tools.BuiltinEnabled {
		toolsReg.Register(tools.NewReadFileTool(workspace, true))
		toolsReg.Register(tools.NewWriteFileTool(workspace, true))
		toolsReg.Register(tools.NewListFilesTool(workspace, true))
		toolsReg.Register(tools.NewExecuteCommandTool(workspace, executor))
	}

	var memMgr *memory.Manager
	if cfg.Memory.Enabled {
		memMgr = memory.NewManager(cfg.MemoryPath())
		if memErr := memMgr.Init(); memErr != nil {
			slog.Warn("memory disabled", "error", memErr)
			memMgr = nil
		} else {
			toolsReg.Register(memory.NewSaveTool(memMgr))
			toolsReg.Register(memory.NewSearchTool(memMgr))
			slog.Info("memory enabled", "path", memMgr.Root())
		}
	}

	if len(cfg.MCP.Servers) > 0 {
		mcpMgr := mcp.NewManager(toolsReg, cfg.MCP.Servers)
		if mcpErr := mcpMgr.Start(ctx); mcpErr != nil {
			slog.Warn("mcp startup errors", "error", mcpErr)
		}
		defer mcpMgr.Stop()
		slog.Info("mcp servers initialized", "configured", len(cfg.MCP.Servers), "tools", len(mcpMgr.ToolNames()))
	}

	var skillsLoader *skills.Loader
	if cfg.Skills.Enabled {
		skillsLoader = skills.NewLoader(cfg.SkillDirs(), toolsReg, executor)
		if skillErr := skillsLoader.Load(); skillErr != nil {
			slog.Warn("skill scan failed", "error", skillErr)
		}
		if cfg.Skills.AutoReload {
			if watchErr := skillsLoader.Watch(ctx); watchErr != nil {
				slog.Warn("skill watcher failed", "error", watchErr)
			}
		}
		defer skillsLoader.Close()
		slog.Info("skills loaded", "count", len(skillsLoader.Skills()))
	}

	store, err := session.NewStore(cfg.SessionsPath(), cfg.Storage.MaxSessions, cfg.Storage.SessionTTL())
	if err != nil {
		slog.Error("failed to open session store", "path", cfg.SessionsPath(), "error", err)
		os.Exit(1)
	}
	sessions := session.NewManager(store, session.ManagerConfig{
		MaxActive:           cfg.Storage.MaxActiveSessions,
		IdleTimeout:         time.Duration(cfg.Storage.IdleTimeoutSecs) * time.Second,
		DisconnectRetention: time.Duration(cfg.Storage.DisconnectRetentionSecs) * time.Second,
		AutoSaveInterval:    time.Duration(cfg.Storage.AutoSaveIntervalSecs) * time.Second,
		CleanupInterval:     time.Duration(cfg.Storage.CleanupIntervalSecs) * time.Second,
	})
	sessions.Start(ctx)
	defer sessions.Shutdown()

	loop := agent.NewLoop(agent.LoopConfig{
		Provider:    provider,
		Tools:       toolsReg,
		Sessions:    sessions,
		Bus:         msgBus,
		Prompt:      systemPrompt(cfg, skillsLoader, memMgr),
		Model:       cfg.Agent.Model,
		MaxRounds:   cfg.Agent.MaxRounds,
		MaxTokens:   cfg.Agent.MaxTokens,
		Temperature: cfg.Agent.Temperature,
	})
	runner := agent.NewRunner(agent.RunnerConfig{
		Bus:     msgBus,
		Loop:    loop,
		Timeout: cfg.Agent.Timeout(),
	})

	var gwServer *gateway.Server
	if cfg.Gateway.Enabled {
		gwServer = gateway.NewServer(cfg.Gateway, msgBus, sessions, runner)
	}
	api := httpapi.New(cfg, msgBus, sessions, runner)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	slog.Info("bamboo starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"provider", provider.ID(),
		"model", provider.DefaultModel(),
		"tools", toolsReg.Names(),
		"gateway", cfg.Gateway.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if runErr := runner.Start(gctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	})
	if gwServer != nil {
		g.Go(func() error { return gwServer.Start(gctx) })
	}
	g.Go(func() error { return api.Start(gctx) })

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// systemPrompt assembles the per-turn system prompt: the configured base
// prompt, then each loaded skill's markdown body, then remembered facts.
// It is evaluated per request, so skill reloads and new memories reach
// sessions already in flight.
func systemPrompt(cfg *config.Config, loader *skills.Loader, mem *memory.Manager) agent.PromptFunc {
	return func() string {
		parts := []string{strings.TrimSpace(cfg.Agent.SystemPrompt)}
		if loader != nil {
			parts = append(parts, loader.Prompts()...)
		}
		if mem != nil {
			if memories, err := mem.List(); err == nil {
				parts = append(parts, memory.PromptSection(memories))
			}
		}
		sections := parts[:0]
		for _, p := range parts {
			if strings.TrimSpace(p) != "" {
				sections = append(sections, p)
			}
		}
		return strings.Join(sections, "\n\n")
	}
}
