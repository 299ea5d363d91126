package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentmux/internal/agent"
	"github.com/nextlevelbuilder/agentmux/internal/agent/backends/acp"
	"github.com/nextlevelbuilder/agentmux/internal/agent/backends/clijson"
	"github.com/nextlevelbuilder/agentmux/internal/agent/backends/mock"
	"github.com/nextlevelbuilder/agentmux/internal/bus"
	"github.com/nextlevelbuilder/agentmux/internal/channels"
	"github.com/nextlevelbuilder/agentmux/internal/channels/discord"
	"github.com/nextlevelbuilder/agentmux/internal/channels/slack"
	"github.com/nextlevelbuilder/agentmux/internal/channels/telegram"
	"github.com/nextlevelbuilder/agentmux/internal/channels/web"
	"github.com/nextlevelbuilder/agentmux/internal/config"
	"github.com/nextlevelbuilder/agentmux/internal/dispatch"
	"github.com/nextlevelbuilder/agentmux/internal/orchestrator"
	"github.com/nextlevelbuilder/agentmux/internal/store"
	"github.com/nextlevelbuilder/agentmux/internal/store/pg"
	"github.com/nextlevelbuilder/agentmux/internal/store/sqlite"
	"github.com/nextlevelbuilder/agentmux/internal/telemetry"
	"github.com/nextlevelbuilder/agentmux/internal/warmsession"
)

const handleCapacity = 32
const stopTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var otelEndpoint string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentmux gateway",
		Long: `Start every configured channel adapter and the orchestrator that
routes messages between them and the AI agent backends.

Press Ctrl+C to gracefully shut down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, otelEndpoint)
		},
	}

	cmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP collector endpoint; tracing is disabled when empty")
	return cmd
}

func runServe(ctx context.Context, configPath, otelEndpoint string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}

	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		slog.Info("serve: config reloaded", "path", configPath)
	})
	if err != nil {
		slog.Warn("serve: config hot-reload disabled", "err", err)
	} else {
		defer watcher.Close()
	}

	provider, err := telemetry.Start(ctx, telemetry.Config{
		Enabled:     otelEndpoint != "",
		Endpoint:    otelEndpoint,
		ServiceName: "agentmux",
	})
	if err != nil {
		return fmt.Errorf("serve: telemetry: %w", err)
	}
	defer provider.Shutdown(context.Background())

	st, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("serve: open store: %w", err)
	}
	defer st.Close()

	msgBus := bus.New(256)
	if err := restoreBindings(ctx, st, msgBus); err != nil {
		slog.Warn("serve: restore bindings", "err", err)
	}

	if cfg.Redis.Enabled {
		relay, err := newRedisRelay(cfg.Redis, msgBus)
		if err != nil {
			return fmt.Errorf("serve: redis relay: %w", err)
		}
		go relay.Run(ctx)
	}

	factories, err := buildBackendFactories(cfg, logger)
	if err != nil {
		return fmt.Errorf("serve: build backends: %w", err)
	}

	warm := warmsession.New(0, 0, func(channelName string, h *agent.Handle) {
		slog.Debug("serve: warm session evicted", "channel", channelName)
	})

	orch := orchestrator.New(ctx, st, msgBus, warm, factories)
	taskExec := dispatch.NewTaskExecutor(st, msgBus, orch)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); orch.Run(ctx) }()
	go func() { defer wg.Done(); taskExec.Run(ctx) }()

	adapters, err := buildAdapters(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("serve: build adapters: %w", err)
	}
	for _, a := range adapters {
		wg.Add(1)
		go func(a channels.Adapter) {
			defer wg.Done()
			if err := a.Start(ctx); err != nil {
				slog.Error("serve: adapter start failed", "err", err)
				return
			}
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := a.Stop(stopCtx); err != nil {
				slog.Error("serve: adapter stop failed", "err", err)
			}
		}(a)
	}

	slog.Info("serve: agentmux running", "adapters", len(adapters), "backends", len(factories))
	<-ctx.Done()
	slog.Info("serve: shutting down")
	wg.Wait()
	return nil
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "pg", "postgres":
		st, err := pg.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "", "sqlite":
		path := cfg.DSN
		if path == "" {
			path = "agentmux.db"
		}
		st, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func newRedisRelay(cfg config.RedisConfig, msgBus *bus.Bus) (*bus.RedisRelay, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required when redis.enabled is true")
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	return bus.NewRedisRelay(rdb, msgBus, instanceID), nil
}

func restoreBindings(ctx context.Context, st store.Store, msgBus *bus.Bus) error {
	bindings, err := st.ListBindings(ctx)
	if err != nil {
		return err
	}
	triples := make([][3]string, len(bindings))
	for i, b := range bindings {
		triples[i] = [3]string{b.PlatformID, b.ChannelID, b.ChannelName}
	}
	msgBus.LoadBindings(triples)
	return nil
}

// buildBackendFactories returns one orchestrator.BackendFactory per
// configured backend type. The Warm-Session Cache calls a factory once per
// cold channel, so every channel gets its own Handle (and, for acp/clijson,
// its own subprocess) rooted at that channel's own workingDir — channels
// sharing a backend type never share a worker.
func buildBackendFactories(cfg *config.Config, logger *slog.Logger) (map[string]orchestrator.BackendFactory, error) {
	factories := make(map[string]orchestrator.BackendFactory)

	factories["mock"] = func(ctx context.Context, channelName, workingDir string) (*agent.Handle, error) {
		return agent.NewHandle(ctx, "mock", mock.New(), handleCapacity), nil
	}

	factories["clijson"] = func(ctx context.Context, channelName, workingDir string) (*agent.Handle, error) {
		dir := workingDir
		if dir == "" {
			dir = cfg.Backend.WorkspaceDir
		}
		worker := clijson.New(clijson.Config{
			Binary:     cfg.Backend.Binary,
			WorkingDir: dir,
		}, logger)
		return agent.NewHandle(ctx, "clijson", worker, handleCapacity), nil
	}

	if cfg.Backend.Binary != "" {
		factories["acp"] = func(ctx context.Context, channelName, workingDir string) (*agent.Handle, error) {
			dir := workingDir
			if dir == "" {
				dir = cfg.Backend.WorkspaceDir
			}
			worker, err := acp.New(acp.Config{
				Binary:     cfg.Backend.Binary,
				WorkingDir: dir,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("acp backend for %q: %w", channelName, err)
			}
			return agent.NewHandle(ctx, "acp", worker, handleCapacity), nil
		}
	}

	// directsdk needs an LLMClient implementation supplied by the deployment
	// (no concrete provider SDK is wired here); omitted from the default set.

	if _, ok := factories[cfg.Backend.Default]; !ok && cfg.Backend.Default != "" {
		return nil, fmt.Errorf("default backend %q is not configured (backend binary unset in config?)", cfg.Backend.Default)
	}
	return factories, nil
}

func buildAdapters(cfg *config.Config, msgBus *bus.Bus) ([]channels.Adapter, error) {
	var adapters []channels.Adapter

	if cfg.Discord.Enabled {
		base := channels.NewBaseChannel("discord", msgBus, cfg.Discord.AllowFrom)
		ch, err := discord.New(cfg.Discord, base)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		adapters = append(adapters, ch)
	}
	if cfg.Telegram.Enabled {
		base := channels.NewBaseChannel("telegram", msgBus, cfg.Telegram.AllowFrom)
		ch, err := telegram.New(cfg.Telegram, base)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		adapters = append(adapters, ch)
	}
	if cfg.Slack.Enabled {
		base := channels.NewBaseChannel("slack", msgBus, cfg.Slack.AllowFrom)
		ch, err := slack.New(cfg.Slack, base)
		if err != nil {
			return nil, fmt.Errorf("slack: %w", err)
		}
		adapters = append(adapters, ch)
	}
	if cfg.Web.Enabled {
		base := channels.NewBaseChannel("web", msgBus, nil)
		adapters = append(adapters, web.New(cfg.Web, base))
	}
	if len(adapters) == 0 {
		return nil, errors.New("no channel adapters enabled in config")
	}
	return adapters, nil
}
