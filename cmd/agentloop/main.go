// Command agentloop drives conversations from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentloop"
	"github.com/hupe1980/agentloop/config"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "agentloop",
	Short:         "Run and inspect agent conversations",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("AGENTLOOP_CONFIG"), "path to a TOML config file")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "error", err)
		cancel()
		os.Exit(1)
	}
}

// app bundles the services opened from the config.
type app struct {
	cfg    config.Config
	logger *logging.StructuredLogger
	loop   *agentloop.Agentloop
	close  func()
}

// openApp loads the config and opens telemetry, store, provider and tools.
// The returned app must be closed.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := cfg.Logger()

	otelShutdown, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Insecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	store, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("store: %w", err)
	}
	provider, err := cfg.OpenProvider()
	if err != nil {
		_ = store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("provider: %w", err)
	}
	tools, closeTools, err := cfg.OpenTools(ctx, version)
	if err != nil {
		_ = store.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("tools: %w", err)
	}

	loop, err := agentloop.New(func(o *agentloop.Options) {
		o.Store = store
		o.Provider = provider
		o.Tools = tools
		o.Logger = logger
		o.MaxIterations = cfg.Loop.MaxIterations
		o.LoopOptions = append(o.LoopOptions, cfg.LoopOptions())
	})
	if err != nil {
		_ = closeTools()
		_ = store.Close()
		_ = otelShutdown(context.Background())
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		loop:   loop,
		close: func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := loop.Close(closeCtx); err != nil {
				logger.Warn("agentloop.close.failed", "error", err)
			}
			_ = closeTools()
			_ = otelShutdown(closeCtx)
		},
	}, nil
}
