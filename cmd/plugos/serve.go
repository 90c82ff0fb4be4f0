// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plugos/plugos/internal/config"
	"github.com/plugos/plugos/internal/sandbox"
	"github.com/plugos/plugos/internal/syscalls"
	"github.com/plugos/plugos/internal/system"
	"github.com/plugos/plugos/pkg/errutil"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load every plug and keep them running",
		Long: `Load every plug under the plugs directory in dependency order, run
cron jobs, optionally reload plugs when their files change, and serve
metrics and health probes until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cmd, cfg, deps)
		},
	}
}

func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config, deps *Deps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deps = deps.withDefaults()

	if err := setupLogging(cfg); err != nil {
		return oops.In("plugos").Hint("failed to set up logging").Wrap(err)
	}
	slog.Info("starting plugos",
		"plugs_dir", cfg.PlugsDir,
		"worker", cfg.Worker,
		"watch", cfg.Watch)

	h, err := newHost(ctx, cfg, deps)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		h.close(shutdownCtx)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var obsServer ObservabilityServer
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, ready.Load,
			system.RegisterMetrics,
			sandbox.RegisterMetrics,
			syscalls.RegisterMetrics,
		)
		obsServer.SetStatus(func() any { return h.status() })
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.In("plugos").Hint("failed to start observability server").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
	}

	if err := h.loader.LoadAll(ctx); err != nil {
		// Plugs that loaded keep running.
		errutil.LogError(slog.Default(), "some plugs failed to load", err)
	}
	ready.Store(true)
	h.cron.Start()

	watchErrChan := make(chan error, 1)
	if cfg.Watch {
		go func() {
			defer close(watchErrChan)
			if err := h.loader.Watch(ctx); err != nil {
				watchErrChan <- err
			}
		}()
		go monitorServerErrors(ctx, cancel, watchErrChan, "watcher")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("plugos started")
	slog.Info("plugos ready", "plugs", len(h.sys.LoadedPlugs()))

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	ready.Store(false)
	cancel()

	if obsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// monitorServerErrors cancels ctx when errCh delivers an error. It returns
// when errCh is closed or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
