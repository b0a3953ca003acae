package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxcap/internal/app"
	"github.com/MrWong99/voxcap/internal/config"
	"github.com/MrWong99/voxcap/internal/observe"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher with its HTTP API, health endpoints and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the config file when it changes")
	return cmd
}

func runServe(parent context.Context, g *globalFlags, watch bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The watcher doubles as the initial loader so both see the same file.
	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
	)
	var application *app.App
	if watch {
		watcher, err = config.NewWatcher(g.configPath, func(old, next *config.Config) {
			if application != nil {
				application.ApplyConfig(old, next)
			}
		})
		if err != nil {
			return err
		}
		cfg = watcher.Current()
	} else if cfg, err = g.loadConfig(); err != nil {
		return err
	}

	lv := newLogger(cfg.Server.LogLevel)
	slog.Info("voxcap starting",
		"version", version,
		"config", g.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"servers", len(cfg.Dispatch.Servers),
	)

	tel, err := observe.Setup(ctx, observe.TelemetryConfig{ServiceVersion: version, Global: true})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	application, err = app.New(ctx, cfg, app.WithLogLevel(lv), app.WithTelemetry(tel))
	if err != nil {
		return err
	}

	if watcher != nil {
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("config watcher stopped", "err", err)
			}
		}()
	}

	slog.Info("server ready", "addr", application.Addr())
	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}
