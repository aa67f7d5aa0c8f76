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

	"github.com/MrWong99/toolweave/internal/app"
	"github.com/MrWong99/toolweave/internal/config"
	"github.com/MrWong99/toolweave/internal/observe"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	var watchInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the MCP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), g, watchInterval)
		},
	}
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", config.DefaultWatchInterval, "how often to check the config file for changes (0 disables)")
	return cmd
}

func serve(ctx context.Context, g *globals, watchInterval time.Duration) error {
	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher performs the initial load; reloads are applied once the app
	// exists.
	var application *app.App
	watcher, err := config.NewWatcher(g.configPath, func(_, next *config.Config) {
		if application == nil {
			return
		}
		if err := application.ApplyConfig(ctx, next); err != nil {
			slog.Warn("config reload partially applied", "err", err)
		}
	}, config.WithInterval(watchInterval))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", g.configPath)
		}
		return err
	}
	cfg := watcher.Current()
	g.logLevel.Set(app.SlogLevel(cfg.Server.LogLevel))

	slog.Info("toolweave starting",
		"version", app.Version,
		"config", g.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    app.Name,
		ServiceVersion: app.Version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err = g.newApp(ctx, cfg, app.WithMetrics(tel.Metrics, tel.MetricsHandler))
	if err != nil {
		return err
	}

	printStartupSummary(os.Stdout, cfg, application)

	// ── Config reload ─────────────────────────────────────────────────────────
	if watchInterval > 0 {
		go watcher.Run(ctx)
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				slog.Info("SIGHUP received, reloading configuration")
				if err := watcher.Reload(); err != nil {
					slog.Warn("config reload rejected", "err", err)
				}
			}
		}
	}()

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}
