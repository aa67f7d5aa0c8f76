// Command toolweave is the entry point for the toolweave orchestration server
// and its command-line tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MrWong99/toolweave/internal/app"
	"github.com/MrWong99/toolweave/internal/config"
)

func main() {
	os.Exit(run())
}

// globals shared by all subcommands.
type globals struct {
	configPath string
	logLevel   *slog.LevelVar
}

func run() int {
	g := &globals{logLevel: new(slog.LevelVar)}
	slog.SetDefault(newLogger(g.logLevel))

	root := &cobra.Command{
		Use:           "toolweave",
		Short:         "toolweave - tool-using model orchestration over MCP",
		Long:          "toolweave connects to MCP tool servers, picks the relevant tools for each request and drives a model through tool calls until it answers.",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "config.yaml", "path to the YAML or TOML configuration file")

	root.AddCommand(
		newServeCmd(g),
		newAskCmd(g),
		newToolsCmd(g),
		newExportCmd(g),
		newValidateCmd(g),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "toolweave: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig reads the configuration file and applies its log level.
func (g *globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", g.configPath)
		}
		return nil, err
	}
	g.logLevel.Set(app.SlogLevel(cfg.Server.LogLevel))
	return cfg, nil
}

// newApp builds the providers named in cfg and wires the application.
func (g *globals) newApp(ctx context.Context, cfg *config.Config, opts ...app.Option) (*app.App, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return nil, err
	}

	opts = append([]app.Option{app.WithLogLevel(g.logLevel)}, opts...)
	a, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise application: %w", err)
	}
	return a, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger logs to stderr so stdout stays free for command output and the
// stdio MCP transport.
func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
