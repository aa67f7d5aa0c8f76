package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MrWong99/toolweave/internal/config"
)

func newExportCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Serve the aggregated tool catalog as an MCP server over stdio",
		Long: "export connects to every configured tool server and re-publishes their tools, " +
			"namespaced, as a single MCP server on stdin/stdout. Logs go to stderr.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			// Exporting never calls a model; skip provider construction.
			cfg.Providers = nil
			a, err := g.newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer shutdownApp(a)

			slog.Info("serving tool catalog over stdio", "tools", a.Exporter().Published())
			err = a.Exporter().ServeStdio(ctx)
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func newValidateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				var joined interface{ Unwrap() []error }
				if errors.As(err, &joined) {
					for _, e := range joined.Unwrap() {
						color.New(color.FgRed).Fprintf(os.Stderr, "  %v\n", e)
					}
					return fmt.Errorf("%s: %d problems", g.configPath, len(joined.Unwrap()))
				}
				return err
			}
			color.Green("%s is valid: %d providers, %d tool servers", g.configPath, len(cfg.Providers), len(cfg.MCP.Servers))
			return nil
		},
	}
}
