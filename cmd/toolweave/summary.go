package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/MrWong99/toolweave/internal/app"
	"github.com/MrWong99/toolweave/internal/config"
	"github.com/MrWong99/toolweave/internal/mcp"
)

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, a *app.App) {
	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	bold.Fprintf(w, "toolweave %s\n", app.Version)

	cyan.Fprintln(w, "Providers (fallback order):")
	if len(cfg.Providers) == 0 {
		yellow.Fprintln(w, "  (none configured)")
	}
	for i, p := range cfg.Providers {
		fmt.Fprintf(w, "  %d. %-16s %s / %s\n", i+1, p.DisplayName(), p.Name, p.Model)
	}

	cyan.Fprintln(w, "Tool servers:")
	servers := a.Catalog().Servers()
	if len(servers) == 0 {
		yellow.Fprintln(w, "  (none configured)")
	}
	for _, st := range servers {
		fmt.Fprintf(w, "  %-16s %-6s ", st.ID, st.Transport)
		switch st.State {
		case mcp.StateReady:
			green.Fprintf(w, "%s (%d tools)\n", st.State, st.Tools)
		default:
			red.Fprintf(w, "%s %s\n", st.State, st.Err)
		}
	}

	cyan.Fprintln(w, "Limits:")
	fmt.Fprintf(w, "  tools per turn     %d soft / %d hard\n", cfg.Router.SoftLimit, cfg.Router.HardCap)
	fmt.Fprintf(w, "  rounds             %d\n", cfg.Orchestrator.MaxRounds)
	fmt.Fprintf(w, "  daily tokens       %s\n", limit(cfg.Budget.DailyTokens))
	fmt.Fprintf(w, "  tokens per request %s\n", limit(cfg.Budget.RequestTokens))
	fmt.Fprintf(w, "  usage ledger       %s\n", cfg.Usage.Driver)

	bold.Fprintf(w, "Listening on %s (HTTP API, /mcp, /metrics)\n", cfg.Server.ListenAddr)
}

func limit(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}
