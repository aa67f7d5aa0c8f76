package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MrWong99/toolweave/internal/app"
	"github.com/MrWong99/toolweave/internal/mcp/catalog"
	"github.com/MrWong99/toolweave/internal/orchestrator"
)

func newAskCmd(g *globals) *cobra.Command {
	var asJSON, verbose bool
	cmd := &cobra.Command{
		Use:   "ask <message...>",
		Short: "Answer one message using the configured providers and tools",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			a, err := g.newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer shutdownApp(a)

			ans, err := a.Orchestrator().Orchestrate(ctx, strings.Join(args, " "), nil)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(ans)
			}
			printAnswer(ans, verbose)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full answer as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show routing and tool calls")
	return cmd
}

func printAnswer(ans *orchestrator.Answer, verbose bool) {
	dim := color.New(color.Faint)
	if verbose {
		dim.Printf("routing: %d core, %d matched, %d filler", ans.Routing.Core, ans.Routing.Matched, ans.Routing.Filler)
		if len(ans.Routing.Groups) > 0 {
			dim.Printf(" (groups: %s)", strings.Join(ans.Routing.Groups, ", "))
		}
		fmt.Println()
		for _, tc := range ans.ToolCalls {
			dim.Printf("round %d: %s -> %s in %s\n", tc.Round, tc.Tool, tc.Status, tc.Duration.Round(time.Millisecond))
		}
	}
	fmt.Println(ans.Content)
	if ans.Degraded() {
		color.Yellow("warning: %v", ans.Warning)
	}
	if verbose {
		dim.Printf("%d rounds via %s, %d tokens\n", ans.Rounds, ans.Provider, ans.Usage.Tokens)
	}
}

func newToolsCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tools [query...]",
		Short: "List the aggregated tool catalog, or search it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			a, err := g.newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer shutdownApp(a)

			c := a.Catalog()
			tools := c.All()
			if len(args) > 0 {
				tools = c.Search(strings.Join(args, " "), limit)
			}

			cyan := color.New(color.FgCyan)
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCORE\tDESCRIPTION")
			for _, t := range tools {
				core := ""
				if t.Core {
					core = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", cyan.Sprint(t.Name), core, firstLine(t.Description))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			printServerProblems(c)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of search results")
	return cmd
}

func printServerProblems(c *catalog.Catalog) {
	for _, st := range c.Servers() {
		if st.Err != "" {
			color.New(color.FgRed).Fprintf(os.Stderr, "server %s: %s\n", st.ID, st.Err)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shutdownApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = a.Shutdown(ctx)
}
