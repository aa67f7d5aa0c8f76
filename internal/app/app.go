// Package app wires all toolweave subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithLedger,
// WithSessionOptions, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/toolweave/internal/config"
	"github.com/MrWong99/toolweave/internal/gateway"
	"github.com/MrWong99/toolweave/internal/health"
	"github.com/MrWong99/toolweave/internal/mcp"
	"github.com/MrWong99/toolweave/internal/mcp/catalog"
	"github.com/MrWong99/toolweave/internal/mcp/export"
	"github.com/MrWong99/toolweave/internal/mcp/router"
	"github.com/MrWong99/toolweave/internal/mcp/session"
	"github.com/MrWong99/toolweave/internal/observe"
	"github.com/MrWong99/toolweave/internal/orchestrator"
	"github.com/MrWong99/toolweave/internal/resilience"
	"github.com/MrWong99/toolweave/internal/usage"
	"github.com/MrWong99/toolweave/internal/usage/postgres"
	"github.com/MrWong99/toolweave/internal/usage/sqlite"
	"github.com/MrWong99/toolweave/pkg/provider/llm"
)

// Name and Version identify this build to tool servers and MCP clients.
var (
	Name    = "toolweave"
	Version = "dev"
)

// Provider is one configured model provider, in fallback order.
type Provider struct {
	Name     string
	Provider llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers []Provider

	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	sessionOpts    []session.Option
	now            func() time.Time

	// Subsystems, initialised in New and torn down in Shutdown.
	ledger   usage.Ledger
	catalog  *catalog.Catalog
	router   *router.Router
	gateway  *gateway.Gateway
	orch     *orchestrator.Orchestrator
	exporter *export.Server
	health   *health.Handler
	server   *http.Server

	// cfgMu guards cfg across hot reloads.
	cfgMu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLedger injects a usage ledger instead of opening one from config.
func WithLedger(l usage.Ledger) Option {
	return func(a *App) { a.ledger = l }
}

// WithMetrics sets the metric instruments and the handler served at
// /metrics. handler may be nil.
func WithMetrics(m *observe.Metrics, handler http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = handler
	}
}

// WithLogLevel lets configuration reloads adjust the process log level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithSessionOptions passes options to every tool server session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(a *App) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// WithClock overrides the clock used by the budget and builtin tools.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers come from
// main.go (built via the config registry) and are tried in order.
//
// New connects every configured tool server before it returns. Servers that
// fail to load are logged and retried on reconnect; they never fail New.
func New(ctx context.Context, cfg *config.Config, providers []Provider, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Usage ledger ─────────────────────────────────────────────────
	if err := a.initLedger(ctx); err != nil {
		return nil, fmt.Errorf("app: init usage ledger: %w", err)
	}

	// ── 2. Tool catalog ─────────────────────────────────────────────────
	if err := a.initCatalog(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 3. Router ───────────────────────────────────────────────────────
	a.router = router.New(a.catalog,
		router.WithSoftLimit(cfg.Router.SoftLimit),
		router.WithHardCap(cfg.Router.HardCap),
		router.WithGroups(keywordGroups(cfg.Router.KeywordGroups)...),
		router.WithMetrics(a.metrics),
	)

	// ── 4. Provider gateway ─────────────────────────────────────────────
	if err := a.initGateway(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	// ── 5. Orchestrator ─────────────────────────────────────────────────
	a.orch = orchestrator.New(a.router, a.gateway, a.catalog,
		orchestrator.WithMaxRounds(cfg.Orchestrator.MaxRounds),
		orchestrator.WithMaxParallel(cfg.Orchestrator.MaxParallelTools),
		orchestrator.WithToolTimeout(cfg.Orchestrator.ToolTimeout),
		orchestrator.WithSystemPrompt(cfg.Orchestrator.SystemPrompt),
		orchestrator.WithMetrics(a.metrics),
	)

	// ── 6. Catalog export + health ──────────────────────────────────────
	a.exporter = export.New(a.catalog, Name, Version)
	a.exporter.Sync()
	a.health = health.New(a.checkers()...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLedger opens the configured usage ledger unless one was injected.
func (a *App) initLedger(ctx context.Context) error {
	if a.ledger != nil {
		return nil
	}
	l, err := OpenLedger(ctx, a.cfg.Usage)
	if err != nil {
		return err
	}
	if l == nil {
		slog.Warn("usage ledger disabled; the daily budget restarts from zero on every start")
		return nil
	}
	a.ledger = l
	a.closers = append(a.closers, l.Close)
	return nil
}

// OpenLedger opens the ledger selected by cfg. It returns nil for the "none"
// driver.
func OpenLedger(ctx context.Context, cfg config.UsageConfig) (usage.Ledger, error) {
	switch cfg.Driver {
	case config.UsageNone:
		return nil, nil
	case config.UsageSQLite, "":
		return sqlite.Open(ctx, cfg.DSN)
	case config.UsagePostgres:
		return postgres.Open(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("%w: %q", usage.ErrUnknownDriver, cfg.Driver)
}

// initCatalog creates the catalog, registers builtins and loads every server.
func (a *App) initCatalog(ctx context.Context) error {
	sessOpts := append([]session.Option{session.WithClientInfo(Name, Version)}, a.sessionOpts...)
	c, err := catalog.New(a.cfg.MCP.ServerConfigs(),
		catalog.WithMetrics(a.metrics),
		catalog.WithCore(a.cfg.Router.Core...),
		catalog.WithSessionOptions(sessOpts...),
	)
	if err != nil {
		return err
	}
	a.catalog = c
	a.closers = append(a.closers, c.Close)

	if err := c.RegisterDefaultBuiltins(a.now); err != nil {
		return err
	}
	if err := c.Refresh(ctx); err != nil {
		slog.Warn("some tool servers failed to load", "err", err)
	}
	for _, st := range c.Servers() {
		slog.Info("tool server loaded", "server", st.ID, "state", st.State, "tools", st.Tools)
	}
	return nil
}

// initGateway builds the budget, registers the providers and seeds today's
// consumption from the ledger.
func (a *App) initGateway(ctx context.Context) error {
	loc, err := a.cfg.Budget.Location()
	if err != nil {
		return err
	}
	budget := gateway.NewBudgetState(gateway.BudgetConfig{
		DailyTokens:         a.cfg.Budget.DailyTokens,
		RequestTokens:       a.cfg.Budget.RequestTokens,
		ReserveOutputTokens: a.cfg.Budget.ReserveOutputTokens,
		Location:            loc,
		Now:                 a.now,
	})

	opts := []gateway.Option{
		gateway.WithBudget(budget),
		gateway.WithMaxAttempts(a.cfg.Gateway.MaxAttempts),
		gateway.WithBackoff(resilience.Backoff{Base: a.cfg.Gateway.BackoffBase, Max: a.cfg.Gateway.BackoffMax}),
		gateway.WithCircuitBreaker(resilience.CircuitBreakerConfig{
			MaxFailures:  a.cfg.Gateway.BreakerFailures,
			ResetTimeout: a.cfg.Gateway.BreakerReset,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit changed", "provider", name, "from", from, "to", to)
			},
		}),
		gateway.WithMetrics(a.metrics),
	}
	if a.ledger != nil {
		opts = append(opts, gateway.WithLedger(a.ledger))
	}
	a.gateway = gateway.New(opts...)

	for _, p := range a.providers {
		a.gateway.Add(p.Name, p.Provider)
	}
	if a.gateway.Len() == 0 {
		slog.Warn("no model providers available; orchestration requests will fail")
	}

	if err := a.gateway.SeedBudget(ctx); err != nil {
		slog.Warn("could not seed budget from usage ledger", "err", err)
	}
	return nil
}

func keywordGroups(in []config.KeywordGroup) []router.KeywordGroup {
	out := make([]router.KeywordGroup, 0, len(in))
	for _, g := range in {
		out = append(out, router.KeywordGroup{Namespace: g.Namespace, Terms: g.Terms})
	}
	return out
}

// checkers builds the readiness checks: providers must be configured and no
// configured tool server may be Disconnected. An exhausted daily budget only
// degrades the instance.
func (a *App) checkers() []health.Checker {
	cs := []health.Checker{
		{
			Name:     "providers",
			Critical: true,
			Check: func(context.Context) error {
				if a.gateway.Len() == 0 {
					return errors.New("no model providers configured")
				}
				return nil
			},
		},
		{
			Name: "budget",
			Check: func(context.Context) error {
				if snap := a.gateway.Budget().Snapshot(); snap.Remaining == 0 {
					return fmt.Errorf("daily budget of %d tokens exhausted", snap.DailyLimit)
				}
				return nil
			},
		},
	}
	for _, st := range a.catalog.Servers() {
		id := st.ID
		cs = append(cs, health.Checker{
			Name:     "server:" + id,
			Critical: true,
			Check: func(context.Context) error {
				for _, s := range a.catalog.Servers() {
					if s.ID != id {
						continue
					}
					if s.State == mcp.StateDisconnected {
						return fmt.Errorf("session %s", s.State)
					}
					return nil
				}
				return nil
			},
		})
	}
	return cs
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Catalog returns the tool catalog.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// Router returns the tool router.
func (a *App) Router() *router.Router { return a.router }

// Gateway returns the provider gateway.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }

// Orchestrator returns the request orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Exporter returns the MCP server mirroring the catalog.
func (a *App) Exporter() *export.Server { return a.exporter }

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the reloadable parts of next: log level, router groups
// and limits, budget caps and the tool server list. Sections that are only
// read at startup are reported and left alone.
func (a *App) ApplyConfig(ctx context.Context, next *config.Config) error {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.Empty() {
		return nil
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.RouterChanged {
		a.router.SetGroups(keywordGroups(next.Router.KeywordGroups))
		a.router.SetLimits(next.Router.SoftLimit, next.Router.HardCap)
		a.catalog.SetCore(next.Router.Core)
		slog.Info("router reloaded", "groups", len(next.Router.KeywordGroups), "soft_limit", next.Router.SoftLimit, "hard_cap", next.Router.HardCap)
	}

	if d.BudgetChanged {
		a.gateway.Budget().SetLimits(next.Budget.DailyTokens, next.Budget.RequestTokens, next.Budget.ReserveOutputTokens)
		if next.Budget.Timezone != a.cfg.Budget.Timezone {
			slog.Warn("budget.timezone changes take effect after a restart")
		}
		slog.Info("budget reloaded", "daily_tokens", next.Budget.DailyTokens, "request_tokens", next.Budget.RequestTokens)
	}

	var err error
	if d.ServersChanged {
		err = a.catalog.SetServers(ctx, next.MCP.ServerConfigs())
		for _, sd := range d.ServerChanges {
			slog.Info("tool server reloaded", "server", sd.ID, "added", sd.Added, "removed", sd.Removed)
		}
		a.exporter.Sync()
		a.health.Set(a.checkers()...)
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes need a restart", "sections", d.RestartRequired)
	}

	a.cfg = next
	return err
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on the configured listen address and blocks until
// ctx is cancelled, then returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http api listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("app: serve http: %w", err)
		}
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and closes every subsystem in order. It is
// safe to call more than once; only the first call has effect.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		if err := a.close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// close runs the closers in reverse creation order.
func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
