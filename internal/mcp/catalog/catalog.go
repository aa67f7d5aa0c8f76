// Package catalog aggregates the tools of every configured tool server into
// one namespaced set and routes calls to the owning session.
//
// Servers load independently: a server that fails its handshake contributes
// zero tools and never blocks the others. Tool names are "<server-id>.<tool>",
// so two servers publishing the same raw name both stay visible.
//
// Typical usage:
//
//	c, err := catalog.New(cfg.Servers, catalog.WithMetrics(m))
//	c.RegisterDefaultBuiltins(time.Now)
//	if err := c.Refresh(ctx); err != nil {
//	    slog.Warn("some tool servers failed to load", "err", err)
//	}
//	res, err := c.Call(ctx, "notes.search", json.RawMessage(`{"q":"milk"}`))
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolweave/internal/mcp"
	"github.com/MrWong99/toolweave/internal/mcp/session"
	"github.com/MrWong99/toolweave/internal/observe"
)

// BuiltinNamespace is the namespace of in-process tools.
const BuiltinNamespace = "builtin"

// ErrUnknownServer is returned by [Catalog.Reconnect] for an id that is not
// configured.
var ErrUnknownServer = errors.New("catalog: unknown server")

// retireGrace bounds how long a replaced session may keep serving in-flight
// calls before it is closed.
const retireGrace = 30 * time.Second

// Option is a functional option for [New].
type Option func(*Catalog)

// WithMetrics records tool calls and session readiness on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Catalog) { c.metrics = m }
}

// WithSessionOptions passes opts to every session the catalog creates.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *Catalog) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// WithCore marks tools as always available. Each entry is either a full tool
// name or a namespace (server ID).
func WithCore(entries ...string) Option {
	return func(c *Catalog) { c.core = coreSet(entries) }
}

// WithWindowSize sets the number of calls kept per tool for [Catalog.Stats].
func WithWindowSize(n int) Option {
	return func(c *Catalog) { c.windowSize = n }
}

// server is the catalog's view of one configured tool server.
type server struct {
	cfg   mcp.ServerConfig
	sess  *session.Session
	tools []mcp.ToolDescriptor
	err   error
}

// ServerStatus describes one configured server.
type ServerStatus struct {
	ID        string
	Transport mcp.Transport
	State     mcp.State
	Tools     int

	// ServerName is the implementation name reported by the server.
	ServerName string

	// Err is the last load error, empty when the server loaded.
	Err string
}

// Catalog is the aggregated tool set. It owns one session per configured
// server. All methods are safe for concurrent use.
type Catalog struct {
	metrics     *observe.Metrics
	sessionOpts []session.Option
	windowSize  int

	mu       sync.RWMutex
	order    []string
	servers  map[string]*server
	builtins []builtinEntry
	core     map[string]bool
	stats    map[string]*rollingWindow

	// reloadMu serialises Refresh, Reconnect and SetServers.
	reloadMu sync.Mutex
	retiring sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a catalog for servers, in configuration order. No connection is
// made until [Catalog.Refresh].
func New(servers []mcp.ServerConfig, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		servers:    make(map[string]*server, len(servers)),
		core:       map[string]bool{},
		stats:      make(map[string]*rollingWindow),
		windowSize: defaultWindowSize,
		stop:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	for _, cfg := range servers {
		if err := validateServer(cfg); err != nil {
			return nil, err
		}
		if _, dup := c.servers[cfg.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate server id %q", cfg.ID)
		}
		c.order = append(c.order, cfg.ID)
		c.servers[cfg.ID] = &server{cfg: cfg}
	}
	return c, nil
}

func validateServer(cfg mcp.ServerConfig) error {
	switch {
	case cfg.ID == "":
		return fmt.Errorf("catalog: server id must not be empty")
	case strings.Contains(cfg.ID, mcp.NamespaceSeparator):
		return fmt.Errorf("catalog: server id %q must not contain %q", cfg.ID, mcp.NamespaceSeparator)
	case cfg.ID == BuiltinNamespace:
		return fmt.Errorf("catalog: server id %q is reserved", cfg.ID)
	case !cfg.Transport.IsValid():
		return fmt.Errorf("catalog: server %q: unknown transport %q", cfg.ID, cfg.Transport)
	}
	return nil
}

// Refresh connects every server that has no Ready session and re-lists the
// tools of every server, concurrently and independently. A server that fails
// contributes zero tools. The returned error joins the per-server failures;
// the catalog stays usable either way.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	c.mu.RLock()
	ids := append([]string(nil), c.order...)
	c.mu.RUnlock()

	errs := make([]error, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			errs[i] = c.load(ctx, id, false)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Reconnect replaces the session of server id with a fresh one, re-running
// the handshake and replacing (never merging) its published tools. Calls in
// flight on the old session are left to finish or fail on their own.
func (c *Catalog) Reconnect(ctx context.Context, id string) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	c.mu.RLock()
	_, ok := c.servers[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownServer, id)
	}
	return c.load(ctx, id, true)
}

// SetServers applies a new server list: removed servers are retired, new or
// changed ones are (re)connected, unchanged ones keep their session. The
// order of cfgs becomes the catalog order.
func (c *Catalog) SetServers(ctx context.Context, cfgs []mcp.ServerConfig) error {
	seen := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		if err := validateServer(cfg); err != nil {
			return err
		}
		if seen[cfg.ID] {
			return fmt.Errorf("catalog: duplicate server id %q", cfg.ID)
		}
		seen[cfg.ID] = true
	}

	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	var changed []string
	c.mu.Lock()
	for id, srv := range c.servers {
		if !seen[id] {
			c.retire(srv.sess)
			delete(c.servers, id)
			slog.Info("tool server removed", "server", id)
		}
	}
	c.order = c.order[:0]
	for _, cfg := range cfgs {
		c.order = append(c.order, cfg.ID)
		srv, ok := c.servers[cfg.ID]
		if !ok {
			c.servers[cfg.ID] = &server{cfg: cfg}
			changed = append(changed, cfg.ID)
			continue
		}
		if !reflect.DeepEqual(srv.cfg, cfg) {
			srv.cfg = cfg
			changed = append(changed, cfg.ID)
		}
	}
	c.mu.Unlock()

	errs := make([]error, len(changed))
	var g errgroup.Group
	for i, id := range changed {
		g.Go(func() error {
			errs[i] = c.load(ctx, id, true)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// load (re)connects server id when forced or when its session is not Ready,
// then lists its tools and publishes them. Callers hold reloadMu.
func (c *Catalog) load(ctx context.Context, id string, force bool) error {
	c.mu.RLock()
	srv, ok := c.servers[id]
	var (
		cfg  mcp.ServerConfig
		sess *session.Session
	)
	if ok {
		cfg, sess = srv.cfg, srv.sess
	}
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	fresh := false
	if force || sess == nil || sess.State() != mcp.StateReady {
		sess = c.newSession(cfg)
		fresh = true
		if err := sess.Open(ctx); err != nil {
			c.publish(id, sess, nil, err, fresh)
			slog.Warn("tool server failed to connect", "server", id, "err", err)
			return fmt.Errorf("catalog: server %q: %w", id, err)
		}
	}

	tools, err := sess.ListTools(ctx)
	if err != nil {
		c.publish(id, sess, nil, err, fresh)
		slog.Warn("tool server failed to list tools", "server", id, "err", err)
		return fmt.Errorf("catalog: server %q: %w", id, err)
	}
	c.publish(id, sess, tools, nil, fresh)
	slog.Info("tool server loaded", "server", id, "tools", len(tools))
	return nil
}

// publish swaps in the session and tool set of server id. A replaced
// session is retired.
func (c *Catalog) publish(id string, sess *session.Session, tools []mcp.ToolDescriptor, err error, fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	srv, ok := c.servers[id]
	if !ok {
		// Removed while loading.
		if fresh {
			c.retire(sess)
		}
		return
	}
	if fresh && srv.sess != nil && srv.sess != sess {
		c.retire(srv.sess)
	}
	srv.sess = sess
	srv.tools = tools
	srv.err = err
	for _, t := range tools {
		if _, ok := c.stats[t.Name]; !ok {
			c.stats[t.Name] = newRollingWindow(c.windowSize)
		}
	}
}

// retire closes sess once its in-flight calls have drained, or after
// retireGrace. Callers hold c.mu.
func (c *Catalog) retire(sess *session.Session) {
	if sess == nil {
		return
	}
	c.retiring.Add(1)
	go func() {
		defer c.retiring.Done()
		grace := time.NewTimer(retireGrace)
		defer grace.Stop()
		select {
		case <-sess.Drained():
		case <-grace.C:
			slog.Debug("retired session still busy after grace period", "server", sess.ID(), "pending", sess.Pending())
		case <-c.stop:
		}
		if err := sess.Close(); err != nil {
			slog.Debug("closing retired session", "server", sess.ID(), "err", err)
		}
	}()
}

func (c *Catalog) newSession(cfg mcp.ServerConfig) *session.Session {
	opts := append([]session.Option(nil), c.sessionOpts...)
	if c.metrics != nil {
		var ready atomic.Bool
		m := c.metrics
		opts = append(opts, session.WithStateHook(func(id string, st mcp.State) {
			attrs := metricAttrs(id)
			switch st {
			case mcp.StateReady:
				if !ready.Swap(true) {
					m.ReadySessions.Add(context.Background(), 1, attrs)
				}
			case mcp.StateDisconnected, mcp.StateClosed:
				if ready.Swap(false) {
					m.ReadySessions.Add(context.Background(), -1, attrs)
				}
			}
		}))
	}
	return session.New(cfg, opts...)
}

// All returns the tools currently callable: builtins first, then every
// server with a Ready session in configuration order, each in server order.
func (c *Catalog) All() []mcp.ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]mcp.ToolDescriptor, 0, len(c.builtins))
	for _, b := range c.builtins {
		out = append(out, b.desc)
	}
	for _, id := range c.order {
		srv := c.servers[id]
		if srv.sess == nil || srv.sess.State() != mcp.StateReady {
			continue
		}
		for _, t := range srv.tools {
			t.Core = c.isCore(t)
			out = append(out, t)
		}
	}
	return out
}

// Lookup finds a tool by namespaced name, whether or not its session is
// currently Ready.
func (c *Catalog) Lookup(name string) (mcp.ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ns, _ := mcp.SplitName(name)
	if ns == BuiltinNamespace {
		for _, b := range c.builtins {
			if b.desc.Name == name {
				return b.desc, true
			}
		}
		return mcp.ToolDescriptor{}, false
	}
	srv, ok := c.servers[ns]
	if !ok {
		return mcp.ToolDescriptor{}, false
	}
	for _, t := range srv.tools {
		if t.Name == name {
			t.Core = c.isCore(t)
			return t, true
		}
	}
	return mcp.ToolDescriptor{}, false
}

// Call executes the namespaced tool with JSON-encoded args. Failures reported
// by the tool are returned as *[mcp.ToolError]; session failures wrap
// [mcp.ErrSessionDown] or [mcp.ErrNotInitialized]; unknown names wrap
// [mcp.ErrToolNotFound].
func (c *Catalog) Call(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	ctx, span := observe.StartSpan(ctx, "catalog.call", trace.WithAttributes(attribute.String("tool", name)))
	defer span.End()

	start := time.Now()
	res, err := c.dispatch(ctx, name, args)
	d := time.Since(start)

	if errors.Is(err, mcp.ErrToolNotFound) {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	status := observe.StatusOK
	if err != nil {
		status = observe.StatusError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		res.Duration = d
	}
	c.record(ctx, name, status, d)
	return res, err
}

func (c *Catalog) dispatch(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	ns, raw := mcp.SplitName(name)

	c.mu.RLock()
	var (
		handler BuiltinHandler
		sess    *session.Session
		found   bool
	)
	if ns == BuiltinNamespace {
		for _, b := range c.builtins {
			if b.desc.Name == name {
				handler, found = b.handler, true
				break
			}
		}
	} else if srv, ok := c.servers[ns]; ok {
		for _, t := range srv.tools {
			if t.Name == name {
				sess, found = srv.sess, true
				break
			}
		}
	}
	c.mu.RUnlock()

	switch {
	case !found:
		return nil, fmt.Errorf("catalog: %w: %q", mcp.ErrToolNotFound, name)
	case handler != nil:
		out, err := handler(ctx, args)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &mcp.ToolError{Tool: name, Message: err.Error()}
		}
		return &mcp.ToolResult{Content: out}, nil
	case sess == nil:
		return nil, fmt.Errorf("catalog: tool %q: %w", name, mcp.ErrNotInitialized)
	default:
		return sess.CallTool(ctx, raw, args)
	}
}

func (c *Catalog) record(ctx context.Context, name, status string, d time.Duration) {
	c.mu.Lock()
	w, ok := c.stats[name]
	if !ok {
		w = newRollingWindow(c.windowSize)
		c.stats[name] = w
	}
	c.mu.Unlock()
	w.record(d, status != observe.StatusOK)

	if c.metrics != nil {
		c.metrics.RecordToolCall(ctx, name, status, d)
	}
}

// Stats returns per-tool call statistics in catalog order, for every tool
// that is currently listed.
func (c *Catalog) Stats() []ToolStats {
	tools := c.All()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolStats, 0, len(tools))
	for _, t := range tools {
		if w, ok := c.stats[t.Name]; ok {
			out = append(out, w.snapshot(t.Name))
		} else {
			out = append(out, ToolStats{Name: t.Name})
		}
	}
	return out
}

// Servers reports the status of every configured server in order.
func (c *Catalog) Servers() []ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ServerStatus, 0, len(c.order))
	for _, id := range c.order {
		srv := c.servers[id]
		st := ServerStatus{ID: id, Transport: srv.cfg.Transport, State: mcp.StateUnopened, Tools: len(srv.tools)}
		if srv.sess != nil {
			st.State = srv.sess.State()
			if info := srv.sess.ServerInfo(); info != nil {
				st.ServerName = info.Name
			}
		}
		if srv.err != nil {
			st.Err = srv.err.Error()
		}
		out = append(out, st)
	}
	return out
}

// SetCore replaces the always-available entries (full names or namespaces).
// Builtins are always core.
func (c *Catalog) SetCore(entries []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.core = coreSet(entries)
}

// Close closes every session. Retired sessions are closed without waiting
// for their in-flight calls.
func (c *Catalog) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	var errs []error
	for _, id := range c.order {
		srv := c.servers[id]
		if srv.sess == nil {
			continue
		}
		if err := srv.sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("catalog: close %q: %w", id, err))
		}
	}
	c.mu.Unlock()
	c.retiring.Wait()
	return errors.Join(errs...)
}

// isCore reports whether t is always available. Callers hold c.mu.
func (c *Catalog) isCore(t mcp.ToolDescriptor) bool {
	return t.Core || c.core[t.Name] || c.core[t.Namespace()]
}

func coreSet(entries []string) map[string]bool {
	m := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			m[e] = true
		}
	}
	return m
}

func metricAttrs(server string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("server", server))
}
