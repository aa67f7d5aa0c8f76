// Package session wraps a [transport.Connector] with JSON-RPC request/response
// correlation, the one-time initialize handshake, and typed tools/list and
// tools/call operations.
//
// A Session moves through Unopened → Initializing → Ready → {Disconnected,
// Closed}. Only Ready permits tool operations. A session never reconnects on
// its own: losing the transport leaves it Disconnected, and the owner
// replaces it with a fresh session.
//
// All methods are safe for concurrent use. Request IDs are allocated
// atomically, so concurrent callers never share an ID.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolweave/internal/mcp"
	"github.com/MrWong99/toolweave/internal/mcp/jsonrpc"
	"github.com/MrWong99/toolweave/internal/mcp/transport"
)

const (
	// DefaultTimeout bounds a single request/response exchange.
	DefaultTimeout = 30 * time.Second

	// protocolVersion is the MCP revision announced during initialize.
	protocolVersion = "2025-06-18"

	// maxListPages guards against servers that never stop paginating.
	maxListPages = 100
)

// Dialer opens the connector for a server. [transport.Open] is the default.
type Dialer func(ctx context.Context, cfg mcp.ServerConfig) (transport.Connector, error)

// Option is a functional option for [New].
type Option func(*Session)

// WithTimeout sets the per-request timeout used when the server config does
// not set one. Default: [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithDialer replaces the connector factory. Useful in tests.
func WithDialer(d Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dial = d
		}
	}
}

// WithClientInfo sets the implementation name and version announced to
// servers.
func WithClientInfo(name, version string) Option {
	return func(s *Session) {
		s.clientInfo = mcpsdk.Implementation{Name: name, Version: version}
	}
}

// WithStateHook registers fn to be called after every state transition.
func WithStateHook(fn func(server string, state mcp.State)) Option {
	return func(s *Session) {
		s.onState = fn
	}
}

// Session is one protocol session with one tool server.
type Session struct {
	cfg        mcp.ServerConfig
	dial       Dialer
	timeout    time.Duration
	clientInfo mcpsdk.Implementation
	onState    func(string, mcp.State)

	nextID  atomic.Int64
	pending *pendingTable

	mu         sync.RWMutex
	state      mcp.State
	conn       transport.Connector
	connClosed bool
	serverInfo *mcpsdk.Implementation

	stopReader context.CancelFunc
	readerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// New creates an unopened session for cfg. Call [Session.Open] to connect.
func New(cfg mcp.ServerConfig, opts ...Option) *Session {
	s := &Session{
		cfg: cfg,
		dial: func(ctx context.Context, cfg mcp.ServerConfig) (transport.Connector, error) {
			return transport.Open(ctx, cfg)
		},
		timeout:    DefaultTimeout,
		clientInfo: mcpsdk.Implementation{Name: "toolweave", Version: "1.0.0"},
		pending:    newPendingTable(),
		readerDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if cfg.Timeout > 0 {
		s.timeout = cfg.Timeout
	}
	return s
}

// ID returns the server ID this session belongs to.
func (s *Session) ID() string { return s.cfg.ID }

// Config returns the server configuration.
func (s *Session) Config() mcp.ServerConfig { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() mcp.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ServerInfo returns the implementation reported by the server during the
// handshake, or nil before Ready.
func (s *Session) ServerInfo() *mcpsdk.Implementation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// Pending returns the number of requests awaiting a response.
func (s *Session) Pending() int { return s.pending.len() }

// Drained returns a channel that is closed once the session has no request
// awaiting a response.
func (s *Session) Drained() <-chan struct{} { return s.pending.drained() }

// Open connects the transport and performs the initialize handshake. On
// failure the session ends Disconnected and the error wraps
// [mcp.ErrConnectFailed].
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != mcp.StateUnopened {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %q: open in state %s", s.cfg.ID, st)
	}
	s.state = mcp.StateInitializing
	s.mu.Unlock()
	s.notify(mcp.StateInitializing)

	conn, err := s.dial(ctx, s.cfg)
	if err != nil {
		s.setState(mcp.StateDisconnected)
		if !errors.Is(err, mcp.ErrConnectFailed) {
			err = fmt.Errorf("%w: %v", mcp.ErrConnectFailed, err)
		}
		return fmt.Errorf("session %q: %w", s.cfg.ID, err)
	}

	readerCtx, stop := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.stopReader = stop
	s.mu.Unlock()
	go s.readLoop(readerCtx, conn)

	if err := s.handshake(ctx); err != nil {
		s.markDown(err)
		return fmt.Errorf("%w: session %q: %v", mcp.ErrConnectFailed, s.cfg.ID, err)
	}

	s.mu.Lock()
	if s.state != mcp.StateInitializing {
		// Lost the transport or closed while the handshake completed.
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session %q ended %s during handshake", mcp.ErrConnectFailed, s.cfg.ID, st)
	}
	s.state = mcp.StateReady
	s.mu.Unlock()
	s.notify(mcp.StateReady)

	slog.Info("session ready", "server", s.cfg.ID, "transport", s.cfg.Transport)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	params := &mcpsdk.InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      &s.clientInfo,
		Capabilities:    &mcpsdk.ClientCapabilities{},
	}
	raw, err := s.request(ctx, jsonrpc.MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var res mcpsdk.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("%w: initialize result: %v", mcp.ErrProtocol, err)
	}

	s.mu.Lock()
	s.serverInfo = res.ServerInfo
	s.mu.Unlock()

	if err := s.notification(ctx, jsonrpc.MethodInitialized, &mcpsdk.InitializedParams{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// ListTools returns every tool the server publishes, namespaced by the
// server ID, in server order. It follows pagination cursors.
func (s *Session) ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var (
		out    []mcp.ToolDescriptor
		cursor string
	)
	for range maxListPages {
		raw, err := s.request(ctx, jsonrpc.MethodListTools, &mcpsdk.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("session %q: list tools: %w", s.cfg.ID, err)
		}
		var res mcpsdk.ListToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("session %q: list tools: %w: %v", s.cfg.ID, mcp.ErrProtocol, err)
		}
		for _, t := range res.Tools {
			if t == nil || t.Name == "" {
				continue
			}
			schema, err := json.Marshal(t.InputSchema)
			if err != nil || string(schema) == "null" {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			out = append(out, mcp.ToolDescriptor{
				Name:        mcp.QualifiedName(s.cfg.ID, t.Name),
				Description: t.Description,
				InputSchema: schema,
				Session:     s.cfg.ID,
			})
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
	return nil, fmt.Errorf("session %q: list tools: %w: more than %d pages", s.cfg.ID, mcp.ErrProtocol, maxListPages)
}

// CallTool invokes the server's tool named tool (the raw, un-namespaced
// name) with JSON-encoded args. A failure reported by the tool itself is
// returned as *[mcp.ToolError].
func (s *Session) CallTool(ctx context.Context, tool string, args json.RawMessage) (*mcp.ToolResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	qualified := mcp.QualifiedName(s.cfg.ID, tool)
	start := time.Now()
	raw, err := s.request(ctx, jsonrpc.MethodCallTool, &mcpsdk.CallToolParamsRaw{Name: tool, Arguments: args})
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return nil, &mcp.ToolError{Tool: qualified, Code: rpcErr.Code, Message: rpcErr.Message}
		}
		return nil, fmt.Errorf("session %q: call %q: %w", s.cfg.ID, tool, err)
	}

	var res mcpsdk.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("session %q: call %q: %w: %v", s.cfg.ID, tool, mcp.ErrProtocol, err)
	}
	text := contentText(res.Content)
	if res.IsError {
		return nil, &mcp.ToolError{Tool: qualified, Message: text}
	}
	return &mcp.ToolResult{Content: text, Duration: time.Since(start)}, nil
}

// Close ends the session and releases its transport exactly once. Waiting
// callers fail with [mcp.ErrSessionDown].
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = mcp.StateClosed
		stop := s.stopReader
		s.mu.Unlock()
		if prev != mcp.StateClosed {
			s.notify(mcp.StateClosed)
		}

		s.closeErr = s.closeConn()
		s.pending.failAll(fmt.Errorf("session %q closed: %w", s.cfg.ID, mcp.ErrSessionDown))
		if stop != nil {
			stop()
			<-s.readerDone
		}
	})
	return s.closeErr
}

// ready reports whether tool operations are permitted.
func (s *Session) ready() error {
	switch st := s.State(); st {
	case mcp.StateReady:
		return nil
	case mcp.StateUnopened, mcp.StateInitializing:
		return fmt.Errorf("session %q: %w", s.cfg.ID, mcp.ErrNotInitialized)
	default:
		return fmt.Errorf("session %q is %s: %w", s.cfg.ID, st, mcp.ErrSessionDown)
	}
}

// request sends one request and waits for its response, bounded by the
// session timeout. The pending entry is evicted however the wait ends.
func (s *Session) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return nil, mcp.ErrNotInitialized
	}

	id := s.nextID.Add(1)
	ch, err := s.pending.add(id, method)
	if err != nil {
		return nil, err
	}
	defer func() {
		if call := s.pending.remove(id); call != nil {
			slog.Debug("evicted pending call", "server", s.cfg.ID, "id", id, "method", call.method,
				"age", time.Since(call.createdAt))
		}
	}()

	data, err := jsonrpc.EncodeRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := conn.Send(ctx, data); err != nil {
		if errors.Is(err, mcp.ErrTransportClosed) {
			s.markDown(err)
			return nil, fmt.Errorf("%w: %v", mcp.ErrSessionDown, err)
		}
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.msg.Error != nil {
			return nil, r.msg.Error
		}
		return r.msg.Result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %v", mcp.ErrTimeout, method, s.timeout)
		}
		return nil, ctx.Err()
	}
}

func (s *Session) notification(ctx context.Context, method string, params any) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	data, err := jsonrpc.EncodeNotification(method, params)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return conn.Send(ctx, data)
}

// readLoop dispatches inbound messages until the transport closes or the
// session is closed.
func (s *Session) readLoop(ctx context.Context, conn transport.Connector) {
	defer close(s.readerDone)
	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.markDown(err)
			return
		}

		msg, err := jsonrpc.Decode(data)
		if err != nil {
			slog.Warn("dropping malformed message", "server", s.cfg.ID, "err", err)
			continue
		}

		switch {
		case msg.IsResponse():
			id, ok := msg.IntID()
			if !ok || !s.pending.resolve(id, msg) {
				slog.Debug("dropping response without waiting caller", "server", s.cfg.ID, "id", string(msg.ID))
			}
		case msg.Method != "" && len(msg.ID) > 0:
			s.answerServerRequest(ctx, conn, msg)
		default:
			slog.Debug("server notification", "server", s.cfg.ID, "method", msg.Method)
		}
	}
}

// answerServerRequest replies to server-initiated requests. Only ping is
// supported.
func (s *Session) answerServerRequest(ctx context.Context, conn transport.Connector, msg *jsonrpc.Message) {
	resp := jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID}
	if msg.Method == "ping" {
		resp.Result = json.RawMessage("{}")
	} else {
		resp.Error = &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not supported: " + msg.Method}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := conn.Send(sendCtx, data); err != nil {
		slog.Debug("failed to answer server request", "server", s.cfg.ID, "method", msg.Method, "err", err)
	}
}

// markDown records the loss of the transport: the session becomes
// Disconnected and every waiting caller fails with ErrSessionDown.
func (s *Session) markDown(cause error) {
	s.mu.Lock()
	changed := s.state == mcp.StateReady || s.state == mcp.StateInitializing
	if changed {
		s.state = mcp.StateDisconnected
	}
	s.mu.Unlock()

	if changed {
		slog.Warn("session disconnected", "server", s.cfg.ID, "err", cause)
		s.notify(mcp.StateDisconnected)
	}
	if err := s.closeConn(); err != nil {
		slog.Debug("closing lost transport", "server", s.cfg.ID, "err", err)
	}
	s.pending.failAll(fmt.Errorf("session %q: %w: %v", s.cfg.ID, mcp.ErrSessionDown, cause))
}

// closeConn closes the connector once, whichever path gets there first.
func (s *Session) closeConn() error {
	s.mu.Lock()
	if s.connClosed || s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.connClosed = true
	conn := s.conn
	s.mu.Unlock()
	return conn.Close()
}

func (s *Session) setState(st mcp.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify(st)
}

func (s *Session) notify(st mcp.State) {
	if s.onState != nil {
		s.onState(s.cfg.ID, st)
	}
}

// contentText concatenates the text parts of a tool result.
func contentText(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
