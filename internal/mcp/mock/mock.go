// Package mock provides in-memory test doubles for the tool-server side of
// toolweave.
//
// [Connector] implements [transport.Connector] by handing every sent message
// to a handler function, typically (*mcptest.Server).Handle. [Caller]
// implements the catalog's Call method and records every invocation.
//
// Typical usage:
//
//	srv := mcptest.NewServer("notes", mcptest.Tool{Name: "add"})
//	conn := mock.NewConnector(srv.Handle)
//	s := session.New(cfg, session.WithDialer(conn.Dial))
//
//	// later, simulate the server going away
//	conn.Disconnect()
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/MrWong99/toolweave/internal/mcp"
	"github.com/MrWong99/toolweave/internal/mcp/transport"
)

// Call records the arguments of a single method invocation.
type Call struct {
	// Method is the name of the method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// ─── Connector ───────────────────────────────────────────────────────────────

// Connector is an in-memory [transport.Connector].
type Connector struct {
	handler func([]byte) ([]byte, bool)

	mu     sync.Mutex
	sent   [][]byte
	hold   bool
	held   [][]byte
	inbox  chan []byte
	down   chan struct{}
	closed bool
	downed bool

	// DialErr is returned by [Connector.Dial] when non-nil.
	DialErr error
}

var _ transport.Connector = (*Connector)(nil)

// NewConnector returns a connector answering with handler. A nil handler
// never answers.
func NewConnector(handler func([]byte) ([]byte, bool)) *Connector {
	return &Connector{
		handler: handler,
		inbox:   make(chan []byte, 64),
		down:    make(chan struct{}),
	}
}

// Dial matches session.Dialer and returns c itself.
func (c *Connector) Dial(_ context.Context, _ mcp.ServerConfig) (transport.Connector, error) {
	if c.DialErr != nil {
		return nil, c.DialErr
	}
	return c, nil
}

// Hold makes the connector swallow requests without answering until
// [Connector.Release] is called.
func (c *Connector) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = true
}

// Release answers every held request and stops holding.
func (c *Connector) Release() {
	c.mu.Lock()
	held := c.held
	c.held = nil
	c.hold = false
	c.mu.Unlock()
	for _, msg := range held {
		c.answer(msg)
	}
}

// Disconnect simulates the loss of the underlying connection.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.downed {
		c.downed = true
		close(c.down)
	}
}

// Inject queues data as if the server had sent it unprompted.
func (c *Connector) Inject(data []byte) {
	c.inbox <- data
}

// Sent returns a copy of every message passed to Send.
func (c *Connector) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether Close was called.
func (c *Connector) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send implements [transport.Connector].
func (c *Connector) Send(_ context.Context, msg []byte) error {
	c.mu.Lock()
	if c.downed || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: mock connector down", mcp.ErrTransportClosed)
	}
	c.sent = append(c.sent, msg)
	if c.hold {
		c.held = append(c.held, msg)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.answer(msg)
	return nil
}

func (c *Connector) answer(msg []byte) {
	if c.handler == nil {
		return
	}
	if resp, ok := c.handler(msg); ok {
		c.inbox <- resp
	}
}

// Receive implements [transport.Connector].
func (c *Connector) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.down:
		return nil, fmt.Errorf("%w: mock connector down", mcp.ErrTransportClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements [transport.Connector].
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if !c.downed {
		c.downed = true
		close(c.down)
	}
	return nil
}

// ─── Caller ──────────────────────────────────────────────────────────────────

// Caller is a configurable test double for the catalog's Call method.
type Caller struct {
	mu    sync.Mutex
	calls []Call

	// Results maps a tool name to the result returned for it.
	Results map[string]*mcp.ToolResult

	// Errs maps a tool name to the error returned for it. Errs wins over
	// Results.
	Errs map[string]error

	// Hook, when non-nil, runs before the result is returned. Tests use it to
	// delay or block individual calls.
	Hook func(ctx context.Context, name string)
}

// Call records the invocation and returns the configured outcome. Unknown
// tools fail with [mcp.ErrToolNotFound].
func (m *Caller) Call(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "Call", Args: []any{name, string(args)}})
	hook := m.Hook
	err, hasErr := m.Errs[name]
	res, hasRes := m.Results[name]
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, name)
	}
	if hasErr {
		return nil, err
	}
	if hasRes {
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, name)
}

// Calls returns a copy of all recorded invocations.
func (m *Caller) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times tool name was called.
func (m *Caller) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Args[0] == name {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls.
func (m *Caller) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
