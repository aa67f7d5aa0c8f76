// Package export re-publishes the aggregated tool catalog as an MCP server so
// other MCP clients can use every connected tool through one endpoint.
//
// Tools keep their namespaced catalog names ("calendar.create_event"). Calls
// are forwarded to the catalog, so builtins, statistics and session recovery
// behave exactly as they do for orchestrated requests.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolweave/internal/mcp"
)

// Source is the tool set being exported. *catalog.Catalog satisfies it.
type Source interface {
	All() []mcp.ToolDescriptor
	Call(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error)
}

// Server is an MCP server mirroring a [Source].
type Server struct {
	src Source
	srv *mcpsdk.Server

	mu        sync.Mutex
	published map[string]string // name → description + schema fingerprint
}

// New creates a server announcing itself as name/version. Call [Server.Sync]
// to publish the current tools.
func New(src Source, name, version string) *Server {
	return &Server{
		src:       src,
		srv:       mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: version}, nil),
		published: make(map[string]string),
	}
}

// Sync brings the published tool list in line with the source. Unchanged
// tools are left alone so connected clients only see real changes.
func (s *Server) Sync() (added, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]bool)
	for _, t := range s.src.All() {
		current[t.Name] = true
		fp := t.Description + "\x00" + string(t.InputSchema)
		if prev, ok := s.published[t.Name]; ok && prev == fp {
			continue
		}
		schema, err := objectSchema(t.InputSchema)
		if err != nil {
			slog.Warn("export: skipping tool with unusable schema", "tool", t.Name, "err", err)
			continue
		}
		s.srv.AddTool(&mcpsdk.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		}, s.handler(t.Name))
		s.published[t.Name] = fp
		added++
	}

	var stale []string
	for name := range s.published {
		if !current[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		s.srv.RemoveTools(stale...)
		for _, name := range stale {
			delete(s.published, name)
		}
	}
	removed = len(stale)

	if added > 0 || removed > 0 {
		slog.Debug("export: tool list synced", "added", added, "removed", removed, "total", len(s.published))
	}
	return added, removed
}

// Published returns the number of tools currently exported.
func (s *Server) Published() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

// ServeStdio serves one client over stdin/stdout until ctx is cancelled or
// the client disconnects.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.srv.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect serves one client over t. It is the in-process counterpart of
// [Server.ServeStdio].
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.srv.Connect(ctx, t, nil)
}

// HTTPHandler serves the streamable HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.srv }, nil)
}

func (s *Server) handler(name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args json.RawMessage
		if req != nil && req.Params != nil {
			args = req.Params.Arguments
		}
		res, err := s.src.Call(ctx, name, args)
		if err == nil {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: res.Content}},
			}, nil
		}
		if errors.Is(err, mcp.ErrToolNotFound) || ctx.Err() != nil {
			return nil, err
		}
		var te *mcp.ToolError
		msg := err.Error()
		if errors.As(err, &te) {
			msg = te.Message
		}
		return &mcpsdk.CallToolResult{
			IsError: true,
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
		}, nil
	}
}

// objectSchema decodes a descriptor schema and makes sure it declares an
// object, which the SDK requires of every tool.
func objectSchema(raw json.RawMessage) (map[string]any, error) {
	m := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode input schema: %w", err)
		}
		if m == nil {
			m = map[string]any{}
		}
	}
	typ, ok := m["type"]
	if !ok {
		m["type"] = "object"
	} else if typ != "object" {
		return nil, fmt.Errorf("input schema type is %v, want object", typ)
	}
	return m, nil
}
