// Package mcptest provides a minimal in-process tool server for tests. It
// speaks the same JSON-RPC dialect as real servers and can be served over
// stdio (from a helper process) or HTTP (from an httptest server).
package mcptest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolweave/internal/mcp/jsonrpc"
)

// Tool is one tool published by a [Server].
type Tool struct {
	Name        string
	Description string

	// Handler produces the tool's text output. A non-nil error is reported as
	// a result with isError set. A nil Handler echoes the arguments.
	Handler func(args map[string]any) (string, error)
}

// Server answers initialize, tools/list and tools/call.
//
// The zero value serves no tools. Server is safe for concurrent use.
type Server struct {
	// Name is reported in the initialize result.
	Name string

	// PageSize splits tools/list into pages of this size when > 0.
	PageSize int

	// FailInitialize makes initialize return a JSON-RPC error.
	FailInitialize bool

	mu      sync.Mutex
	tools   []Tool
	methods []string
}

// NewServer returns a server publishing tools.
func NewServer(name string, tools ...Tool) *Server {
	return &Server{Name: name, tools: tools}
}

// SetTools replaces the published tool set.
func (s *Server) SetTools(tools ...Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = tools
}

// Methods returns the methods received so far, in arrival order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.methods))
	copy(out, s.methods)
	return out
}

// Handle processes one encoded message. It returns the encoded response and
// false for notifications.
func (s *Server) Handle(data []byte) ([]byte, bool) {
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		return encodeError(nil, jsonrpc.CodeParseError, err.Error()), true
	}

	s.mu.Lock()
	s.methods = append(s.methods, msg.Method)
	s.mu.Unlock()

	if len(msg.ID) == 0 {
		return nil, false
	}

	switch msg.Method {
	case jsonrpc.MethodInitialize:
		if s.FailInitialize {
			return encodeError(msg.ID, jsonrpc.CodeInternalError, "initialize refused"), true
		}
		return encodeResult(msg.ID, &mcpsdk.InitializeResult{
			ProtocolVersion: "2025-06-18",
			ServerInfo:      &mcpsdk.Implementation{Name: s.Name, Version: "0.0.1"},
			Capabilities:    &mcpsdk.ServerCapabilities{Tools: &mcpsdk.ToolCapabilities{}},
		}), true

	case jsonrpc.MethodListTools:
		var params mcpsdk.ListToolsParams
		if len(msg.Params) > 0 {
			_ = json.Unmarshal(msg.Params, &params)
		}
		return encodeResult(msg.ID, s.list(params.Cursor)), true

	case jsonrpc.MethodCallTool:
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return encodeError(msg.ID, jsonrpc.CodeInvalidParams, err.Error()), true
		}
		tool, ok := s.find(params.Name)
		if !ok {
			return encodeError(msg.ID, jsonrpc.CodeInvalidParams, "unknown tool "+params.Name), true
		}
		return encodeResult(msg.ID, call(tool, params.Arguments)), true

	default:
		return encodeError(msg.ID, jsonrpc.CodeMethodNotFound, "method not found: "+msg.Method), true
	}
}

// ServeStdio answers newline-delimited messages from r on w until r is
// exhausted.
func (s *Server) ServeStdio(r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if resp, ok := s.Handle(line); ok {
				if _, werr := w.Write(append(resp, '\n')); werr != nil {
					return werr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// HTTPHandler serves the HTTP transport. With stream set, responses are
// sent as an event stream that first carries a progress notification and a
// provisional copy of the response, then the final response.
func (s *Server) HTTPHandler(stream bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, ok := s.Handle(body)
		if !ok {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if !stream {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(resp)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`)
		fmt.Fprintf(w, "data: %s\n\n", resp)
		fmt.Fprintf(w, "data: %s\n\n", resp)
	})
}

func (s *Server) list(cursor string) *mcpsdk.ListToolsResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, _ := strconv.Atoi(cursor)
	end := len(s.tools)
	if s.PageSize > 0 && start+s.PageSize < end {
		end = start + s.PageSize
	}
	if start > end {
		start = end
	}

	res := &mcpsdk.ListToolsResult{Tools: make([]*mcpsdk.Tool, 0, end-start)}
	for _, t := range s.tools[start:end] {
		res.Tools = append(res.Tools, &mcpsdk.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: map[string]any{"type": "object"},
		})
	}
	if end < len(s.tools) {
		res.NextCursor = strconv.Itoa(end)
	}
	return res
}

func (s *Server) find(name string) (Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

func call(t Tool, args map[string]any) *mcpsdk.CallToolResult {
	if t.Handler == nil {
		b, _ := json.Marshal(args)
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(b)}}}
	}
	out, err := t.Handler(args)
	if err != nil {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
			IsError: true,
		}
	}
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: out}}}
}

func encodeResult(id json.RawMessage, result any) []byte {
	b, _ := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{jsonrpc.Version, id, result})
	return b
}

func encodeError(id json.RawMessage, code int, message string) []byte {
	if id == nil {
		id = json.RawMessage("null")
	}
	b, _ := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   jsonrpc.Error   `json:"error"`
	}{jsonrpc.Version, id, jsonrpc.Error{Code: code, Message: message}})
	return b
}
