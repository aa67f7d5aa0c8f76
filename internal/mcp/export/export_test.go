package export_test

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolweave/internal/mcp"
	"github.com/MrWong99/toolweave/internal/mcp/export"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type fakeSource struct {
	mu    sync.Mutex
	tools []mcp.ToolDescriptor
	calls []string
	args  []string
}

func (f *fakeSource) All() []mcp.ToolDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.tools)
}

func (f *fakeSource) set(tools ...mcp.ToolDescriptor) {
	f.mu.Lock()
	f.tools = tools
	f.mu.Unlock()
}

func (f *fakeSource) Call(_ context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.args = append(f.args, string(args))
	f.mu.Unlock()
	switch name {
	case "files.read":
		return &mcp.ToolResult{Content: "hello"}, nil
	case "files.fail":
		return nil, &mcp.ToolError{Tool: name, Message: "disk on fire"}
	case "files.down":
		return nil, mcp.ErrSessionDown
	}
	return nil, mcp.ErrToolNotFound
}

func tool(name string) mcp.ToolDescriptor {
	return mcp.ToolDescriptor{
		Name:        name,
		Session:     "files",
		Description: "tool " + name,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	}
}

func connect(t *testing.T, s *export.Server) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	ct, st := mcpsdk.NewInMemoryTransports()
	ss, err := s.Connect(ctx, st)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func listNames(t *testing.T, cs *mcpsdk.ClientSession) []string {
	t.Helper()
	res, err := cs.ListTools(context.Background(), &mcpsdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := make([]string, 0, len(res.Tools))
	for _, tl := range res.Tools {
		names = append(names, tl.Name)
	}
	slices.Sort(names)
	return names
}

func text(t *testing.T, res *mcpsdk.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected 1 content item, got %d", len(res.Content))
	}
	tc, ok := res.Content[0].(*mcpsdk.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return tc.Text
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestSync(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	src.set(tool("files.read"), tool("files.write"))
	s := export.New(src, "toolweave", "test")

	if added, removed := s.Sync(); added != 2 || removed != 0 {
		t.Errorf("first Sync() = %d/%d, want 2/0", added, removed)
	}
	if added, removed := s.Sync(); added != 0 || removed != 0 {
		t.Errorf("unchanged Sync() = %d/%d, want 0/0", added, removed)
	}

	changed := tool("files.write")
	changed.Description = "writes a file"
	src.set(changed, tool("files.list"))
	if added, removed := s.Sync(); added != 2 || removed != 1 {
		t.Errorf("changed Sync() = %d/%d, want 2/1", added, removed)
	}
	if s.Published() != 2 {
		t.Errorf("Published() = %d, want 2", s.Published())
	}
}

func TestSync_SkipsNonObjectSchema(t *testing.T) {
	t.Parallel()
	bad := tool("files.bad")
	bad.InputSchema = json.RawMessage(`{"type":"string"}`)
	noType := tool("files.bare")
	noType.InputSchema = nil

	src := &fakeSource{}
	src.set(bad, noType)
	s := export.New(src, "toolweave", "test")

	if added, _ := s.Sync(); added != 1 {
		t.Errorf("Sync() added %d, want 1", added)
	}
}

func TestServer_ListTools(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	src.set(tool("files.read"), tool("files.write"))
	s := export.New(src, "toolweave", "test")
	s.Sync()

	cs := connect(t, s)
	got := listNames(t, cs)
	if !slices.Equal(got, []string{"files.read", "files.write"}) {
		t.Errorf("ListTools names = %v", got)
	}
}

func TestServer_CallTool(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	src.set(tool("files.read"), tool("files.fail"), tool("files.down"))
	s := export.New(src, "toolweave", "test")
	s.Sync()
	cs := connect(t, s)
	ctx := context.Background()

	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "files.read",
		Arguments: map[string]any{"path": "/tmp/a"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError || text(t, res) != "hello" {
		t.Errorf("result = %+v", res)
	}
	src.mu.Lock()
	if len(src.args) != 1 || src.args[0] != `{"path":"/tmp/a"}` {
		t.Errorf("forwarded args = %v", src.args)
	}
	src.mu.Unlock()

	res, err = cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: "files.fail", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool(fail): %v", err)
	}
	if !res.IsError || text(t, res) != "disk on fire" {
		t.Errorf("tool error result = %+v", res)
	}

	res, err = cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: "files.down", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool(down): %v", err)
	}
	if !res.IsError {
		t.Errorf("session failure should surface as a tool error, got %+v", res)
	}
}

func TestServer_RemovedToolIsUnknown(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	src.set(tool("files.read"))
	s := export.New(src, "toolweave", "test")
	s.Sync()
	cs := connect(t, s)

	src.set()
	s.Sync()

	_, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: "files.read", Arguments: map[string]any{}})
	if err == nil {
		t.Fatal("expected error calling a removed tool")
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.calls) != 0 {
		t.Errorf("source should not be called, got %v", src.calls)
	}
}
