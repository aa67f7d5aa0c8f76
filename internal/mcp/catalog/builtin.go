package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/MrWong99/toolweave/internal/mcp"
)

// BuiltinHandler runs an in-process tool. args is the JSON arguments object.
// A returned error is reported to the model as a tool failure.
type BuiltinHandler func(ctx context.Context, args json.RawMessage) (string, error)

// Builtin is a tool implemented as a Go function that runs in-process.
//
// Builtins bypass the protocol entirely: [Catalog.Call] invokes Handler
// directly. They live in the [BuiltinNamespace], are always core, and are
// subject to the same statistics as external tools.
type Builtin struct {
	// Name is the raw tool name; it is published as "builtin.<Name>".
	Name string

	// Description explains what the tool does.
	Description string

	// InputSchema is the JSON Schema of the arguments. Empty means an object
	// without declared properties.
	InputSchema json.RawMessage

	// Handler is invoked for every call.
	Handler BuiltinHandler
}

type builtinEntry struct {
	desc    mcp.ToolDescriptor
	handler BuiltinHandler
}

// RegisterBuiltin registers an in-process tool. A builtin with the same name
// is replaced in place, keeping its position.
func (c *Catalog) RegisterBuiltin(b Builtin) error {
	if b.Name == "" {
		return fmt.Errorf("catalog: builtin tool must have a non-empty name")
	}
	if b.Handler == nil {
		return fmt.Errorf("catalog: builtin tool %q must have a non-nil handler", b.Name)
	}
	schema := b.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	entry := builtinEntry{
		desc: mcp.ToolDescriptor{
			Name:        mcp.QualifiedName(BuiltinNamespace, b.Name),
			Description: b.Description,
			InputSchema: schema,
			Session:     BuiltinNamespace,
			Core:        true,
		},
		handler: b.Handler,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.stats[entry.desc.Name]; !ok {
		c.stats[entry.desc.Name] = newRollingWindow(c.windowSize)
	}
	for i := range c.builtins {
		if c.builtins[i].desc.Name == entry.desc.Name {
			c.builtins[i] = entry
			return nil
		}
	}
	c.builtins = append(c.builtins, entry)
	return nil
}

// RegisterDefaultBuiltins registers builtin.current_time and
// builtin.list_tools. now may be nil, in which case time.Now is used.
func (c *Catalog) RegisterDefaultBuiltins(now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	if err := c.RegisterBuiltin(currentTimeTool(now)); err != nil {
		return err
	}
	return c.RegisterBuiltin(listToolsTool(c))
}

func currentTimeTool(now func() time.Time) Builtin {
	return Builtin{
		Name:        "current_time",
		Description: "Returns the current date and time in RFC 3339 format, optionally in an IANA time zone.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA zone such as Europe/Berlin"}}}`),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Timezone string `json:"timezone"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
			}
			t := now()
			if in.Timezone != "" {
				loc, err := time.LoadLocation(in.Timezone)
				if err != nil {
					return "", fmt.Errorf("unknown time zone %q", in.Timezone)
				}
				t = t.In(loc)
			}
			return t.Format(time.RFC3339), nil
		},
	}
}

func listToolsTool(c *Catalog) Builtin {
	return Builtin{
		Name:        "list_tools",
		Description: "Lists available tools. Pass a query to search by keyword; the result names tools that can be requested in a later turn.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}}}`),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
			}
			if in.Limit <= 0 {
				in.Limit = 25
			}
			var tools []mcp.ToolDescriptor
			if strings.TrimSpace(in.Query) == "" {
				tools = c.All()
				if len(tools) > in.Limit {
					tools = tools[:in.Limit]
				}
			} else {
				tools = c.Search(in.Query, in.Limit)
			}
			if len(tools) == 0 {
				return "no matching tools", nil
			}
			var sb strings.Builder
			for _, t := range tools {
				fmt.Fprintf(&sb, "%s: %s\n", t.Name, t.Description)
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}
