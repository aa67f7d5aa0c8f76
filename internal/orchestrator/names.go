package orchestrator

import (
	"strconv"
	"strings"

	"github.com/MrWong99/toolweave/internal/mcp"
)

// maxWireName is the longest function name providers accept.
const maxWireName = 64

// toolNames maps catalog names ("calendar.create_event") to names providers
// accept as function names ("calendar_create_event") and back. Providers
// restrict function names to [A-Za-z0-9_-]; the mapping is built per request
// from the routed tools and is collision-free.
type toolNames struct {
	toWire   map[string]string
	fromWire map[string]string
}

func newToolNames(tools []mcp.ToolDescriptor) *toolNames {
	n := &toolNames{
		toWire:   make(map[string]string, len(tools)),
		fromWire: make(map[string]string, len(tools)),
	}
	for _, t := range tools {
		if _, dup := n.toWire[t.Name]; dup {
			continue
		}
		base := wireSafe(t.Name)
		wire := truncate(base, maxWireName)
		for i := 2; ; i++ {
			if _, taken := n.fromWire[wire]; !taken {
				break
			}
			suffix := "_" + strconv.Itoa(i)
			wire = truncate(base, maxWireName-len(suffix)) + suffix
		}
		n.toWire[t.Name] = wire
		n.fromWire[wire] = t.Name
	}
	return n
}

// wire returns the provider-facing name of a catalog tool.
func (n *toolNames) wire(name string) string {
	if w, ok := n.toWire[name]; ok {
		return w
	}
	return wireSafe(name)
}

// catalog resolves a provider-facing name. Names outside the mapping are
// returned unchanged so the catalog can report them as unknown.
func (n *toolNames) catalog(wire string) string {
	if name, ok := n.fromWire[wire]; ok {
		return name
	}
	return wire
}

func wireSafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
