// Package router selects the bounded subset of catalog tools presented to the
// model for one user turn.
//
// The selection is a pure function of the query and the current catalog, made
// of three parts in this order:
//
//  1. Core tools (builtins and configured always-available tools). They never
//     count against the soft limit.
//  2. Matched tools: every tool in a namespace whose keyword group appears in
//     the query, plus tools whose raw name is mentioned explicitly. This set is
//     never trimmed to the soft limit; explicit intent wins.
//  3. Filler tools: other tools in catalog order, up to the soft limit.
//
// A hard cap bounds the total. Filler is dropped first, then matched tools;
// core tools go last.
//
// Matching is plain case-insensitive substring search; routing a turn costs
// no I/O and no model call.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/toolweave/internal/mcp"
	"github.com/MrWong99/toolweave/internal/observe"
)

const (
	// DefaultSoftLimit is the default maximum number of filler tools.
	DefaultSoftLimit = 30

	// DefaultHardCap is the default maximum number of tools per turn.
	DefaultHardCap = 100

	// minMentionLen is the shortest raw tool name matched by mention alone.
	// Shorter names ("add", "get") appear in ordinary text too often.
	minMentionLen = 4
)

// KeywordGroup ties query terms to a tool namespace: when any term appears
// in the query, every tool of Namespace is matched.
type KeywordGroup struct {
	Namespace string
	Terms     []string
}

// Source supplies the tools to choose from, in catalog order.
type Source interface {
	All() []mcp.ToolDescriptor
}

// Decision is the routing result for one turn.
type Decision struct {
	// Tools holds the selected tools: core, then matched, then filler, each
	// in catalog order.
	Tools []mcp.ToolDescriptor

	// Core, Matched and Filler count the tools per category.
	Core    int
	Matched int
	Filler  int

	// Groups lists the namespaces whose keyword group matched the query.
	Groups []string
}

// Option is a functional option for [New].
type Option func(*Router)

// WithSoftLimit sets the maximum number of filler tools. Default:
// [DefaultSoftLimit].
func WithSoftLimit(n int) Option {
	return func(r *Router) { r.soft = n }
}

// WithHardCap sets the maximum number of tools per turn. Default:
// [DefaultHardCap].
func WithHardCap(n int) Option {
	return func(r *Router) { r.hard = n }
}

// WithGroups sets the keyword groups.
func WithGroups(groups ...KeywordGroup) Option {
	return func(r *Router) { r.groups = normalise(groups) }
}

// WithMetrics records per-category counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router computes a [Decision] per turn. Groups and limits can be swapped
// at runtime. All methods are safe for concurrent use.
type Router struct {
	src     Source
	metrics *observe.Metrics

	mu     sync.RWMutex
	groups []KeywordGroup
	soft   int
	hard   int
}

// New creates a router over src.
func New(src Source, opts ...Option) *Router {
	r := &Router{src: src, soft: DefaultSoftLimit, hard: DefaultHardCap}
	for _, o := range opts {
		o(r)
	}
	r.soft, r.hard = sanitiseLimits(r.soft, r.hard)
	return r
}

// SetGroups replaces the keyword groups.
func (r *Router) SetGroups(groups []KeywordGroup) {
	g := normalise(groups)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = g
}

// SetLimits replaces the soft limit and hard cap. Non-positive values keep
// the defaults.
func (r *Router) SetLimits(soft, hard int) {
	soft, hard = sanitiseLimits(soft, hard)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.soft, r.hard = soft, hard
}

// Limits returns the current soft limit and hard cap.
func (r *Router) Limits() (soft, hard int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.soft, r.hard
}

// Route selects the tools for query.
func (r *Router) Route(ctx context.Context, query string) Decision {
	r.mu.RLock()
	groups, soft, hard := r.groups, r.soft, r.hard
	r.mu.RUnlock()

	all := r.src.All()
	if len(all) == 0 {
		return Decision{}
	}

	lower := strings.ToLower(query)
	var d Decision
	matchedNS := make(map[string]bool)
	for _, g := range groups {
		if !matchedNS[g.Namespace] && containsAny(lower, g.Terms) {
			matchedNS[g.Namespace] = true
			d.Groups = append(d.Groups, g.Namespace)
		}
	}

	var core, matched, filler []mcp.ToolDescriptor
	for _, t := range all {
		switch {
		case t.Core:
			core = append(core, t)
		case matchedNS[t.Namespace()] || mentioned(lower, t.RawName()):
			matched = append(matched, t)
		default:
			filler = append(filler, t)
		}
	}

	filler = filler[:min(len(filler), soft)]

	budget := hard
	core = core[:min(len(core), budget)]
	budget -= len(core)
	matched = matched[:min(len(matched), budget)]
	budget -= len(matched)
	filler = filler[:min(len(filler), budget)]

	d.Core, d.Matched, d.Filler = len(core), len(matched), len(filler)
	d.Tools = make([]mcp.ToolDescriptor, 0, d.Core+d.Matched+d.Filler)
	d.Tools = append(d.Tools, core...)
	d.Tools = append(d.Tools, matched...)
	d.Tools = append(d.Tools, filler...)

	if r.metrics != nil {
		r.metrics.RecordRouting(ctx, d.Core, d.Matched, d.Filler)
	}
	slog.Debug("tools routed", "core", d.Core, "matched", d.Matched, "filler", d.Filler, "groups", d.Groups)
	return d
}

// mentioned reports whether the raw tool name appears in the lower-cased
// query, either literally or with '_' and '-' read as spaces.
func mentioned(lowerQuery, raw string) bool {
	if len(raw) < minMentionLen {
		return false
	}
	raw = strings.ToLower(raw)
	if strings.Contains(lowerQuery, raw) {
		return true
	}
	spaced := strings.NewReplacer("_", " ", "-", " ").Replace(raw)
	return spaced != raw && strings.Contains(lowerQuery, spaced)
}

// containsAny reports whether lower contains any of keywords. Keywords must
// already be lower-cased.
func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func normalise(groups []KeywordGroup) []KeywordGroup {
	out := make([]KeywordGroup, 0, len(groups))
	for _, g := range groups {
		ng := KeywordGroup{Namespace: strings.TrimSpace(g.Namespace)}
		for _, term := range g.Terms {
			if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
				ng.Terms = append(ng.Terms, term)
			}
		}
		if ng.Namespace != "" && len(ng.Terms) > 0 {
			out = append(out, ng)
		}
	}
	return out
}

func sanitiseLimits(soft, hard int) (int, int) {
	if soft < 0 {
		soft = DefaultSoftLimit
	}
	if hard <= 0 {
		hard = DefaultHardCap
	}
	return soft, hard
}
