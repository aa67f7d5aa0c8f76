package catalog

import (
	"slices"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/toolweave/internal/mcp"
)

// fuzzyThreshold is the minimum Jaro-Winkler similarity for a term to count
// as a near match of a word in a tool's name or description.
const fuzzyThreshold = 0.88

// Scoring weights. Name hits outrank description hits.
const (
	nameHit  = 3.0
	descHit  = 1.0
	fuzzyHit = 0.5
)

// Search ranks the listed tools against the keywords in query and returns at
// most limit of them, best first. A term scores when it is a substring of the
// tool name or description; a term with no substring hit still scores a
// little when it is close (Jaro-Winkler) to a word of the tool. Ties keep
// catalog order. limit <= 0 means no limit.
func (c *Catalog) Search(query string, limit int) []mcp.ToolDescriptor {
	terms := Terms(query)
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		tool  mcp.ToolDescriptor
		score float64
	}
	var hits []scored
	for _, t := range c.All() {
		if s := score(t, terms); s > 0 {
			hits = append(hits, scored{tool: t, score: s})
		}
	}
	slices.SortStableFunc(hits, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return 0
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]mcp.ToolDescriptor, len(hits))
	for i, h := range hits {
		out[i] = h.tool
	}
	return out
}

func score(t mcp.ToolDescriptor, terms []string) float64 {
	name := strings.ToLower(t.Name)
	desc := strings.ToLower(t.Description)
	var words []string

	total := 0.0
	for _, term := range terms {
		switch {
		case strings.Contains(name, term):
			total += nameHit
		case strings.Contains(desc, term):
			total += descHit
		case len(term) >= 4:
			if words == nil {
				words = append(Terms(t.Name), Terms(t.Description)...)
			}
			best := 0.0
			for _, w := range words {
				best = max(best, matchr.JaroWinkler(term, w, false))
			}
			if best >= fuzzyThreshold {
				total += fuzzyHit * best
			}
		}
	}
	return total
}

// Terms splits text into lower-case words of at least two characters.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
