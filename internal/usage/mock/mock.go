// Package mock provides an in-memory [usage.Ledger] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/toolweave/internal/usage"
)

var _ usage.Ledger = (*Ledger)(nil)

// Ledger keeps entries in memory and aggregates them like the SQL ledgers.
// The *Err fields, when non-nil, are returned by the matching method.
type Ledger struct {
	mu sync.Mutex

	entries []usage.Entry
	closed  bool

	// RecordErr is returned by [Ledger.Record].
	RecordErr error

	// StatsErr is returned by [Ledger.Stats].
	StatsErr error
}

// Record implements [usage.Ledger].
func (l *Ledger) Record(_ context.Context, e usage.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.RecordErr != nil {
		return l.RecordErr
	}
	if e.TotalTokens == 0 {
		e.TotalTokens = e.PromptTokens + e.CompletionTokens
	}
	l.entries = append(l.entries, e)
	return nil
}

// Stats implements [usage.Ledger].
func (l *Ledger) Stats(_ context.Context, f usage.Filter) (usage.Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.StatsErr != nil {
		return usage.Stats{}, l.StatsErr
	}
	var st usage.Stats
	for _, e := range l.entries {
		if f.Provider != "" && e.Provider != f.Provider {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
			continue
		}
		st.PromptTokens += e.PromptTokens
		st.CompletionTokens += e.CompletionTokens
		st.TotalTokens += e.TotalTokens
		st.Requests++
	}
	return st, nil
}

// Close implements [usage.Ledger].
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Entries returns a copy of the recorded entries.
func (l *Ledger) Entries() []usage.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]usage.Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Closed reports whether Close was called.
func (l *Ledger) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
