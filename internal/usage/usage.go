// Package usage defines the token-usage ledger: an append-only record of every
// successful provider completion.
//
// The gateway appends one [Entry] per completion and, at startup, seeds its
// daily budget from [Ledger.Stats] so that a restart does not reset the
// consumption counter. Two implementations exist:
//
//   - [github.com/MrWong99/toolweave/internal/usage/sqlite] (default, no cgo)
//   - [github.com/MrWong99/toolweave/internal/usage/postgres]
package usage

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownDriver is returned by ledger constructors for an unsupported
// driver name.
var ErrUnknownDriver = errors.New("usage: unknown driver")

// Entry is one provider completion.
type Entry struct {
	// ID uniquely identifies the entry. Implementations assign a UUID when
	// empty.
	ID string

	// RequestID is the orchestration request the completion belonged to.
	RequestID string

	// Provider is the gateway name of the provider that answered.
	Provider string

	// Model is the model reported by the provider.
	Model string

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	// CreatedAt is when the completion finished. Implementations use the
	// current time when zero.
	CreatedAt time.Time
}

// Filter narrows [Ledger.Stats]. Zero fields do not filter.
type Filter struct {
	Provider string

	// Since is inclusive.
	Since time.Time

	// Until is exclusive.
	Until time.Time
}

// Stats aggregates the entries matched by a [Filter].
type Stats struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Requests         int
}

// Ledger persists usage entries. Implementations must be safe for concurrent
// use.
type Ledger interface {
	// Record appends e.
	Record(ctx context.Context, e Entry) error

	// Stats aggregates entries matching f.
	Stats(ctx context.Context, f Filter) (Stats, error)

	// Close releases the underlying storage.
	Close() error
}
