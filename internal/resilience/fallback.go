package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// entry of a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// Entry is one member of a [FallbackGroup].
type Entry[T any] struct {
	Name    string
	Value   T
	Breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable values (providers),
// each guarded by its own circuit breaker. Entries are tried in
// registration order.
//
// Entries are fixed after construction; concurrent Execute calls are safe.
type FallbackGroup[T any] struct {
	entries []Entry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates an empty group. Add entries with
// [FallbackGroup.Add] before the first Execute.
func NewFallbackGroup[T any](cfg FallbackConfig) *FallbackGroup[T] {
	return &FallbackGroup[T]{cfg: cfg}
}

// Add appends an entry with a dedicated breaker.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, Entry[T]{
		Name:    name,
		Value:   value,
		Breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Entries returns the entries in order.
func (fg *FallbackGroup[T]) Entries() []Entry[T] {
	out := make([]Entry[T], len(fg.entries))
	copy(out, fg.entries)
	return out
}

// Execute is [ExecuteWithResult] without a result value.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, Entry[T]) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, e Entry[T]) (struct{}, error) {
		return struct{}{}, fn(ctx, e)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in order until one succeeds.
// Entries with an open breaker are skipped. Cancellation of ctx stops the
// walk immediately and returns the context error. When every entry fails the
// error wraps [ErrAllFailed] and every individual failure.
//
// It is a package-level function because Go methods cannot have their own
// type parameters.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, Entry[T]) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, entry := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var result R
		err := entry.Breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(ctx, entry)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.Name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.Name)
		} else {
			slog.Warn("provider failed, trying next", "provider", entry.Name, "err", err)
		}
	}
	if len(errs) == 0 {
		return zero, fmt.Errorf("%w: no providers configured", ErrAllFailed)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
