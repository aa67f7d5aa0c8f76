package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newGroup(names ...string) *FallbackGroup[string] {
	fg := NewFallbackGroup[string](FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	for _, n := range names {
		fg.Add(n, n)
	}
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()

	fg := newGroup("primary", "secondary")
	var called []string
	err := fg.Execute(context.Background(), func(_ context.Context, e Entry[string]) error {
		called = append(called, e.Value)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "primary" {
		t.Fatalf("called = %v, want [primary]", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	t.Parallel()

	fg := newGroup("primary", "secondary")
	got, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, e Entry[string]) (string, error) {
		if e.Name == "primary" {
			return "", errTest
		}
		return "from-" + e.Name, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-secondary" {
		t.Fatalf("result = %q, want from-secondary", got)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()

	fg := newGroup("primary", "secondary")
	err := fg.Execute(context.Background(), func(context.Context, Entry[string]) error {
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want it to wrap the individual failures", err)
	}
}

func TestFallbackGroup_Empty(t *testing.T) {
	t.Parallel()

	err := newGroup().Execute(context.Background(), func(context.Context, Entry[string]) error {
		t.Fatal("fn must not be called")
		return nil
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	fg := newGroup("primary", "secondary")
	for range 2 {
		_ = fg.Execute(context.Background(), func(_ context.Context, e Entry[string]) error {
			if e.Name == "primary" {
				return errTest
			}
			return nil
		})
	}

	var called []string
	err := fg.Execute(context.Background(), func(_ context.Context, e Entry[string]) error {
		called = append(called, e.Name)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Fatalf("called = %v, want [secondary] (primary circuit open)", called)
	}
	if st := fg.Entries()[0].Breaker.State(); st != StateOpen {
		t.Errorf("primary breaker = %v, want open", st)
	}
}

func TestFallbackGroup_CancellationStopsWalk(t *testing.T) {
	t.Parallel()

	fg := newGroup("primary", "secondary")
	ctx, cancel := context.WithCancel(context.Background())

	var called []string
	err := fg.Execute(ctx, func(ctx context.Context, e Entry[string]) error {
		called = append(called, e.Name)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("cancellation must not be reported as all providers failing")
	}
	if len(called) != 1 {
		t.Errorf("called = %v, want only the primary", called)
	}
}
