package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{64, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_Defaults(t *testing.T) {
	t.Parallel()

	var b Backoff
	if got := b.Delay(1); got != 500*time.Millisecond {
		t.Errorf("Delay(1) = %v, want 500ms", got)
	}
	if got := b.Delay(20); got != 30*time.Second {
		t.Errorf("Delay(20) = %v, want 30s", got)
	}
}

func TestBackoff_WaitHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Backoff{Base: time.Hour}.Wait(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait did not return promptly on cancellation")
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()

	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")
	retryable := func(err error) bool { return errors.Is(err, errTransient) }
	b := Backoff{Base: time.Millisecond, Max: time.Millisecond}

	tests := []struct {
		name      string
		outcomes  []error
		attempts  int
		wantCalls int
		wantErr   error
	}{
		{"first try", []error{nil}, 3, 1, nil},
		{"recovers", []error{errTransient, errTransient, nil}, 3, 3, nil},
		{"exhausts", []error{errTransient, errTransient, errTransient, nil}, 3, 3, errTransient},
		{"fatal stops", []error{errFatal, nil}, 3, 1, errFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			err := Retry(context.Background(), b, tt.attempts, retryable, func(attempt int) error {
				calls++
				if attempt != calls {
					t.Errorf("attempt = %d, want %d", attempt, calls)
				}
				return tt.outcomes[calls-1]
			})
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}
