package catalog

import (
	"slices"
	"sync"
	"time"
)

// defaultWindowSize is the default number of calls kept per tool.
const defaultWindowSize = 100

// ToolStats summarises recent calls of one tool.
type ToolStats struct {
	// Name is the namespaced tool name.
	Name string

	// Calls is the total number of calls since the tool was first seen.
	Calls int

	// ErrorRate is the fraction of failed calls in the window (0.0–1.0).
	ErrorRate float64

	// P50 and P99 are latency percentiles over the window.
	P50 time.Duration
	P99 time.Duration
}

// rollingWindow keeps the last size call outcomes in a ring buffer. All
// methods are safe for concurrent use.
type rollingWindow struct {
	mu      sync.Mutex
	latency []time.Duration
	failed  []bool
	pos     int
	count   int
}

func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &rollingWindow{
		latency: make([]time.Duration, size),
		failed:  make([]bool, size),
	}
}

// record stores one outcome, overwriting the oldest once full.
func (w *rollingWindow) record(d time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latency[w.pos] = d
	w.failed[w.pos] = failed
	w.pos = (w.pos + 1) % len(w.latency)
	w.count++
}

// snapshot computes the stats for name.
func (w *rollingWindow) snapshot(name string) ToolStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := ToolStats{Name: name, Calls: w.count}
	n := min(w.count, len(w.latency))
	if n == 0 {
		return st
	}

	sorted := make([]time.Duration, n)
	copy(sorted, w.latency[:n])
	slices.Sort(sorted)
	st.P50 = sorted[n/2]
	st.P99 = sorted[int(float64(n-1)*0.99)]

	errs := 0
	for _, f := range w.failed[:n] {
		if f {
			errs++
		}
	}
	st.ErrorRate = float64(errs) / float64(n)
	return st
}
