// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz: liveness probe; always 200 OK.
//   - /readyz: readiness probe; 200 unless a critical [Checker] fails.
//
// Responses are JSON objects with a top-level "status" field ("ok",
// "degraded" or "fail") and a "checks" map with the outcome of each checker.
// A failing non-critical checker turns the status into "degraded" but keeps
// the 200 response, so one unreachable tool server does not pull the whole
// instance out of rotation.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Status values reported in the response body.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named readiness check.
type Checker struct {
	// Name is the key in the JSON response (e.g. "providers", "server:gmail").
	Name string

	// Critical checkers fail the probe; others only degrade it.
	Critical bool

	// Check returns nil when healthy. It must respect ctx.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	h := &Handler{}
	h.Set(checkers...)
	return h
}

// Set replaces the checker list, e.g. after the server list was reloaded.
func (h *Handler) Set(checkers ...Checker) {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	h.mu.Lock()
	h.checkers = c
	h.mu.Unlock()
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: StatusOK})
}

// Readyz runs all checkers concurrently, each bounded by [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checkers := h.checkers
	h.mu.RUnlock()

	errs := make([]error, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
		}()
	}
	wg.Wait()

	res := result{Status: StatusOK, Checks: make(map[string]string, len(checkers))}
	status := http.StatusOK
	for i, c := range checkers {
		if errs[i] == nil {
			res.Checks[c.Name] = StatusOK
			continue
		}
		res.Checks[c.Name] = "fail: " + errs[i].Error()
		if c.Critical {
			res.Status = StatusFail
			status = http.StatusServiceUnavailable
		} else if res.Status == StatusOK {
			res.Status = StatusDegraded
		}
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
