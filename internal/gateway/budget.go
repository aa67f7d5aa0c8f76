package gateway

import (
	"fmt"
	"sync"
	"time"
)

// Budget scopes reported by [BudgetError].
const (
	ScopeDaily   = "daily"
	ScopeRequest = "request"
)

// BudgetError describes a request refused before it was sent. It matches
// [ErrBudgetExceeded] with errors.Is.
type BudgetError struct {
	// Scope is [ScopeDaily] or [ScopeRequest].
	Scope string

	// Estimated is the token cost of the refused request.
	Estimated int

	// Remaining is what the scope still allowed.
	Remaining int
}

// Error implements error.
func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s token budget exceeded: estimated %d, remaining %d", e.Scope, e.Estimated, e.Remaining)
}

// Unwrap returns [ErrBudgetExceeded].
func (e *BudgetError) Unwrap() error { return ErrBudgetExceeded }

// BudgetConfig configures a [BudgetState]. Zero limits mean unlimited.
type BudgetConfig struct {
	// DailyTokens caps the tokens consumed per day.
	DailyTokens int

	// RequestTokens caps the tokens consumed by one orchestration request
	// across all of its rounds.
	RequestTokens int

	// ReserveOutputTokens is added to the prompt estimate to account for the
	// completion that has not been generated yet. A request's MaxTokens
	// overrides it.
	ReserveOutputTokens int

	// Location defines the daily boundary (midnight). Default: UTC.
	Location *time.Location

	// Now is the clock. Default: [time.Now].
	Now func() time.Time
}

// BudgetState tracks consumed tokens against the daily and per-request caps.
//
// Requests reserve their estimated cost before they are sent; in-flight
// reservations count against the daily cap so concurrent requests cannot
// overshoot it together. When the response arrives the reservation is
// replaced by the provider's reported usage.
//
// All methods are safe for concurrent use.
type BudgetState struct {
	now func() time.Time

	mu      sync.Mutex
	daily   int
	request int
	reserve int
	loc     *time.Location
	day     time.Time
	used    int
	held    int
}

// NewBudgetState creates a [BudgetState] starting at zero consumption.
func NewBudgetState(cfg BudgetConfig) *BudgetState {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	b := &BudgetState{
		now:     cfg.Now,
		daily:   max(cfg.DailyTokens, 0),
		request: max(cfg.RequestTokens, 0),
		reserve: max(cfg.ReserveOutputTokens, 0),
		loc:     cfg.Location,
	}
	b.day = b.dayStart(b.now())
	return b
}

// SetLimits replaces the caps and the output reserve. Consumption is kept.
func (b *BudgetState) SetLimits(daily, request, reserve int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.daily, b.request, b.reserve = max(daily, 0), max(request, 0), max(reserve, 0)
}

// DayStart returns midnight of the current budget day.
func (b *BudgetState) DayStart() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return b.day
}

// Seed sets today's consumption, typically from the usage ledger at startup.
func (b *BudgetState) Seed(tokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	b.used = max(tokens, 0)
}

// BudgetSnapshot is a point-in-time view of a [BudgetState].
type BudgetSnapshot struct {
	Day        time.Time `json:"day"`
	Used       int       `json:"used"`
	Held       int       `json:"held"`
	DailyLimit int       `json:"daily_limit"`

	// Remaining is DailyLimit minus Used and Held, or -1 when unlimited.
	Remaining int `json:"remaining"`
}

// Snapshot returns the current counters.
func (b *BudgetState) Snapshot() BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	s := BudgetSnapshot{Day: b.day, Used: b.used, Held: b.held, DailyLimit: b.daily, Remaining: -1}
	if b.daily > 0 {
		s.Remaining = max(b.daily-b.used-b.held, 0)
	}
	return s
}

// Hold is a reservation returned by [BudgetState.Reserve]. Exactly one call
// to [Hold.Settle] must follow.
type Hold struct {
	b       *BudgetState
	ru      *RequestUsage
	amount  int
	settled bool
}

// Reserve books estimate tokens for a request whose consumption so far is
// ru. It fails with a [*BudgetError] when either cap would be exceeded.
func (b *BudgetState) Reserve(ru *RequestUsage, estimate int) (*Hold, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	if b.request > 0 && ru.Tokens+estimate > b.request {
		return nil, &BudgetError{Scope: ScopeRequest, Estimated: estimate, Remaining: max(b.request-ru.Tokens, 0)}
	}
	if b.daily > 0 && b.used+b.held+estimate > b.daily {
		return nil, &BudgetError{Scope: ScopeDaily, Estimated: estimate, Remaining: max(b.daily-b.used-b.held, 0)}
	}
	b.held += estimate
	return &Hold{b: b, ru: ru, amount: estimate}, nil
}

// Settle releases the reservation and deducts total from the daily counter
// and the request's usage. Pass zeros when the request failed. Later calls
// are no-ops.
func (h *Hold) Settle(prompt, completion, total int) {
	b := h.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if h.settled {
		return
	}
	h.settled = true
	b.rollover()
	b.held = max(b.held-h.amount, 0)
	b.used += total
	h.ru.add(prompt, completion, total)
}

// outputReserve returns the completion allowance for a request asking for
// maxTokens.
func (b *BudgetState) outputReserve(maxTokens int) int {
	if maxTokens > 0 {
		return maxTokens
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserve
}

// rollover resets consumption when the day changed. Callers hold b.mu.
func (b *BudgetState) rollover() {
	if day := b.dayStart(b.now()); !day.Equal(b.day) {
		b.day = day
		b.used = 0
	}
}

func (b *BudgetState) dayStart(t time.Time) time.Time {
	y, m, d := t.In(b.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, b.loc)
}

// RequestUsage is the consumption of one orchestration request across its
// rounds. It is owned by that request and not safe for concurrent use.
type RequestUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	Tokens           int `json:"total_tokens"`
	Completions      int `json:"completions"`
}

func (ru *RequestUsage) add(prompt, completion, total int) {
	if total == 0 && prompt == 0 && completion == 0 {
		return
	}
	ru.PromptTokens += prompt
	ru.CompletionTokens += completion
	ru.Tokens += total
	ru.Completions++
}
