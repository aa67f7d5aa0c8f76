// Package gateway sends completions to an ordered list of LLM providers under
// a token budget.
//
// For each request the gateway:
//
//  1. estimates the prompt cost and reserves it plus an output allowance in
//     the [BudgetState]; a request that does not fit is refused with
//     [ErrBudgetExceeded] before any provider is contacted;
//  2. tries the providers in order. A rate-limited provider is retried with
//     exponential backoff, sequentially, up to a bounded number of attempts.
//     Any other error, exhausted retries or an open circuit breaker advance
//     to the next provider;
//  3. deducts the usage reported by the provider that answered and appends it
//     to the usage ledger.
//
// The gateway never executes tools; a tool-use response is returned as is.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/toolweave/internal/observe"
	"github.com/MrWong99/toolweave/internal/resilience"
	"github.com/MrWong99/toolweave/internal/usage"
	"github.com/MrWong99/toolweave/pkg/provider/llm"
)

var (
	// ErrProviderFailed marks a non-transient failure of one provider, or a
	// provider whose rate-limit retries ran out.
	ErrProviderFailed = errors.New("provider failed")

	// ErrAllProvidersFailed is returned when no provider produced a response.
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrBudgetExceeded is returned when a request's estimated cost does not
	// fit the remaining daily or per-request budget.
	ErrBudgetExceeded = errors.New("token budget exceeded")
)

// DefaultMaxAttempts is the default number of attempts per provider while it
// reports rate limits.
const DefaultMaxAttempts = 3

// Response is a provider reply tagged with the provider that produced it.
// [llm.CompletionResponse.WantsTools] tells a tool-use request from a final
// answer.
type Response struct {
	llm.CompletionResponse

	// Provider is the gateway name of the provider that answered.
	Provider string

	// Tokens is what was deducted from the budget.
	Tokens int
}

// ProviderStatus describes one configured provider.
type ProviderStatus struct {
	Name    string `json:"name"`
	Breaker string `json:"breaker"`
}

// Option is a functional option for [New].
type Option func(*Gateway)

// WithBudget sets the budget state. Default: an unlimited budget.
func WithBudget(b *BudgetState) Option {
	return func(g *Gateway) { g.budget = b }
}

// WithBackoff sets the delay schedule between rate-limit retries.
func WithBackoff(b resilience.Backoff) Option {
	return func(g *Gateway) { g.backoff = b }
}

// WithMaxAttempts sets the attempts per provider. Default:
// [DefaultMaxAttempts].
func WithMaxAttempts(n int) Option {
	return func(g *Gateway) { g.attempts = n }
}

// WithCircuitBreaker configures the breaker created for every provider.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(g *Gateway) { g.breaker = cfg }
}

// WithLedger appends every successful completion to l.
func WithLedger(l usage.Ledger) Option {
	return func(g *Gateway) { g.ledger = l }
}

// WithMetrics records provider, token and budget metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway is safe for concurrent use once all providers are added.
type Gateway struct {
	group    *resilience.FallbackGroup[llm.Provider]
	budget   *BudgetState
	ledger   usage.Ledger
	metrics  *observe.Metrics
	backoff  resilience.Backoff
	attempts int
	breaker  resilience.CircuitBreakerConfig
}

// New creates a gateway without providers. Register them with [Gateway.Add]
// before the first Complete.
func New(opts ...Option) *Gateway {
	g := &Gateway{attempts: DefaultMaxAttempts}
	for _, o := range opts {
		o(g)
	}
	if g.budget == nil {
		g.budget = NewBudgetState(BudgetConfig{})
	}
	if g.attempts <= 0 {
		g.attempts = DefaultMaxAttempts
	}
	g.group = resilience.NewFallbackGroup[llm.Provider](resilience.FallbackConfig{CircuitBreaker: g.breaker})
	return g
}

// Add appends a provider. The first added provider is the primary.
func (g *Gateway) Add(name string, p llm.Provider) {
	g.group.Add(name, p)
}

// Len returns the number of providers.
func (g *Gateway) Len() int { return g.group.Len() }

// Budget returns the budget state.
func (g *Gateway) Budget() *BudgetState { return g.budget }

// Providers returns the providers in order with their breaker state.
func (g *Gateway) Providers() []ProviderStatus {
	entries := g.group.Entries()
	out := make([]ProviderStatus, len(entries))
	for i, e := range entries {
		out[i] = ProviderStatus{Name: e.Name, Breaker: e.Breaker.State().String()}
	}
	return out
}

// SeedBudget loads today's consumption from the ledger into the budget. It
// is a no-op without a ledger.
func (g *Gateway) SeedBudget(ctx context.Context) error {
	if g.ledger == nil {
		return nil
	}
	since := g.budget.DayStart()
	st, err := g.ledger.Stats(ctx, usage.Filter{Since: since})
	if err != nil {
		return fmt.Errorf("gateway: seed budget: %w", err)
	}
	g.budget.Seed(st.TotalTokens)
	return nil
}

// Complete sends req to the first provider able to answer. ru accumulates
// the consumption of the surrounding request and is checked against the
// per-request cap; nil means a fresh request.
func (g *Gateway) Complete(ctx context.Context, req llm.CompletionRequest, ru *RequestUsage) (*Response, error) {
	ctx, span := observe.StartSpan(ctx, "gateway.complete")
	defer span.End()
	log := observe.Logger(ctx)

	if ru == nil {
		ru = &RequestUsage{}
	}

	prompt := g.estimate(req)
	estimate := prompt + g.budget.outputReserve(req.MaxTokens)
	hold, err := g.budget.Reserve(ru, estimate)
	if err != nil {
		var be *BudgetError
		if errors.As(err, &be) && g.metrics != nil {
			g.metrics.RecordBudgetRejection(ctx, be.Scope)
		}
		log.Warn("request refused by budget", "estimated", estimate, "err", err)
		return nil, fmt.Errorf("gateway: %w", err)
	}

	var name string
	resp, err := resilience.ExecuteWithResult(ctx, g.group, func(ctx context.Context, e resilience.Entry[llm.Provider]) (*llm.CompletionResponse, error) {
		r, err := g.try(ctx, e.Name, e.Value, req)
		if err == nil {
			name = e.Name
		}
		return r, err
	})
	if err != nil {
		hold.Settle(0, 0, 0)
		if errors.Is(err, resilience.ErrAllFailed) {
			return nil, fmt.Errorf("gateway: %w: %w", ErrAllProvidersFailed, err)
		}
		return nil, fmt.Errorf("gateway: %w", err)
	}

	u := resp.Usage
	total := u.Total()
	if total == 0 {
		// The provider reported nothing; charge the estimate of what was sent
		// and received.
		total = prompt + llm.EstimateTokens([]llm.Message{{Content: resp.Content, ToolCalls: resp.ToolCalls}}, nil)
	}
	hold.Settle(u.PromptTokens, u.CompletionTokens, total)

	if g.metrics != nil {
		g.metrics.RecordTokens(ctx, name, u.PromptTokens, u.CompletionTokens)
	}
	if g.ledger != nil {
		entry := usage.Entry{
			RequestID:        observe.RequestID(ctx),
			Provider:         name,
			Model:            resp.Model,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      total,
		}
		if err := g.ledger.Record(ctx, entry); err != nil {
			log.Warn("failed to record usage", "provider", name, "err", err)
		}
	}
	log.Debug("completion finished", "provider", name, "model", resp.Model, "tokens", total, "tool_calls", len(resp.ToolCalls))

	return &Response{CompletionResponse: *resp, Provider: name, Tokens: total}, nil
}

// try calls one provider, retrying while it reports rate limits.
func (g *Gateway) try(ctx context.Context, name string, p llm.Provider, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	log := observe.Logger(ctx)
	var resp *llm.CompletionResponse
	err := resilience.Retry(ctx, g.backoff, g.attempts, isRateLimited, func(attempt int) error {
		start := time.Now()
		r, err := p.Complete(ctx, req)
		if err == nil && r == nil {
			err = errors.New("empty response")
		}
		status := "ok"
		switch {
		case errors.Is(err, llm.ErrRateLimited):
			status = "rate_limited"
			log.Warn("provider rate limited", "provider", name, "attempt", attempt, "max_attempts", g.attempts, "err", err)
		case err != nil:
			status = "error"
		}
		if g.metrics != nil {
			g.metrics.RecordProviderRequest(ctx, name, status, time.Since(start))
		}
		resp = r
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}
	return resp, nil
}

// estimate returns the prompt cost of req, counted by the primary provider
// when it can, otherwise with [llm.EstimateTokens].
func (g *Gateway) estimate(req llm.CompletionRequest) int {
	msgs := req.Messages
	if req.SystemPrompt != "" {
		msgs = append([]llm.Message{{Role: llm.RoleSystem, Content: req.SystemPrompt}}, msgs...)
	}
	n := -1
	if entries := g.group.Entries(); len(entries) > 0 {
		if c, err := entries[0].Value.CountTokens(msgs); err == nil {
			n = c
		}
	}
	if n < 0 {
		n = llm.EstimateTokens(msgs, nil)
	}
	return n + llm.EstimateTokens(nil, req.Tools)
}

func isRateLimited(err error) bool {
	return errors.Is(err, llm.ErrRateLimited)
}
