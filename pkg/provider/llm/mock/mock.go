// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the gateway and orchestrator send
// correct CompletionRequests and to feed scripted responses without a live
// backend. Configure fields before the first call; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Errs:      []error{&llm.RateLimitError{Provider: "a"}},
//	    Responses: []*llm.CompletionResponse{nil, {Content: "Hello!"}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/toolweave/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// CountTokensCall records a single invocation of CountTokens.
type CountTokensCall struct {
	// Messages is the slice passed to CountTokens.
	Messages []llm.Message
}

// Provider is a mock implementation of llm.Provider.
//
// The n-th call to Complete (0-based) returns Errs[n] when it is non-nil,
// otherwise Responses[n] when present, otherwise CompleteResponse and
// CompleteErr. Hook, when set, replaces all of that.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Responses is the per-call response script.
	Responses []*llm.CompletionResponse

	// Errs is the per-call error script.
	Errs []error

	// CompleteResponse is returned once the scripts are exhausted.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr is returned once the scripts are exhausted.
	CompleteErr error

	// Hook, if set, computes every Complete result.
	Hook func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// TokenCount is returned by CountTokens when positive; otherwise the
	// [llm.EstimateTokens] heuristic is used.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	// CountTokensCalls records every invocation of CountTokens in order.
	CountTokensCalls []CountTokensCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Complete records the call and returns the scripted result.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	n := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	hook := p.Hook
	var (
		resp = p.CompleteResponse
		err  = p.CompleteErr
	)
	switch {
	case n < len(p.Errs) && p.Errs[n] != nil:
		resp, err = nil, p.Errs[n]
	case n < len(p.Responses) && p.Responses[n] != nil:
		resp, err = p.Responses[n], nil
	}
	p.mu.Unlock()

	if hook != nil {
		return hook(ctx, req)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return resp, err
}

// CallCount returns the number of Complete invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// LastRequest returns the request of the most recent Complete call.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.CompleteCalls) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.CompleteCalls[len(p.CompleteCalls)-1].Req, true
}

// CountTokens records the call and returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)
	p.CountTokensCalls = append(p.CountTokensCalls, CountTokensCall{Messages: msgs})
	if p.CountTokensErr != nil {
		return 0, p.CountTokensErr
	}
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages, nil), nil
}

// Capabilities records the call and returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ModelCapabilities
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.CountTokensCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
