// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) and exposes a uniform interface for the toolweave
// gateway to perform completions, estimate token cost and inspect model
// capabilities without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use and must report throttling by
// wrapping [ErrRateLimited] (usually through a [*RateLimitError]) so the
// gateway can retry the same provider with backoff.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited marks a transient throttling response from a provider.
var ErrRateLimited = errors.New("llm: rate limited")

// RateLimitError is returned by providers when the backend throttles a
// request. It matches [ErrRateLimited] with errors.Is.
type RateLimitError struct {
	// Provider names the backend that throttled the request.
	Provider string

	// RetryAfter is the server-suggested wait, zero when unknown.
	RetryAfter time.Duration

	// Err is the underlying SDK error.
	Err error
}

// Error implements error.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited (retry after %s): %v", e.Provider, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: rate limited: %v", e.Provider, e.Err)
}

// Unwrap exposes both the sentinel and the SDK error.
func (e *RateLimitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRateLimited}
	}
	return []error{ErrRateLimited, e.Err}
}

// Usage holds token accounting information returned by the backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Some providers return it
	// directly rather than computing it from the parts.
	TotalTokens int
}

// Total returns TotalTokens, or the sum of the parts when the backend left it
// empty.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []Message

	// Tools is the set of tool definitions offered to the model. Empty means
	// the model answers without tool-calling capability.
	Tools []ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// leaves the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected before the conversation
	// history as a "system"-role message.
	SystemPrompt string
}

// CompletionResponse is the full reply of a completion.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model. The caller
	// is responsible for executing them and appending the results to the
	// conversation.
	ToolCalls []ToolCall

	// FinishReason is the backend's stop reason ("stop", "length",
	// "tool_calls", ...).
	FinishReason string

	// Model is the model that produced the response, as reported by the
	// backend when available.
	Model string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// WantsTools reports whether the response is a tool-use request rather than
// a final answer.
func (r *CompletionResponse) WantsTools() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines and
// must return promptly when ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Throttling is reported as an error matching [ErrRateLimited]; the
	// implementation must not retry on its own.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens that the given messages would
	// consume in the model's context window. The gateway uses it for the
	// pre-send budget check.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the model.
	Capabilities() ModelCapabilities
}

// EstimateTokens approximates the prompt cost of messages and tools with the
// usual ~4 characters per token heuristic plus a small per-message overhead.
func EstimateTokens(messages []Message, tools []ToolDefinition) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
		for _, tc := range m.ToolCalls {
			total += (len(tc.Name)+len(tc.Arguments)+3)/4 + 2
		}
	}
	for _, td := range tools {
		total += (len(td.Name)+len(td.Description)+3)/4 + 8
		total += len(td.Parameters) * 6
	}
	return total
}
