// Package orchestrator runs one user request through routing, provider
// completion and tool dispatch.
//
// Each request is a bounded state machine:
//
//	Routing → Completing → {ToolDispatch → Completing}* → Done | Failed
//
// Tool calls requested in one round run concurrently (bounded) and their
// results are appended in the order the provider requested them. Failures of
// a single tool are fed back to the model as tool results; session failures,
// budget exhaustion and provider failure end the request with a typed error.
// When the round limit is reached while the model still asks for tools, the
// best text produced so far is returned with [ErrRoundLimitExceeded] as a
// warning.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolweave/internal/gateway"
	"github.com/MrWong99/toolweave/internal/mcp"
	"github.com/MrWong99/toolweave/internal/mcp/router"
	"github.com/MrWong99/toolweave/internal/observe"
	"github.com/MrWong99/toolweave/pkg/provider/llm"
)

var (
	// ErrRoundLimitExceeded is set as [Answer.Warning] when the model still
	// requested tools after the last allowed round. It is never returned as
	// an error.
	ErrRoundLimitExceeded = errors.New("orchestrator: round limit exceeded")

	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("orchestrator: empty message")
)

// Defaults.
const (
	DefaultMaxRounds      = 5
	DefaultMaxParallel    = 4
	DefaultToolTimeout    = 30 * time.Second
	DefaultMaxResultBytes = 16 << 10
)

// Tool call outcomes reported in [ToolCallRecord.Status].
const (
	CallOK          = "ok"
	CallToolError   = "tool_error"
	CallTimeout     = "timeout"
	CallUnknown     = "unknown_tool"
	CallBadArgs     = "invalid_arguments"
	CallSessionDown = "session_down"
	CallFailed      = "failed"
)

// Router selects the tools offered for a query.
type Router interface {
	Route(ctx context.Context, query string) router.Decision
}

// Completer sends one completion under the budget. [gateway.Gateway]
// implements it.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest, ru *gateway.RequestUsage) (*gateway.Response, error)
}

// Caller executes a namespaced tool. [catalog.Catalog] implements it.
type Caller interface {
	Call(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error)
}

// RoutingSummary describes the tools offered in a request.
type RoutingSummary struct {
	Core    int      `json:"core"`
	Matched int      `json:"matched"`
	Filler  int      `json:"filler"`
	Groups  []string `json:"groups,omitempty"`
}

// ToolCallRecord describes one executed tool call.
type ToolCallRecord struct {
	Round    int           `json:"round"`
	ID       string        `json:"id"`
	Tool     string        `json:"tool"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
}

// Answer is the result of a completed request.
type Answer struct {
	RequestID string `json:"request_id"`

	// Content is the final text. For a degraded answer it is the last text
	// the model produced, possibly empty.
	Content string `json:"content"`

	// Rounds is the number of provider completions.
	Rounds int `json:"rounds"`

	// Provider answered the last completion.
	Provider string `json:"provider"`

	// Warning is [ErrRoundLimitExceeded] for degraded answers.
	Warning error `json:"-"`

	// Messages holds the entries this request added to the conversation:
	// the user message, assistant tool calls with their results, and the
	// final assistant message.
	Messages []llm.Message `json:"messages"`

	Routing   RoutingSummary       `json:"routing"`
	ToolCalls []ToolCallRecord     `json:"tool_calls,omitempty"`
	Usage     gateway.RequestUsage `json:"usage"`
}

// Degraded reports whether the round limit cut the request short.
func (a *Answer) Degraded() bool { return a.Warning != nil }

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithMaxRounds bounds the provider completions per request. Default:
// [DefaultMaxRounds].
func WithMaxRounds(n int) Option {
	return func(o *Orchestrator) { o.maxRounds = n }
}

// WithMaxParallel bounds concurrent tool calls within a round. Default:
// [DefaultMaxParallel].
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) { o.maxParallel = n }
}

// WithToolTimeout bounds each tool call. Default: [DefaultToolTimeout].
func WithToolTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.toolTimeout = d }
}

// WithMaxResultBytes truncates tool output fed back to the model. Default:
// [DefaultMaxResultBytes].
func WithMaxResultBytes(n int) Option {
	return func(o *Orchestrator) { o.maxResult = n }
}

// WithSystemPrompt sets the system prompt of every completion.
func WithSystemPrompt(p string) Option {
	return func(o *Orchestrator) { o.systemPrompt = p }
}

// WithMetrics records orchestration metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator is safe for concurrent use; each Orchestrate call owns its
// conversation.
type Orchestrator struct {
	router  Router
	gateway Completer
	tools   Caller
	metrics *observe.Metrics

	maxRounds    int
	maxParallel  int
	toolTimeout  time.Duration
	maxResult    int
	systemPrompt string
}

// New creates an orchestrator.
func New(r Router, gw Completer, tools Caller, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		router:      r,
		gateway:     gw,
		tools:       tools,
		maxRounds:   DefaultMaxRounds,
		maxParallel: DefaultMaxParallel,
		toolTimeout: DefaultToolTimeout,
		maxResult:   DefaultMaxResultBytes,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxRounds <= 0 {
		o.maxRounds = DefaultMaxRounds
	}
	if o.maxParallel <= 0 {
		o.maxParallel = DefaultMaxParallel
	}
	if o.toolTimeout <= 0 {
		o.toolTimeout = DefaultToolTimeout
	}
	return o
}

// Orchestrate answers message given the prior conversation. history is not
// modified. On error no partial conversation is returned.
func (o *Orchestrator) Orchestrate(ctx context.Context, message string, history []llm.Message) (*Answer, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	ctx = observe.WithRequestID(ctx, observe.RequestID(ctx))
	ctx, span := observe.StartSpan(ctx, "orchestrator.orchestrate")
	defer span.End()
	log := observe.Logger(ctx)

	start := time.Now()
	if o.metrics != nil {
		o.metrics.ActiveOrchestrations.Add(ctx, 1)
		defer o.metrics.ActiveOrchestrations.Add(ctx, -1)
	}

	ans, err := o.run(ctx, message, history)
	status := observe.StatusOK
	rounds := 0
	switch {
	case err != nil:
		status = observe.StatusError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("orchestration failed", "err", err)
	case ans.Degraded():
		status = observe.StatusDegraded
		log.Warn("round limit reached", "rounds", ans.Rounds)
	}
	if ans != nil {
		rounds = ans.Rounds
	}
	if o.metrics != nil {
		o.metrics.RecordOrchestration(ctx, status, rounds, time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	log.Info("orchestration finished", "rounds", ans.Rounds, "provider", ans.Provider,
		"tool_calls", len(ans.ToolCalls), "tokens", ans.Usage.Tokens, "degraded", ans.Degraded())
	return ans, nil
}

func (o *Orchestrator) run(ctx context.Context, message string, history []llm.Message) (*Answer, error) {
	log := observe.Logger(ctx)

	// Routing.
	decision := o.router.Route(ctx, message)
	names := newToolNames(decision.Tools)
	defs := make([]llm.ToolDefinition, 0, len(decision.Tools))
	for _, t := range decision.Tools {
		params, err := llm.SchemaParameters(t.InputSchema)
		if err != nil {
			log.Warn("skipping tool with unusable schema", "tool", t.Name, "err", err)
			continue
		}
		defs = append(defs, llm.ToolDefinition{Name: names.wire(t.Name), Description: t.Description, Parameters: params})
	}

	ans := &Answer{
		RequestID: observe.RequestID(ctx),
		Routing: RoutingSummary{
			Core:    decision.Core,
			Matched: decision.Matched,
			Filler:  decision.Filler,
			Groups:  decision.Groups,
		},
	}
	conv := make([]llm.Message, 0, len(history)+1)
	conv = append(conv, history...)
	conv = append(conv, llm.Message{Role: llm.RoleUser, Content: message})
	added := len(history)

	var lastText string
	for round := 1; round <= o.maxRounds; round++ {
		// Completing.
		resp, err := o.complete(ctx, round, conv, defs, &ans.Usage)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: round %d: %w", round, err)
		}
		ans.Rounds = round
		ans.Provider = resp.Provider
		if resp.Content != "" {
			lastText = resp.Content
		}

		if !resp.WantsTools() {
			conv = append(conv, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
			ans.Content = resp.Content
			ans.Messages = conv[added:]
			return ans, nil
		}

		// ToolDispatch.
		conv = append(conv, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		results, records, err := o.dispatch(ctx, round, resp.ToolCalls, names)
		ans.ToolCalls = append(ans.ToolCalls, records...)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: round %d: %w", round, err)
		}
		conv = append(conv, results...)
	}

	ans.Content = lastText
	ans.Warning = ErrRoundLimitExceeded
	ans.Messages = conv[added:]
	return ans, nil
}

func (o *Orchestrator) complete(ctx context.Context, round int, conv []llm.Message, defs []llm.ToolDefinition, ru *gateway.RequestUsage) (*gateway.Response, error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.round", trace.WithAttributes(
		attribute.Int("round", round),
		attribute.Int("tools", len(defs)),
	))
	defer span.End()

	req := llm.CompletionRequest{
		Messages:     conv,
		Tools:        defs,
		SystemPrompt: o.systemPrompt,
	}
	resp, err := o.gateway.Complete(ctx, req, ru)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", resp.Provider), attribute.Int("tool_calls", len(resp.ToolCalls)))
	return resp, nil
}

// dispatch runs the tool calls of one round and returns their results in
// request order. Session failures are returned as a joined error after all
// calls finished.
func (o *Orchestrator) dispatch(ctx context.Context, round int, calls []llm.ToolCall, names *toolNames) ([]llm.Message, []ToolCallRecord, error) {
	msgs := make([]llm.Message, len(calls))
	records := make([]ToolCallRecord, len(calls))
	fatal := make([]error, len(calls))

	var g errgroup.Group
	g.SetLimit(o.maxParallel)
	for i, tc := range calls {
		g.Go(func() error {
			msgs[i], records[i], fatal[i] = o.callTool(ctx, round, tc, names)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, records, err
	}
	return msgs, records, errors.Join(fatal...)
}

// callTool executes one call. The returned message is always usable as a
// tool result; the error is non-nil only for failures that end the request.
func (o *Orchestrator) callTool(ctx context.Context, round int, tc llm.ToolCall, names *toolNames) (llm.Message, ToolCallRecord, error) {
	log := observe.Logger(ctx)
	name := names.catalog(tc.Name)
	rec := ToolCallRecord{Round: round, ID: tc.ID, Tool: name}
	msg := llm.Message{Role: llm.RoleTool, Name: tc.Name, ToolCallID: tc.ID}

	args := strings.TrimSpace(tc.Arguments)
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		rec.Status = CallBadArgs
		msg.Content = fmt.Sprintf("error: arguments for %s are not valid JSON", tc.Name)
		return msg, rec, nil
	}

	tctx, cancel := context.WithTimeout(ctx, o.toolTimeout)
	defer cancel()
	start := time.Now()
	res, err := o.tools.Call(tctx, name, json.RawMessage(args))
	rec.Duration = time.Since(start)

	var toolErr *mcp.ToolError
	switch {
	case err == nil:
		rec.Status = CallOK
		msg.Content = o.truncate(res.Content)
		return msg, rec, nil
	case ctx.Err() != nil:
		rec.Status = CallFailed
		msg.Content = "error: request cancelled"
		return msg, rec, ctx.Err()
	case errors.As(err, &toolErr):
		rec.Status = CallToolError
		msg.Content = "error: " + o.truncate(toolErr.Message)
	case errors.Is(err, mcp.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		rec.Status = CallTimeout
		msg.Content = fmt.Sprintf("error: %s timed out after %s", tc.Name, o.toolTimeout)
	case errors.Is(err, mcp.ErrToolNotFound):
		rec.Status = CallUnknown
		msg.Content = fmt.Sprintf("error: unknown tool %s", tc.Name)
	case errors.Is(err, mcp.ErrSessionDown), errors.Is(err, mcp.ErrNotInitialized):
		rec.Status = CallSessionDown
		msg.Content = fmt.Sprintf("error: the server providing %s is unavailable", tc.Name)
		return msg, rec, fmt.Errorf("tool %s: %w", name, err)
	default:
		rec.Status = CallFailed
		msg.Content = fmt.Sprintf("error: %s failed: %v", tc.Name, err)
	}
	log.Debug("tool call failed", "tool", name, "status", rec.Status, "err", err)
	return msg, rec, nil
}

func (o *Orchestrator) truncate(s string) string {
	if o.maxResult <= 0 || len(s) <= o.maxResult {
		return s
	}
	cut := o.maxResult
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n[output truncated: %d bytes total]", len(s))
}
