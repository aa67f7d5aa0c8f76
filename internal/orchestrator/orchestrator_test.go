package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/toolweave/internal/gateway"
	"github.com/MrWong99/toolweave/internal/mcp"
	mcpmock "github.com/MrWong99/toolweave/internal/mcp/mock"
	"github.com/MrWong99/toolweave/internal/mcp/router"
	"github.com/MrWong99/toolweave/internal/observe"
	"github.com/MrWong99/toolweave/internal/orchestrator"
	"github.com/MrWong99/toolweave/internal/resilience"
	"github.com/MrWong99/toolweave/pkg/provider/llm"
	llmmock "github.com/MrWong99/toolweave/pkg/provider/llm/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type staticSource []mcp.ToolDescriptor

func (s staticSource) All() []mcp.ToolDescriptor { return s }

var testTools = staticSource{
	{Name: "builtin.current_time", Description: "Current time", Session: "builtin", Core: true},
	{Name: "calendar.create_event", Description: "Create an event", Session: "calendar",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}}}`)},
	{Name: "gmail.send", Description: "Send an email", Session: "gmail"},
	{Name: "slow.op", Description: "Takes forever", Session: "slow"},
}

type fixture struct {
	provider *llmmock.Provider
	caller   *mcpmock.Caller
	gateway  *gateway.Gateway
	orch     *orchestrator.Orchestrator
}

func newFixture(t *testing.T, src staticSource, gwOpts []gateway.Option, opts ...orchestrator.Option) *fixture {
	t.Helper()
	f := &fixture{
		provider: &llmmock.Provider{},
		caller:   &mcpmock.Caller{Results: map[string]*mcp.ToolResult{}, Errs: map[string]error{}},
	}
	f.gateway = gateway.New(append([]gateway.Option{
		gateway.WithBackoff(resilience.Backoff{Base: time.Millisecond, Max: time.Millisecond}),
	}, gwOpts...)...)
	f.gateway.Add("mock", f.provider)
	f.orch = orchestrator.New(router.New(src), f.gateway, f.caller, opts...)
	return f
}

func text(s string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: s, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}}
}

func toolUse(content string, calls ...llm.ToolCall) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: content, ToolCalls: calls, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

// toolMessages returns the tool-role messages the provider saw in request n.
func toolMessages(t *testing.T, p *llmmock.Provider, n int) []llm.Message {
	t.Helper()
	if len(p.CompleteCalls) <= n {
		t.Fatalf("provider saw %d requests, want > %d", len(p.CompleteCalls), n)
	}
	var out []llm.Message
	for _, m := range p.CompleteCalls[n].Req.Messages {
		if m.Role == llm.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestOrchestrate_FinalAnswer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil, orchestrator.WithSystemPrompt("be helpful"))
	f.provider.CompleteResponse = text("Hello!")

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hey"},
	}
	ans, err := f.orch.Orchestrate(context.Background(), "how are you?", history)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if ans.Content != "Hello!" || ans.Rounds != 1 || ans.Degraded() || ans.Provider != "mock" {
		t.Errorf("answer = %+v", ans)
	}
	if ans.RequestID == "" {
		t.Error("RequestID is empty")
	}
	if len(ans.Messages) != 2 || ans.Messages[0].Content != "how are you?" || ans.Messages[1].Role != llm.RoleAssistant {
		t.Errorf("Messages = %+v", ans.Messages)
	}
	if len(history) != 2 {
		t.Errorf("history modified: %+v", history)
	}
	if ans.Usage.Tokens != 15 {
		t.Errorf("Usage = %+v, want 15 tokens", ans.Usage)
	}

	req, _ := f.provider.LastRequest()
	if req.SystemPrompt != "be helpful" || len(req.Messages) != 3 {
		t.Errorf("request = %+v", req)
	}
	// Only the core tool plus filler reach the provider; names are wire-safe.
	if ans.Routing.Core != 1 || ans.Routing.Filler != 3 {
		t.Errorf("Routing = %+v", ans.Routing)
	}
	for _, d := range req.Tools {
		if strings.Contains(d.Name, ".") {
			t.Errorf("tool name %q is not wire-safe", d.Name)
		}
	}
}

func TestOrchestrate_ToolRound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil)
	f.provider.Responses = []*llm.CompletionResponse{
		toolUse("Let me check.",
			call("c1", "calendar_create_event", `{"title":"standup"}`),
			call("c2", "builtin_current_time", ""),
		),
		text("Done, standup created."),
	}
	f.caller.Results["calendar.create_event"] = &mcp.ToolResult{Content: "event 42 created"}
	f.caller.Results["builtin.current_time"] = &mcp.ToolResult{Content: "2026-03-01T12:00:00Z"}

	ans, err := f.orch.Orchestrate(context.Background(), "create a standup in my calendar", nil)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if ans.Content != "Done, standup created." || ans.Rounds != 2 {
		t.Errorf("answer = %+v", ans)
	}

	calls := f.caller.Calls()
	if len(calls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(calls))
	}
	for _, c := range calls {
		if c.Args[0] == "builtin.current_time" && c.Args[1] != "{}" {
			t.Errorf("empty arguments sent as %q, want {}", c.Args[1])
		}
	}

	msgs := toolMessages(t, f.provider, 1)
	if len(msgs) != 2 {
		t.Fatalf("tool results = %d, want 2", len(msgs))
	}
	if msgs[0].ToolCallID != "c1" || msgs[0].Content != "event 42 created" {
		t.Errorf("first result = %+v", msgs[0])
	}
	if msgs[1].ToolCallID != "c2" || msgs[1].Content != "2026-03-01T12:00:00Z" {
		t.Errorf("second result = %+v", msgs[1])
	}

	// user, assistant(tool calls), 2 tool results, final assistant.
	if len(ans.Messages) != 5 {
		t.Errorf("len(Messages) = %d, want 5", len(ans.Messages))
	}
	if len(ans.ToolCalls) != 2 || ans.ToolCalls[0].Tool != "calendar.create_event" || ans.ToolCalls[0].Status != orchestrator.CallOK {
		t.Errorf("ToolCalls = %+v", ans.ToolCalls)
	}
	if ans.Usage.Completions != 2 || ans.Usage.Tokens != 30 {
		t.Errorf("Usage = %+v", ans.Usage)
	}
}

func TestOrchestrate_ResultsFollowRequestOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil, orchestrator.WithMaxParallel(3))
	f.provider.Responses = []*llm.CompletionResponse{
		toolUse("", call("a", "gmail_send", "{}"), call("b", "calendar_create_event", "{}"), call("c", "builtin_current_time", "{}")),
		text("ok"),
	}
	f.caller.Results["gmail.send"] = &mcp.ToolResult{Content: "sent"}
	f.caller.Results["calendar.create_event"] = &mcp.ToolResult{Content: "created"}
	f.caller.Results["builtin.current_time"] = &mcp.ToolResult{Content: "now"}

	var inFlight, peak atomic.Int32
	f.caller.Hook = func(_ context.Context, name string) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		// The first requested call finishes last.
		switch name {
		case "gmail.send":
			time.Sleep(40 * time.Millisecond)
		case "calendar.create_event":
			time.Sleep(20 * time.Millisecond)
		}
	}

	if _, err := f.orch.Orchestrate(context.Background(), "go", nil); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	msgs := toolMessages(t, f.provider, 1)
	var got []string
	for _, m := range msgs {
		got = append(got, m.ToolCallID+"="+m.Content)
	}
	if want := "a=sent b=created c=now"; strings.Join(got, " ") != want {
		t.Errorf("results = %v, want %s", got, want)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want calls to overlap", peak.Load())
	}
}

func TestOrchestrate_MaxParallel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil, orchestrator.WithMaxParallel(1))
	calls := make([]llm.ToolCall, 4)
	for i := range calls {
		calls[i] = call(fmt.Sprint(i), "gmail_send", "{}")
	}
	f.provider.Responses = []*llm.CompletionResponse{toolUse("", calls...), text("ok")}
	f.caller.Results["gmail.send"] = &mcp.ToolResult{Content: "sent"}

	var inFlight, peak atomic.Int32
	f.caller.Hook = func(context.Context, string) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if _, err := f.orch.Orchestrate(context.Background(), "go", nil); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestOrchestrate_RoundLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil, orchestrator.WithMaxRounds(3))
	f.provider.CompleteResponse = toolUse("still working", call("x", "builtin_current_time", "{}"))
	f.caller.Results["builtin.current_time"] = &mcp.ToolResult{Content: "now"}

	ans, err := f.orch.Orchestrate(context.Background(), "loop forever", nil)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if got := f.provider.CallCount(); got != 3 {
		t.Errorf("provider calls = %d, want 3", got)
	}
	if !ans.Degraded() || !errors.Is(ans.Warning, orchestrator.ErrRoundLimitExceeded) {
		t.Errorf("Warning = %v, want ErrRoundLimitExceeded", ans.Warning)
	}
	if ans.Content != "still working" || ans.Rounds != 3 {
		t.Errorf("answer = %+v", ans)
	}
	// Every tool call in the returned conversation has its result.
	last := ans.Messages[len(ans.Messages)-1]
	if last.Role != llm.RoleTool {
		t.Errorf("last message role = %q, want tool", last.Role)
	}
}

func TestOrchestrate_RecoverableToolFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil, orchestrator.WithToolTimeout(20*time.Millisecond))
	f.provider.Responses = []*llm.CompletionResponse{
		toolUse("",
			call("1", "gmail_send", `{"to":"bob"}`),
			call("2", "slow_op", "{}"),
			call("3", "weather_forecast", "{}"),
			call("4", "calendar_create_event", `{"title":`),
			call("5", "builtin_current_time", "{}"),
		),
		text("Sorry, some tools failed."),
	}
	f.caller.Errs["gmail.send"] = &mcp.ToolError{Tool: "gmail.send", Message: "quota exceeded"}
	f.caller.Errs["slow.op"] = context.DeadlineExceeded
	f.caller.Results["builtin.current_time"] = &mcp.ToolResult{Content: "now"}
	f.caller.Hook = func(ctx context.Context, name string) {
		if name == "slow.op" {
			<-ctx.Done()
		}
	}

	ans, err := f.orch.Orchestrate(context.Background(), "do things", nil)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if ans.Content != "Sorry, some tools failed." {
		t.Errorf("Content = %q", ans.Content)
	}

	msgs := toolMessages(t, f.provider, 1)
	if len(msgs) != 5 {
		t.Fatalf("tool results = %d, want 5", len(msgs))
	}
	wantPrefix := []string{
		"error: quota exceeded",
		"error: slow_op timed out",
		"error: unknown tool weather_forecast",
		"error: arguments for calendar_create_event are not valid JSON",
		"now",
	}
	for i, m := range msgs {
		if !strings.HasPrefix(m.Content, wantPrefix[i]) {
			t.Errorf("result %d = %q, want prefix %q", i, m.Content, wantPrefix[i])
		}
	}

	wantStatus := []string{
		orchestrator.CallToolError,
		orchestrator.CallTimeout,
		orchestrator.CallUnknown,
		orchestrator.CallBadArgs,
		orchestrator.CallOK,
	}
	for i, rec := range ans.ToolCalls {
		if rec.Status != wantStatus[i] {
			t.Errorf("ToolCalls[%d].Status = %q, want %q", i, rec.Status, wantStatus[i])
		}
	}
	if f.caller.CallCount("calendar.create_event") != 0 {
		t.Error("tool with invalid JSON arguments was called")
	}
}

func TestOrchestrate_SessionDownFailsRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil)
	f.provider.Responses = []*llm.CompletionResponse{
		toolUse("", call("1", "gmail_send", "{}"), call("2", "builtin_current_time", "{}")),
		text("never"),
	}
	f.caller.Errs["gmail.send"] = fmt.Errorf("session: call %q: %w", "send", mcp.ErrSessionDown)
	f.caller.Results["builtin.current_time"] = &mcp.ToolResult{Content: "now"}

	ans, err := f.orch.Orchestrate(context.Background(), "send it", nil)
	if !errors.Is(err, mcp.ErrSessionDown) {
		t.Fatalf("err = %v, want ErrSessionDown", err)
	}
	if ans != nil {
		t.Errorf("answer = %+v, want nil", ans)
	}
	if f.caller.CallCount("builtin.current_time") != 1 {
		t.Error("other calls of the round did not run")
	}
	if f.provider.CallCount() != 1 {
		t.Errorf("provider calls = %d, want 1", f.provider.CallCount())
	}
}

func TestOrchestrate_BudgetExceeded(t *testing.T) {
	t.Parallel()

	budget := gateway.NewBudgetState(gateway.BudgetConfig{DailyTokens: 1})
	f := newFixture(t, testTools, []gateway.Option{gateway.WithBudget(budget)})
	f.provider.CompleteResponse = text("never")

	_, err := f.orch.Orchestrate(context.Background(), "hello", nil)
	if !errors.Is(err, gateway.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
	if f.provider.CallCount() != 0 {
		t.Errorf("provider calls = %d, want 0", f.provider.CallCount())
	}
}

func TestOrchestrate_BudgetExceededMidRequest(t *testing.T) {
	t.Parallel()

	// The first round consumes most of the per-request budget.
	budget := gateway.NewBudgetState(gateway.BudgetConfig{RequestTokens: 100})
	f := newFixture(t, testTools[:1], []gateway.Option{gateway.WithBudget(budget)})
	f.provider.TokenCount = 20
	f.provider.Responses = []*llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{call("1", "builtin_current_time", "{}")}, Usage: llm.Usage{TotalTokens: 90}},
		text("never"),
	}
	f.caller.Results["builtin.current_time"] = &mcp.ToolResult{Content: "now"}

	_, err := f.orch.Orchestrate(context.Background(), "hello", nil)
	var be *gateway.BudgetError
	if !errors.As(err, &be) || be.Scope != gateway.ScopeRequest {
		t.Fatalf("err = %v, want per-request budget error", err)
	}
	if f.provider.CallCount() != 1 {
		t.Errorf("provider calls = %d, want 1", f.provider.CallCount())
	}
}

func TestOrchestrate_AllProvidersFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil)
	f.provider.CompleteErr = errors.New("503 unavailable")

	_, err := f.orch.Orchestrate(context.Background(), "hello", nil)
	if !errors.Is(err, gateway.ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want ErrAllProvidersFailed", err)
	}
}

func TestOrchestrate_NoTools(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	f.provider.CompleteResponse = text("plain answer")

	ans, err := f.orch.Orchestrate(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	req, _ := f.provider.LastRequest()
	if len(req.Tools) != 0 {
		t.Errorf("Tools = %v, want none", req.Tools)
	}
	if ans.Content != "plain answer" {
		t.Errorf("Content = %q", ans.Content)
	}
}

func TestOrchestrate_SkipsToolWithBadSchema(t *testing.T) {
	t.Parallel()

	src := staticSource{
		{Name: "a.good", Session: "a"},
		{Name: "a.bad", Session: "a", InputSchema: json.RawMessage(`["not","an","object"]`)},
	}
	f := newFixture(t, src, nil)
	f.provider.CompleteResponse = text("ok")

	if _, err := f.orch.Orchestrate(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	req, _ := f.provider.LastRequest()
	if len(req.Tools) != 1 || req.Tools[0].Name != "a_good" {
		t.Errorf("Tools = %+v, want only a_good", req.Tools)
	}
}

func TestOrchestrate_EmptyMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil)
	if _, err := f.orch.Orchestrate(context.Background(), "   ", nil); !errors.Is(err, orchestrator.ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	if f.provider.CallCount() != 0 {
		t.Error("provider called for an empty message")
	}
}

func TestOrchestrate_Cancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil)
	f.provider.Responses = []*llm.CompletionResponse{
		toolUse("", call("1", "slow_op", "{}")),
		text("never"),
	}
	f.caller.Errs["slow.op"] = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	f.caller.Hook = func(context.Context, string) { cancel() }

	_, err := f.orch.Orchestrate(ctx, "go", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if f.provider.CallCount() != 1 {
		t.Errorf("provider calls = %d, want 1", f.provider.CallCount())
	}
}

func TestOrchestrate_TruncatesLongResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil, orchestrator.WithMaxResultBytes(8))
	f.provider.Responses = []*llm.CompletionResponse{
		toolUse("", call("1", "gmail_send", "{}")),
		text("ok"),
	}
	f.caller.Results["gmail.send"] = &mcp.ToolResult{Content: strings.Repeat("x", 100)}

	if _, err := f.orch.Orchestrate(context.Background(), "go", nil); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	msgs := toolMessages(t, f.provider, 1)
	if want := "xxxxxxxx\n[output truncated: 100 bytes total]"; msgs[0].Content != want {
		t.Errorf("result = %q, want %q", msgs[0].Content, want)
	}
}

func TestOrchestrate_TruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil, orchestrator.WithMaxResultBytes(8))
	f.provider.Responses = []*llm.CompletionResponse{
		toolUse("", call("1", "gmail_send", "{}")),
		text("ok"),
	}
	// The 8th byte falls inside the first euro sign.
	f.caller.Results["gmail.send"] = &mcp.ToolResult{Content: "aaaaaaa€€"}

	if _, err := f.orch.Orchestrate(context.Background(), "go", nil); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	got := toolMessages(t, f.provider, 1)[0].Content
	if want := "aaaaaaa\n[output truncated: 13 bytes total]"; got != want {
		t.Errorf("result = %q, want %q", got, want)
	}
	if !utf8.ValidString(got) {
		t.Errorf("result %q is not valid UTF-8", got)
	}
}

func TestOrchestrate_KeepsRequestID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testTools, nil)
	f.provider.CompleteResponse = text("ok")

	ctx := observe.WithRequestID(context.Background(), "req-7")
	ans, err := f.orch.Orchestrate(ctx, "hello", nil)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if ans.RequestID != "req-7" {
		t.Errorf("RequestID = %q, want req-7", ans.RequestID)
	}
}

func TestOrchestrate_Metrics(t *testing.T) {
	t.Parallel()

	reader := metric.NewManualReader()
	m, err := observe.NewMetrics(metric.NewMeterProvider(metric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := newFixture(t, testTools, nil, orchestrator.WithMetrics(m), orchestrator.WithMaxRounds(1))
	f.provider.Responses = []*llm.CompletionResponse{text("ok"), toolUse("hmm", call("1", "builtin_current_time", "{}"))}
	f.caller.Results["builtin.current_time"] = &mcp.ToolResult{Content: "now"}

	for range 2 {
		if _, err := f.orch.Orchestrate(context.Background(), "hello", nil); err != nil {
			t.Fatalf("Orchestrate: %v", err)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	byStatus := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "toolweave.orchestrations" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				status, _ := dp.Attributes.Value("status")
				byStatus[status.AsString()] += dp.Value
			}
		}
	}
	if byStatus[observe.StatusOK] != 1 || byStatus[observe.StatusDegraded] != 1 {
		t.Errorf("orchestrations by status = %v, want ok=1 degraded=1", byStatus)
	}
}
