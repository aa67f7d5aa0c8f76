package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/toolweave/internal/gateway"
	"github.com/MrWong99/toolweave/internal/mcp/catalog"
	"github.com/MrWong99/toolweave/internal/observe"
	"github.com/MrWong99/toolweave/internal/orchestrator"
	"github.com/MrWong99/toolweave/pkg/provider/llm"
)

// maxRequestBody bounds the body of an orchestration request.
const maxRequestBody = 1 << 20

const defaultSearchLimit = 20

// OrchestrateRequest is the body of POST /v1/orchestrate.
type OrchestrateRequest struct {
	Message string        `json:"message"`
	History []llm.Message `json:"history,omitempty"`
}

// OrchestrateResponse is the reply of POST /v1/orchestrate.
type OrchestrateResponse struct {
	RequestID string                        `json:"request_id"`
	Answer    string                        `json:"answer"`
	Rounds    int                           `json:"rounds"`
	Degraded  bool                          `json:"degraded"`
	Warning   string                        `json:"warning,omitempty"`
	Provider  string                        `json:"provider"`
	Routing   orchestrator.RoutingSummary   `json:"routing"`
	ToolCalls []orchestrator.ToolCallRecord `json:"tool_calls,omitempty"`
	Usage     gateway.RequestUsage          `json:"usage"`
	Messages  []llm.Message                 `json:"messages"`
}

// ToolInfo is one entry of GET /v1/tools.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Core        bool            `json:"core"`

	Calls     int     `json:"calls"`
	ErrorRate float64 `json:"error_rate"`
	P50Millis int64   `json:"p50_ms"`
	P99Millis int64   `json:"p99_ms"`
}

// ServerInfo is one entry of GET /v1/servers.
type ServerInfo struct {
	ID         string `json:"id"`
	Transport  string `json:"transport"`
	State      string `json:"state"`
	Tools      int    `json:"tools"`
	ServerName string `json:"server_name,omitempty"`
	Error      string `json:"error,omitempty"`
}

// StatusResponse is the reply of GET /v1/status.
type StatusResponse struct {
	Providers []gateway.ProviderStatus `json:"providers"`
	Budget    gateway.BudgetSnapshot   `json:"budget"`
	Tools     int                      `json:"tools"`
	Exported  int                      `json:"exported"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// Handler returns the HTTP API:
//
//	POST /v1/orchestrate                  run one request
//	GET  /v1/tools?q=&limit=              list or search the catalog
//	GET  /v1/servers                      tool server states
//	POST /v1/servers/{id}/reconnect       reload one server
//	GET  /v1/status                       providers and budget
//	GET  /healthz, /readyz                probes
//	GET  /metrics                         Prometheus scrape, when configured
//	     /mcp                             the catalog as a streamable MCP server
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/orchestrate", a.handleOrchestrate)
	mux.HandleFunc("GET /v1/tools", a.handleTools)
	mux.HandleFunc("GET /v1/servers", a.handleServers)
	mux.HandleFunc("POST /v1/servers/{id}/reconnect", a.handleReconnect)
	mux.HandleFunc("GET /v1/status", a.handleStatus)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	mux.Handle("/mcp", a.exporter.HTTPHandler())
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req OrchestrateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ans, err := a.orch.Orchestrate(ctx, req.Message, req.History)
	if err != nil {
		status := orchestrateStatus(err)
		log := observe.Logger(ctx)
		if status >= http.StatusInternalServerError {
			log.Error("orchestration failed", "err", err)
		} else {
			log.Info("orchestration rejected", "status", status, "err", err)
		}
		var be *gateway.BudgetError
		if errors.As(err, &be) && be.Scope == gateway.ScopeDaily {
			w.Header().Set("Retry-After", strconv.Itoa(a.untilBudgetReset()))
		}
		writeError(w, r, status, err.Error())
		return
	}

	resp := OrchestrateResponse{
		RequestID: ans.RequestID,
		Answer:    ans.Content,
		Rounds:    ans.Rounds,
		Degraded:  ans.Degraded(),
		Provider:  ans.Provider,
		Routing:   ans.Routing,
		ToolCalls: ans.ToolCalls,
		Usage:     ans.Usage,
		Messages:  ans.Messages,
	}
	if ans.Warning != nil {
		resp.Warning = ans.Warning.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// orchestrateStatus maps request failures onto HTTP status codes.
func orchestrateStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrAllProvidersFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (a *App) handleTools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := defaultSearchLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	tools := a.catalog.All()
	if q != "" {
		tools = a.catalog.Search(q, limit)
	}

	stats := make(map[string]catalog.ToolStats)
	for _, s := range a.catalog.Stats() {
		stats[s.Name] = s
	}

	out := make([]ToolInfo, 0, len(tools))
	for _, t := range tools {
		s := stats[t.Name]
		out = append(out, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Core:        t.Core,
			Calls:       s.Calls,
			ErrorRate:   s.ErrorRate,
			P50Millis:   s.P50.Milliseconds(),
			P99Millis:   s.P99.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.serverInfos())
}

func (a *App) serverInfos() []ServerInfo {
	statuses := a.catalog.Servers()
	out := make([]ServerInfo, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, ServerInfo{
			ID:         st.ID,
			Transport:  string(st.Transport),
			State:      st.State.String(),
			Tools:      st.Tools,
			ServerName: st.ServerName,
			Error:      st.Err,
		})
	}
	return out
}

func (a *App) handleReconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.catalog.Reconnect(r.Context(), id)
	if errors.Is(err, catalog.ErrUnknownServer) {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	a.exporter.Sync()
	if err != nil {
		observe.Logger(r.Context()).Warn("reconnect failed", "server", id, "err", err)
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	for _, info := range a.serverInfos() {
		if info.ID == id {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeError(w, r, http.StatusNotFound, "server removed during reconnect")
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Providers: a.gateway.Providers(),
		Budget:    a.gateway.Budget().Snapshot(),
		Tools:     len(a.catalog.All()),
		Exported:  a.exporter.Published(),
	})
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: observe.RequestID(r.Context())})
}

// untilBudgetReset returns the whole seconds until the budget day rolls over.
func (a *App) untilBudgetReset() int {
	day := a.gateway.Budget().Snapshot().Day
	secs := int(day.AddDate(0, 0, 1).Sub(a.now()) / time.Second)
	return max(secs, 1)
}
