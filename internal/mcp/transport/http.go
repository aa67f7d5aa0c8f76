package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"

	"github.com/MrWong99/toolweave/internal/mcp"
	"github.com/MrWong99/toolweave/internal/mcp/jsonrpc"
)

const (
	// acceptHeader lets the server choose between a JSON body and an event
	// stream.
	acceptHeader = "application/json, text/event-stream"

	// sessionHeader carries the server-assigned session ID of the streamable
	// HTTP protocol.
	sessionHeader = "Mcp-Session-Id"
)

// HTTP is a [Connector] that POSTs each message to an endpoint. The reply to
// a request is parsed synchronously inside Send and queued for Receive.
type HTTP struct {
	server  string
	url     string
	headers map[string]string
	client  *http.Client

	inbox chan []byte

	mu        sync.Mutex
	sessionID string

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Connector = (*HTTP)(nil)

func newHTTP(cfg mcp.ServerConfig, client *http.Client) (*HTTP, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: server %q: invalid url %q", mcp.ErrConnectFailed, cfg.ID, cfg.URL)
	}
	return &HTTP{
		server:  cfg.ID,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  client,
		inbox:   make(chan []byte, inboxSize),
		closed:  make(chan struct{}),
	}, nil
}

// Send POSTs msg and, for requests, queues the matching response. Replies of
// 202 Accepted or 204 No Content queue nothing.
func (h *HTTP) Send(ctx context.Context, msg []byte) error {
	select {
	case <-h.closed:
		return fmt.Errorf("%w: server %q closed", mcp.ErrTransportClosed, h.server)
	default:
	}

	id, isRequest := jsonrpc.PeekID(msg)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("%w: server %q: build request: %v", mcp.ErrProtocol, h.server, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", acceptHeader)
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	if sid := h.session(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctxErr(ctx)
		}
		return fmt.Errorf("%w: server %q: %v", mcp.ErrTransportClosed, h.server, err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		h.setSession(sid)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusNotFound && h.session() != "":
		// The server forgot our session; a new handshake is required.
		return fmt.Errorf("%w: server %q: session expired", mcp.ErrTransportClosed, h.server)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: server %q: http status %d: %s", mcp.ErrProtocol, h.server, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if !isRequest {
		return nil
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("%w: server %q: content type: %v", mcp.ErrProtocol, h.server, err)
	}

	var body []byte
	switch mediaType {
	case "application/json":
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxMessageSize+1))
		if err != nil {
			return h.readErr(ctx, err)
		}
		if len(body) > maxMessageSize {
			return fmt.Errorf("%w: server %q: response body exceeds %d bytes", mcp.ErrProtocol, h.server, maxMessageSize)
		}
		if _, err := jsonrpc.Decode(body); err != nil {
			return fmt.Errorf("server %q: %w", h.server, err)
		}
	case "text/event-stream":
		body, err = lastResponse(resp.Body, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctxErr(ctx)
			}
			return fmt.Errorf("server %q: %w", h.server, err)
		}
	default:
		return fmt.Errorf("%w: server %q: unsupported content type %q", mcp.ErrProtocol, h.server, mediaType)
	}

	select {
	case h.inbox <- body:
		return nil
	case <-h.closed:
		return fmt.Errorf("%w: server %q closed", mcp.ErrTransportClosed, h.server)
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

// Receive returns the next queued response.
func (h *HTTP) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-h.inbox:
		return msg, nil
	case <-h.closed:
		return nil, fmt.Errorf("%w: server %q closed", mcp.ErrTransportClosed, h.server)
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

// Close marks the connector closed. In-flight Sends finish on their own
// contexts.
func (h *HTTP) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.client.CloseIdleConnections()
	})
	return nil
}

func (h *HTTP) session() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

func (h *HTTP) setSession(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = id
}

func (h *HTTP) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctxErr(ctx)
	}
	return fmt.Errorf("%w: server %q: read body: %v", mcp.ErrProtocol, h.server, err)
}
