package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectFailed is returned when a transport cannot be opened.
	ErrConnectFailed = errors.New("mcp: connect failed")

	// ErrNotInitialized is returned by tool operations on a session that has
	// not completed its initialize handshake.
	ErrNotInitialized = errors.New("mcp: session not initialized")

	// ErrSessionDown is returned by tool operations on a session whose
	// transport was lost or which was closed.
	ErrSessionDown = errors.New("mcp: session down")

	// ErrTimeout is returned when a response does not arrive in time. The
	// request may still be in flight on the server.
	ErrTimeout = errors.New("mcp: timeout")

	// ErrProtocol is returned for malformed or unexpected messages.
	ErrProtocol = errors.New("mcp: protocol error")

	// ErrTransportClosed is returned by connectors once the underlying
	// process or connection is gone.
	ErrTransportClosed = errors.New("mcp: transport closed")

	// ErrToolNotFound is returned when a tool name is not in the catalog.
	ErrToolNotFound = errors.New("mcp: tool not found")
)

// ToolError reports that a tool executed but signalled failure, either via a
// JSON-RPC error response or a result with isError set.
type ToolError struct {
	// Tool is the namespaced tool name.
	Tool string

	// Code is the JSON-RPC error code, zero when the tool reported isError.
	Code int

	// Message is the error text returned by the server.
	Message string
}

// Error implements error.
func (e *ToolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tool %s failed (code %d): %s", e.Tool, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}
