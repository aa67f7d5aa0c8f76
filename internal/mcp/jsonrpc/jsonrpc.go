// Package jsonrpc implements the JSON-RPC 2.0 envelope spoken with tool
// servers. Request IDs are integers assigned by the session.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/MrWong99/toolweave/internal/mcp"
)

// Version is the JSON-RPC protocol version tag.
const Version = "2.0"

// Method names used by toolweave.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is an outbound request or notification. Notifications have a nil ID.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is the error member of a response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is any inbound message: a response, a server notification or a
// server-initiated request. Fields that are absent on the wire stay empty.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsResponse reports whether m carries a result or an error.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (len(m.Result) > 0 || m.Error != nil)
}

// IntID returns the message ID as an integer. String IDs holding a number
// are accepted because some servers echo IDs as strings.
func (m *Message) IntID() (int64, bool) {
	return parseID(m.ID)
}

// EncodeRequest marshals a request with the given ID.
func EncodeRequest(id int64, method string, params any) ([]byte, error) {
	return json.Marshal(Request{JSONRPC: Version, ID: &id, Method: method, Params: params})
}

// EncodeNotification marshals a notification (a request without ID).
func EncodeNotification(method string, params any) ([]byte, error) {
	return json.Marshal(Request{JSONRPC: Version, Method: method, Params: params})
}

// Decode parses a single inbound message. Anything that is not a JSON object
// is reported as [mcp.ErrProtocol].
func Decode(data []byte) (*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: message is not a JSON object", mcp.ErrProtocol)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", mcp.ErrProtocol, err)
	}
	return &m, nil
}

// PeekID extracts the request ID from an encoded outbound message without
// decoding the params. It reports false for notifications.
func PeekID(data []byte) (int64, bool) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, false
	}
	return parseID(probe.ID)
}

func parseID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
