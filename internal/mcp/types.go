// Package mcp holds the types shared by the tool-server side of toolweave:
// server configuration, tool descriptors, session states and the error
// taxonomy reported by connectors, sessions and the catalog.
//
// The concrete pieces live in sub-packages:
//
//   - [transport]: one live connection to one tool server (stdio or HTTP).
//   - [session]: request/response correlation and the initialize handshake.
//   - [catalog]: the aggregated, namespaced set of tools across all sessions.
//   - [router]: per-turn selection of a bounded tool subset.
package mcp

import (
	"encoding/json"
	"strings"
	"time"
)

// Transport selects the connection mechanism for a tool server.
type Transport string

const (
	// TransportStdio spawns a subprocess and exchanges newline-delimited JSON
	// over its stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportHTTP POSTs each message to an endpoint which answers with either
	// a JSON body or a Server-Sent-Events stream.
	TransportHTTP Transport = "http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportHTTP
}

// ServerConfig describes how to reach a single tool server. One ServerConfig
// maps to exactly one session at a time.
type ServerConfig struct {
	// ID is the unique server identifier. It becomes the namespace of every
	// tool the server publishes.
	ID string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command and Args start the server process when Transport is stdio.
	Command string
	Args    []string

	// Env holds additional environment variables for the server process.
	Env map[string]string

	// URL is the endpoint used when Transport is http.
	URL string

	// Headers are sent with every HTTP request. Credentials are opaque here.
	Headers map[string]string

	// Timeout bounds a single request/response exchange. Zero means the
	// session default.
	Timeout time.Duration
}

// NamespaceSeparator joins a server ID and a raw tool name.
const NamespaceSeparator = "."

// ToolDescriptor is one tool as published in the catalog. Descriptors are
// immutable once published and are replaced wholesale on session refresh.
type ToolDescriptor struct {
	// Name is the namespaced name, "<server-id>.<tool-name>".
	Name string

	// Description is free text used for relevance matching.
	Description string

	// InputSchema is the JSON Schema of the tool's parameters.
	InputSchema json.RawMessage

	// Session is the ID of the owning session (the server ID).
	Session string

	// Core marks a tool that is always presented to the provider.
	Core bool
}

// Namespace returns the server part of the descriptor name.
func (d ToolDescriptor) Namespace() string {
	ns, _ := SplitName(d.Name)
	return ns
}

// RawName returns the tool name as published by its server.
func (d ToolDescriptor) RawName() string {
	_, raw := SplitName(d.Name)
	return raw
}

// QualifiedName builds the namespaced catalog name for a raw tool name.
func QualifiedName(serverID, tool string) string {
	return serverID + NamespaceSeparator + tool
}

// SplitName splits a namespaced name at the first separator. Raw tool names
// may themselves contain dots; server IDs may not.
func SplitName(name string) (namespace, tool string) {
	ns, raw, ok := strings.Cut(name, NamespaceSeparator)
	if !ok {
		return "", name
	}
	return ns, raw
}

// State is the lifecycle state of a session.
type State int

const (
	// StateUnopened is the state before the transport has been opened.
	StateUnopened State = iota

	// StateInitializing is entered while the initialize handshake runs.
	StateInitializing

	// StateReady is the only state in which tools can be listed or called.
	StateReady

	// StateDisconnected is entered when the transport is lost. Sessions never
	// leave this state on their own; reconnecting creates a new session.
	StateDisconnected

	// StateClosed is entered after an explicit Close.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ToolResult holds the outcome of a successful tool execution.
type ToolResult struct {
	// Content is the tool's textual output, ready for insertion into a
	// conversation.
	Content string

	// Duration is the wall-clock time of the call.
	Duration time.Duration
}
