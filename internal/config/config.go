// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for toolweave.
package config

import (
	"time"

	"github.com/MrWong99/toolweave/internal/mcp"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// UsageDriver selects the backend of the token-usage ledger.
type UsageDriver string

const (
	UsageNone     UsageDriver = "none"
	UsageSQLite   UsageDriver = "sqlite"
	UsagePostgres UsageDriver = "postgres"
)

// IsValid reports whether d is a recognised ledger driver.
func (d UsageDriver) IsValid() bool {
	switch d {
	case UsageNone, UsageSQLite, UsagePostgres:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultSoftLimit           = 30
	DefaultHardCap             = 100
	DefaultMaxAttempts         = 3
	DefaultMaxRounds           = 5
	DefaultMaxParallelTools    = 4
	DefaultToolTimeout         = 30 * time.Second
	DefaultServerTimeout       = 30 * time.Second
	DefaultReserveOutputTokens = 1024
	DefaultUsagePath           = "toolweave-usage.db"
)

// Config is the root configuration structure for toolweave.
// It is loaded from a YAML or TOML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	MCP          MCPConfig          `yaml:"mcp" toml:"mcp"`
	Router       RouterConfig       `yaml:"router" toml:"router"`
	Providers    []ProviderEntry    `yaml:"providers" toml:"providers"`
	Gateway      GatewayConfig      `yaml:"gateway" toml:"gateway"`
	Budget       BudgetConfig       `yaml:"budget" toml:"budget"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
	Usage        UsageConfig        `yaml:"usage" toml:"usage"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" toml:"log_level"`
}

// MCPConfig holds the list of tool servers to connect to.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers" toml:"servers"`
}

// MCPServerConfig describes how to connect to a single tool server.
type MCPServerConfig struct {
	// ID is the unique server identifier and the namespace of its tools.
	ID string `yaml:"id" toml:"id"`

	// Transport is "stdio" or "http".
	Transport mcp.Transport `yaml:"transport" toml:"transport"`

	// Command and Args start the server process for stdio transport.
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`

	// Env holds additional environment variables injected into the subprocess.
	Env map[string]string `yaml:"env" toml:"env"`

	// URL is the endpoint for http transport
	// (e.g., "https://mcp.example.com/mcp").
	URL string `yaml:"url" toml:"url"`

	// Headers are sent with every HTTP request, typically for credentials.
	Headers map[string]string `yaml:"headers" toml:"headers"`

	// Timeout bounds one request/response exchange.
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

// ServerConfig converts the entry into the form consumed by sessions.
func (s MCPServerConfig) ServerConfig() mcp.ServerConfig {
	return mcp.ServerConfig{
		ID:        s.ID,
		Transport: s.Transport,
		Command:   s.Command,
		Args:      s.Args,
		Env:       s.Env,
		URL:       s.URL,
		Headers:   s.Headers,
		Timeout:   s.Timeout,
	}
}

// ServerConfigs converts every configured tool server.
func (m MCPConfig) ServerConfigs() []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(m.Servers))
	for _, s := range m.Servers {
		out = append(out, s.ServerConfig())
	}
	return out
}

// RouterConfig controls per-turn tool selection.
type RouterConfig struct {
	// Core lists tools offered on every turn, either as full names
	// ("files.read") or as whole namespaces ("builtin").
	Core []string `yaml:"core" toml:"core"`

	// KeywordGroups map query terms to tool namespaces.
	KeywordGroups []KeywordGroup `yaml:"keyword_groups" toml:"keyword_groups"`

	// SoftLimit caps filler tools. Zero means the default.
	SoftLimit int `yaml:"soft_limit" toml:"soft_limit"`

	// HardCap caps the total number of tools offered. Zero means the default.
	HardCap int `yaml:"hard_cap" toml:"hard_cap"`
}

// KeywordGroup associates a namespace with the terms that select it.
type KeywordGroup struct {
	Namespace string   `yaml:"namespace" toml:"namespace"`
	Terms     []string `yaml:"terms" toml:"terms"`
}

// ProviderEntry configures one model provider. Entries are tried in order.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name" toml:"name"`

	// Label identifies the entry in logs, metrics and the usage ledger.
	// Defaults to Name; must be unique.
	Label string `yaml:"label" toml:"label"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model" toml:"model"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key" toml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url" toml:"base_url"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options" toml:"options"`
}

// DisplayName returns Label, or Name when no label is set.
func (p ProviderEntry) DisplayName() string {
	if p.Label != "" {
		return p.Label
	}
	return p.Name
}

// GatewayConfig tunes retries and circuit breaking in the provider gateway.
type GatewayConfig struct {
	// MaxAttempts is the number of tries per provider on rate limiting.
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`

	BackoffBase time.Duration `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max" toml:"backoff_max"`

	// BreakerFailures is the number of consecutive failures that open a
	// provider's circuit. Zero means the breaker default.
	BreakerFailures int `yaml:"breaker_failures" toml:"breaker_failures"`

	// BreakerReset is how long an open circuit waits before probing.
	BreakerReset time.Duration `yaml:"breaker_reset" toml:"breaker_reset"`
}

// BudgetConfig caps token consumption. Zero limits are unlimited.
type BudgetConfig struct {
	DailyTokens         int    `yaml:"daily_tokens" toml:"daily_tokens"`
	RequestTokens       int    `yaml:"request_tokens" toml:"request_tokens"`
	ReserveOutputTokens int    `yaml:"reserve_output_tokens" toml:"reserve_output_tokens"`
	Timezone            string `yaml:"timezone" toml:"timezone"`
}

// Location resolves Timezone. An empty timezone is UTC.
func (b BudgetConfig) Location() (*time.Location, error) {
	if b.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(b.Timezone)
}

// OrchestratorConfig bounds one orchestration request.
type OrchestratorConfig struct {
	MaxRounds        int           `yaml:"max_rounds" toml:"max_rounds"`
	MaxParallelTools int           `yaml:"max_parallel_tools" toml:"max_parallel_tools"`
	ToolTimeout      time.Duration `yaml:"tool_timeout" toml:"tool_timeout"`
	SystemPrompt     string        `yaml:"system_prompt" toml:"system_prompt"`
}

// UsageConfig selects the token-usage ledger.
type UsageConfig struct {
	// Driver is "sqlite" (default), "postgres" or "none".
	Driver UsageDriver `yaml:"driver" toml:"driver"`

	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn" toml:"dsn"`
}
