package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/toolweave/internal/mcp"
)

// Format is the encoding of a configuration document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the decoder for path by its extension. Everything that is
// not ".toml" is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// ReservedNamespace is the namespace of in-process tools; no server may use it.
const ReservedNamespace = "builtin"

// KnownProviderNames lists provider names with a built-in factory.
// Used by [Validate] to warn about unrecognised provider names.
var KnownProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the configuration file at path, applies defaults and validates
// the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a config document from r, expanding ${VAR}
// references against the environment first, then applies defaults and
// validates the result.
func LoadFromReader(r io.Reader, format Format) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	doc := os.ExpandEnv(string(raw))

	cfg := &Config{}
	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(strings.NewReader(doc)).Decode(cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("config: decode toml: unknown keys: %s", strings.Join(keys, ", "))
		}
	default:
		dec := yaml.NewDecoder(strings.NewReader(doc))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults. Explicit values,
// including explicit zero limits where zero means "unlimited", are kept.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	for i := range cfg.MCP.Servers {
		if cfg.MCP.Servers[i].Timeout == 0 {
			cfg.MCP.Servers[i].Timeout = DefaultServerTimeout
		}
	}
	if cfg.Router.SoftLimit == 0 {
		cfg.Router.SoftLimit = DefaultSoftLimit
	}
	if cfg.Router.HardCap == 0 {
		cfg.Router.HardCap = DefaultHardCap
	}
	if cfg.Gateway.MaxAttempts == 0 {
		cfg.Gateway.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Budget.ReserveOutputTokens == 0 {
		cfg.Budget.ReserveOutputTokens = DefaultReserveOutputTokens
	}
	if cfg.Orchestrator.MaxRounds == 0 {
		cfg.Orchestrator.MaxRounds = DefaultMaxRounds
	}
	if cfg.Orchestrator.MaxParallelTools == 0 {
		cfg.Orchestrator.MaxParallelTools = DefaultMaxParallelTools
	}
	if cfg.Orchestrator.ToolTimeout == 0 {
		cfg.Orchestrator.ToolTimeout = DefaultToolTimeout
	}
	if cfg.Usage.Driver == "" {
		cfg.Usage.Driver = UsageSQLite
	}
	if cfg.Usage.Driver == UsageSQLite && cfg.Usage.DSN == "" {
		cfg.Usage.DSN = DefaultUsagePath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	serverIDs := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		switch {
		case srv.ID == "":
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		case strings.Contains(srv.ID, mcp.NamespaceSeparator):
			errs = append(errs, fmt.Errorf("%s.id %q must not contain %q", prefix, srv.ID, mcp.NamespaceSeparator))
		case srv.ID == ReservedNamespace:
			errs = append(errs, fmt.Errorf("%s.id %q is reserved for in-process tools", prefix, srv.ID))
		default:
			if prev, ok := serverIDs[srv.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of mcp.servers[%d]", prefix, srv.ID, prev))
			}
			serverIDs[srv.ID] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is http", prefix))
		}
		if srv.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must not be negative", prefix))
		}
	}

	if cfg.Router.SoftLimit < 0 {
		errs = append(errs, fmt.Errorf("router.soft_limit must not be negative"))
	}
	if cfg.Router.HardCap < 0 {
		errs = append(errs, fmt.Errorf("router.hard_cap must not be negative"))
	}
	for i, g := range cfg.Router.KeywordGroups {
		prefix := fmt.Sprintf("router.keyword_groups[%d]", i)
		if g.Namespace == "" {
			errs = append(errs, fmt.Errorf("%s.namespace is required", prefix))
		}
		if len(g.Terms) == 0 {
			errs = append(errs, fmt.Errorf("%s.terms must not be empty", prefix))
		}
	}

	labels := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		label := p.DisplayName()
		if prev, ok := labels[label]; ok {
			errs = append(errs, fmt.Errorf("%s: label %q is a duplicate of providers[%d]; set a distinct label", prefix, label, prev))
		}
		labels[label] = i
		validateProviderName(p.Name)
	}
	if len(cfg.Providers) == 0 {
		slog.Warn("no providers configured; orchestration requests will fail")
	}

	if cfg.Gateway.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("gateway.max_attempts must not be negative"))
	}
	if cfg.Gateway.BackoffBase < 0 || cfg.Gateway.BackoffMax < 0 {
		errs = append(errs, fmt.Errorf("gateway backoff durations must not be negative"))
	}
	if cfg.Gateway.BackoffMax > 0 && cfg.Gateway.BackoffBase > cfg.Gateway.BackoffMax {
		errs = append(errs, fmt.Errorf("gateway.backoff_base %s exceeds gateway.backoff_max %s", cfg.Gateway.BackoffBase, cfg.Gateway.BackoffMax))
	}

	if cfg.Budget.DailyTokens < 0 {
		errs = append(errs, fmt.Errorf("budget.daily_tokens must not be negative"))
	}
	if cfg.Budget.RequestTokens < 0 {
		errs = append(errs, fmt.Errorf("budget.request_tokens must not be negative"))
	}
	if cfg.Budget.ReserveOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("budget.reserve_output_tokens must not be negative"))
	}
	if _, err := cfg.Budget.Location(); err != nil {
		errs = append(errs, fmt.Errorf("budget.timezone %q: %w", cfg.Budget.Timezone, err))
	}

	if cfg.Orchestrator.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_rounds must not be negative"))
	}
	if cfg.Orchestrator.MaxParallelTools < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_parallel_tools must not be negative"))
	}
	if cfg.Orchestrator.ToolTimeout < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.tool_timeout must not be negative"))
	}

	if cfg.Usage.Driver != "" && !cfg.Usage.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("usage.driver %q is invalid; valid values: sqlite, postgres, none", cfg.Usage.Driver))
	}
	if cfg.Usage.Driver == UsagePostgres && cfg.Usage.DSN == "" {
		errs = append(errs, fmt.Errorf("usage.dsn is required when usage.driver is postgres"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name has no built-in factory.
func validateProviderName(name string) {
	if slices.Contains(KnownProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", KnownProviderNames,
	)
}
