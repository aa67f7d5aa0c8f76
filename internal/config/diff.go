package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RouterChanged is true when core entries, keyword groups or limits differ.
	RouterChanged bool

	// BudgetChanged is true when any budget cap differs.
	BudgetChanged bool

	// ServersChanged is true when any tool server was added, removed or edited.
	ServersChanged bool
	ServerChanges  []ServerDiff

	// RestartRequired names the sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// ServerDiff describes what changed for a single tool server.
type ServerDiff struct {
	ID      string
	Added   bool
	Removed bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RouterChanged && !d.BudgetChanged && !d.ServersChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.RouterChanged = !routerEqual(old.Router, new.Router)
	d.BudgetChanged = old.Budget != new.Budget

	oldServers := make(map[string]*MCPServerConfig, len(old.MCP.Servers))
	for i := range old.MCP.Servers {
		oldServers[old.MCP.Servers[i].ID] = &old.MCP.Servers[i]
	}
	newServers := make(map[string]*MCPServerConfig, len(new.MCP.Servers))
	for i := range new.MCP.Servers {
		newServers[new.MCP.Servers[i].ID] = &new.MCP.Servers[i]
	}
	for _, s := range old.MCP.Servers {
		ns, ok := newServers[s.ID]
		switch {
		case !ok:
			d.ServerChanges = append(d.ServerChanges, ServerDiff{ID: s.ID, Removed: true})
		case !serverEqual(s, *ns):
			d.ServerChanges = append(d.ServerChanges, ServerDiff{ID: s.ID})
		}
	}
	for _, s := range new.MCP.Servers {
		if _, ok := oldServers[s.ID]; !ok {
			d.ServerChanges = append(d.ServerChanges, ServerDiff{ID: s.ID, Added: true})
		}
	}
	d.ServersChanged = len(d.ServerChanges) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !slices.EqualFunc(old.Providers, new.Providers, providerEqual) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Gateway != new.Gateway {
		d.RestartRequired = append(d.RestartRequired, "gateway")
	}
	if old.Orchestrator != new.Orchestrator {
		d.RestartRequired = append(d.RestartRequired, "orchestrator")
	}
	if old.Usage != new.Usage {
		d.RestartRequired = append(d.RestartRequired, "usage")
	}

	return d
}

func routerEqual(a, b RouterConfig) bool {
	return a.SoftLimit == b.SoftLimit &&
		a.HardCap == b.HardCap &&
		slices.Equal(a.Core, b.Core) &&
		slices.EqualFunc(a.KeywordGroups, b.KeywordGroups, func(x, y KeywordGroup) bool {
			return x.Namespace == y.Namespace && slices.Equal(x.Terms, y.Terms)
		})
}

func serverEqual(a, b MCPServerConfig) bool {
	return a.ID == b.ID &&
		a.Transport == b.Transport &&
		a.Command == b.Command &&
		a.URL == b.URL &&
		a.Timeout == b.Timeout &&
		slices.Equal(a.Args, b.Args) &&
		maps.Equal(a.Env, b.Env) &&
		maps.Equal(a.Headers, b.Headers)
}

// providerEqual ignores Options, which may hold values of any type.
func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.Label == b.Label &&
		a.Model == b.Model &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		len(a.Options) == len(b.Options)
}
