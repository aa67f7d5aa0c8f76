package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/toolweave/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: verbose\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name: "server without id",
			yaml: `
mcp:
  servers:
    - transport: stdio
      command: /bin/srv
`,
			wantErr: []string{"mcp.servers[0].id is required"},
		},
		{
			name: "server id with separator",
			yaml: `
mcp:
  servers:
    - id: a.b
      transport: stdio
      command: /bin/srv
`,
			wantErr: []string{"must not contain"},
		},
		{
			name: "duplicate server ids",
			yaml: `
mcp:
  servers:
    - id: files
      transport: stdio
      command: /bin/a
    - id: files
      transport: stdio
      command: /bin/b
`,
			wantErr: []string{"mcp.servers[1].id", "duplicate of mcp.servers[0]"},
		},
		{
			name: "stdio without command",
			yaml: `
mcp:
  servers:
    - id: files
      transport: stdio
`,
			wantErr: []string{"mcp.servers[0].command is required"},
		},
		{
			name: "http without url",
			yaml: `
mcp:
  servers:
    - id: web
      transport: http
`,
			wantErr: []string{"mcp.servers[0].url is required"},
		},
		{
			name: "invalid transport",
			yaml: `
mcp:
  servers:
    - id: grpc
      transport: grpc
      command: /bin/server
`,
			wantErr: []string{"transport \"grpc\" is invalid"},
		},
		{
			name: "keyword group without terms",
			yaml: `
router:
  keyword_groups:
    - namespace: calendar
`,
			wantErr: []string{"router.keyword_groups[0].terms"},
		},
		{
			name:    "negative limits",
			yaml:    "router:\n  soft_limit: -1\n  hard_cap: -2\n",
			wantErr: []string{"router.soft_limit", "router.hard_cap"},
		},
		{
			name: "provider without model",
			yaml: `
providers:
  - name: openai
`,
			wantErr: []string{"providers[0].model is required"},
		},
		{
			name: "duplicate provider labels",
			yaml: `
providers:
  - name: openai
    model: gpt-4o
  - name: openai
    model: gpt-4o-mini
`,
			wantErr: []string{"providers[1]", "duplicate of providers[0]"},
		},
		{
			name:    "backoff base above max",
			yaml:    "gateway:\n  backoff_base: 10s\n  backoff_max: 1s\n",
			wantErr: []string{"gateway.backoff_base"},
		},
		{
			name:    "negative budget",
			yaml:    "budget:\n  daily_tokens: -5\n",
			wantErr: []string{"budget.daily_tokens"},
		},
		{
			name:    "unknown timezone",
			yaml:    "budget:\n  timezone: Mars/Olympus\n",
			wantErr: []string{"budget.timezone"},
		},
		{
			name:    "invalid usage driver",
			yaml:    "usage:\n  driver: mongo\n",
			wantErr: []string{"usage.driver"},
		},
		{
			name:    "postgres without dsn",
			yaml:    "usage:\n  driver: postgres\n",
			wantErr: []string{"usage.dsn is required"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml), config.FormatYAML)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should contain %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
mcp:
  servers:
    - id: files
      transport: stdio
providers:
  - name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml), config.FormatYAML)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if n := strings.Count(err.Error(), "\n") + 1; n != 3 {
		t.Errorf("expected 3 joined errors, got %d: %v", n, err)
	}
}

func TestValidate_DistinctLabelsAllowSameProvider(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  - name: openai
    model: gpt-4o
  - name: openai
    label: openai-mini
    model: gpt-4o-mini
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml), config.FormatYAML); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFormatFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want config.Format
	}{
		{"toolweave.yaml", config.FormatYAML},
		{"toolweave.yml", config.FormatYAML},
		{"toolweave.toml", config.FormatTOML},
		{"/etc/toolweave/Config.TOML", config.FormatTOML},
		{"toolweave", config.FormatYAML},
	}
	for _, tt := range tests {
		if got := config.FormatFor(tt.path); got != tt.want {
			t.Errorf("FormatFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
