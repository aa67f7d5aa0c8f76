package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/toolweave/internal/app"
	"github.com/MrWong99/toolweave/internal/config"
	"github.com/MrWong99/toolweave/pkg/provider/llm"
	"github.com/MrWong99/toolweave/pkg/provider/llm/anyllm"
	"github.com/MrWong99/toolweave/pkg/provider/llm/openai"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// openai talks to the API through the official SDK, which also serves
	// OpenAI-compatible endpoints via base_url.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if s := optString(entry.Options, "timeout"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("options.timeout: %w", err)
			}
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining hosted providers share the same pattern: optional APIKey
	// and optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	slog.Debug("registered providers", "llm", reg.LLMNames())
}

// buildProviders instantiates the configured providers in fallback order.
// Entries without a registered factory are skipped with a warning.
func buildProviders(cfg *config.Config, reg *config.Registry) ([]app.Provider, error) {
	out := make([]app.Provider, 0, len(cfg.Providers))
	for _, entry := range cfg.Providers {
		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider not available, skipping", "name", entry.Name, "label", entry.DisplayName())
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, app.Provider{Name: entry.DisplayName(), Provider: p})
		slog.Info("provider created", "name", entry.Name, "label", entry.DisplayName(), "model", entry.Model)
	}
	return out, nil
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
