package main

import (
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/colloquy/internal/config"
	"github.com/MrWong99/colloquy/internal/health"
	"github.com/MrWong99/colloquy/internal/resilience"
	"github.com/MrWong99/colloquy/pkg/provider/llm"
	"github.com/MrWong99/colloquy/pkg/provider/llm/anyllm"
	"github.com/MrWong99/colloquy/pkg/provider/llm/openai"
	"github.com/MrWong99/colloquy/pkg/provider/llm/sse"
)

// sseOptions are the Options keys understood by the "sse" provider.
type sseOptions struct {
	AuthScheme string            `mapstructure:"auth_scheme"`
	AuthHeader string            `mapstructure:"auth_header"`
	Path       string            `mapstructure:"path"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	Headers    map[string]string `mapstructure:"headers"`
}

// openaiOptions are the Options keys understood by the "openai" provider.
type openaiOptions struct {
	Organization string        `mapstructure:"organization"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// anyllmBackends share the same pattern: optional APIKey and BaseURL.
var anyllmBackends = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("sse", func(entry config.ProviderEntry) (llm.Provider, error) {
		var o sseOptions
		if err := config.DecodeOptions(entry.Options, &o); err != nil {
			return nil, err
		}
		var opts []sse.Option
		if o.AuthScheme != "" {
			opts = append(opts, sse.WithAuthScheme(sse.AuthScheme(o.AuthScheme)))
		}
		if o.AuthHeader != "" {
			opts = append(opts, sse.WithAuthHeader(o.AuthHeader))
		}
		if o.Path != "" {
			opts = append(opts, sse.WithPath(o.Path))
		}
		if o.Timeout > 0 {
			opts = append(opts, sse.WithTimeout(o.Timeout))
		}
		if len(o.Headers) > 0 {
			opts = append(opts, sse.WithHeaders(o.Headers))
		}
		return sse.New(entry.BaseURL, entry.Model, entry.APIKey, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var o openaiOptions
		if err := config.DecodeOptions(entry.Options, &o); err != nil {
			return nil, err
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if o.Organization != "" {
			opts = append(opts, openai.WithOrganization(o.Organization))
		}
		if o.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(o.Timeout))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, backend := range anyllmBackends {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			if len(entry.Options) > 0 {
				slog.Warn("provider options are ignored for any-llm backends", "name", backend)
			}
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	for _, name := range reg.LLMNames() {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

// stageProviders caches one decorated provider per distinct (provider, model)
// pair, so stages sharing a backend also share its breaker and limiter.
type stageProviders struct {
	cfg    *config.Config
	reg    *config.Registry
	built  map[string]*resilience.Provider
	checks []health.Checker
}

func newStageProviders(cfg *config.Config, reg *config.Registry) *stageProviders {
	return &stageProviders{cfg: cfg, reg: reg, built: make(map[string]*resilience.Provider)}
}

// build returns the decorated provider for a stage.
func (s *stageProviders) build(stage string, m config.ModelConfig) (*resilience.Provider, error) {
	entry, ok := s.cfg.StageProvider(m)
	if !ok {
		return nil, fmt.Errorf("%s: provider %q is not declared", stage, m.Provider)
	}
	key := m.Provider + "/" + entry.Model
	if p, ok := s.built[key]; ok {
		return p, nil
	}

	inner, err := s.reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("%s: create provider %q: %w", stage, m.Provider, err)
	}
	res := entry.Resilience
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         key,
		MaxFailures:  res.MaxFailures,
		ResetTimeout: res.ResetTimeout,
	})
	p := resilience.Wrap(inner,
		resilience.WithBreaker(cb),
		resilience.WithLimiter(resilience.NewLimiter(res.RequestsPerSecond, res.Burst)),
	)
	s.built[key] = p
	s.checks = append(s.checks, health.Checker{Name: "provider/" + key, Check: cb.Check})

	slog.Info("provider created",
		"stage", stage,
		"provider", m.Provider,
		"name", entry.Name,
		"model", entry.Model,
		"rps", res.RequestsPerSecond,
	)
	return p, nil
}
