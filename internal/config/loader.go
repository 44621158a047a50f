package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/colloquy/internal/assess"
	"github.com/MrWong99/colloquy/internal/dialogue"
	"github.com/MrWong99/colloquy/internal/pipeline"
	"github.com/MrWong99/colloquy/internal/rating"
)

// ValidProviderNames lists the provider implementations shipped with colloquy.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"sse", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// DefaultRedisStream is the stream key used when storage.redis.stream is empty.
const DefaultRedisStream = "colloquy:outcomes"

// Load reads the YAML preset at path and returns a validated [Config].
// A relative mistakes_file is resolved against the directory of path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML preset from r and validates the result.
// A relative mistakes_file is resolved against the working directory.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, ".")
}

func load(r io.Reader, baseDir string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.MistakesFile != "" {
		path := cfg.MistakesFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		extra, err := LoadMistakes(path)
		if err != nil {
			return nil, err
		}
		cfg.Mistakes = append(cfg.Mistakes, extra...)
	}
	expandEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadMistakes reads a YAML list of mistakes from path.
func LoadMistakes(path string) ([]assess.Mistake, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open mistakes %q: %w", path, err)
	}
	defer f.Close()

	var mistakes []assess.Mistake
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&mistakes); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode mistakes %q: %w", path, err)
	}
	return mistakes, nil
}

// expandEnv substitutes environment references in secret-bearing fields.
func expandEnv(cfg *Config) {
	for name, p := range cfg.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		cfg.Providers[name] = p
	}
	cfg.Storage.PostgresDSN = os.ExpandEnv(cfg.Storage.PostgresDSN)
	cfg.Storage.Redis.Addr = os.ExpandEnv(cfg.Storage.Redis.Addr)
	cfg.Storage.Redis.Password = os.ExpandEnv(cfg.Storage.Redis.Password)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Basic.ConcurrencyLimit == 0 {
		cfg.Basic.ConcurrencyLimit = 1
	}
	if cfg.Basic.Samples == 0 {
		cfg.Basic.Samples = 1
	}
	if cfg.Storage.Redis.Addr != "" && cfg.Storage.Redis.Stream == "" {
		cfg.Storage.Redis.Stream = DefaultRedisStream
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	for key, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers.%s", key)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(key, p.Name)
		if p.Resilience.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("%s.resilience.requests_per_second must be >= 0", prefix))
		}
	}

	// Basic
	if _, err := cfg.Basic.EndCondition.Policy(); err != nil {
		errs = append(errs, fmt.Errorf("basic.endCondition: %w", err))
	}
	if cfg.Basic.ConcurrencyLimit < 1 {
		errs = append(errs, fmt.Errorf("basic.concurrencyLimit %d must be >= 1", cfg.Basic.ConcurrencyLimit))
	}
	if cfg.Basic.Samples < 1 {
		errs = append(errs, fmt.Errorf("basic.samples %d must be >= 1", cfg.Basic.Samples))
	}
	if strings.TrimSpace(cfg.Basic.InitialMessage) == "" {
		errs = append(errs, errors.New("basic.initialMessage is required"))
	}
	if strings.TrimSpace(cfg.Basic.SubjectPrompt) == "" {
		errs = append(errs, errors.New("basic.subjectPrompt is required"))
	}
	if strings.TrimSpace(cfg.Basic.CounterpartPrompt) == "" {
		errs = append(errs, errors.New("basic.counterpartPrompt is required"))
	}
	if cfg.Basic.ConcurrencyLimit > cfg.Basic.Samples && cfg.Basic.Samples > 0 {
		slog.Warn("basic.concurrencyLimit exceeds basic.samples; extra slots stay idle",
			"concurrency_limit", cfg.Basic.ConcurrencyLimit,
			"samples", cfg.Basic.Samples,
		)
	}

	// Stages
	errs = append(errs, validateStage(cfg, "dialogue", cfg.Dialogue)...)
	errs = append(errs, validateStage(cfg, "evaluation", cfg.Evaluation.ModelConfig)...)
	if cfg.Evaluation.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("evaluation.max_parallel %d must be >= 0", cfg.Evaluation.MaxParallel))
	}

	// Experts
	if err := rating.ValidatePanel(cfg.Experts); err != nil {
		errs = append(errs, fmt.Errorf("experts: %w", err))
	}

	// Mistakes, duplicate names compared case-insensitively like the
	// assessor's lookup.
	if len(cfg.Mistakes) == 0 {
		slog.Warn("no mistakes configured; every defect the assessor reports will be unlisted")
	}
	mistakeNamesSeen := make(map[string]int, len(cfg.Mistakes))
	for i, m := range cfg.Mistakes {
		prefix := fmt.Sprintf("mistakes[%d]", i)
		name := strings.ToLower(strings.TrimSpace(m.Name))
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := mistakeNamesSeen[name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mistakes[%d]", prefix, m.Name, prev))
		}
		mistakeNamesSeen[name] = i
		if m.Level() == assess.SeverityUnlisted {
			slog.Warn("mistake severity is not one of inform, warning, error, fatal; it will be reported as unlisted",
				"mistake", m.Name,
				"severity", m.Severity,
			)
		}
	}

	// Storage
	if cfg.Storage.JSONLPath == "" && cfg.Storage.PostgresDSN == "" && cfg.Storage.Redis.Addr == "" {
		slog.Warn("no storage configured; outcomes are only summarised on stdout")
	}
	if cfg.Storage.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("storage.redis.db %d must be >= 0", cfg.Storage.Redis.DB))
	}
	if cfg.Storage.Redis.MaxLen < 0 {
		errs = append(errs, fmt.Errorf("storage.redis.max_len %d must be >= 0", cfg.Storage.Redis.MaxLen))
	}

	return errors.Join(errs...)
}

func validateStage(cfg *Config, name string, m ModelConfig) []error {
	var errs []error
	if m.Provider == "" {
		errs = append(errs, fmt.Errorf("%s.provider is required", name))
	} else if _, ok := cfg.Providers[m.Provider]; !ok {
		errs = append(errs, fmt.Errorf("%s.provider %q is not declared under providers", name, m.Provider))
	} else if entry, _ := cfg.StageProvider(m); entry.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model is required when providers.%s.model is empty", name, m.Provider))
	}
	if m.Temperature < 0 || m.Temperature > 2 {
		errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", name, m.Temperature))
	}
	if m.TopP < 0 || m.TopP > 1 {
		errs = append(errs, fmt.Errorf("%s.top_p %.2f is out of range [0, 1]", name, m.TopP))
	}
	if m.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("%s.max_tokens %d must be >= 0", name, m.MaxTokens))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(key, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"provider", key,
		"name", name,
		"known", ValidProviderNames,
	)
}

// Policy builds the dialogue stop policy the end condition describes.
func (e EndCondition) Policy() (dialogue.Policy, error) {
	switch e.Type {
	case dialogue.PolicyRounds:
		return dialogue.ParsePolicy(e.Type, strconv.Itoa(e.Rounds))
	case dialogue.PolicyAssistantRegex:
		return dialogue.ParsePolicy(e.Type, e.AssistantRegex)
	case dialogue.PolicyUserRegex:
		return dialogue.ParsePolicy(e.Type, e.UserRegex)
	default:
		return dialogue.ParsePolicy(e.Type, "")
	}
}

// Inputs builds the per-run pipeline inputs from a validated config.
func (c *Config) Inputs() (pipeline.Inputs, error) {
	policy, err := c.Basic.EndCondition.Policy()
	if err != nil {
		return pipeline.Inputs{}, fmt.Errorf("config: end condition: %w", err)
	}
	return pipeline.Inputs{
		Session: dialogue.Session{
			SubjectPrompt:     c.Basic.SubjectPrompt,
			CounterpartPrompt: c.Basic.CounterpartPrompt,
			InitialMessage:    c.Basic.InitialMessage,
			Policy:            policy,
		},
		Scene:               c.Basic.Scene,
		Mistakes:            slices.Clone(c.Mistakes),
		IncludeUnlisted:     c.AssessmentOptions.IncludeUnlistedIssues,
		Panel:               slices.Clone(c.Experts),
		IncludeSystemPrompt: c.Evaluation.IncludeSystemPrompt,
	}, nil
}
