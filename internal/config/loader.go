package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// ValidLanguageLevels lists the JLPT levels accepted by processor.language_level.
var ValidLanguageLevels = []string{"N5", "N4", "N3", "N2", "N1"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} references are expanded from the environment before decoding.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.Local.Name)
	validateProviderName("llm", cfg.Providers.Hosted.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.Local.Name == "" && cfg.Providers.Hosted.Name == "" {
		errs = append(errs, errors.New("providers: at least one of providers.local and providers.hosted must be configured"))
	}
	if cfg.Providers.Hosted.Name != "" && cfg.Providers.Hosted.APIKey == "" {
		errs = append(errs, errors.New("providers.hosted.api_key is required; set it directly or via ${OPENAI_API_KEY}"))
	}
	for name, p := range map[string]ProviderEntry{"local": cfg.Providers.Local, "hosted": cfg.Providers.Hosted} {
		if p.Temperature < 0 || p.Temperature > 2 {
			errs = append(errs, fmt.Errorf("providers.%s.temperature %.2f is out of range [0, 2]", name, p.Temperature))
		}
		if p.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.max_tokens must not be negative", name))
		}
	}

	// Processor
	switch cfg.Processor.DefaultTier {
	case "", "local", "hosted":
	default:
		errs = append(errs, fmt.Errorf("processor.default_tier %q is invalid; valid values: local, hosted", cfg.Processor.DefaultTier))
	}
	tierProvider := map[string]string{"local": cfg.Providers.Local.Name, "hosted": cfg.Providers.Hosted.Name}
	if t := cfg.Processor.DefaultTier; t != "" && tierProvider[t] == "" {
		errs = append(errs, fmt.Errorf("processor.default_tier %q has no provider; configure providers.%s", t, t))
	}
	if cfg.Processor.DefaultTier == "" && cfg.Providers.Local.Name == "" && cfg.Providers.Hosted.Name != "" {
		slog.Warn("processor.default_tier defaults to local but only a hosted provider is configured; requests without a tier will fall back")
	}
	if cfg.Processor.BackendTimeout < 0 {
		errs = append(errs, errors.New("processor.backend_timeout must not be negative"))
	}
	for name, v := range map[string]int{
		"max_history_turns": cfg.Processor.MaxHistoryTurns,
		"max_prompt_tokens": cfg.Processor.MaxPromptTokens,
		"max_knowledge":     cfg.Processor.MaxKnowledge,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("processor.%s must not be negative", name))
		}
	}
	if l := cfg.Processor.LanguageLevel; l != "" && !slices.Contains(ValidLanguageLevels, l) {
		errs = append(errs, fmt.Errorf("processor.language_level %q is invalid; valid values: %s", l, strings.Join(ValidLanguageLevels, ", ")))
	}

	// Knowledge
	for name, v := range map[string]int{
		"cache_size":           cfg.Knowledge.CacheSize,
		"max_results":          cfg.Knowledge.MaxResults,
		"snapshot_size":        cfg.Knowledge.SnapshotSize,
		"embedding_dimensions": cfg.Knowledge.EmbeddingDimensions,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("knowledge.%s must not be negative", name))
		}
	}
	if cfg.Knowledge.PostgresDSN != "" && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("knowledge.postgres_dsn requires providers.embeddings"))
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; knowledge retrieval will use keyword matching only")
	}

	// History
	errs = append(errs, validateStore("history", cfg.History.Backend, cfg.History.Dir, cfg.History.PostgresDSN)...)
	if cfg.History.WriteTimeout < 0 {
		errs = append(errs, errors.New("history.write_timeout must not be negative"))
	}

	// Usage
	errs = append(errs, validateStore("usage", cfg.Usage.Store, cfg.Usage.Dir, cfg.Usage.PostgresDSN)...)
	if cfg.Usage.DailyTokenLimit < 0 || cfg.Usage.HourlyRequestLimit < 0 || cfg.Usage.MonthlyCostLimit < 0 {
		errs = append(errs, errors.New("usage limits must not be negative"))
	}
	for model, p := range cfg.Usage.Pricing {
		if p.InputPer1K < 0 || p.OutputPer1K < 0 {
			errs = append(errs, fmt.Errorf("usage.pricing[%q] must not be negative", model))
		}
	}

	// Profiles
	if dir := cfg.Profiles.Dir; dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			errs = append(errs, fmt.Errorf("profiles.dir %q is not a readable directory", dir))
		}
	}

	return errors.Join(errs...)
}

// validateStore checks the fields a store kind depends on.
func validateStore(section string, kind StoreKind, dir, dsn string) []error {
	var errs []error
	if kind != "" && !kind.IsValid() {
		errs = append(errs, fmt.Errorf("%s store %q is invalid; valid values: memory, file, postgres", section, kind))
	}
	if kind == StoreFile && dir == "" {
		errs = append(errs, fmt.Errorf("%s.dir is required for the file store", section))
	}
	if kind == StorePostgres && dsn == "" {
		errs = append(errs, fmt.Errorf("%s.postgres_dsn is required for the postgres store", section))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
