// Package config provides the configuration schema, loader, and provider registry
// for the Kotoba dialogue service.
package config

import (
	"time"

	"github.com/MrWong99/kotoba/internal/usage"
)

// LogLevel controls log verbosity for the Kotoba server.
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

// StoreKind selects where history or usage records are kept.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreFile     StoreKind = "file"
	StorePostgres StoreKind = "postgres"
)

// IsValid reports whether k is a recognised store kind.
func (k StoreKind) IsValid() bool {
	switch k {
	case StoreMemory, StoreFile, StorePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure for Kotoba.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Processor ProcessorConfig `yaml:"processor"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	History   HistoryConfig   `yaml:"history"`
	Usage     UsageConfig     `yaml:"usage"`
	Profiles  ProfilesConfig  `yaml:"profiles"`
}

// ServerConfig holds network and logging settings for the Kotoba server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares the provider behind each backend tier and the
// embeddings provider used for vector search. Each entry selects a named
// provider registered in the [Registry]. An empty name disables the entry.
type ProvidersConfig struct {
	Local      ProviderEntry `yaml:"local"`
	Hosted     ProviderEntry `yaml:"hosted"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "llama3.2").
	Model string `yaml:"model"`

	// Temperature and MaxTokens tune generation. Zero leaves the provider default.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ProcessorConfig tunes the dialogue pipeline. Zero values take the
// pipeline defaults.
type ProcessorConfig struct {
	// DefaultTier is used when a request names no tier: "local" or "hosted".
	DefaultTier string `yaml:"default_tier"`

	// BackendTimeout bounds a single generation call.
	BackendTimeout time.Duration `yaml:"backend_timeout"`

	MaxHistoryTurns int `yaml:"max_history_turns"`
	MaxPromptTokens int `yaml:"max_prompt_tokens"`
	MaxKnowledge    int `yaml:"max_knowledge"`

	// LanguageLevel is the JLPT level the prompt constrains responses to.
	LanguageLevel string `yaml:"language_level"`
}

// KnowledgeConfig configures knowledge retrieval.
type KnowledgeConfig struct {
	// Files are snippet files (JSON or YAML) loaded at startup.
	Files []string `yaml:"files"`

	CacheSize    int `yaml:"cache_size"`
	MaxResults   int `yaml:"max_results"`
	SnapshotSize int `yaml:"snapshot_size"`

	// PostgresDSN selects the pgvector index. Empty keeps the index in
	// memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the vector dimension used for the embeddings column.
	// Must match the model configured in Providers.Embeddings.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// HistoryConfig selects the conversation history backend.
type HistoryConfig struct {
	Backend      StoreKind     `yaml:"backend"`
	Dir          string        `yaml:"dir"`
	PostgresDSN  string        `yaml:"postgres_dsn"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// UsageConfig selects the usage record store and the hosted-tier quotas.
// A zero limit disables that limit.
type UsageConfig struct {
	Store       StoreKind `yaml:"store"`
	Dir         string    `yaml:"dir"`
	PostgresDSN string    `yaml:"postgres_dsn"`

	DailyTokenLimit    int     `yaml:"daily_token_limit"`
	HourlyRequestLimit int     `yaml:"hourly_request_limit"`
	MonthlyCostLimit   float64 `yaml:"monthly_cost_limit"`

	// Pricing overrides the built-in per-model prices, keyed by model name.
	// The "default" entry prices unknown models.
	Pricing usage.Pricing `yaml:"pricing"`
}

// Limits converts the configured quotas.
func (u UsageConfig) Limits() usage.Limits {
	return usage.Limits{
		DailyTokens:    u.DailyTokenLimit,
		HourlyRequests: u.HourlyRequestLimit,
		MonthlyCost:    u.MonthlyCostLimit,
	}
}

// ProfilesConfig locates NPC profile files.
type ProfilesConfig struct {
	// Dir holds one YAML or JSON file per NPC profile. Empty means every NPC
	// uses the default persona.
	Dir string `yaml:"dir"`

	// DefaultPersona overrides the persona for NPCs without a profile.
	DefaultPersona string `yaml:"default_persona"`
}
