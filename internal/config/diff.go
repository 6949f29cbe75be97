package config

import (
	"maps"
	"reflect"
	"slices"

	"github.com/MrWong99/kotoba/internal/usage"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LimitsChanged is set when any usage quota or price changed.
	LimitsChanged bool
	NewLimits     usage.Limits
	NewPricing    usage.Pricing

	// ProfilesChanged is set when the profile directory or default persona
	// changed. Edits to files inside an unchanged directory are not seen.
	ProfilesChanged bool

	// RestartRequired lists sections that changed but cannot be applied live.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.LimitsChanged && !d.ProfilesChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Usage.Limits() != new.Usage.Limits() || !maps.Equal(old.Usage.Pricing, new.Usage.Pricing) {
		d.LimitsChanged = true
		d.NewLimits = new.Usage.Limits()
		d.NewPricing = new.Usage.Pricing
	}

	if old.Profiles != new.Profiles {
		d.ProfilesChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !equalProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Processor != new.Processor {
		d.RestartRequired = append(d.RestartRequired, "processor")
	}
	if !equalKnowledge(old.Knowledge, new.Knowledge) {
		d.RestartRequired = append(d.RestartRequired, "knowledge")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if old.Usage.Store != new.Usage.Store || old.Usage.Dir != new.Usage.Dir || old.Usage.PostgresDSN != new.Usage.PostgresDSN {
		d.RestartRequired = append(d.RestartRequired, "usage")
	}

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalProviders(a, b ProvidersConfig) bool {
	return equalEntry(a.Local, b.Local) && equalEntry(a.Hosted, b.Hosted) && equalEntry(a.Embeddings, b.Embeddings)
}

func equalEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model &&
		a.Temperature == b.Temperature && a.MaxTokens == b.MaxTokens && reflect.DeepEqual(a.Options, b.Options)
}

func equalKnowledge(a, b KnowledgeConfig) bool {
	return slices.Equal(a.Files, b.Files) && a.EmbeddingDimensions == b.EmbeddingDimensions &&
		a.PostgresDSN == b.PostgresDSN && a.CacheSize == b.CacheSize &&
		a.MaxResults == b.MaxResults && a.SnapshotSize == b.SnapshotSize
}
