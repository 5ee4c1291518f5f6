package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only changes
// relevant to hot reload are tracked: the log level and match tuning can
// be applied in place, while provider or audio changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MatchChanged bool
	NewMatch     MatchConfig

	// RestartRequired is true when a change was detected that cannot be
	// applied to a running server (providers, audio format, corpus
	// source, listen address).
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Match != new.Match {
		d.MatchChanged = true
		d.NewMatch = new.Match
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Corpus != new.Corpus ||
		old.Audio != new.Audio ||
		!providerEntryEqual(old.Providers.Live, new.Providers.Live) ||
		!providerEntryEqual(old.Providers.Transcribe, new.Providers.Transcribe) {
		d.RestartRequired = true
	}

	return d
}

// providerEntryEqual compares two provider entries including their
// fallback chains.
func providerEntryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if !reflect.DeepEqual(a.Options, b.Options) {
		return false
	}
	if len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !providerEntryEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}
