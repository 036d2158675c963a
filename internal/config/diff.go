package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (providers, AI mode, listen address) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TimingChanged reports that a response-window bound was toggled or
	// retuned. Applied on the next round; an in-flight turn keeps the
	// windows it started with.
	TimingChanged bool

	WarmupChanged bool
}

// Changed reports whether the diff carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TimingChanged || d.WarmupChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Timing != new.Timing {
		d.TimingChanged = true
	}
	if old.Warmup != new.Warmup {
		d.WarmupChanged = true
	}
	return d
}
