package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConvAIChanged is true if any AI-leg setting changed. New calls pick up
	// the new settings; calls in progress keep the ones they started with.
	ConvAIChanged bool

	// BreakerChanged is true if the dial breaker thresholds changed.
	BreakerChanged bool

	// RestartRequired lists changed keys that only take effect after a
	// restart (listener address, TLS, call log, telephony route).
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ConvAIChanged || d.BreakerChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ConvAIChanged = !old.ConvAI.Equal(new.ConvAI)
	d.BreakerChanged = old.Breaker != new.Breaker

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Server.CallLog != new.Server.CallLog {
		d.RestartRequired = append(d.RestartRequired, "server.call_log")
	}
	if old.Telephony.Path != new.Telephony.Path {
		d.RestartRequired = append(d.RestartRequired, "telephony.path")
	}

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
