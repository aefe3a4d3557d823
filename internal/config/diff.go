package config

// ConfigDiff describes what changed between two configs. Only settings that
// can be applied without a restart are tracked; [ConfigDiff.RestartRequired]
// flags everything else.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	EnergyGateChanged bool
	NewEnergyGate     int

	SessionTimeoutChanged bool
	NewSessionTimeoutMs   int

	IgnoreWindowChanged bool
	NewIgnoreWindowMs   int

	MatchThresholdChanged bool
	NewMatchThreshold     float64

	// RestartRequired lists the top-level sections whose other changes only
	// take effect after a restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable setting changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.EnergyGateChanged || d.SessionTimeoutChanged ||
		d.IgnoreWindowChanged || d.MatchThresholdChanged
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Segmenter.EnergyGate != new.Segmenter.EnergyGate {
		d.EnergyGateChanged = true
		d.NewEnergyGate = new.Segmenter.EnergyGate
	}
	if old.Dialog.SessionTimeoutMs != new.Dialog.SessionTimeoutMs {
		d.SessionTimeoutChanged = true
		d.NewSessionTimeoutMs = new.Dialog.SessionTimeoutMs
	}
	if old.Dialog.LocalCommandIgnoreMs != new.Dialog.LocalCommandIgnoreMs {
		d.IgnoreWindowChanged = true
		d.NewIgnoreWindowMs = new.Dialog.LocalCommandIgnoreMs
	}
	if old.Commands.MatchThreshold != new.Commands.MatchThreshold {
		d.MatchThresholdChanged = true
		d.NewMatchThreshold = new.Commands.MatchThreshold
	}

	// Compare the remaining settings with the hot-reloadable ones masked out.
	o, n := *old, *new
	o.Server.LogLevel, n.Server.LogLevel = "", ""
	o.Segmenter.EnergyGate, n.Segmenter.EnergyGate = 0, 0
	o.Dialog.SessionTimeoutMs, n.Dialog.SessionTimeoutMs = 0, 0
	o.Dialog.LocalCommandIgnoreMs, n.Dialog.LocalCommandIgnoreMs = 0, 0
	o.Commands.MatchThreshold, n.Commands.MatchThreshold = 0, 0

	if o.Server != n.Server {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if o.Audio != n.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if o.VAD != n.VAD {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if o.Segmenter != n.Segmenter {
		d.RestartRequired = append(d.RestartRequired, "segmenter")
	}
	if !dialogEqual(o.Dialog, n.Dialog) {
		d.RestartRequired = append(d.RestartRequired, "dialog")
	}
	if o.Transport != n.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if boolValue(o.Commands.MatchTranscripts) != boolValue(n.Commands.MatchTranscripts) {
		d.RestartRequired = append(d.RestartRequired, "commands")
	}
	if o.Journal != n.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	return d
}

func dialogEqual(a, b DialogConfig) bool {
	if boolValue(a.Enabled) != boolValue(b.Enabled) {
		return false
	}
	a.Enabled, b.Enabled = nil, nil
	return a == b
}

func boolValue(p *bool) bool {
	return p != nil && *p
}
