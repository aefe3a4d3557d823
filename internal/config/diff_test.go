package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/fawn/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Transport.Streaming.URL = "ws://localhost:8000/ws"
	cfg.ApplyDefaults()
	return cfg
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("Changed() = true for identical configs: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_HotSettings(t *testing.T) {
	t.Parallel()

	old, cur := baseConfig(), baseConfig()
	cur.Server.LogLevel = config.LogDebug
	cur.Segmenter.EnergyGate = 300
	cur.Dialog.SessionTimeoutMs = 45000
	cur.Dialog.LocalCommandIgnoreMs = 1200
	cur.Commands.MatchThreshold = 0.9

	d := config.Diff(old, cur)
	if !d.Changed() {
		t.Fatal("Changed() = false")
	}
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: %+v", d)
	}
	if !d.EnergyGateChanged || d.NewEnergyGate != 300 {
		t.Errorf("energy gate: %+v", d)
	}
	if !d.SessionTimeoutChanged || d.NewSessionTimeoutMs != 45000 {
		t.Errorf("session timeout: %+v", d)
	}
	if !d.IgnoreWindowChanged || d.NewIgnoreWindowMs != 1200 {
		t.Errorf("ignore window: %+v", d)
	}
	if !d.MatchThresholdChanged || d.NewMatchThreshold != 0.9 {
		t.Errorf("match threshold: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("hot settings flagged for restart: %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	off := false
	old, cur := baseConfig(), baseConfig()
	cur.Server.ListenAddr = ":9999"
	cur.Audio.SampleRate = 8000
	cur.Dialog.Enabled = &off
	cur.Transport.HTTP.ChatURL = "http://localhost:8000/chat"
	cur.Journal.PostgresDSN = "postgres://localhost/fawn"

	d := config.Diff(old, cur)
	if d.Changed() {
		t.Errorf("Changed() = true, want only restart-bound changes: %+v", d)
	}
	want := []string{"server", "audio", "dialog", "transport", "journal"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}

func TestDiff_EnabledPointerIdentity(t *testing.T) {
	t.Parallel()

	// Separately allocated but equal pointers are not a change.
	on := true
	old, cur := baseConfig(), baseConfig()
	cur.Dialog.Enabled = &on

	if d := config.Diff(old, cur); len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}
