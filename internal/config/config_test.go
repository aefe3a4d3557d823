package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/fawn/internal/config"
)

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	cfg.ApplyDefaults()

	if cfg.Server.LogLevel != config.LogInfo || cfg.Server.ServiceName != "fawn" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Audio.Source != config.SourceDevice || cfg.Audio.Output != config.OutputDevice ||
		cfg.Audio.SampleRate != 16000 || cfg.Audio.FrameMs != 32 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	seg := cfg.Segmenter
	if seg.MinSpeechMs != 300 || seg.EndSilenceMs != 450 || seg.MaxUtteranceMs != 8000 ||
		seg.MaxBufferMs != 10450 || seg.EnergyGate != 0 {
		t.Errorf("segmenter = %+v", seg)
	}
	d := cfg.Dialog
	if d.Enabled == nil || !*d.Enabled {
		t.Error("dialog not enabled by default")
	}
	if d.SessionTimeoutMs != 20000 || d.CommandTimeoutMs != 6000 || d.LocalCommandIgnoreMs != 800 ||
		d.QueueCapacity != 4 || d.PrebufferMs != 40 || d.ChunkWriteTimeoutMs != 2000 {
		t.Errorf("dialog = %+v", d)
	}
	tr := cfg.Transport
	if tr.Mode != config.TransportAuto || tr.Streaming.AudioFormat != config.AudioPCM ||
		tr.Streaming.ReconnectIntervalMs != 3000 || tr.Streaming.STTTimeoutMs != 10000 ||
		tr.Streaming.TurnCeilingMs != 20000 || tr.HTTP.TimeoutMs != 60000 ||
		tr.HTTP.MaxResponseBytes != 1<<20 {
		t.Errorf("transport = %+v", tr)
	}
	if cfg.Commands.MatchTranscripts == nil || !*cfg.Commands.MatchTranscripts || cfg.Commands.MatchThreshold != 0.8 {
		t.Errorf("commands = %+v", cfg.Commands)
	}
	if cfg.Journal.MemoryCapacity != 64 {
		t.Errorf("journal = %+v", cfg.Journal)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()

	off := false
	cfg := config.Config{
		Segmenter: config.SegmenterConfig{MaxUtteranceMs: 5000, EndSilenceMs: 600},
		Dialog:    config.DialogConfig{Enabled: &off, SessionTimeoutMs: 30000},
	}
	cfg.ApplyDefaults()

	if cfg.Segmenter.MaxBufferMs != 7600 {
		t.Errorf("max buffer = %d, want 7600", cfg.Segmenter.MaxBufferMs)
	}
	if *cfg.Dialog.Enabled || cfg.Dialog.SessionTimeoutMs != 30000 {
		t.Errorf("dialog = %+v", cfg.Dialog)
	}
}

func TestPlan(t *testing.T) {
	t.Parallel()

	off := false
	tests := []struct {
		name string
		cfg  config.Config
		want config.TransportPlan
	}{
		{
			name: "nothing configured",
			want: config.TransportPlan{Primary: config.TransportDisabled},
		},
		{
			name: "streaming wins",
			cfg: config.Config{Transport: config.TransportConfig{
				Streaming: config.StreamingConfig{URL: "ws://svc/ws"},
				HTTP:      config.HTTPConfig{ChatURL: "http://svc/chat"},
			}},
			want: config.TransportPlan{
				Primary:     config.TransportStreaming,
				ReplyFormat: config.ReplyWAV,
				ChatURL:     "http://svc/chat",
			},
		},
		{
			name: "streaming with fallback",
			cfg: config.Config{Transport: config.TransportConfig{
				Fallback:  true,
				Streaming: config.StreamingConfig{URL: "ws://svc/ws"},
				HTTP:      config.HTTPConfig{ChatURL: "http://svc/chat"},
			}},
			want: config.TransportPlan{
				Primary:     config.TransportStreaming,
				ReplyFormat: config.ReplyWAV,
				ChatURL:     "http://svc/chat",
				Fallback:    true,
			},
		},
		{
			name: "pcm stream preferred over wav",
			cfg: config.Config{Transport: config.TransportConfig{
				HTTP: config.HTTPConfig{ChatURL: "http://svc/chat", PCMStreamURL: "http://svc/pcm"},
			}},
			want: config.TransportPlan{
				Primary:     config.TransportRequestResponse,
				ReplyFormat: config.ReplyPCMStream,
				ChatURL:     "http://svc/pcm",
			},
		},
		{
			name: "fallback without chat url",
			cfg: config.Config{Transport: config.TransportConfig{
				Fallback:  true,
				Streaming: config.StreamingConfig{URL: "ws://svc/ws"},
			}},
			want: config.TransportPlan{Primary: config.TransportStreaming},
		},
		{
			name: "explicit request_response",
			cfg: config.Config{Transport: config.TransportConfig{
				Mode:      config.TransportRequestResponse,
				Streaming: config.StreamingConfig{URL: "ws://svc/ws"},
				HTTP:      config.HTTPConfig{ChatURL: "http://svc/chat"},
			}},
			want: config.TransportPlan{
				Primary:     config.TransportRequestResponse,
				ReplyFormat: config.ReplyWAV,
				ChatURL:     "http://svc/chat",
			},
		},
		{
			name: "dialog disabled",
			cfg: config.Config{
				Dialog:    config.DialogConfig{Enabled: &off},
				Transport: config.TransportConfig{Streaming: config.StreamingConfig{URL: "ws://svc/ws"}},
			},
			want: config.TransportPlan{Primary: config.TransportDisabled},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			cfg.ApplyDefaults()
			if got := cfg.Plan(); got != tt.want {
				t.Errorf("Plan() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEnumValidity(t *testing.T) {
	t.Parallel()

	if !config.TransportDisabled.IsValid() || config.TransportMode("carrier-pigeon").IsValid() {
		t.Error("TransportMode.IsValid")
	}
	if !config.ReplyPCMStream.IsValid() || config.ReplyFormat("mp3").IsValid() {
		t.Error("ReplyFormat.IsValid")
	}
	if !config.AudioOpus.IsValid() || config.AudioFormat("flac").IsValid() {
		t.Error("AudioFormat.IsValid")
	}
	if !config.SourceNone.IsValid() || !config.OutputNull.IsValid() || config.OutputKind("file").IsValid() {
		t.Error("Source/OutputKind.IsValid")
	}
	if !config.LogWarn.IsValid() || config.LogLevel("trace").IsValid() {
		t.Error("LogLevel.IsValid")
	}
}

func TestLogLevelLevel(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.Level(); got != want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", in, got, want)
		}
	}
}

func TestMs(t *testing.T) {
	t.Parallel()
	if got := config.Ms(1500); got != 1500*time.Millisecond {
		t.Errorf("Ms(1500) = %v", got)
	}
}
