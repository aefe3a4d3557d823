// Package config provides the configuration schema, loader, validation and
// hot-reload watcher for fawn.
//
// All durations are configured in milliseconds (keys ending in _ms). Zero
// values mean "use the default"; [Config.ApplyDefaults] fills them in after
// decoding so the rest of the program never sees an unset field.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
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

// Level maps l onto a [slog.Level]. Unknown levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TransportMode selects the dialog transport.
type TransportMode string

const (
	// TransportAuto picks the transport from the configured URLs.
	TransportAuto TransportMode = "auto"

	// TransportStreaming uses the persistent duplex session.
	TransportStreaming TransportMode = "streaming"

	// TransportRequestResponse posts one request per utterance.
	TransportRequestResponse TransportMode = "request_response"

	// TransportDisabled turns dialog mode off; wake events only listen for
	// local commands.
	TransportDisabled TransportMode = "disabled"
)

// IsValid reports whether m is a recognised transport mode.
func (m TransportMode) IsValid() bool {
	switch m {
	case TransportAuto, TransportStreaming, TransportRequestResponse, TransportDisabled:
		return true
	}
	return false
}

// ReplyFormat selects how the request/response service answers.
type ReplyFormat string

const (
	ReplyWAV       ReplyFormat = "wav"
	ReplyPCMStream ReplyFormat = "pcm_stream"
)

// IsValid reports whether f is a recognised reply format.
func (f ReplyFormat) IsValid() bool {
	return f == ReplyWAV || f == ReplyPCMStream
}

// AudioFormat selects the binary audio encoding of the streaming transport.
type AudioFormat string

const (
	AudioPCM  AudioFormat = "pcm"
	AudioOpus AudioFormat = "opus"
)

// IsValid reports whether f is a recognised audio format.
func (f AudioFormat) IsValid() bool {
	return f == AudioPCM || f == AudioOpus
}

// SourceKind selects where capture frames come from.
type SourceKind string

const (
	// SourceDevice captures from the default microphone.
	SourceDevice SourceKind = "device"

	// SourceNone runs without capture; only the admin API drives the device.
	SourceNone SourceKind = "none"
)

// IsValid reports whether k is a recognised source kind.
func (k SourceKind) IsValid() bool {
	return k == SourceDevice || k == SourceNone
}

// OutputKind selects where reply audio is rendered.
type OutputKind string

const (
	// OutputDevice plays through the default speaker.
	OutputDevice OutputKind = "device"

	// OutputNull discards audio at real-time pace.
	OutputNull OutputKind = "null"
)

// IsValid reports whether k is a recognised output kind.
func (k OutputKind) IsValid() bool {
	return k == OutputDevice || k == OutputNull
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Dialog    DialogConfig    `yaml:"dialog"`
	Transport TransportConfig `yaml:"transport"`
	Commands  CommandsConfig  `yaml:"commands"`
	Journal   JournalConfig   `yaml:"journal"`
}

// ServerConfig holds the admin listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the admin HTTP address (e.g., ":8080"). Empty disables
	// the admin listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// ServiceName is reported in telemetry. Default: "fawn".
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of dialog turns traced, in [0, 1].
	// Zero traces every turn.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// AudioConfig selects capture and playback devices.
type AudioConfig struct {
	Source SourceKind `yaml:"source"`
	Output OutputKind `yaml:"output"`

	// SampleRate is the capture rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is the capture frame duration. Default: 32.
	FrameMs int `yaml:"frame_ms"`

	// OutputSampleRate and OutputChannels describe the playback device.
	// Defaults: 48000, 2.
	OutputSampleRate int `yaml:"output_sample_rate"`
	OutputChannels   int `yaml:"output_channels"`

	// OutputBufferMs bounds audio queued ahead of the playback device.
	// Default: 200.
	OutputBufferMs int `yaml:"output_buffer_ms"`
}

// VADConfig tunes the energy voice activity detector that tags capture
// frames. Thresholds are normalised RMS levels in [0, 1]; zero selects the
// engine defaults.
type VADConfig struct {
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// SegmenterConfig tunes utterance segmentation.
type SegmenterConfig struct {
	MinSpeechMs    int `yaml:"min_speech_ms"`
	EndSilenceMs   int `yaml:"end_silence_ms"`
	MaxUtteranceMs int `yaml:"max_utterance_ms"`

	// MaxBufferMs defaults to max_utterance_ms + end_silence_ms + 2000.
	MaxBufferMs int `yaml:"max_buffer_ms"`

	// EnergyGate is the minimum mean absolute amplitude of a speech frame;
	// 0 disables it. Hot-reloadable.
	EnergyGate int `yaml:"energy_gate"`
}

// DialogConfig tunes the orchestrator.
type DialogConfig struct {
	// Enabled allows wake events to open a dialog session. Default: true.
	Enabled *bool `yaml:"enabled"`

	// SessionTimeoutMs is the dialog idle timeout. Must lie within
	// [5000, 600000]. Default: 20000. Hot-reloadable.
	SessionTimeoutMs int `yaml:"session_timeout_ms"`

	// CommandTimeoutMs bounds listening for a local command. Default: 6000.
	CommandTimeoutMs int `yaml:"command_timeout_ms"`

	// LocalCommandIgnoreMs drops captured audio after a local command.
	// Default: 800. Hot-reloadable.
	LocalCommandIgnoreMs int `yaml:"local_command_ignore_ms"`

	// QueueCapacity bounds finalized utterances awaiting the worker.
	// Default: 4.
	QueueCapacity int `yaml:"queue_capacity"`

	// PrebufferMs of reply audio is collected before playback starts.
	// Default: 40.
	PrebufferMs int `yaml:"prebuffer_ms"`

	// ChunkWriteTimeoutMs bounds a single playback write. Default: 2000.
	ChunkWriteTimeoutMs int `yaml:"chunk_write_timeout_ms"`
}

// TransportConfig configures the dialog service.
type TransportConfig struct {
	Mode TransportMode `yaml:"mode"`

	// Fallback registers the request/response transport behind the
	// streaming primary when both are configured.
	Fallback bool `yaml:"fallback"`

	// DeviceID identifies this device to the service. Default: random.
	DeviceID string `yaml:"device_id"`

	Streaming StreamingConfig `yaml:"streaming"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// StreamingConfig configures the persistent session transport.
type StreamingConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string `yaml:"url"`

	AudioFormat AudioFormat `yaml:"audio_format"`

	HelloTimeoutMs      int `yaml:"hello_timeout_ms"`
	STTTimeoutMs        int `yaml:"stt_timeout_ms"`
	TurnCeilingMs       int `yaml:"turn_ceiling_ms"`
	ReconnectIntervalMs int `yaml:"reconnect_interval_ms"`
}

// HTTPConfig configures the request/response transport and cloud TTS.
type HTTPConfig struct {
	// ChatURL answers an utterance with a WAV reply.
	ChatURL string `yaml:"chat_url"`

	// PCMStreamURL answers an utterance with streamed raw PCM. Preferred over
	// ChatURL when both are set.
	PCMStreamURL string `yaml:"pcm_stream_url"`

	// TTSURL synthesises announcements for /v1/say.
	TTSURL string `yaml:"tts_url"`

	TimeoutMs        int   `yaml:"timeout_ms"`
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
}

// CommandsConfig configures local command recognition.
type CommandsConfig struct {
	// MatchTranscripts runs service transcripts through the phonetic command
	// matcher. Default: true.
	MatchTranscripts *bool `yaml:"match_transcripts"`

	// MatchThreshold is the minimum phrase score in (0, 1]. Default: 0.8.
	// Hot-reloadable.
	MatchThreshold float64 `yaml:"match_threshold"`
}

// JournalConfig configures the turn journal.
type JournalConfig struct {
	// PostgresDSN enables the PostgreSQL journal. Empty keeps turns in
	// memory only.
	PostgresDSN string `yaml:"postgres_dsn"`

	// MemoryCapacity is the number of recent turns kept in memory.
	// Default: 64.
	MemoryCapacity int `yaml:"memory_capacity"`
}

// ── Defaults ──────────────────────────────────────────────────────────────────

const (
	DefaultListenAddr        = ":8080"
	DefaultSessionTimeoutMs  = 20000
	MinSessionTimeoutMs      = 5000
	MaxSessionTimeoutMs      = 600000
	DefaultMaxResponseBytes  = 1 << 20
	DefaultReconnectInterval = 3000
)

// ApplyDefaults fills every zero-valued field with its default.
func (c *Config) ApplyDefaults() {
	s := &c.Server
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ServiceName == "" {
		s.ServiceName = "fawn"
	}

	a := &c.Audio
	if a.Source == "" {
		a.Source = SourceDevice
	}
	if a.Output == "" {
		a.Output = OutputDevice
	}
	setDefault(&a.SampleRate, 16000)
	setDefault(&a.FrameMs, 32)
	setDefault(&a.OutputSampleRate, 48000)
	setDefault(&a.OutputChannels, 2)
	setDefault(&a.OutputBufferMs, 200)

	g := &c.Segmenter
	setDefault(&g.MinSpeechMs, 300)
	setDefault(&g.EndSilenceMs, 450)
	setDefault(&g.MaxUtteranceMs, 8000)
	setDefault(&g.MaxBufferMs, g.MaxUtteranceMs+g.EndSilenceMs+2000)

	d := &c.Dialog
	if d.Enabled == nil {
		d.Enabled = ptr(true)
	}
	setDefault(&d.SessionTimeoutMs, DefaultSessionTimeoutMs)
	setDefault(&d.CommandTimeoutMs, 6000)
	setDefault(&d.LocalCommandIgnoreMs, 800)
	setDefault(&d.QueueCapacity, 4)
	setDefault(&d.PrebufferMs, 40)
	setDefault(&d.ChunkWriteTimeoutMs, 2000)

	t := &c.Transport
	if t.Mode == "" {
		t.Mode = TransportAuto
	}
	if t.Streaming.AudioFormat == "" {
		t.Streaming.AudioFormat = AudioPCM
	}
	setDefault(&t.Streaming.HelloTimeoutMs, 10000)
	setDefault(&t.Streaming.STTTimeoutMs, 10000)
	setDefault(&t.Streaming.TurnCeilingMs, 20000)
	setDefault(&t.Streaming.ReconnectIntervalMs, DefaultReconnectInterval)
	setDefault(&t.HTTP.TimeoutMs, 60000)
	if t.HTTP.MaxResponseBytes == 0 {
		t.HTTP.MaxResponseBytes = DefaultMaxResponseBytes
	}

	if c.Commands.MatchTranscripts == nil {
		c.Commands.MatchTranscripts = ptr(true)
	}
	if c.Commands.MatchThreshold == 0 {
		c.Commands.MatchThreshold = 0.8
	}

	setDefault(&c.Journal.MemoryCapacity, 64)
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func ptr[T any](v T) *T { return &v }

// Ms converts a millisecond setting into a [time.Duration].
func Ms(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ── Transport selection ───────────────────────────────────────────────────────

// TransportPlan is the resolved transport selection.
type TransportPlan struct {
	// Primary is TransportStreaming, TransportRequestResponse or
	// TransportDisabled.
	Primary TransportMode

	// ReplyFormat applies to the request/response transport.
	ReplyFormat ReplyFormat

	// ChatURL is the request/response endpoint matching ReplyFormat.
	ChatURL string

	// Fallback reports that the request/response transport backs up a
	// streaming primary.
	Fallback bool
}

// Plan resolves the transport selection. In auto mode a streaming URL wins,
// then a PCM-stream URL, then a chat URL; with none of them dialog mode is
// disabled.
func (c *Config) Plan() TransportPlan {
	t := c.Transport
	var p TransportPlan

	switch {
	case t.HTTP.PCMStreamURL != "":
		p.ReplyFormat, p.ChatURL = ReplyPCMStream, t.HTTP.PCMStreamURL
	case t.HTTP.ChatURL != "":
		p.ReplyFormat, p.ChatURL = ReplyWAV, t.HTTP.ChatURL
	}

	switch t.Mode {
	case TransportStreaming, TransportRequestResponse, TransportDisabled:
		p.Primary = t.Mode
	default:
		switch {
		case t.Streaming.URL != "":
			p.Primary = TransportStreaming
		case p.ChatURL != "":
			p.Primary = TransportRequestResponse
		default:
			p.Primary = TransportDisabled
		}
	}
	if c.Dialog.Enabled != nil && !*c.Dialog.Enabled {
		p.Primary = TransportDisabled
	}
	p.Fallback = p.Primary == TransportStreaming && t.Fallback && p.ChatURL != ""
	return p
}
