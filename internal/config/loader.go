package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the all-default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to be applied and returns a joined error listing every failure.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		add("server.trace_sample_ratio %v must be within [0, 1]", r)
	}

	// Audio
	a := cfg.Audio
	if !a.Source.IsValid() {
		add("audio.source %q is invalid; valid values: device, none", a.Source)
	}
	if !a.Output.IsValid() {
		add("audio.output %q is invalid; valid values: device, null", a.Output)
	}
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		add("audio.sample_rate %d is out of range [8000, 48000]", a.SampleRate)
	}
	if a.FrameMs < 10 || a.FrameMs > 100 {
		add("audio.frame_ms %d is out of range [10, 100]", a.FrameMs)
	}
	if a.OutputChannels != 1 && a.OutputChannels != 2 {
		add("audio.output_channels must be 1 or 2, got %d", a.OutputChannels)
	}
	if a.OutputSampleRate < 8000 || a.OutputSampleRate > 192000 {
		add("audio.output_sample_rate %d is out of range [8000, 192000]", a.OutputSampleRate)
	}

	// VAD
	v := cfg.VAD
	if v.SpeechThreshold < 0 || v.SpeechThreshold > 1 {
		add("vad.speech_threshold %.3f is out of range [0, 1]", v.SpeechThreshold)
	}
	if v.SilenceThreshold < 0 || (v.SpeechThreshold > 0 && v.SilenceThreshold > v.SpeechThreshold) {
		add("vad.silence_threshold %.3f must lie within [0, speech_threshold]", v.SilenceThreshold)
	}

	// Segmenter
	g := cfg.Segmenter
	if g.MinSpeechMs < 0 || g.EndSilenceMs < 0 {
		add("segmenter: min_speech_ms and end_silence_ms must not be negative")
	}
	if g.MaxUtteranceMs < g.MinSpeechMs {
		add("segmenter.max_utterance_ms %d is below min_speech_ms %d", g.MaxUtteranceMs, g.MinSpeechMs)
	}
	if g.MaxBufferMs < g.MaxUtteranceMs {
		add("segmenter.max_buffer_ms %d is below max_utterance_ms %d", g.MaxBufferMs, g.MaxUtteranceMs)
	}
	if g.EnergyGate < 0 || g.EnergyGate > 32767 {
		add("segmenter.energy_gate %d is out of range [0, 32767]", g.EnergyGate)
	}

	// Dialog
	d := cfg.Dialog
	if d.SessionTimeoutMs < MinSessionTimeoutMs || d.SessionTimeoutMs > MaxSessionTimeoutMs {
		add("dialog.session_timeout_ms %d is out of range [%d, %d]; the value is in milliseconds",
			d.SessionTimeoutMs, MinSessionTimeoutMs, MaxSessionTimeoutMs)
	}
	for key, val := range map[string]int{
		"command_timeout_ms":      d.CommandTimeoutMs,
		"local_command_ignore_ms": d.LocalCommandIgnoreMs,
		"queue_capacity":          d.QueueCapacity,
		"prebuffer_ms":            d.PrebufferMs,
		"chunk_write_timeout_ms":  d.ChunkWriteTimeoutMs,
	} {
		if val < 0 {
			add("dialog.%s must not be negative, got %d", key, val)
		}
	}

	// Transport
	t := cfg.Transport
	if !t.Mode.IsValid() {
		add("transport.mode %q is invalid; valid values: auto, streaming, request_response, disabled", t.Mode)
	}
	if !t.Streaming.AudioFormat.IsValid() {
		add("transport.streaming.audio_format %q is invalid; valid values: pcm, opus", t.Streaming.AudioFormat)
	}
	if t.Streaming.URL != "" {
		if err := checkURL(t.Streaming.URL, "ws", "wss"); err != nil {
			add("transport.streaming.url: %w", err)
		}
	}
	for key, val := range map[string]string{
		"chat_url":       t.HTTP.ChatURL,
		"pcm_stream_url": t.HTTP.PCMStreamURL,
		"tts_url":        t.HTTP.TTSURL,
	} {
		if val == "" {
			continue
		}
		if err := checkURL(val, "http", "https"); err != nil {
			add("transport.http.%s: %w", key, err)
		}
	}
	if t.Mode == TransportStreaming && t.Streaming.URL == "" {
		add("transport.mode streaming requires transport.streaming.url")
	}
	if t.Mode == TransportRequestResponse && t.HTTP.ChatURL == "" && t.HTTP.PCMStreamURL == "" {
		add("transport.mode request_response requires transport.http.chat_url or pcm_stream_url")
	}
	if t.HTTP.MaxResponseBytes < 0 {
		add("transport.http.max_response_bytes must not be negative")
	}
	if t.Fallback && (t.Streaming.URL == "" || (t.HTTP.ChatURL == "" && t.HTTP.PCMStreamURL == "")) {
		slog.Warn("transport.fallback needs both a streaming url and a chat url; fallback disabled")
	}

	// Commands
	if th := cfg.Commands.MatchThreshold; th <= 0 || th > 1 {
		add("commands.match_threshold %.2f is out of range (0, 1]", th)
	}

	// Journal
	if cfg.Journal.MemoryCapacity < 0 {
		add("journal.memory_capacity must not be negative")
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %v url", raw, schemes)
}
