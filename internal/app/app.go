// Package app wires all fawn subsystems into a running device.
//
// The App struct owns the full lifecycle: New opens the audio devices and
// builds the transport, journal and orchestrator, Run drives capture, the
// orchestrator, the streaming reconnector and the admin listener, and
// Shutdown tears everything down.
//
// For testing, inject test doubles via functional options (WithSource,
// WithOutput, WithTransport, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fawn/internal/command"
	"github.com/MrWong99/fawn/internal/config"
	"github.com/MrWong99/fawn/internal/control"
	"github.com/MrWong99/fawn/internal/devicestate"
	"github.com/MrWong99/fawn/internal/health"
	"github.com/MrWong99/fawn/internal/journal"
	"github.com/MrWong99/fawn/internal/observe"
	"github.com/MrWong99/fawn/internal/orchestrator"
	"github.com/MrWong99/fawn/internal/resilience"
	"github.com/MrWong99/fawn/internal/segmenter"
	"github.com/MrWong99/fawn/internal/session"
	"github.com/MrWong99/fawn/pkg/audio"
	"github.com/MrWong99/fawn/pkg/audio/device"
	"github.com/MrWong99/fawn/pkg/audio/playback"
	"github.com/MrWong99/fawn/pkg/provider/vad"
	"github.com/MrWong99/fawn/pkg/provider/vad/energy"
	"github.com/MrWong99/fawn/pkg/transport"
	"github.com/MrWong99/fawn/pkg/transport/httpchat"
	"github.com/MrWong99/fawn/pkg/transport/stream"
)

const (
	adminReadHeaderTimeout = 10 * time.Second
	adminShutdownTimeout   = 5 * time.Second
)

// App owns all subsystem lifetimes of one device.
type App struct {
	cfg      *config.Config
	level    *slog.LevelVar
	deviceID string

	// Injected or built in New.
	source    audio.FrameSource
	output    audio.Output
	transport transport.Transport
	speaker   transport.Speaker
	handler   command.Handler
	metrics   *observe.Metrics
	journal   journal.Store

	// Subsystems built in New.
	devctx      *device.Context
	player      *playback.Stream
	reconnector *session.Reconnector
	recorder    journal.Recorder
	matcher     *liveMatcher
	injector    *command.Injector
	wake        *orchestrator.WakeGate
	device      *devicestate.Machine
	orch        *orchestrator.Orchestrator
	admin       http.Handler

	running atomic.Bool

	// closers run in reverse registration order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects the capture frame source instead of opening the
// microphone.
func WithSource(s audio.FrameSource) Option {
	return func(a *App) { a.source = s }
}

// WithOutput injects the playback output instead of opening the speaker.
func WithOutput(o audio.Output) Option {
	return func(a *App) { a.output = o }
}

// WithTransport injects the dialog transport instead of building one from
// the transport section.
func WithTransport(t transport.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithSpeaker injects the announcement synthesiser.
func WithSpeaker(s transport.Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// WithHandler injects the local command handler. Default: a
// [command.LogHandler].
func WithHandler(h command.Handler) Option {
	return func(a *App) { a.handler = h }
}

// WithMetrics sets the metric instruments. Nil disables metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithJournal replaces the in-memory turn journal that /v1/status reads.
func WithJournal(j journal.Store) Option {
	return func(a *App) { a.journal = j }
}

// WithLevelVar sets the log level variable adjusted on config reload.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must have been
// validated. On error every resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		deviceID: cfg.Transport.DeviceID,
		handler:  command.NewLogHandler(),
		injector: command.NewInjector(),
		wake:     &orchestrator.WakeGate{},
		device:   devicestate.New(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}
	if a.deviceID == "" {
		a.deviceID = uuid.NewString()
	}

	if err := a.init(ctx); err != nil {
		a.runClosers(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Audio devices ─────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Turn journal ──────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return fmt.Errorf("app: init journal: %w", err)
	}

	// ── 3. Dialog transport ──────────────────────────────────────────────
	if err := a.initTransport(); err != nil {
		return fmt.Errorf("app: init transport: %w", err)
	}

	// ── 4. Orchestrator ──────────────────────────────────────────────────
	if err := a.initOrchestrator(); err != nil {
		return fmt.Errorf("app: init orchestrator: %w", err)
	}

	// ── 5. Admin API ─────────────────────────────────────────────────────
	a.initAdmin()
	return nil
}

func (a *App) initAudio() error {
	ac := a.cfg.Audio
	openSource := a.source == nil && ac.Source == config.SourceDevice
	openOutput := a.output == nil && ac.Output == config.OutputDevice

	if openSource || openOutput {
		dc, err := device.Open()
		if err != nil {
			return err
		}
		a.devctx = dc
		a.closers = append(a.closers, dc.Close)
	}

	if openSource {
		tagger, err := energy.New().NewSession(vad.Config{
			SampleRate:       ac.SampleRate,
			FrameSizeMs:      ac.FrameMs,
			SpeechThreshold:  a.cfg.VAD.SpeechThreshold,
			SilenceThreshold: a.cfg.VAD.SilenceThreshold,
		})
		if err != nil {
			return fmt.Errorf("vad: %w", err)
		}
		a.closers = append(a.closers, tagger.Close)

		capture, err := a.devctx.OpenCapture(device.CaptureConfig{
			SampleRate: ac.SampleRate,
			FrameMs:    ac.FrameMs,
			VAD:        tagger,
		})
		if err != nil {
			return err
		}
		a.source = capture
		a.closers = append(a.closers, capture.Close)
	}

	if a.output == nil {
		if openOutput {
			out, err := a.devctx.OpenPlayback(device.PlaybackConfig{
				SampleRate: ac.OutputSampleRate,
				Channels:   ac.OutputChannels,
				BufferMs:   ac.OutputBufferMs,
			})
			if err != nil {
				return err
			}
			a.output = out
			a.closers = append(a.closers, out.Close)
		} else {
			a.output = device.NewNullOutput(audio.Format{
				SampleRate: ac.OutputSampleRate,
				Channels:   ac.OutputChannels,
			})
		}
	}

	a.player = playback.New(a.output,
		playback.WithStateFunc(a.onPlaybackState),
		playback.WithUnderflowFunc(func() { a.metrics.RecordUnderflow(context.Background()) }),
	)
	slog.Info("app: audio ready", "source", ac.Source, "output", a.output.Format())
	return nil
}

func (a *App) initJournal(ctx context.Context) error {
	if a.journal == nil {
		a.journal = journal.NewMemoryStore(a.cfg.Journal.MemoryCapacity)
	}
	a.recorder = a.journal

	if dsn := a.cfg.Journal.PostgresDSN; dsn != "" {
		pg, err := journal.Open(ctx, dsn)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		a.recorder = journal.Tee{a.journal, pg}
		slog.Info("app: postgres journal enabled")
	}
	return nil
}

func (a *App) initTransport() error {
	if a.transport == nil {
		plan := a.cfg.Plan()
		switch plan.Primary {
		case config.TransportStreaming:
			sc, err := a.newStreamClient()
			if err != nil {
				return err
			}
			a.transport = sc
			if plan.Fallback {
				hc, err := a.newChatClient(plan)
				if err != nil {
					sc.Close()
					return err
				}
				fb := resilience.NewTransportFallback(sc, string(config.TransportStreaming), resilience.FallbackConfig{})
				fb.AddFallback(string(config.TransportRequestResponse), hc)
				a.transport = fb
			}
		case config.TransportRequestResponse:
			hc, err := a.newChatClient(plan)
			if err != nil {
				return err
			}
			a.transport = hc
		}
		if a.transport != nil {
			a.closers = append(a.closers, a.transport.Close)
			slog.Info("app: dialog transport ready",
				"primary", plan.Primary,
				"fallback", plan.Fallback,
				"reply_format", plan.ReplyFormat,
			)
		} else {
			slog.Info("app: dialog mode disabled, wake events listen for local commands")
		}
	}

	if a.speaker == nil && a.cfg.Transport.HTTP.TTSURL != "" {
		sp, err := httpchat.NewSpeaker(a.cfg.Transport.HTTP.TTSURL, a.httpOptions()...)
		if err != nil {
			return err
		}
		a.speaker = sp
	}
	return nil
}

func (a *App) newStreamClient() (*stream.Client, error) {
	s := a.cfg.Transport.Streaming
	c, err := stream.New(s.URL,
		stream.WithDeviceID(a.deviceID),
		stream.WithSampleRate(a.cfg.Audio.SampleRate),
		stream.WithAudioFormat(stream.AudioFormat(s.AudioFormat)),
		stream.WithHelloTimeout(config.Ms(s.HelloTimeoutMs)),
		stream.WithSTTTimeout(config.Ms(s.STTTimeoutMs)),
		stream.WithTurnCeiling(config.Ms(s.TurnCeilingMs)),
		stream.WithOnTranscript(a.onTranscript),
		stream.WithOnDisconnect(a.onDisconnect),
		stream.WithOnStateChange(a.onStreamState),
	)
	if err != nil {
		return nil, err
	}

	a.reconnector = session.NewReconnector(session.ReconnectorConfig{
		Connector: c,
		Name:      "stream",
		Interval:  config.Ms(s.ReconnectIntervalMs),
		OnReconnect: func() {
			slog.Info("app: streaming session restored", "session_id", c.SessionID())
		},
	})
	a.closers = append(a.closers, func() error {
		a.reconnector.Stop()
		return nil
	})
	return c, nil
}

func (a *App) newChatClient(plan config.TransportPlan) (*httpchat.Client, error) {
	opts := append(a.httpOptions(), httpchat.WithReplyFormat(httpchat.ReplyFormat(plan.ReplyFormat)))
	return httpchat.New(plan.ChatURL, opts...)
}

func (a *App) httpOptions() []httpchat.Option {
	h := a.cfg.Transport.HTTP
	return []httpchat.Option{
		httpchat.WithTimeout(config.Ms(h.TimeoutMs)),
		httpchat.WithDeviceID(a.deviceID),
		httpchat.WithMaxResponseBytes(h.MaxResponseBytes),
		httpchat.WithRequestHook(logRequest),
	}
}

func logRequest(endpoint string, status int, elapsed time.Duration) {
	slog.Debug("app: dialog request", "endpoint", endpoint, "status", status, "elapsed", elapsed)
}

func (a *App) initOrchestrator() error {
	d := a.cfg.Dialog
	g := a.cfg.Segmenter
	cfg := orchestrator.Config{
		DialogEnabled:     d.Enabled != nil && *d.Enabled,
		CommandTimeout:    config.Ms(d.CommandTimeoutMs),
		SessionTimeout:    config.Ms(d.SessionTimeoutMs),
		IgnoreWindow:      config.Ms(d.LocalCommandIgnoreMs),
		QueueCapacity:     d.QueueCapacity,
		PrebufferMs:       d.PrebufferMs,
		ChunkWriteTimeout: config.Ms(d.ChunkWriteTimeoutMs),
		Segmenter: segmenter.Config{
			SampleRate:     a.cfg.Audio.SampleRate,
			MinSpeechMs:    g.MinSpeechMs,
			EndSilenceMs:   g.EndSilenceMs,
			MaxUtteranceMs: g.MaxUtteranceMs,
			MaxBufferMs:    g.MaxBufferMs,
			EnergyGate:     g.EnergyGate,
		},
	}

	opts := []orchestrator.Option{
		orchestrator.WithPlayer(a.player),
		orchestrator.WithWake(a.wake),
		orchestrator.WithRecognizer(a.injector),
		orchestrator.WithHandler(a.handler),
		orchestrator.WithJournal(a.recorder),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithNotify(devicestate.Follow(a.device).Notify),
	}
	if a.transport != nil {
		opts = append(opts, orchestrator.WithTransport(a.transport))
	}
	if a.speaker != nil {
		opts = append(opts, orchestrator.WithSpeaker(a.speaker))
	}
	if mt := a.cfg.Commands.MatchTranscripts; mt == nil || *mt {
		a.matcher = newLiveMatcher(a.cfg.Commands.MatchThreshold)
		opts = append(opts, orchestrator.WithMatcher(a.matcher))
	}

	o, err := orchestrator.New(cfg, opts...)
	if err != nil {
		return err
	}
	a.orch = o
	return nil
}

func (a *App) initAdmin() {
	mux := http.NewServeMux()
	health.New(
		health.ReadyFunc("orchestrator", a.running.Load),
		health.ReadyFunc("transport", a.transportReady),
	).Register(mux)
	control.New(a.orch,
		control.WithDevice(a.device),
		control.WithJournal(a.journal),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.admin = observe.Middleware(a.metrics)(mux)
}

// transportReady reports a usable transport. A busy turn counts as ready
// since the transport is serving it.
func (a *App) transportReady() bool {
	return a.transport == nil || a.orch.TurnBusy() || a.transport.IsReady()
}

// ─── Callbacks ───────────────────────────────────────────────────────────────

func (a *App) onPlaybackState(s playback.State) {
	if a.orch != nil {
		a.orch.PlaybackChanged(s)
	}
}

func (a *App) onTranscript(text string) {
	if a.orch != nil {
		a.orch.PostTranscript(text)
	}
}

func (a *App) onDisconnect(err error) {
	slog.Warn("app: streaming session lost", "err", err)
	if a.reconnector != nil {
		a.reconnector.NotifyDisconnect()
	}
}

// onStreamState runs with the stream client's lock held.
func (a *App) onStreamState(from, to stream.State) {
	switch {
	case from < stream.StateConnected && to >= stream.StateConnected:
		a.metrics.SetTransportConnected(context.Background(), true)
	case from >= stream.StateConnected && to == stream.StateIdle:
		a.metrics.SetTransportConnected(context.Background(), false)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the device until ctx is cancelled or a subsystem fails. It must
// be called once.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.running.Store(true)
		defer a.running.Store(false)
		return a.orch.Run(gctx)
	})
	if a.source != nil {
		g.Go(func() error { return a.capture(gctx) })
	}
	if a.reconnector != nil {
		g.Go(func() error {
			if err := a.reconnector.Connect(gctx); err != nil {
				slog.Warn("app: streaming connect failed, retrying", "err", err)
			}
			return a.reconnector.Run(gctx)
		})
	}
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		g.Go(func() error { return a.serveAdmin(gctx, addr) })
	}

	slog.Info("app running",
		"device_id", a.deviceID,
		"capture", a.source != nil,
		"dialog", a.transport != nil,
	)
	return g.Wait()
}

// capture forwards frames from the source to the orchestrator until the
// source ends.
func (a *App) capture(ctx context.Context) error {
	type dropCounter interface{ Dropped() int64 }
	var reported int64

	for {
		f, err := a.source.PollFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, device.ErrCaptureClosed) {
				slog.Info("app: capture stopped")
				return nil
			}
			return fmt.Errorf("app: capture: %w", err)
		}
		a.orch.PostFrame(f)

		if dc, ok := a.source.(dropCounter); ok {
			if n := dc.Dropped(); n > reported {
				a.metrics.RecordFramesDropped(ctx, n-reported)
				reported = n
			}
		}
	}
}

func (a *App) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.admin,
		ReadHeaderTimeout: adminReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("app: admin listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: admin listener: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("app: admin shutdown", "err", err)
	}
	return nil
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// It is the callback for [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
	}
	if d.SessionTimeoutChanged {
		a.orch.SetSessionTimeout(config.Ms(d.NewSessionTimeoutMs))
	}
	if d.IgnoreWindowChanged {
		a.orch.SetIgnoreWindow(config.Ms(d.NewIgnoreWindowMs))
	}
	if d.EnergyGateChanged {
		a.orch.SetEnergyGate(d.NewEnergyGate)
	}
	if d.MatchThresholdChanged && a.matcher != nil {
		a.matcher.setThreshold(d.NewMatchThreshold)
	}

	if d.Changed() {
		slog.Info("app: config reloaded",
			"log_level", new.Server.LogLevel,
			"session_timeout_ms", new.Dialog.SessionTimeoutMs,
			"ignore_ms", new.Dialog.LocalCommandIgnoreMs,
			"energy_gate", new.Segmenter.EnergyGate,
			"match_threshold", new.Commands.MatchThreshold,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes take effect after restart", "sections", d.RestartRequired)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the admin HTTP handler: health, control API and metrics.
func (a *App) Handler() http.Handler { return a.admin }

// Orchestrator returns the dialog orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Device returns the device status machine.
func (a *App) Device() *devicestate.Machine { return a.device }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases all resources. Cancel the Run context first. Safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		shutdownErr = a.runClosers(ctx)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}

// ─── Matcher ─────────────────────────────────────────────────────────────────

// liveMatcher swaps the immutable [command.Matcher] when the match threshold
// is reloaded.
type liveMatcher struct {
	m atomic.Pointer[command.Matcher]
}

var _ orchestrator.TranscriptMatcher = (*liveMatcher)(nil)

func newLiveMatcher(threshold float64) *liveMatcher {
	l := &liveMatcher{}
	l.setThreshold(threshold)
	return l
}

func (l *liveMatcher) setThreshold(threshold float64) {
	l.m.Store(command.NewMatcher(command.DefaultCatalog(), command.WithMatchThreshold(threshold)))
}

// Match implements [orchestrator.TranscriptMatcher].
func (l *liveMatcher) Match(text string) (command.ID, float64, bool) {
	return l.m.Load().Match(text)
}
