// Package orchestrator implements the dialog orchestrator: the state machine
// that arbitrates between waiting for a wake event, listening for a local
// command and a cloud dialog session.
//
// All orchestrator state is owned by the goroutine running [Orchestrator.Run].
// Other goroutines talk to it through a mailbox: capture frames arrive via
// [Orchestrator.PostFrame] (never blocks, drops on overflow) and control
// events via [Orchestrator.Wake], [Orchestrator.Command], [Orchestrator.Exit]
// and friends. Network I/O never happens on the Run goroutine; finalized
// utterances are handed to a single transport worker through a bounded queue.
//
//	WaitingForWake ──wake──▶ Detected ──▶ ListeningForCommand ──match/timeout/fail──▶ WaitingForWake
//	                                 └──▶ Dialog ──exit/idle timeout──▶ WaitingForWake
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fawn/internal/command"
	"github.com/MrWong99/fawn/internal/journal"
	"github.com/MrWong99/fawn/internal/observe"
	"github.com/MrWong99/fawn/internal/segmenter"
	"github.com/MrWong99/fawn/pkg/audio"
	"github.com/MrWong99/fawn/pkg/audio/playback"
	"github.com/MrWong99/fawn/pkg/transport"
)

const (
	defaultCommandTimeout    = 6 * time.Second
	defaultSessionTimeout    = 20 * time.Second
	defaultIgnoreWindow      = 800 * time.Millisecond
	defaultQueueCapacity     = 4
	defaultFrameQueue        = 32
	defaultPrebufferMs       = 40
	defaultChunkWriteTimeout = 2 * time.Second

	// MinSessionTimeout is the smallest accepted dialog idle timeout.
	MinSessionTimeout = 5 * time.Second

	tickInterval   = 100 * time.Millisecond
	controlBacklog = 16
	handlerTimeout = 5 * time.Second
)

var (
	// ErrNoSpeaker is returned by [Orchestrator.Say] when no text-to-speech
	// service is configured.
	ErrNoSpeaker = errors.New("orchestrator: no speaker configured")

	// ErrBusy is returned by [Orchestrator.Say] while a turn is in progress.
	ErrBusy = errors.New("orchestrator: turn in progress")

	// ErrStopped is returned by mailbox posts after Run has returned.
	ErrStopped = errors.New("orchestrator: stopped")
)

// State is the orchestrator state.
type State int32

const (
	StateWaitingForWake State = iota
	StateDetected
	StateListeningForCommand
	StateDialog
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateWaitingForWake:
		return "waiting_for_wake"
	case StateDetected:
		return "detected"
	case StateListeningForCommand:
		return "listening_for_command"
	case StateDialog:
		return "dialog"
	default:
		return "unknown"
	}
}

// ── Collaborators ─────────────────────────────────────────────────────────────

// WakeControl is the external wake-word engine.
type WakeControl interface {
	// SetEnabled turns wake detection on or off.
	SetEnabled(enabled bool)
	// Reset clears the engine's internal matching state.
	Reset()
}

// CommandRecognizer is the external local command recognizer. Feed is called
// for every frame while commands are being listened for.
type CommandRecognizer interface {
	Feed(f audio.Frame) (command.ID, bool, error)
	Reset()
}

// TranscriptMatcher maps recognized text onto a local command.
type TranscriptMatcher interface {
	Match(text string) (command.ID, float64, bool)
}

// Player renders reply audio. *playback.Stream satisfies it.
type Player interface {
	Begin(sampleRate, prebufferMs int) (*playback.Handle, error)
	Write(h *playback.Handle, p []byte, timeout time.Duration) (int, error)
	End(h *playback.Handle) error
	Discard(h *playback.Handle) error
	IsIdle() bool
	WaitIdle(ctx context.Context) error
}

var _ Player = (*playback.Stream)(nil)

// ── Config ────────────────────────────────────────────────────────────────────

// Config holds the orchestrator tunables. Zero values take the defaults.
type Config struct {
	// DialogEnabled selects Dialog over ListeningForCommand after a wake.
	// It has no effect without a transport.
	DialogEnabled bool

	// CommandTimeout bounds ListeningForCommand. Default: 6s.
	CommandTimeout time.Duration

	// SessionTimeout ends a dialog after this much inactivity. Default: 20s,
	// values below [MinSessionTimeout] are raised to it.
	SessionTimeout time.Duration

	// IgnoreWindow is the time after a local command during which frames are
	// not treated as dialog speech. Default: 800ms.
	IgnoreWindow time.Duration

	// QueueCapacity is the depth of the utterance queue. Default: 4.
	QueueCapacity int

	// FrameQueue is the depth of the capture frame mailbox. Default: 32.
	FrameQueue int

	// PrebufferMs is passed to the player for every reply. Default: 40.
	PrebufferMs int

	// ChunkWriteTimeout bounds each playback write. Default: 2s.
	ChunkWriteTimeout time.Duration

	// Segmenter configures utterance segmentation.
	Segmenter segmenter.Config
}

func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	c.SessionTimeout = clampSessionTimeout(c.SessionTimeout)
	if c.IgnoreWindow < 0 {
		c.IgnoreWindow = 0
	} else if c.IgnoreWindow == 0 {
		c.IgnoreWindow = defaultIgnoreWindow
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.FrameQueue <= 0 {
		c.FrameQueue = defaultFrameQueue
	}
	if c.PrebufferMs <= 0 {
		c.PrebufferMs = defaultPrebufferMs
	}
	if c.ChunkWriteTimeout <= 0 {
		c.ChunkWriteTimeout = defaultChunkWriteTimeout
	}
	return c
}

func clampSessionTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultSessionTimeout
	}
	return max(d, MinSessionTimeout)
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithTransport sets the dialog transport. Without one, dialog mode is
// unavailable and wake events lead to command listening.
func WithTransport(t transport.Transport) Option {
	return func(o *Orchestrator) { o.transport = t }
}

// WithPlayer sets the reply audio player.
func WithPlayer(p Player) Option {
	return func(o *Orchestrator) { o.player = p }
}

// WithWake sets the wake engine control.
func WithWake(w WakeControl) Option {
	return func(o *Orchestrator) { o.wake = w }
}

// WithRecognizer sets the local command recognizer.
func WithRecognizer(r CommandRecognizer) Option {
	return func(o *Orchestrator) { o.recognizer = r }
}

// WithHandler sets the command handler. Default: [command.LogHandler].
func WithHandler(h command.Handler) Option {
	return func(o *Orchestrator) { o.handler = h }
}

// WithMatcher enables matching of service transcripts against the command
// catalog.
func WithMatcher(m TranscriptMatcher) Option {
	return func(o *Orchestrator) { o.matcher = m }
}

// WithSpeaker enables [Orchestrator.Say].
func WithSpeaker(s transport.Speaker) Option {
	return func(o *Orchestrator) { o.speaker = s }
}

// WithJournal records every finished turn.
func WithJournal(r journal.Recorder) Option {
	return func(o *Orchestrator) { o.journal = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNotify subscribes fn to orchestrator notifications. It may be given
// several times.
func WithNotify(fn func(Notification)) Option {
	return func(o *Orchestrator) { o.subscribers = append(o.subscribers, fn) }
}

// WithClock overrides the time source used for timeouts and the activity
// clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// ── Orchestrator ──────────────────────────────────────────────────────────────

type eventKind int

const (
	evWake eventKind = iota
	evCommand
	evExit
	evTranscript
)

type event struct {
	kind   eventKind
	id     command.ID
	source string
	text   string
}

// Session describes the active dialog session.
type Session struct {
	ID           string
	Mode         transport.Mode
	Started      time.Time
	LastActivity time.Time
	TurnBusy     bool
}

// Snapshot is a point-in-time view of the orchestrator.
type Snapshot struct {
	State         State
	Session       *Session
	Epoch         uint64
	DialogEnabled bool
	FramesSeen    int64
	FramesDropped int64
}

// Orchestrator is the dialog orchestrator. Create it with [New] and start it
// with [Orchestrator.Run].
type Orchestrator struct {
	cfg         Config
	transport   transport.Transport
	player      Player
	wake        WakeControl
	recognizer  CommandRecognizer
	handler     command.Handler
	matcher     TranscriptMatcher
	speaker     transport.Speaker
	journal     journal.Recorder
	metrics     *observe.Metrics
	subscribers []func(Notification)
	now         func() time.Time

	control     chan event
	frames      chan audio.Frame
	playbackSig chan struct{}
	queue       chan job
	stopped     chan struct{}
	running     atomic.Bool

	state          atomic.Int32
	epoch          atomic.Uint64
	busy           atomic.Uint64 // token of the job holding the turn, 0 when idle
	busySeq        atomic.Uint64
	lastActivity   atomic.Int64
	sessionTimeout atomic.Int64
	ignoreWindow   atomic.Int64
	framesSeen     atomic.Int64
	framesDropped  atomic.Int64

	// Owned by the Run goroutine.
	seg             *segmenter.Segmenter
	commandDeadline time.Time
	ignoreUntil     time.Time
	reportedDrops   int64

	sessMu  sync.Mutex
	session *Session

	turnMu     sync.Mutex
	turnCancel context.CancelCauseFunc

	handlers sync.WaitGroup
}

// New creates an Orchestrator. Dialog mode requires both a transport and a
// player.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:         cfg,
		now:         time.Now,
		playbackSig: make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.transport != nil && o.player == nil {
		return nil, errors.New("orchestrator: a transport requires a player")
	}
	if o.speaker != nil && o.player == nil {
		return nil, errors.New("orchestrator: a speaker requires a player")
	}
	if o.transport != nil {
		if err := cfg.Segmenter.Validate(); err != nil {
			return nil, fmt.Errorf("orchestrator: segmenter: %w", err)
		}
	}
	if o.wake == nil {
		o.wake = nopWake{}
	}
	if o.recognizer == nil {
		o.recognizer = nopRecognizer{}
	}
	if o.handler == nil {
		o.handler = command.NewLogHandler()
	}

	o.control = make(chan event, controlBacklog)
	o.frames = make(chan audio.Frame, cfg.FrameQueue)
	o.queue = make(chan job, cfg.QueueCapacity)
	o.sessionTimeout.Store(int64(cfg.SessionTimeout))
	o.ignoreWindow.Store(int64(cfg.IgnoreWindow))
	if cfg.Segmenter.SampleRate > 0 {
		o.seg = segmenter.New(cfg.Segmenter, segmenter.WithActivity(o.touch), segmenter.WithClock(o.now))
	}
	o.touch()
	return o, nil
}

// Run drives the orchestrator and its transport worker until ctx is
// cancelled. It must be called exactly once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator: already running")
	}
	defer close(o.stopped)

	o.wake.SetEnabled(true)
	slog.Info("orchestrator: started",
		"dialog", o.dialogAvailable(),
		"session_timeout", time.Duration(o.sessionTimeout.Load()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.runWorker(gctx) })
	g.Go(func() error { return o.loop(gctx) })
	err := g.Wait()
	o.handlers.Wait()
	return err
}

func (o *Orchestrator) loop(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer o.cancelTurn(errShutdown)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-o.control:
			o.handleEvent(ctx, ev)
		case f := <-o.frames:
			o.framesSeen.Add(1)
			o.handleFrame(ctx, f)
		case <-o.playbackSig:
			o.handlePlaybackChange()
		case <-ticker.C:
			o.tick()
		}
	}
}

// ── Mailbox ───────────────────────────────────────────────────────────────────

// PostFrame hands a capture frame to the orchestrator. It never blocks: when
// the mailbox is full the frame is dropped, counted and false is returned.
func (o *Orchestrator) PostFrame(f audio.Frame) bool {
	select {
	case o.frames <- f:
		return true
	default:
		o.framesDropped.Add(1)
		return false
	}
}

// Wake reports a wake event. It is ignored unless the orchestrator is
// waiting for one.
func (o *Orchestrator) Wake(ctx context.Context) error {
	return o.post(ctx, event{kind: evWake})
}

// Command reports a local command from an external trigger (for example the
// admin API). In ListeningForCommand or Dialog it behaves exactly like a
// recognizer match; while waiting for wake the command is executed without a
// state change.
func (o *Orchestrator) Command(ctx context.Context, id command.ID, source string) error {
	if !id.Valid() {
		return fmt.Errorf("orchestrator: unknown command %d", int(id))
	}
	return o.post(ctx, event{kind: evCommand, id: id, source: source})
}

// Exit requests the end of the current interaction.
func (o *Orchestrator) Exit(ctx context.Context) error {
	return o.post(ctx, event{kind: evExit})
}

// PostTranscript reports text recognized by the service. It never blocks;
// transcripts are dropped when the mailbox is full.
func (o *Orchestrator) PostTranscript(text string) {
	select {
	case o.control <- event{kind: evTranscript, text: text}:
	default:
		slog.Warn("orchestrator: mailbox full, transcript dropped")
	}
}

// PlaybackChanged must be called on every playback Idle/Playing transition.
// It never blocks.
func (o *Orchestrator) PlaybackChanged(playback.State) {
	select {
	case o.playbackSig <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) post(ctx context.Context, ev event) error {
	select {
	case o.control <- ev:
		return nil
	case <-o.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Hot reload ────────────────────────────────────────────────────────────────

// SetSessionTimeout replaces the dialog idle timeout. Values are clamped as
// in [Config].
func (o *Orchestrator) SetSessionTimeout(d time.Duration) {
	o.sessionTimeout.Store(int64(clampSessionTimeout(d)))
}

// SetIgnoreWindow replaces the post-command ignore window.
func (o *Orchestrator) SetIgnoreWindow(d time.Duration) {
	o.ignoreWindow.Store(int64(max(d, 0)))
}

// SetEnergyGate replaces the segmenter energy gate.
func (o *Orchestrator) SetEnergyGate(meanAbs int) {
	if o.seg != nil {
		o.seg.SetEnergyGate(meanAbs)
	}
}

// ── Introspection ─────────────────────────────────────────────────────────────

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// TurnBusy reports whether a turn is in flight.
func (o *Orchestrator) TurnBusy() bool {
	return o.busy.Load() != 0
}

// Snapshot returns a point-in-time view for status reporting.
func (o *Orchestrator) Snapshot() Snapshot {
	s := Snapshot{
		State:         o.State(),
		Epoch:         o.epoch.Load(),
		DialogEnabled: o.dialogAvailable(),
		FramesSeen:    o.framesSeen.Load(),
		FramesDropped: o.framesDropped.Load(),
	}
	o.sessMu.Lock()
	if o.session != nil {
		sess := *o.session
		sess.LastActivity = time.Unix(0, o.lastActivity.Load())
		sess.TurnBusy = o.busy.Load() != 0
		s.Session = &sess
	}
	o.sessMu.Unlock()
	return s
}

// ── Event handling (Run goroutine) ────────────────────────────────────────────

func (o *Orchestrator) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evWake:
		o.onWake(ctx)
	case evCommand:
		o.onCommand(ctx, ev.id, ev.source)
	case evExit:
		if o.State() != StateWaitingForWake {
			o.exitToWake(ctx, "exit requested")
		}
	case evTranscript:
		o.onTranscript(ctx, ev.text)
	}
}

func (o *Orchestrator) onWake(ctx context.Context) {
	if o.State() != StateWaitingForWake {
		slog.Debug("orchestrator: wake ignored", "state", o.State())
		return
	}
	o.metrics.RecordWake(ctx)
	o.setState(StateDetected)
	o.wake.SetEnabled(false)
	o.wake.Reset()
	o.recognizer.Reset()

	if o.cfg.DialogEnabled && o.dialogAvailable() {
		o.enterDialog(ctx)
		return
	}
	o.commandDeadline = o.now().Add(o.cfg.CommandTimeout)
	o.setState(StateListeningForCommand)
}

func (o *Orchestrator) onCommand(ctx context.Context, id command.ID, source string) {
	switch o.State() {
	case StateListeningForCommand:
		o.execute(ctx, id, source)
		o.exitToWake(ctx, "command matched")
	case StateDialog:
		o.interruptDialog(ctx, "local_command")
		o.execute(ctx, id, source)
	default:
		o.execute(ctx, id, source)
	}
}

func (o *Orchestrator) onTranscript(ctx context.Context, text string) {
	if o.State() != StateDialog || text == "" {
		return
	}
	o.emit(Notification{Kind: KindTranscript, Text: text})
	if o.matcher == nil {
		return
	}
	id, conf, ok := o.matcher.Match(text)
	if !ok {
		return
	}
	slog.Info("orchestrator: transcript matched local command",
		"command", id.String(),
		"confidence", conf,
	)
	o.onCommand(ctx, id, "transcript")
}

func (o *Orchestrator) handleFrame(ctx context.Context, f audio.Frame) {
	switch o.State() {
	case StateListeningForCommand:
		id, ok, err := o.recognizer.Feed(f)
		switch {
		case err != nil:
			slog.Warn("orchestrator: command recognizer failed", "err", err)
			o.exitToWake(ctx, "recognizer failure")
		case ok:
			o.onCommand(ctx, id, "recognizer")
		}
	case StateDialog:
		id, ok, err := o.recognizer.Feed(f)
		switch {
		case err != nil:
			slog.Warn("orchestrator: command recognizer failed", "err", err)
			o.recognizer.Reset()
		case ok:
			o.onCommand(ctx, id, "recognizer")
			return
		}
		o.feedDialog(ctx, f)
	}
}

func (o *Orchestrator) handlePlaybackChange() {
	if o.State() != StateDialog {
		return
	}
	// Local command matching restarts whenever self-playback starts or stops.
	o.recognizer.Reset()
	o.touch()
}

func (o *Orchestrator) tick() {
	now := o.now()
	switch o.State() {
	case StateListeningForCommand:
		if !now.Before(o.commandDeadline) {
			slog.Info("orchestrator: command timeout")
			o.exitToWake(context.Background(), "command timeout")
		}
	case StateDialog:
		idle := now.Sub(time.Unix(0, o.lastActivity.Load()))
		if idle >= time.Duration(o.sessionTimeout.Load()) {
			slog.Info("orchestrator: session timeout", "idle", idle)
			o.exitToWake(context.Background(), "session timeout")
		}
	}

	if dropped := o.framesDropped.Load(); dropped > o.reportedDrops {
		o.metrics.RecordFramesDropped(context.Background(), dropped-o.reportedDrops)
		o.reportedDrops = dropped
	}
}

// exitToWake returns to WaitingForWake, re-arming wake detection after the
// recognizers have been reset.
func (o *Orchestrator) exitToWake(ctx context.Context, reason string) {
	if o.State() == StateDialog {
		o.leaveDialog(ctx, reason)
	}
	o.recognizer.Reset()
	o.wake.Reset()
	o.wake.SetEnabled(true)
	o.setState(StateWaitingForWake)
	slog.Info("orchestrator: waiting for wake", "reason", reason)
}

func (o *Orchestrator) setState(s State) {
	prev := State(o.state.Swap(int32(s)))
	if prev == s {
		return
	}
	slog.Debug("orchestrator: state change", "from", prev, "to", s)
	o.emit(Notification{Kind: KindStateChanged, State: s, Previous: prev})
}

// execute runs the command handler off the Run goroutine.
func (o *Orchestrator) execute(ctx context.Context, id command.ID, source string) {
	o.metrics.RecordLocalCommand(ctx, id.String(), source)
	o.handlers.Add(1)
	go func() {
		defer o.handlers.Done()
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handlerTimeout)
		defer cancel()
		err := o.handler.Execute(hctx, id)
		if err != nil {
			slog.Warn("orchestrator: command failed", "command", id.String(), "err", err)
		}
		o.emit(Notification{Kind: KindCommandExecuted, Command: id, Text: source, Err: err})
	}()
}

func (o *Orchestrator) touch() {
	o.lastActivity.Store(o.now().UnixNano())
}

func (o *Orchestrator) dialogAvailable() bool {
	return o.transport != nil && o.seg != nil
}

// ── No-op collaborators ───────────────────────────────────────────────────────

type nopWake struct{}

func (nopWake) SetEnabled(bool) {}
func (nopWake) Reset()          {}

type nopRecognizer struct{}

func (nopRecognizer) Feed(audio.Frame) (command.ID, bool, error) { return 0, false, nil }
func (nopRecognizer) Reset()                                     {}
