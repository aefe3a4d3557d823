// Package stream implements the streaming dialog transport: a persistent
// WebSocket session carrying JSON control messages and binary audio.
//
// Session lifecycle:
//
//	Idle → Connecting → Connected ⇄ Listening → WaitingForResponse → Speaking → Connected
//
// [Client.Connect] dials, sends the client hello and waits for the server
// hello, adopting its session ID and playback sample rate. Each turn sends
// listen start, the utterance as binary audio frames, then listen stop. The
// server may answer with an stt message (the recognized text), then tts start,
// binary audio, and tts stop, which ends the turn.
//
// A watchdog resets a turn that waits too long for the server's reply
// ([WithSTTTimeout]) and aborts a turn that stays busy beyond a hard ceiling
// ([WithTurnCeiling]); neither tears down the connection. A read error tears
// down the session and fires the [WithOnDisconnect] callback so a reconnector
// can schedule a new Connect.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/fawn/pkg/audio"
	"github.com/MrWong99/fawn/pkg/codec/opus"
	"github.com/MrWong99/fawn/pkg/transport"
)

// Compile-time interface assertion.
var _ transport.Transport = (*Client)(nil)

const (
	defaultSampleRate   = 16000
	defaultHelloTimeout = 10 * time.Second
	defaultSTTTimeout   = 10 * time.Second
	defaultTurnCeiling  = 20 * time.Second

	// FrameDurationMs is the duration of each binary audio frame sent upstream.
	FrameDurationMs = 60

	watchdogInterval = 500 * time.Millisecond
	controlTimeout   = 2 * time.Second
	replyBuffer      = 64

	// Header names sent on the upgrade request.
	HeaderProtocolVersion = "Protocol-Version"
	HeaderDeviceID        = "Device-Id"
	HeaderClientID        = "Client-Id"
)

var (
	// ErrSTTTimeout ends a reply when the server did not answer the
	// utterance in time.
	ErrSTTTimeout = errors.New("stream: no response before stt timeout")

	// ErrTurnCeiling ends a reply when the turn stayed busy beyond the hard
	// ceiling.
	ErrTurnCeiling = errors.New("stream: turn exceeded ceiling")

	// ErrHelloTimeout is returned by Connect when the server hello does not
	// arrive in time.
	ErrHelloTimeout = errors.New("stream: server hello timeout")
)

var tracer = otel.Tracer("github.com/MrWong99/fawn/pkg/transport/stream")

// State is the session state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateListening
	StateWaitingForResponse
	StateSpeaking
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateWaitingForResponse:
		return "waiting_for_response"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for [Client].
type Option func(*Client)

// WithDeviceID sets the Device-Id header.
func WithDeviceID(id string) Option {
	return func(c *Client) { c.deviceID = id }
}

// WithClientID sets the Client-Id header. Default: a random UUID.
func WithClientID(id string) Option {
	return func(c *Client) { c.clientID = id }
}

// WithSampleRate sets the capture sample rate announced in the hello. It is
// also the playback rate when the server does not negotiate one.
func WithSampleRate(rate int) Option {
	return func(c *Client) { c.sampleRate = rate }
}

// WithAudioFormat selects pcm or opus binary audio. Default: pcm.
func WithAudioFormat(f AudioFormat) Option {
	return func(c *Client) { c.format = f }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHelloTimeout bounds the wait for the server hello. Default: 10s.
func WithHelloTimeout(d time.Duration) Option {
	return func(c *Client) { c.helloTimeout = d }
}

// WithSTTTimeout bounds WaitingForResponse. Default: 10s.
func WithSTTTimeout(d time.Duration) Option {
	return func(c *Client) { c.sttTimeout = d }
}

// WithTurnCeiling bounds a whole turn. Default: 20s.
func WithTurnCeiling(d time.Duration) Option {
	return func(c *Client) { c.turnCeiling = d }
}

// WithOnTranscript registers a callback for server recognition results.
// It runs on the reader goroutine and must not block.
func WithOnTranscript(fn func(text string)) Option {
	return func(c *Client) { c.onTranscript = fn }
}

// WithOnDisconnect registers a callback fired when an established session is
// lost. It is not fired by [Client.Close].
func WithOnDisconnect(fn func(err error)) Option {
	return func(c *Client) { c.onDisconnect = fn }
}

// WithOnStateChange registers a callback fired on every state transition. It
// runs with the client's lock held and must not call back into the Client.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(c *Client) { c.onState = fn }
}

// ── Client ────────────────────────────────────────────────────────────────────

// conn holds per-connection state.
type conn struct {
	link   Link
	cancel context.CancelFunc
	ctx    context.Context
	hello  chan Message
	asm    *Assembler
	dec    *opus.Decoder
}

// Client is the streaming [transport.Transport]. It is safe for concurrent
// use.
//
// Speech the server starts while no local turn is open has no reply to
// deliver into: its audio is dropped and the turn ceiling returns the client
// to Connected if the server never sends tts stop.
type Client struct {
	url          string
	deviceID     string
	clientID     string
	sampleRate   int
	format       AudioFormat
	dialer       Dialer
	helloTimeout time.Duration
	sttTimeout   time.Duration
	turnCeiling  time.Duration
	onTranscript func(string)
	onDisconnect func(error)
	onState      func(from, to State)
	now          func() time.Time

	mu           sync.Mutex
	state        State
	cur          *conn
	sessionID    string
	playbackRate int
	turn         *transport.Turn
	reply        *transport.Reply
	turnStarted  time.Time
	waitingSince time.Time
	closed       bool
}

// New creates a Client for the server at url ("ws://" or "wss://"). The
// client starts Idle; call [Client.Connect].
func New(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("stream: url must not be empty")
	}
	c := &Client{
		url:          url,
		clientID:     uuid.NewString(),
		sampleRate:   defaultSampleRate,
		format:       FormatPCM,
		dialer:       WebSocketDialer{},
		helloTimeout: defaultHelloTimeout,
		sttTimeout:   defaultSTTTimeout,
		turnCeiling:  defaultTurnCeiling,
		now:          time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if !c.format.IsValid() {
		return nil, fmt.Errorf("stream: unsupported audio format %q", c.format)
	}
	if c.sampleRate <= 0 {
		return nil, fmt.Errorf("stream: invalid sample rate %d", c.sampleRate)
	}
	c.playbackRate = c.sampleRate
	return c, nil
}

// Mode implements [transport.Transport].
func (c *Client) Mode() transport.Mode { return transport.ModeStreaming }

// IsReady implements [transport.Transport]: the session is connected and no
// turn is in progress.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// IsConnected reports whether a session is established, busy or not.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state >= StateConnected
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session ID, empty when not connected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// PlaybackRate returns the sample rate of reply audio negotiated in the hello.
func (c *Client) PlaybackRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playbackRate
}

// Connect establishes the session. It is a no-op unless the client is Idle.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	header := http.Header{}
	header.Set(HeaderProtocolVersion, strconv.Itoa(ProtocolVersion))
	if c.deviceID != "" {
		header.Set(HeaderDeviceID, c.deviceID)
	}
	header.Set(HeaderClientID, c.clientID)

	link, err := c.dialer.Dial(ctx, c.url, header)
	if err != nil {
		c.resetToIdle()
		return &transport.NetworkError{Op: "dial", Err: err}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	cn := &conn{
		link:   link,
		ctx:    connCtx,
		cancel: cancel,
		hello:  make(chan Message, 1),
		asm:    NewAssembler(DefaultMaxText, c.format == FormatPCM),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = link.Close("client closed")
		return transport.ErrClosed
	}
	c.cur = cn
	c.mu.Unlock()

	go c.readLoop(cn)

	if err := c.writeJSON(ctx, cn, ClientHello(c.format, c.sampleRate, FrameDurationMs)); err != nil {
		c.teardown(cn, nil)
		return &transport.NetworkError{Op: "send hello", Err: err}
	}

	timer := time.NewTimer(c.helloTimeout)
	defer timer.Stop()
	var hello Message
	select {
	case hello = <-cn.hello:
	case <-timer.C:
		c.teardown(cn, nil)
		return ErrHelloTimeout
	case <-cn.ctx.Done():
		return &transport.NetworkError{Op: "await hello", Err: errors.New("connection lost")}
	case <-ctx.Done():
		c.teardown(cn, nil)
		return ctx.Err()
	}

	rate := c.sampleRate
	if hello.AudioParams != nil && hello.AudioParams.SampleRate > 0 {
		rate = hello.AudioParams.SampleRate
	}
	var dec *opus.Decoder
	if c.format == FormatOpus {
		dec, err = opus.NewDecoder(rate)
		if err != nil {
			c.teardown(cn, nil)
			return err
		}
	}

	c.mu.Lock()
	if c.cur != cn {
		c.mu.Unlock()
		return &transport.NetworkError{Op: "await hello", Err: errors.New("connection lost")}
	}
	cn.dec = dec
	c.sessionID = hello.SessionID
	c.playbackRate = rate
	c.turn = nil
	c.reply = nil
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	slog.Info("stream: session established", "session_id", hello.SessionID, "playback_rate", rate, "format", c.format)
	go c.watchdog(cn)
	return nil
}

// StartTurn implements [transport.Transport].
func (c *Client) StartTurn(ctx context.Context) (*transport.Turn, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, transport.ErrNotReady
	}
	cn := c.cur
	turn := transport.NewTurn(transport.ModeStreaming, c.sessionID)
	c.turn = turn
	c.reply = transport.NewReply(c.playbackRate, replyBuffer)
	c.turnStarted = c.now()
	c.setStateLocked(StateListening)
	sid := c.sessionID
	c.mu.Unlock()

	if err := c.writeJSON(ctx, cn, ListenStart(sid)); err != nil {
		netErr := &transport.NetworkError{Op: "listen start", Err: err}
		c.endTurn(turn, netErr)
		return nil, netErr
	}
	return turn, nil
}

// SendUtterance implements [transport.Transport]. It streams utt as binary
// frames of [FrameDurationMs], sends listen stop and returns the reply.
func (c *Client) SendUtterance(ctx context.Context, turn *transport.Turn, utt audio.Utterance) (*transport.Reply, error) {
	c.mu.Lock()
	if turn == nil || c.turn == nil || c.turn.ID != turn.ID {
		c.mu.Unlock()
		return nil, transport.ErrAborted
	}
	if c.state != StateListening {
		c.mu.Unlock()
		return nil, transport.ErrNotReady
	}
	cn := c.cur
	reply := c.reply
	sid := c.sessionID
	c.mu.Unlock()

	_, span := tracer.Start(ctx, "stream.turn", trace.WithAttributes(
		attribute.String("turn.id", turn.ID),
		attribute.String("session.id", sid),
		attribute.String("audio.format", string(c.format)),
		attribute.Int("utterance.samples", len(utt.Samples)),
	))

	if err := c.sendAudio(ctx, cn, turn, utt); err != nil {
		if c.isCurrent(turn) {
			err = &transport.NetworkError{Op: "send audio", Err: err}
			c.endTurn(turn, err)
			endSpan(span, err)
			return nil, err
		}
		endSpan(span, transport.ErrAborted)
		return nil, transport.ErrAborted
	}
	// Move to WaitingForResponse before listen stop goes out so an early
	// tts start is accepted.
	c.mu.Lock()
	if c.turn == nil || c.turn.ID != turn.ID {
		c.mu.Unlock()
		endSpan(span, transport.ErrAborted)
		return nil, transport.ErrAborted
	}
	if c.state == StateListening {
		c.waitingSince = c.now()
		c.setStateLocked(StateWaitingForResponse)
	}
	c.mu.Unlock()

	if err := c.writeJSON(ctx, cn, ListenStop(sid)); err != nil {
		err = &transport.NetworkError{Op: "listen stop", Err: err}
		c.endTurn(turn, err)
		endSpan(span, err)
		return nil, err
	}
	go func() {
		<-reply.Done()
		endSpan(span, reply.Err())
	}()
	return reply, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Abort implements [transport.Transport]: it sends an abort message and
// resets per-turn state. The connection stays up.
func (c *Client) Abort(turn *transport.Turn, reason string) {
	c.mu.Lock()
	if turn == nil || c.turn == nil || c.turn.ID != turn.ID {
		c.mu.Unlock()
		return
	}
	cn := c.cur
	sid := c.sessionID
	c.mu.Unlock()

	slog.Info("stream: abort turn", "turn_id", turn.ID, "reason", reason)
	c.endTurn(turn, transport.ErrAborted)

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := c.writeJSON(ctx, cn, AbortMessage(sid, reason)); err != nil {
		slog.Warn("stream: send abort failed", "err", err)
	}
}

// Close implements [transport.Transport].
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cn := c.cur
	c.mu.Unlock()

	if cn != nil {
		c.teardown(cn, nil)
	}
	return nil
}

// ── internals ────────────────────────────────────────────────────────────────

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	slog.Debug("stream: state", "from", from, "to", s)
	if c.onState != nil {
		c.onState(from, s)
	}
}

func (c *Client) resetToIdle() {
	c.mu.Lock()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
}

func (c *Client) isCurrent(turn *transport.Turn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn != nil && c.turn.ID == turn.ID
}

// endTurn clears turn if it is current and finishes its reply with err.
func (c *Client) endTurn(turn *transport.Turn, err error) {
	c.mu.Lock()
	if c.turn == nil || c.turn.ID != turn.ID {
		c.mu.Unlock()
		return
	}
	reply := c.reply
	c.turn = nil
	c.reply = nil
	if c.state > StateConnected {
		c.setStateLocked(StateConnected)
	}
	c.mu.Unlock()
	if reply != nil {
		reply.Finish(err)
	}
}

// teardown closes cn and, if it was the active connection, resets the
// session. cause is passed to the disconnect callback; nil suppresses it.
func (c *Client) teardown(cn *conn, cause error) {
	cn.cancel()
	_ = cn.link.Close("session closed")

	c.mu.Lock()
	if c.cur != cn {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	reply := c.reply
	c.turn = nil
	c.reply = nil
	c.sessionID = ""
	c.setStateLocked(StateIdle)
	notify := cause != nil && !c.closed
	c.mu.Unlock()

	if reply != nil {
		err := cause
		if err == nil {
			err = transport.ErrClosed
		}
		reply.Finish(&transport.NetworkError{Op: "session", Err: err})
	}
	if notify {
		slog.Warn("stream: session lost", "err", cause)
		if c.onDisconnect != nil {
			c.onDisconnect(cause)
		}
	}
}

func (c *Client) writeJSON(ctx context.Context, cn *conn, m Message) error {
	if cn == nil {
		return transport.ErrNotReady
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("stream: marshal %s: %w", m.Type, err)
	}
	return cn.link.WriteText(ctx, data)
}

// sendAudio streams utt as binary frames, stopping early once turn is no
// longer current.
func (c *Client) sendAudio(ctx context.Context, cn *conn, turn *transport.Turn, utt audio.Utterance) error {
	frame := opus.FrameSamples(utt.SampleRate, FrameDurationMs)
	if frame <= 0 {
		return fmt.Errorf("stream: invalid utterance sample rate %d", utt.SampleRate)
	}
	var enc *opus.Encoder
	if c.format == FormatOpus {
		var err error
		if enc, err = opus.NewEncoder(utt.SampleRate, FrameDurationMs); err != nil {
			return err
		}
	}
	samples := utt.Samples
	for len(samples) > 0 {
		if !c.isCurrent(turn) {
			return transport.ErrAborted
		}
		n := min(frame, len(samples))
		var payload []byte
		if enc != nil {
			packet, err := enc.Encode(samples[:n])
			if err != nil {
				return err
			}
			payload = packet
		} else {
			payload = audio.SamplesToBytes(samples[:n])
		}
		if err := cn.link.WriteBinary(ctx, payload); err != nil {
			return err
		}
		samples = samples[n:]
	}
	return nil
}

// readLoop owns the link's read side for the lifetime of cn.
func (c *Client) readLoop(cn *conn) {
	for {
		f, err := cn.link.Next(cn.ctx)
		if err != nil {
			if cn.ctx.Err() != nil {
				c.teardown(cn, nil)
				return
			}
			c.teardown(cn, err)
			return
		}
		frame, ok, aerr := cn.asm.Push(f)
		if aerr != nil {
			c.protocolError(&transport.ProtocolError{State: c.State().String(), Msg: "fragment dropped", Err: aerr})
		}
		if !ok {
			continue
		}
		switch frame.Opcode {
		case OpText:
			c.handleText(cn, frame.Payload)
		case OpBinary:
			c.handleBinary(cn, frame.Payload)
		}
	}
}

func (c *Client) protocolError(err *transport.ProtocolError) {
	slog.Warn("stream: protocol error", "err", err)
}

func (c *Client) handleText(cn *conn, data []byte) {
	m, err := ParseMessage(data)
	if err != nil {
		c.protocolError(&transport.ProtocolError{State: c.State().String(), Msg: "malformed message", Err: err})
		return
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if m.Type == TypeHello {
		if state != StateConnecting {
			c.protocolError(&transport.ProtocolError{State: state.String(), Msg: "unexpected hello"})
			return
		}
		select {
		case cn.hello <- m:
		default:
		}
		return
	}
	if state == StateIdle || state == StateConnecting {
		c.protocolError(&transport.ProtocolError{State: state.String(), Msg: "unexpected " + m.Type})
		return
	}

	switch m.Type {
	case TypeSTT:
		c.handleSTT(m.Text)
	case TypeTTS:
		c.handleTTS(m)
	case TypeLLM:
		slog.Debug("stream: llm", "emotion", m.Emotion, "text", m.Text)
	default:
		slog.Debug("stream: ignoring message", "type", m.Type)
	}
}

func (c *Client) handleSTT(text string) {
	c.mu.Lock()
	reply := c.reply
	c.mu.Unlock()
	slog.Info("stream: stt", "text", text)
	if reply != nil {
		reply.SetTranscript(text)
	}
	if c.onTranscript != nil && text != "" {
		c.onTranscript(text)
	}
}

func (c *Client) handleTTS(m Message) {
	c.mu.Lock()
	switch m.State {
	case StateStart:
		if c.state != StateWaitingForResponse && c.state != StateConnected {
			state := c.state
			c.mu.Unlock()
			c.protocolError(&transport.ProtocolError{State: state.String(), Msg: "tts start ignored"})
			return
		}
		if c.turn == nil {
			c.turnStarted = c.now()
			slog.Debug("stream: server speech without a local turn, dropping audio", "session_id", c.sessionID)
		}
		c.setStateLocked(StateSpeaking)
		c.mu.Unlock()

	case StateStop:
		if c.state != StateSpeaking && c.state != StateWaitingForResponse {
			state := c.state
			c.mu.Unlock()
			c.protocolError(&transport.ProtocolError{State: state.String(), Msg: "tts stop ignored"})
			return
		}
		reply := c.reply
		c.turn = nil
		c.reply = nil
		c.setStateLocked(StateConnected)
		c.mu.Unlock()
		if reply != nil {
			reply.Finish(nil)
		}

	case StateSentenceStart:
		c.mu.Unlock()
		slog.Debug("stream: tts sentence", "text", m.Text)

	default:
		c.mu.Unlock()
		slog.Debug("stream: ignoring tts state", "state", m.State)
	}
}

func (c *Client) handleBinary(cn *conn, payload []byte) {
	c.mu.Lock()
	state := c.state
	reply := c.reply
	dec := cn.dec
	c.mu.Unlock()

	if state != StateSpeaking || reply == nil {
		slog.Debug("stream: dropping audio outside speaking", "state", state, "bytes", len(payload))
		return
	}

	pcm := payload
	if dec != nil {
		samples, err := dec.Decode(payload)
		if err != nil {
			c.protocolError(&transport.ProtocolError{State: state.String(), Msg: "undecodable audio", Err: err})
			return
		}
		pcm = audio.SamplesToBytes(samples)
	}
	if err := reply.Send(cn.ctx, pcm); err != nil && !errors.Is(err, transport.ErrAborted) {
		slog.Debug("stream: reply send", "err", err)
	}
}

// watchdog enforces the stt timeout and the turn ceiling while cn is active.
func (c *Client) watchdog(cn *conn) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cn.ctx.Done():
			return
		case <-ticker.C:
			c.checkTurn(cn)
		}
	}
}

func (c *Client) checkTurn(cn *conn) {
	c.mu.Lock()
	if c.cur != cn {
		c.mu.Unlock()
		return
	}
	now := c.now()
	if c.turn == nil {
		c.checkOrphanLocked(cn, now)
		return
	}
	turn := c.turn
	sid := c.sessionID
	overCeiling := now.Sub(c.turnStarted) > c.turnCeiling
	sttExpired := c.state == StateWaitingForResponse && now.Sub(c.waitingSince) > c.sttTimeout
	c.mu.Unlock()

	switch {
	case overCeiling:
		slog.Warn("stream: turn exceeded ceiling, aborting", "turn_id", turn.ID, "ceiling", c.turnCeiling)
		c.endTurn(turn, ErrTurnCeiling)
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		if err := c.writeJSON(ctx, cn, AbortMessage(sid, "timeout")); err != nil {
			slog.Warn("stream: send abort failed", "err", err)
		}
		cancel()
	case sttExpired:
		slog.Warn("stream: no response before stt timeout, resetting turn", "turn_id", turn.ID, "timeout", c.sttTimeout)
		c.endTurn(turn, ErrSTTTimeout)
	}
}

// checkOrphanLocked resets a state left Connected without a local turn once
// the turn ceiling passes. It releases c.mu.
func (c *Client) checkOrphanLocked(cn *conn, now time.Time) {
	if c.state <= StateConnected || now.Sub(c.turnStarted) <= c.turnCeiling {
		c.mu.Unlock()
		return
	}
	state := c.state
	sid := c.sessionID
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	slog.Warn("stream: server speech exceeded ceiling, aborting", "state", state, "ceiling", c.turnCeiling)
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := c.writeJSON(ctx, cn, AbortMessage(sid, "timeout")); err != nil {
		slog.Warn("stream: send abort failed", "err", err)
	}
}
