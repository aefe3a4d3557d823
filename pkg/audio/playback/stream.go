// Package playback renders an arbitrary-rate mono PCM16 stream to an
// [audio.Output] through a bounded ring buffer that absorbs network jitter.
//
// A [Stream] plays at most one stream at a time. [Stream.Begin] allocates a
// ring sized from the sample rate and starts a consumer goroutine; the
// consumer waits for a prebuffer (or a maximum wait), then drains the ring in
// fixed-size chunks, converting each chunk to the output's format (resample
// plus mono→stereo upmix) at the consumer boundary. [Stream.Write] applies
// backpressure to the producer; [Stream.End] drains and stops.
//
// State machine: Idle → Playing → Idle. The consumer goroutine is the only
// place the Playing → Idle transition is decided.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/fawn/pkg/audio"
)

const (
	minCapacity = 32 * 1024
	maxCapacity = 96 * 1024

	defaultMaxPrebufferWait = 2 * time.Second

	// consumeChunk is the mono byte count the consumer moves per iteration.
	consumeChunk = 1024

	// readPoll bounds how long the consumer waits for data before
	// re-checking stream state.
	readPoll = 100 * time.Millisecond
)

var (
	// ErrBusy is returned by [Stream.Begin] while a previous stream has not
	// reached Idle.
	ErrBusy = errors.New("playback: stream busy")

	// ErrWriteTimeout is returned by [Stream.Write] when the ring stays full
	// for longer than the write timeout.
	ErrWriteTimeout = errors.New("playback: write timeout")

	// ErrStaleHandle is returned when a [Handle] refers to a stream that has
	// already finished or been superseded.
	ErrStaleHandle = errors.New("playback: stale handle")

	// ErrEnded is returned by [Stream.Write] after [Stream.End] or
	// [Stream.Discard].
	ErrEnded = errors.New("playback: stream ended")
)

// State is the playback state.
type State int32

const (
	StateIdle State = iota
	StatePlaying
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Handle identifies one stream started by [Stream.Begin].
type Handle struct {
	id   uint64
	rate int
}

// SampleRate returns the fixed sample rate of the stream.
func (h *Handle) SampleRate() int { return h.rate }

// ── Options ───────────────────────────────────────────────────────────────────

// Option configures a [Stream].
type Option func(*Stream)

// WithMaxPrebufferWait sets how long the consumer waits for the prebuffer
// before it starts rendering anyway. Default: 2s.
func WithMaxPrebufferWait(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.maxWait = d
		}
	}
}

// WithStateFunc registers fn to be called on every Idle/Playing transition.
// fn is called without internal locks held and must not block.
func WithStateFunc(fn func(State)) Option {
	return func(s *Stream) { s.onState = fn }
}

// WithUnderflowFunc registers fn to be called each time the ring runs dry
// while the producer has not ended the stream.
func WithUnderflowFunc(fn func()) Option {
	return func(s *Stream) { s.onUnderflow = fn }
}

// ── Stream ────────────────────────────────────────────────────────────────────

// Stream is the playback engine. It is safe for concurrent use: one producer
// goroutine writes while the internal consumer goroutine renders.
type Stream struct {
	out         audio.Output
	maxWait     time.Duration
	onState     func(State)
	onUnderflow func()

	mu     sync.Mutex
	state  State
	cur    *stream
	nextID uint64
	idle   chan struct{} // closed while Idle

	underflows atomic.Int64
}

// stream is the per-Begin state. Fields other than the channels are guarded
// by Stream.mu.
type stream struct {
	id        uint64
	rate      int
	ring      *ring
	prebuffer int
	ended     bool
	discarded bool

	dataReady  chan struct{}
	spaceReady chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an idle [Stream] that renders to out.
func New(out audio.Output, opts ...Option) *Stream {
	idle := make(chan struct{})
	close(idle)
	s := &Stream{
		out:     out,
		maxWait: defaultMaxPrebufferWait,
		state:   StateIdle,
		idle:    idle,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CapacityFor returns the ring capacity used for sampleRate: two seconds of
// mono PCM16 clamped to [32 KiB, 96 KiB].
func CapacityFor(sampleRate int) int {
	return min(max(sampleRate*2, minCapacity), maxCapacity)
}

// PrebufferFor returns the prebuffer threshold in bytes for prebufferMs at
// sampleRate. Thresholds larger than the ring are capped to half the ring.
func PrebufferFor(sampleRate, prebufferMs int) int {
	capacity := CapacityFor(sampleRate)
	pre := sampleRate * 2 * max(prebufferMs, 0) / 1000
	if pre > capacity {
		pre = capacity / 2
	}
	return pre
}

// Begin starts a new stream at sampleRate. Rendering starts once prebufferMs
// worth of audio is buffered or the maximum prebuffer wait elapses. Returns
// [ErrBusy] if the previous stream has not reached Idle.
func (s *Stream) Begin(sampleRate, prebufferMs int) (*Handle, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("playback: invalid sample rate %d", sampleRate)
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	st := &stream{
		id:         s.nextID,
		rate:       sampleRate,
		ring:       newRing(CapacityFor(sampleRate)),
		prebuffer:  PrebufferFor(sampleRate, prebufferMs),
		dataReady:  make(chan struct{}, 1),
		spaceReady: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.cur = st
	s.state = StatePlaying
	s.idle = make(chan struct{})
	s.mu.Unlock()

	slog.Debug("playback: stream started",
		"sample_rate", sampleRate,
		"capacity", st.ring.Cap(),
		"prebuffer", st.prebuffer,
	)
	s.notifyState(StatePlaying)

	go s.consume(st)
	return &Handle{id: st.id, rate: sampleRate}, nil
}

// Write copies p into the ring, blocking while the ring is full. The whole
// call is bounded by timeout; on expiry it returns the number of bytes
// accepted so far and [ErrWriteTimeout].
func (s *Stream) Write(h *Handle, p []byte, timeout time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	written := 0
	for written < len(p) {
		s.mu.Lock()
		st := s.cur
		if st == nil || h == nil || st.id != h.id {
			s.mu.Unlock()
			return written, ErrStaleHandle
		}
		if st.ended {
			s.mu.Unlock()
			return written, ErrEnded
		}
		n := st.ring.Write(p[written:])
		s.mu.Unlock()

		if n > 0 {
			written += n
			signal(st.dataReady)
			continue
		}

		select {
		case <-st.spaceReady:
		case <-deadline.C:
			return written, ErrWriteTimeout
		}
	}
	return written, nil
}

// End marks the stream as complete. The consumer keeps rendering buffered
// audio until the ring is empty, then transitions to Idle.
func (s *Stream) End(h *Handle) error {
	st, err := s.lookup(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	st.ended = true
	s.mu.Unlock()
	signal(st.dataReady)
	return nil
}

// Discard drops all buffered audio and stops the stream as soon as the
// consumer observes it. Used when a turn is cancelled mid-playback.
func (s *Stream) Discard(h *Handle) error {
	st, err := s.lookup(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	st.ring.Reset()
	st.ended = true
	st.discarded = true
	s.mu.Unlock()
	st.cancel()
	signal(st.dataReady)
	signal(st.spaceReady)
	return nil
}

// State returns the current playback state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsIdle reports whether no stream is playing.
func (s *Stream) IsIdle() bool {
	return s.State() == StateIdle
}

// Underflows returns the number of times the ring ran dry mid-stream.
func (s *Stream) Underflows() int64 {
	return s.underflows.Load()
}

// WaitIdle blocks until the stream is Idle or ctx is done.
func (s *Stream) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) lookup(h *Handle) (*stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || h == nil || s.cur.id != h.id {
		return nil, ErrStaleHandle
	}
	return s.cur, nil
}

// consume is the playback goroutine for one stream.
func (s *Stream) consume(st *stream) {
	defer s.finish(st)

	s.awaitPrebuffer(st)

	conv := &audio.MonoConverter{SourceRate: st.rate, Target: s.out.Format()}
	buf := make([]byte, consumeChunk)
	poll := time.NewTimer(readPoll)
	defer poll.Stop()
	starved := false

	for {
		s.mu.Lock()
		if st.discarded {
			s.mu.Unlock()
			return
		}
		avail := st.ring.Len() &^ 1
		if avail == 0 && st.ended {
			// Any odd trailing byte is dropped.
			s.mu.Unlock()
			return
		}
		n := 0
		if avail > 0 {
			n = st.ring.Read(buf[:min(avail, len(buf))])
		}
		s.mu.Unlock()

		if n == 0 {
			if !starved {
				starved = true
				s.underflows.Add(1)
				if s.onUnderflow != nil {
					s.onUnderflow()
				}
			}
			poll.Reset(readPoll)
			select {
			case <-st.dataReady:
			case <-poll.C:
			}
			continue
		}
		starved = false
		signal(st.spaceReady)

		if err := s.out.Write(st.ctx, conv.Convert(buf[:n])); err != nil {
			if st.ctx.Err() != nil {
				return
			}
			slog.Warn("playback: output write failed", "err", err)
		}
	}
}

// awaitPrebuffer blocks until the prebuffer threshold is met, the stream is
// ended, or the maximum prebuffer wait elapses.
func (s *Stream) awaitPrebuffer(st *stream) {
	deadline := time.NewTimer(s.maxWait)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		ready := st.ring.Len() >= st.prebuffer || st.ended
		s.mu.Unlock()
		if ready {
			return
		}
		select {
		case <-st.dataReady:
		case <-deadline.C:
			slog.Debug("playback: prebuffer wait elapsed", "prebuffer", st.prebuffer)
			return
		}
	}
}

// finish transitions to Idle if st is still the current stream.
func (s *Stream) finish(st *stream) {
	st.cancel()
	s.mu.Lock()
	if s.cur != st {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	s.state = StateIdle
	close(s.idle)
	s.mu.Unlock()

	slog.Debug("playback: stream idle")
	s.notifyState(StateIdle)
}

func (s *Stream) notifyState(state State) {
	if s.onState != nil {
		s.onState(state)
	}
}

// signal performs a non-blocking send on a capacity-1 notification channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
