// Package mock provides in-memory implementations of [audio.FrameSource] and
// [audio.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on counts and arguments, and they expose exported fields that the
// test can set to control behaviour.
//
// Typical usage:
//
//	src := mock.NewFrameSource(16)
//	src.Push(audio.Frame{Samples: pcm, Speech: true, SampleRate: 16000})
//	out := &mock.Output{FormatResult: audio.Format{SampleRate: 16000, Channels: 2}}
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/fawn/pkg/audio"
)

// ─── FrameSource ──────────────────────────────────────────────────────────────

// FrameSource is a channel-backed [audio.FrameSource]. Frames pushed with
// [FrameSource.Push] are returned by PollFrame in order; after [FrameSource.Close]
// and once the queue is empty PollFrame returns [io.EOF].
type FrameSource struct {
	frames chan audio.Frame

	mu        sync.Mutex
	closed    bool
	pollCalls int
}

// NewFrameSource returns a FrameSource with the given queue capacity.
func NewFrameSource(capacity int) *FrameSource {
	return &FrameSource{frames: make(chan audio.Frame, capacity)}
}

// Push enqueues f, blocking if the queue is full.
func (s *FrameSource) Push(f audio.Frame) {
	s.frames <- f
}

// Close ends the stream.
func (s *FrameSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// PollFrame implements [audio.FrameSource].
func (s *FrameSource) PollFrame(ctx context.Context) (audio.Frame, error) {
	s.mu.Lock()
	s.pollCalls++
	s.mu.Unlock()

	select {
	case f, ok := <-s.frames:
		if !ok {
			return audio.Frame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// PollCalls returns how many times PollFrame was called.
func (s *FrameSource) PollCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollCalls
}

var _ audio.FrameSource = (*FrameSource)(nil)

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [audio.Output]. It records a copy of
// every chunk written.
type Output struct {
	mu sync.Mutex

	// FormatResult is returned by [Output.Format]. Defaults to 16 kHz stereo
	// when zero.
	FormatResult audio.Format

	// WriteErr, if non-nil, is returned by every Write call. The chunk is still
	// recorded.
	WriteErr error

	// WriteDelay, if positive, is slept before each Write returns to emulate
	// device pacing.
	WriteDelay time.Duration

	// Writes records every chunk passed to Write, in order.
	Writes [][]byte

	// written is signalled (non-blocking) after each Write.
	written chan struct{}
}

// Format implements [audio.Output].
func (o *Output) Format() audio.Format {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FormatResult.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 2}
	}
	return o.FormatResult
}

// Write implements [audio.Output].
func (o *Output) Write(ctx context.Context, pcm []byte) error {
	o.mu.Lock()
	o.Writes = append(o.Writes, append([]byte(nil), pcm...))
	delay := o.WriteDelay
	err := o.WriteErr
	ch := o.signal()
	o.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Written returns a channel that receives a value after each Write.
func (o *Output) Written() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.signal()
}

// signal lazily allocates the written channel. Must be called with o.mu held.
func (o *Output) signal() chan struct{} {
	if o.written == nil {
		o.written = make(chan struct{}, 1)
	}
	return o.written
}

// BytesWritten returns the total number of bytes written.
func (o *Output) BytesWritten() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, w := range o.Writes {
		n += len(w)
	}
	return n
}

// WriteCount returns the number of Write calls.
func (o *Output) WriteCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Writes)
}

var _ audio.Output = (*Output)(nil)
