// Package energy implements a pure-Go vad.Engine based on frame RMS level with
// hysteresis. It needs no acoustic model, which makes it the default detector
// for device capture.
//
// The native scale is normalised RMS in [0, 1] (full-scale sine ≈ 0.707).
// Speech starts after StartFrames consecutive frames at or above
// SpeechThreshold and ends after EndFrames consecutive frames below
// SilenceThreshold. The reported Level is the normalised RMS, clamped
// to 1.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/fawn/pkg/provider/vad"
)

const (
	// DefaultSpeechThreshold suits a close-talking microphone at 16 kHz.
	DefaultSpeechThreshold = 0.015

	// DefaultSilenceThreshold is the matching end-of-speech level.
	DefaultSilenceThreshold = 0.008

	defaultStartFrames = 2
	defaultEndFrames   = 4
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy: session closed")

// Option is a functional option for [Engine].
type Option func(*Engine)

// WithStartFrames sets the consecutive loud frames needed to start speech.
func WithStartFrames(n int) Option {
	return func(e *Engine) { e.startFrames = max(1, n) }
}

// WithEndFrames sets the consecutive quiet frames needed to end speech.
func WithEndFrames(n int) Option {
	return func(e *Engine) { e.endFrames = max(1, n) }
}

// Engine is the energy [vad.Engine].
type Engine struct {
	startFrames int
	endFrames   int
}

var _ vad.Engine = (*Engine)(nil)

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{startFrames: defaultStartFrames, endFrames: defaultEndFrames}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine]. Zero thresholds fall back to the
// defaults.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = min(DefaultSilenceThreshold, cfg.SpeechThreshold)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &Session{
		speech:      cfg.SpeechThreshold,
		silence:     cfg.SilenceThreshold,
		startFrames: e.startFrames,
		endFrames:   e.endFrames,
	}, nil
}

// Session is one detector instance.
type Session struct {
	speech      float64
	silence     float64
	startFrames int
	endFrames   int

	mu       sync.Mutex
	inSpeech bool
	loudRun  int
	quietRun int
	closed   bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(samples []int16) (vad.Event, error) {
	level := RMS(samples)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, ErrClosed
	}

	ev := vad.Event{Level: min(1, level)}
	if s.inSpeech {
		if level < s.silence {
			s.quietRun++
		} else {
			s.quietRun = 0
		}
		if s.quietRun >= s.endFrames {
			s.inSpeech = false
			s.quietRun = 0
			ev.Kind = vad.SpeechEnd
			return ev, nil
		}
		ev.Kind = vad.Speaking
		return ev, nil
	}

	if level >= s.speech {
		s.loudRun++
	} else {
		s.loudRun = 0
	}
	if s.loudRun >= s.startFrames {
		s.inSpeech = true
		s.loudRun = 0
		ev.Kind = vad.SpeechStart
		return ev, nil
	}
	ev.Kind = vad.Silence
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.loudRun = 0
	s.quietRun = 0
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// RMS returns the normalised root-mean-square level of samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
