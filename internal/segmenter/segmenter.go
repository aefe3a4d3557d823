// Package segmenter turns a continuous stream of VAD-tagged capture frames
// into discrete utterances.
//
// A [Segmenter] is driven synchronously by the goroutine that owns frame
// delivery. [Segmenter.Feed] never blocks: when an utterance is finalized it
// returns an owned copy of the accumulated samples and resets its own state,
// so the caller can hand the utterance to an asynchronous worker.
//
// Segmentation rules:
//   - A frame counts as speech only if the raw VAD tag says speech and, when an
//     energy gate is configured, its mean absolute amplitude meets the gate.
//   - The silence→speech transition clears the accumulator.
//   - While in speech every frame is appended, including interleaved silence.
//   - The utterance is finalized once speech ≥ MinSpeechMs and the trailing
//     silence ≥ EndSilenceMs, or forced once the accumulated audio exceeds
//     MaxUtteranceMs or MaxBufferMs.
//   - Unforced utterances keep at most [KeepTailMs] of trailing silence.
package segmenter

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/fawn/pkg/audio"
)

// KeepTailMs is the trailing silence retained on an utterance that ended on
// silence.
const KeepTailMs = 200

// Config holds the segmentation thresholds. All durations are milliseconds.
type Config struct {
	// SampleRate is the capture rate in Hz.
	SampleRate int

	// MinSpeechMs is the minimum accumulated speech for an utterance.
	MinSpeechMs int

	// EndSilenceMs is the trailing silence that ends an utterance.
	EndSilenceMs int

	// MaxUtteranceMs caps speech+silence of one utterance.
	MaxUtteranceMs int

	// MaxBufferMs caps the duration of the sample accumulator. Zero means
	// MaxUtteranceMs + EndSilenceMs + 2000.
	MaxBufferMs int

	// EnergyGate is the minimum mean absolute amplitude of a speech frame.
	// Zero disables the gate.
	EnergyGate int
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.MinSpeechMs <= 0 {
		errs = append(errs, fmt.Errorf("min speech must be positive, got %d", c.MinSpeechMs))
	}
	if c.EndSilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("end silence must be positive, got %d", c.EndSilenceMs))
	}
	if c.MaxUtteranceMs < c.MinSpeechMs {
		errs = append(errs, fmt.Errorf("max utterance %d is below min speech %d", c.MaxUtteranceMs, c.MinSpeechMs))
	}
	if c.EnergyGate < 0 || c.EnergyGate > 32767 {
		errs = append(errs, fmt.Errorf("energy gate must be within [0, 32767], got %d", c.EnergyGate))
	}
	return errors.Join(errs...)
}

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithActivity registers fn to be called on every speech frame. The dialog
// controller uses it to keep the session idle clock alive.
func WithActivity(fn func()) Option {
	return func(s *Segmenter) { s.onActivity = fn }
}

// WithClock overrides the wall clock used for [audio.Utterance.FinalizedAt].
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) { s.now = now }
}

// Segmenter is the utterance segmenter. It is not safe for concurrent use
// except for [Segmenter.SetEnergyGate], which may be called from any
// goroutine.
type Segmenter struct {
	cfg        Config
	gate       atomic.Int64
	onActivity func()
	now        func() time.Time

	inSpeech  bool
	drop      bool
	speechMs  int
	silenceMs int
	frameMs   int
	pcm       []int16
}

// New creates a Segmenter. cfg must be valid; see [Config.Validate].
func New(cfg Config, opts ...Option) *Segmenter {
	if cfg.MaxBufferMs <= 0 {
		cfg.MaxBufferMs = cfg.MaxUtteranceMs + cfg.EndSilenceMs + 2000
	}
	s := &Segmenter{
		cfg: cfg,
		now: time.Now,
	}
	s.gate.Store(int64(cfg.EnergyGate))
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetEnergyGate replaces the energy gate threshold. Zero disables it.
func (s *Segmenter) SetEnergyGate(meanAbs int) {
	s.gate.Store(int64(max(meanAbs, 0)))
}

// InSpeech reports whether an utterance is being accumulated.
func (s *Segmenter) InSpeech() bool { return s.inSpeech }

// MarkDrop flags the utterance in progress for discard at finalize time.
// It has no effect when no utterance is in progress.
func (s *Segmenter) MarkDrop() {
	if s.inSpeech {
		s.drop = true
	}
}

// Reset abandons any utterance in progress.
func (s *Segmenter) Reset() {
	s.inSpeech = false
	s.drop = false
	s.speechMs = 0
	s.silenceMs = 0
	s.frameMs = 0
	s.pcm = s.pcm[:0]
}

// Feed processes one frame. It returns the finalized utterance and true when
// f completes one.
func (s *Segmenter) Feed(f audio.Frame) (audio.Utterance, bool) {
	if len(f.Samples) == 0 {
		return audio.Utterance{}, false
	}
	if s.frameMs <= 0 {
		s.frameMs = max(1, len(f.Samples)*1000/s.cfg.SampleRate)
	}

	speech := f.Speech
	meanAbs := audio.MeanAbs(f.Samples)
	if gate := int(s.gate.Load()); gate > 0 && meanAbs < gate {
		speech = false
	}

	if speech {
		if !s.inSpeech {
			s.inSpeech = true
			s.drop = false
			s.speechMs = 0
			s.silenceMs = 0
			s.pcm = s.pcm[:0]
			slog.Debug("segmenter: speech start", "mean_abs", meanAbs, "gate", s.gate.Load())
		}
		s.speechMs += s.frameMs
		if s.onActivity != nil {
			s.onActivity()
		}
	} else if s.inSpeech {
		s.silenceMs += s.frameMs
	}

	if !s.inSpeech {
		return audio.Utterance{}, false
	}

	s.pcm = append(s.pcm, f.Samples...)

	forced := false
	total := s.speechMs + s.silenceMs
	if total > s.cfg.MaxUtteranceMs || s.bufferMs() > s.cfg.MaxBufferMs {
		forced = true
		s.silenceMs = max(s.silenceMs, s.cfg.EndSilenceMs)
	}

	if s.silenceMs < s.cfg.EndSilenceMs {
		return audio.Utterance{}, false
	}
	if s.speechMs < s.cfg.MinSpeechMs {
		// A blip too short to be an utterance followed by enough silence:
		// abandon it. Do not keep accumulating into the next speech run;
		// the blip and its silence would be sent as the head of the
		// following utterance.
		if !forced {
			slog.Debug("segmenter: discard short speech", "speech_ms", s.speechMs)
		}
		s.Reset()
		return audio.Utterance{}, false
	}

	if s.drop {
		slog.Debug("segmenter: drop marked utterance", "speech_ms", s.speechMs)
		s.Reset()
		return audio.Utterance{}, false
	}

	if !forced && s.silenceMs > KeepTailMs {
		trim := (s.silenceMs - KeepTailMs) * s.cfg.SampleRate / 1000
		if trim > 0 && trim < len(s.pcm) {
			s.pcm = s.pcm[:len(s.pcm)-trim]
		}
	}

	if len(s.pcm) == 0 {
		s.Reset()
		return audio.Utterance{}, false
	}

	u := audio.Utterance{
		Samples:     append([]int16(nil), s.pcm...),
		SpeechMs:    s.speechMs,
		SilenceMs:   s.silenceMs,
		SampleRate:  s.cfg.SampleRate,
		Forced:      forced,
		FinalizedAt: s.now(),
	}
	slog.Info("segmenter: utterance finalized",
		"speech_ms", u.SpeechMs,
		"silence_ms", u.SilenceMs,
		"samples", len(u.Samples),
		"forced", u.Forced,
	)
	s.Reset()
	return u, true
}

func (s *Segmenter) bufferMs() int {
	return len(s.pcm) * 1000 / s.cfg.SampleRate
}
