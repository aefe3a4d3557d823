// Package vad defines the Engine interface for the voice-activity detectors
// that tag capture frames before they reach the dialog orchestrator.
//
// An engine hands out stateful per-stream sessions. Each session keeps its own
// hysteresis state, so independent capture streams never share a session.
// ProcessFrame is synchronous and returns immediately, which keeps it usable
// on the capture goroutine.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines.
package vad

import (
	"errors"
	"fmt"
)

// Config holds the parameters for a VAD session. Thresholds are expressed in
// the engine's native scale; see each Engine's documentation.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the frames passed
	// to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// Engines that need fixed frames reject other sizes.
	FrameSizeMs int

	// SpeechThreshold is the level above which a frame counts toward speech
	// onset.
	SpeechThreshold float64

	// SilenceThreshold is the level below which a frame counts toward the
	// end of speech. Must be ≤ SpeechThreshold.
	SilenceThreshold float64
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs < 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must not be negative, got %d", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %.3f outside [0, 1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, errors.New("vad: silence threshold must not exceed speech threshold"))
	}
	return errors.Join(errs...)
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses one frame of mono PCM16 samples and returns the
	// detection result. It must not block.
	ProcessFrame(samples []int16) (Event, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a session ready to accept frames. It returns an
	// error if cfg is invalid for this engine.
	NewSession(cfg Config) (SessionHandle, error)
}
