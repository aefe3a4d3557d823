package audio

import (
	"context"
	"time"
)

// Frame is one fixed-duration block of mono 16-bit PCM captured from the
// microphone, tagged by the external recognizer with a voice-activity flag.
// Frames are immutable once delivered; consumers that retain samples must copy
// them.
type Frame struct {
	// Samples holds mono PCM16 samples.
	Samples []int16

	// Speech is the raw VAD tag for this frame.
	Speech bool

	// SampleRate in Hz (e.g., 16000). Fixed for the lifetime of a capture session.
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// DurationMs returns the frame duration in whole milliseconds, never less
// than 1 for a non-empty frame.
func (f Frame) DurationMs() int {
	if len(f.Samples) == 0 || f.SampleRate <= 0 {
		return 0
	}
	return max(1, len(f.Samples)*1000/f.SampleRate)
}

// Utterance is one bounded span of captured speech handed from the segmenter
// to the transport worker. The worker owns Samples once it receives the value.
type Utterance struct {
	// Samples holds mono PCM16 samples, including up to the retained trailing
	// silence window.
	Samples []int16

	// SpeechMs is the accumulated duration of speech frames.
	SpeechMs int

	// SilenceMs is the accumulated duration of non-speech frames after onset.
	SilenceMs int

	// SampleRate in Hz.
	SampleRate int

	// Forced reports that the utterance was finalized by the hard duration
	// cap rather than by trailing silence.
	Forced bool

	// Epoch is the dialog epoch at finalize time. A worker that sees a newer
	// epoch discards the utterance.
	Epoch uint64

	// FinalizedAt is the wall-clock time the segmenter finalized the utterance.
	FinalizedAt time.Time
}

// DurationMs returns the audio duration of the retained samples.
func (u Utterance) DurationMs() int {
	if u.SampleRate <= 0 {
		return 0
	}
	return len(u.Samples) * 1000 / u.SampleRate
}

// PCM returns the samples as little-endian PCM16 bytes.
func (u Utterance) PCM() []byte {
	return SamplesToBytes(u.Samples)
}

// FrameSource produces tagged capture frames. PollFrame blocks until a frame
// is available, ctx is cancelled, or the source fails. Implementations are
// driven by exactly one goroutine.
type FrameSource interface {
	PollFrame(ctx context.Context) (Frame, error)
}
