package device

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/fawn/pkg/audio"
	"github.com/MrWong99/fawn/pkg/provider/vad"
)

// Framer cuts a continuous PCM16 byte stream into fixed-size frames, tags each
// with a VAD session and hands it to a bounded channel. Push is called from the
// device callback and never blocks: frames that do not fit are dropped and
// counted.
type Framer struct {
	rate    int
	samples int
	vad     vad.SessionHandle
	out     chan audio.Frame

	pending []byte
	emitted int64
	dropped atomic.Int64
}

// NewFramer returns a Framer producing frameMs frames at rate. tagger may be
// nil, in which case every frame is tagged as non-speech.
func NewFramer(rate, frameMs int, tagger vad.SessionHandle, out chan audio.Frame) *Framer {
	n := max(1, rate*frameMs/1000)
	return &Framer{
		rate:    rate,
		samples: n,
		vad:     tagger,
		out:     out,
		pending: make([]byte, 0, n*4),
	}
}

// Push appends pcm and emits every complete frame.
func (f *Framer) Push(pcm []byte) {
	f.pending = append(f.pending, pcm...)
	frameBytes := f.samples * 2
	for len(f.pending) >= frameBytes {
		samples := audio.BytesToSamples(f.pending[:frameBytes])
		f.pending = f.pending[frameBytes:]
		f.emit(samples)
	}
	// Compact so the backing array does not grow without bound.
	if cap(f.pending) > frameBytes*8 {
		f.pending = append(make([]byte, 0, frameBytes*4), f.pending...)
	}
}

func (f *Framer) emit(samples []int16) {
	speech := false
	if f.vad != nil {
		ev, err := f.vad.ProcessFrame(samples)
		if err != nil {
			slog.Debug("device: vad failed", "err", err)
		} else {
			speech = ev.IsSpeech()
		}
	}
	frame := audio.Frame{
		Samples:    samples,
		Speech:     speech,
		SampleRate: f.rate,
		Timestamp:  f.offset(),
	}
	f.emitted++
	select {
	case f.out <- frame:
	default:
		f.dropped.Add(1)
	}
}

// offset returns the stream position of the next frame.
func (f *Framer) offset() time.Duration {
	total := f.emitted * int64(f.samples)
	rate := int64(f.rate)
	return time.Duration(total/rate)*time.Second + time.Duration(total%rate)*time.Second/time.Duration(rate)
}

// Dropped returns the number of frames discarded because the channel was
// full.
func (f *Framer) Dropped() int64 {
	return f.dropped.Load()
}
