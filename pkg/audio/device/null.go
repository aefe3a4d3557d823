package device

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/MrWong99/fawn/pkg/audio"
)

// NullOutput discards audio while pacing writers at real time, so playback
// timing matches a real device. Used when no speaker is configured.
type NullOutput struct {
	format  audio.Format
	written atomic.Int64
}

var _ audio.Output = (*NullOutput)(nil)

// NewNullOutput returns a NullOutput accepting format.
func NewNullOutput(format audio.Format) *NullOutput {
	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &NullOutput{format: format}
}

// Format implements [audio.Output].
func (n *NullOutput) Format() audio.Format { return n.format }

// Write implements [audio.Output]. It blocks for the playing time of pcm.
func (n *NullOutput) Write(ctx context.Context, pcm []byte) error {
	bytesPerSec := n.format.SampleRate * n.format.Channels * 2
	d := time.Duration(len(pcm)) * time.Second / time.Duration(bytesPerSec)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		n.written.Add(int64(len(pcm)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BytesWritten returns the total bytes accepted.
func (n *NullOutput) BytesWritten() int64 {
	return n.written.Load()
}
