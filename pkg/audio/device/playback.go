package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/fawn/pkg/audio"
)

// ErrOutputClosed is returned by Write after Close.
var ErrOutputClosed = errors.New("device: output closed")

// PlaybackConfig configures [Context.OpenPlayback].
type PlaybackConfig struct {
	// SampleRate of the device. Default: 48000.
	SampleRate int

	// Channels of the device, 1 or 2. Default: 2.
	Channels int

	// BufferMs bounds the audio queued ahead of the device. Writers block
	// while the queue is full. Default: 200.
	BufferMs int
}

func (c *PlaybackConfig) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	if c.BufferMs <= 0 {
		c.BufferMs = 200
	}
}

// Playback is a speaker [audio.Output].
type Playback struct {
	dev    *malgo.Device
	format audio.Format
	queue  *pcmQueue
}

var _ audio.Output = (*Playback)(nil)

// OpenPlayback opens and starts the default playback device.
func (c *Context) OpenPlayback(cfg PlaybackConfig) (*Playback, error) {
	cfg.applyDefaults()
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	p := &Playback{
		format: format,
		queue:  newPCMQueue(cfg.SampleRate * cfg.Channels * 2 * cfg.BufferMs / 1000),
	}

	sampleFormat := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(sampleFormat) * cfg.Channels

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.Playback.Format = sampleFormat
	devCfg.Playback.Channels = uint32(cfg.Channels)
	devCfg.Alsa.NoMMap = 1
	devCfg.PeriodSizeInFrames = uint32(cfg.SampleRate / 50)
	devCfg.Periods = 4

	dev, err := c.initDevice(devCfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			p.queue.fill(output[:min(n, len(output))])
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: init playback: %w", err)
	}
	if err := dev.Start(); err != nil {
		return nil, fmt.Errorf("device: start playback: %w", err)
	}
	p.dev = dev
	return p, nil
}

// Format implements [audio.Output].
func (p *Playback) Format() audio.Format { return p.format }

// Write implements [audio.Output].
func (p *Playback) Write(ctx context.Context, pcm []byte) error {
	return p.queue.write(ctx, pcm)
}

// Close stops the device and unblocks pending writers.
func (p *Playback) Close() error {
	p.queue.close()
	if p.dev != nil && p.dev.IsStarted() {
		return p.dev.Stop()
	}
	return nil
}

// pcmQueue is a bounded byte FIFO between writers and the device callback.
// Writers block while it is full; the callback never blocks and pads with
// silence when it runs dry.
type pcmQueue struct {
	mu     sync.Mutex
	buf    []byte
	limit  int
	space  chan struct{}
	closed bool
}

func newPCMQueue(limit int) *pcmQueue {
	return &pcmQueue{limit: max(limit, 1024), space: make(chan struct{}, 1)}
}

func (q *pcmQueue) write(ctx context.Context, pcm []byte) error {
	for len(pcm) > 0 {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrOutputClosed
		}
		n := min(q.limit-len(q.buf), len(pcm))
		if n > 0 {
			q.buf = append(q.buf, pcm[:n]...)
			pcm = pcm[n:]
		}
		q.mu.Unlock()
		if len(pcm) == 0 {
			return nil
		}
		select {
		case <-q.space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// fill copies queued audio into out and zeroes the remainder.
func (q *pcmQueue) fill(out []byte) {
	q.mu.Lock()
	n := copy(out, q.buf)
	q.buf = q.buf[n:]
	if len(q.buf) == 0 {
		q.buf = q.buf[:0:0]
	}
	q.mu.Unlock()
	clear(out[n:])
	if n > 0 {
		select {
		case q.space <- struct{}{}:
		default:
		}
	}
}

func (q *pcmQueue) queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *pcmQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.space <- struct{}{}:
	default:
	}
}
