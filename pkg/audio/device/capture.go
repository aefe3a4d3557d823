package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/fawn/pkg/audio"
	"github.com/MrWong99/fawn/pkg/provider/vad"
)

// ErrCaptureClosed is returned by PollFrame after Close.
var ErrCaptureClosed = errors.New("device: capture closed")

// CaptureConfig configures [Context.OpenCapture].
type CaptureConfig struct {
	// SampleRate of the mono capture stream. Default: 16000.
	SampleRate int

	// FrameMs is the duration of each delivered frame. Default: 32.
	FrameMs int

	// QueueFrames bounds the frames buffered between the device callback
	// and PollFrame. Default: 32.
	QueueFrames int

	// VAD tags frames. Nil tags every frame as non-speech.
	VAD vad.SessionHandle
}

func (c *CaptureConfig) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameMs <= 0 {
		c.FrameMs = 32
	}
	if c.QueueFrames <= 0 {
		c.QueueFrames = 32
	}
}

// Capture is a microphone [audio.FrameSource].
type Capture struct {
	dev    *malgo.Device
	framer *Framer
	frames chan audio.Frame

	closeOnce sync.Once
	done      chan struct{}
}

var _ audio.FrameSource = (*Capture)(nil)

// OpenCapture opens and starts the default capture device.
func (c *Context) OpenCapture(cfg CaptureConfig) (*Capture, error) {
	cfg.applyDefaults()

	frames := make(chan audio.Frame, cfg.QueueFrames)
	capt := &Capture{
		framer: NewFramer(cfg.SampleRate, cfg.FrameMs, cfg.VAD, frames),
		frames: frames,
		done:   make(chan struct{}),
	}

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format)

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.Capture.Format = format
	devCfg.Capture.Channels = 1
	devCfg.Alsa.NoMMap = 1
	devCfg.PerformanceProfile = malgo.LowLatency
	devCfg.PeriodSizeInFrames = uint32(cfg.SampleRate * cfg.FrameMs / 1000)
	devCfg.Periods = 3

	dev, err := c.initDevice(devCfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(input) < n {
				return
			}
			capt.framer.Push(input[:n])
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: init capture: %w", err)
	}
	if err := dev.Start(); err != nil {
		return nil, fmt.Errorf("device: start capture: %w", err)
	}
	capt.dev = dev
	return capt, nil
}

// PollFrame implements [audio.FrameSource].
func (c *Capture) PollFrame(ctx context.Context) (audio.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return audio.Frame{}, ErrCaptureClosed
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// Dropped returns the frames lost because PollFrame fell behind.
func (c *Capture) Dropped() int64 {
	return c.framer.Dropped()
}

// Close stops the device. The owning [Context] releases it.
func (c *Capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.dev.IsStarted() {
			err = c.dev.Stop()
		}
	})
	return err
}
