// Package device connects fawn to real audio hardware through miniaudio
// (github.com/gen2brain/malgo).
//
// [Open] initialises one miniaudio context. [Context.OpenCapture] returns a
// [Capture] that implements [audio.FrameSource], cutting the microphone stream
// into fixed-duration frames tagged by a VAD session. [Context.OpenPlayback]
// returns a [Playback] that implements [audio.Output] and paces writers at the
// device rate. [NullOutput] is a device-free Output for headless runs.
package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

// Context owns a miniaudio context and the devices opened from it.
type Context struct {
	ctx *malgo.AllocatedContext

	mu      sync.Mutex
	devices []*malgo.Device
	closed  bool
}

// Open initialises miniaudio with the platform's default backends.
func Open() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("device: miniaudio", "msg", message)
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

func (c *Context) initDevice(cfg malgo.DeviceConfig, cb malgo.DeviceCallbacks) (*malgo.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("device: context closed")
	}
	dev, err := malgo.InitDevice(c.ctx.Context, cfg, cb)
	if err != nil {
		return nil, err
	}
	c.devices = append(c.devices, dev)
	return dev, nil
}

// Close stops and releases every device, then the context. Safe to call
// more than once.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, d := range c.devices {
		if d.IsStarted() {
			_ = d.Stop()
		}
		d.Uninit()
	}
	c.devices = nil
	err := c.ctx.Uninit()
	c.ctx.Free()
	if err != nil {
		return fmt.Errorf("device: uninit context: %w", err)
	}
	return nil
}
