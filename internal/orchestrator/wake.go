package orchestrator

import "sync/atomic"

// WakeGate is a [WakeControl] for deployments whose wake events come from
// software triggers (the admin API, a button) rather than a wake-word
// engine. It only tracks whether wake detection is currently armed.
type WakeGate struct {
	enabled atomic.Bool
	resets  atomic.Int64
}

var _ WakeControl = (*WakeGate)(nil)

// SetEnabled implements [WakeControl].
func (g *WakeGate) SetEnabled(enabled bool) { g.enabled.Store(enabled) }

// Reset implements [WakeControl].
func (g *WakeGate) Reset() { g.resets.Add(1) }

// Enabled reports whether wake detection is armed.
func (g *WakeGate) Enabled() bool { return g.enabled.Load() }

// Resets returns how often Reset was called.
func (g *WakeGate) Resets() int64 { return g.resets.Load() }
