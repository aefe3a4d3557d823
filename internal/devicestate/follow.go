package devicestate

import (
	"sync"

	"github.com/MrWong99/fawn/internal/orchestrator"
)

// Follower maps orchestrator notifications onto a [Machine].
//
// Leaving WaitingForWake shows Listening, a finalized utterance shows
// Processing and reply playback shows Speaking. When playback or a turn ends
// the device returns to Listening while the dialog is still open, or to Idle
// otherwise.
type Follower struct {
	m *Machine

	mu   sync.Mutex
	orch orchestrator.State
}

// Follow returns a Follower driving m. Pass its Notify method to
// [orchestrator.WithNotify].
func Follow(m *Machine) *Follower {
	return &Follower{m: m}
}

// Notify consumes one orchestrator notification.
func (f *Follower) Notify(n orchestrator.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch n.Kind {
	case orchestrator.KindStateChanged:
		f.orch = n.State
		f.m.Transition(f.resting())
	case orchestrator.KindUtteranceFinalized:
		f.busy(Processing)
	case orchestrator.KindPlaybackStarted:
		f.busy(Speaking)
	case orchestrator.KindPlaybackEnded, orchestrator.KindTurnEnded:
		f.m.Transition(f.resting())
	}
}

// busy moves to target, passing through Listening when the device is idle:
// an announcement may start playing without a wake event.
func (f *Follower) busy(target State) {
	if f.m.State() == Idle {
		f.m.Transition(Listening)
	}
	f.m.Transition(target)
}

// resting is the state shown when nothing is in flight. Must be called with
// f.mu held.
func (f *Follower) resting() State {
	if f.orch == orchestrator.StateWaitingForWake {
		return Idle
	}
	return Listening
}
