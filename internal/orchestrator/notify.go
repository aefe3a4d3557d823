package orchestrator

import (
	"time"

	"github.com/MrWong99/fawn/internal/command"
	"github.com/MrWong99/fawn/internal/journal"
)

// Kind identifies a notification.
type Kind string

const (
	KindStateChanged       Kind = "state_changed"
	KindUtteranceFinalized Kind = "utterance_finalized"
	KindTurnStarted        Kind = "turn_started"
	KindTurnEnded          Kind = "turn_ended"
	KindPlaybackStarted    Kind = "playback_started"
	KindPlaybackEnded      Kind = "playback_ended"
	KindCommandExecuted    Kind = "command_executed"
	KindTranscript         Kind = "transcript"
)

// Notification is an event for the status light, display or any other
// observer. Only the fields relevant to Kind are set.
type Notification struct {
	Kind Kind
	At   time.Time

	// State and Previous are set for KindStateChanged.
	State    State
	Previous State

	// Epoch and DurationMs are set for KindUtteranceFinalized.
	Epoch      uint64
	DurationMs int

	// TurnID is set for turn and playback notifications.
	TurnID string

	// Status is set for KindTurnEnded.
	Status journal.Status

	// Command is set for KindCommandExecuted.
	Command command.ID

	// Text holds the transcript, or the command source.
	Text string

	// Err is the failure behind a failed turn or command.
	Err error
}

// emit delivers n to every subscriber synchronously. Subscribers must not
// block.
func (o *Orchestrator) emit(n Notification) {
	if len(o.subscribers) == 0 {
		return
	}
	if n.At.IsZero() {
		n.At = o.now()
	}
	for _, fn := range o.subscribers {
		fn(n)
	}
}
