// Package transport defines the DialogTransport abstraction: the capability to
// carry one finalized utterance to a conversational service and stream the
// assistant's spoken reply back.
//
// Two implementations exist:
//
//   - transport/httpchat (request/response): one HTTP POST per utterance with a
//     WAV body, answered by a WAV container or a raw PCM16 stream.
//   - transport/stream (streaming): a persistent WebSocket session carrying
//     JSON control messages and binary audio.
//
// A dialog turn is driven by a single goroutine (the transport worker):
//
//	turn, err := t.StartTurn(ctx)
//	reply, err := t.SendUtterance(ctx, turn, utt)
//	for chunk := range reply.Audio() { ... }
//	if err := reply.Err(); err != nil { ... }
//
// [Transport.Abort] may be called from any goroutine to cancel the turn.
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/fawn/pkg/audio"
)

// Mode identifies the transport implementation.
type Mode string

const (
	// ModeStreaming is the persistent duplex session transport.
	ModeStreaming Mode = "streaming"

	// ModeRequestResponse is the one-POST-per-utterance transport.
	ModeRequestResponse Mode = "request_response"
)

// Turn is the handle for one utterance round trip.
type Turn struct {
	// ID uniquely identifies the turn for logs and the journal.
	ID string

	// SessionID is the server session the turn belongs to. Empty for the
	// request/response transport.
	SessionID string

	// Mode is the transport that owns the turn.
	Mode Mode

	// Epoch is the dialog epoch the turn was started in.
	Epoch uint64

	// Started is the wall-clock start time.
	Started time.Time
}

// NewTurn returns a Turn with a fresh random ID.
func NewTurn(mode Mode, sessionID string) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Mode:      mode,
		Started:   time.Now(),
	}
}

// Transport carries utterances to the conversational service.
//
// Implementations must be safe for concurrent use: the worker goroutine drives
// StartTurn/SendUtterance while other goroutines may call Abort, IsReady or
// Close.
type Transport interface {
	// Mode returns the transport implementation kind.
	Mode() Mode

	// IsReady reports whether a turn can be started right now. For the
	// streaming transport this means the session is connected and idle.
	IsReady() bool

	// StartTurn opens a new turn. Returns [ErrNotReady] when the transport
	// cannot accept a turn.
	StartTurn(ctx context.Context) (*Turn, error)

	// SendUtterance uploads utt for turn and returns the reply stream. The
	// returned error covers failures before any reply audio is available;
	// failures after that are reported by [Reply.Err].
	SendUtterance(ctx context.Context, turn *Turn, utt audio.Utterance) (*Reply, error)

	// Abort cancels turn with a human-readable reason. Aborting a finished or
	// unknown turn is a no-op.
	Abort(turn *Turn, reason string)

	// Close releases all resources. The transport is unusable afterwards.
	Close() error
}

// Speaker synthesises text to speech through the cloud service.
type Speaker interface {
	Speak(ctx context.Context, text string) (*Reply, error)
}
