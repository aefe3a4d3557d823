// Package mock provides a test double for the transport.Transport interface.
//
// Transport records every call and answers SendUtterance with a scripted
// reply: ReplyAudio chunks are delivered on the reply channel and the reply
// finishes with ReplyErr. Set Hold to keep the reply open until Abort or
// Release is called, which lets tests observe a turn in flight.
//
// Example:
//
//	tr := &mock.Transport{Ready: true, ReplyRate: 16000, ReplyAudio: [][]byte{pcm}}
//	turn, _ := tr.StartTurn(ctx)
//	reply, _ := tr.SendUtterance(ctx, turn, utt)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/fawn/pkg/audio"
	"github.com/MrWong99/fawn/pkg/transport"
)

// AbortCall records a single invocation of Transport.Abort.
type AbortCall struct {
	TurnID string
	Reason string
}

// Transport is a mock implementation of transport.Transport.
type Transport struct {
	mu sync.Mutex

	// TransportMode is returned by Mode. Zero means request/response.
	TransportMode transport.Mode

	// Ready is returned by IsReady.
	Ready bool

	// StartTurnErr, if non-nil, is returned by StartTurn.
	StartTurnErr error

	// SendErr, if non-nil, is returned by SendUtterance.
	SendErr error

	// ReplyRate is the SampleRate of returned replies. Zero means the
	// utterance rate.
	ReplyRate int

	// ReplyAudio is delivered on every reply.
	ReplyAudio [][]byte

	// ReplyErr finishes every reply.
	ReplyErr error

	// Transcript is set on every reply.
	Transcript string

	// Hold keeps replies open after ReplyAudio until Abort or Release.
	Hold bool

	// OnSend, if set, is called synchronously from SendUtterance.
	OnSend func(turn *transport.Turn, utt audio.Utterance)

	// --- Call records ---

	// Turns records every turn handed out by StartTurn.
	Turns []*transport.Turn

	// Utterances records every utterance passed to SendUtterance.
	Utterances []audio.Utterance

	// AbortCalls records every call to Abort.
	AbortCalls []AbortCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	active    map[string]struct{}
	maxFlight int
	open      map[string]*transport.Reply
}

// Ensure Transport implements transport.Transport at compile time.
var _ transport.Transport = (*Transport)(nil)

// Mode returns TransportMode.
func (t *Transport) Mode() transport.Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.TransportMode == "" {
		return transport.ModeRequestResponse
	}
	return t.TransportMode
}

// IsReady returns Ready.
func (t *Transport) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Ready
}

// SetReady sets Ready. Thread-safe.
func (t *Transport) SetReady(ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Ready = ready
}

// StartTurn records and returns a new turn, or StartTurnErr.
func (t *Transport) StartTurn(_ context.Context) (*transport.Turn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StartTurnErr != nil {
		return nil, t.StartTurnErr
	}
	mode := t.TransportMode
	if mode == "" {
		mode = transport.ModeRequestResponse
	}
	turn := transport.NewTurn(mode, "mock-session")
	t.Turns = append(t.Turns, turn)
	if t.active == nil {
		t.active = make(map[string]struct{})
	}
	t.active[turn.ID] = struct{}{}
	t.maxFlight = max(t.maxFlight, len(t.active))
	return turn, nil
}

// SendUtterance records the call and returns a scripted reply.
func (t *Transport) SendUtterance(_ context.Context, turn *transport.Turn, utt audio.Utterance) (*transport.Reply, error) {
	t.mu.Lock()
	t.Utterances = append(t.Utterances, utt)
	onSend := t.OnSend
	if t.SendErr != nil {
		err := t.SendErr
		delete(t.active, turn.ID)
		t.mu.Unlock()
		return nil, err
	}
	rate := t.ReplyRate
	if rate == 0 {
		rate = utt.SampleRate
	}
	chunks := make([][]byte, len(t.ReplyAudio))
	copy(chunks, t.ReplyAudio)
	replyErr, hold, text := t.ReplyErr, t.Hold, t.Transcript
	reply := transport.NewReply(rate, len(chunks)+1)
	reply.SetTranscript(text)
	if t.open == nil {
		t.open = make(map[string]*transport.Reply)
	}
	t.open[turn.ID] = reply
	t.mu.Unlock()

	if onSend != nil {
		onSend(turn, utt)
	}
	for _, c := range chunks {
		_ = reply.Send(context.Background(), c)
	}
	if !hold {
		t.finish(turn.ID, replyErr)
	}
	return reply, nil
}

// Abort records the call and finishes the turn's reply with ErrAborted.
func (t *Transport) Abort(turn *transport.Turn, reason string) {
	if turn == nil {
		return
	}
	t.mu.Lock()
	t.AbortCalls = append(t.AbortCalls, AbortCall{TurnID: turn.ID, Reason: reason})
	t.mu.Unlock()
	t.finish(turn.ID, transport.ErrAborted)
}

// Release finishes every held reply with ReplyErr.
func (t *Transport) Release() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.open))
	for id := range t.open {
		ids = append(ids, id)
	}
	err := t.ReplyErr
	t.mu.Unlock()
	for _, id := range ids {
		t.finish(id, err)
	}
}

// Close records the call.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CloseCallCount++
	return nil
}

// MaxInFlight returns the largest number of turns that were open at once.
func (t *Transport) MaxInFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxFlight
}

// UtteranceCount returns the number of SendUtterance calls. Thread-safe.
func (t *Transport) UtteranceCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Utterances)
}

// Aborts returns a copy of the recorded Abort calls. Thread-safe.
func (t *Transport) Aborts() []AbortCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AbortCall, len(t.AbortCalls))
	copy(out, t.AbortCalls)
	return out
}

// TurnCount returns the number of turns started. Thread-safe.
func (t *Transport) TurnCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Turns)
}

func (t *Transport) finish(turnID string, err error) {
	t.mu.Lock()
	reply, ok := t.open[turnID]
	delete(t.open, turnID)
	delete(t.active, turnID)
	t.mu.Unlock()
	if ok {
		reply.Finish(err)
	}
}
