package transport

import (
	"context"
	"sync"
)

// Reply is the assistant's spoken answer for one turn: mono PCM16 chunks at a
// fixed SampleRate delivered on [Reply.Audio]. The channel is closed when the
// reply ends; [Reply.Err] then reports why.
//
// Send and Finish may be called from different goroutines.
type Reply struct {
	// SampleRate is the rate of every chunk on the audio channel.
	SampleRate int

	ch   chan []byte
	done chan struct{}
	once sync.Once

	// sendMu is held shared by Send and exclusively by Finish while it closes
	// ch, so no Send ever targets a closed channel.
	sendMu sync.RWMutex

	mu         sync.Mutex
	err        error
	transcript string
}

// NewReply creates an open reply whose audio channel buffers up to buffer
// chunks.
func NewReply(sampleRate, buffer int) *Reply {
	return &Reply{
		SampleRate: sampleRate,
		ch:         make(chan []byte, max(buffer, 0)),
		done:       make(chan struct{}),
	}
}

// Audio returns the channel of mono PCM16 chunks.
func (r *Reply) Audio() <-chan []byte { return r.ch }

// Done is closed once the reply has finished.
func (r *Reply) Done() <-chan struct{} { return r.done }

// Err returns the terminal error. It is only meaningful after the audio
// channel has been closed; nil means the reply completed normally.
func (r *Reply) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Transcript returns the recognized user text, if the service reported one.
func (r *Reply) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript
}

// SetTranscript records the recognized user text.
func (r *Reply) SetTranscript(text string) {
	r.mu.Lock()
	r.transcript = text
	r.mu.Unlock()
}

// Send delivers chunk to the consumer, blocking until it is accepted, ctx is
// done, or the reply has finished. Returns [ErrAborted] once finished.
func (r *Reply) Send(ctx context.Context, chunk []byte) error {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()

	select {
	case <-r.done:
		return ErrAborted
	default:
	}
	select {
	case r.ch <- chunk:
		return nil
	case <-r.done:
		return ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish ends the reply with err and closes the audio channel. Only the first
// call has any effect.
func (r *Reply) Finish(err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)

		r.sendMu.Lock()
		close(r.ch)
		r.sendMu.Unlock()
	})
}
