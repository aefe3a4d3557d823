package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/fawn/pkg/audio"
	"github.com/MrWong99/fawn/pkg/transport"
)

// TransportFallback is a [transport.Transport] that routes each turn to the
// first ready entry of a [FallbackGroup]. A turn whose upload fails before
// any reply audio is retried once on every later entry, so a streaming
// primary that drops mid-upload still gets the utterance answered over
// request/response.
//
// Failures after reply audio started are not retried.
type TransportFallback struct {
	group *FallbackGroup[transport.Transport]

	mu     sync.Mutex
	routes map[string]route
}

// route maps a caller-visible turn onto the entry currently serving it.
type route struct {
	entry int
	inner *transport.Turn
}

var _ transport.Transport = (*TransportFallback)(nil)

// NewTransportFallback creates a TransportFallback with primary as the
// preferred transport.
func NewTransportFallback(primary transport.Transport, primaryName string, cfg FallbackConfig) *TransportFallback {
	if cfg.Final == nil {
		cfg.Final = isFinalTransportErr
	}
	return &TransportFallback{
		group:  NewFallbackGroup(primary, primaryName, cfg),
		routes: make(map[string]route),
	}
}

// AddFallback registers an additional transport.
func (f *TransportFallback) AddFallback(name string, t transport.Transport) {
	f.group.AddFallback(name, t)
}

// Status returns the breaker state of every transport.
func (f *TransportFallback) Status() []EntryStatus { return f.group.Status() }

// Mode returns the primary's mode. Individual turns carry the mode of the
// transport that actually served them.
func (f *TransportFallback) Mode() transport.Mode {
	return f.group.entries[0].value.Mode()
}

// IsReady reports whether any transport with a closed or probing breaker is
// ready.
func (f *TransportFallback) IsReady() bool {
	for i := range f.group.entries {
		e := &f.group.entries[i]
		if e.breaker.Allow() && e.value.IsReady() {
			return true
		}
	}
	return false
}

// StartTurn opens the turn on the first ready transport.
func (f *TransportFallback) StartTurn(ctx context.Context) (*transport.Turn, error) {
	turn, idx, err := f.start(ctx, 0)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.routes[turn.ID] = route{entry: idx, inner: turn}
	f.mu.Unlock()
	return turn, nil
}

// start opens a turn on the first ready transport at or after index from.
func (f *TransportFallback) start(ctx context.Context, from int) (*transport.Turn, int, error) {
	turn, idx, err := tryFrom(f.group, from, func(t transport.Transport) (*transport.Turn, error) {
		if !t.IsReady() {
			return nil, transport.ErrNotReady
		}
		return t.StartTurn(ctx)
	})
	if err != nil {
		if errors.Is(err, ErrAllFailed) {
			return nil, -1, fmt.Errorf("%w: %w", transport.ErrNotReady, err)
		}
		return nil, -1, err
	}
	return turn, idx, nil
}

// SendUtterance uploads utt on the transport serving turn, failing over to
// later transports when the upload fails.
func (f *TransportFallback) SendUtterance(ctx context.Context, turn *transport.Turn, utt audio.Utterance) (*transport.Reply, error) {
	f.mu.Lock()
	r, ok := f.routes[turn.ID]
	f.mu.Unlock()
	if !ok {
		return nil, transport.ErrNotReady
	}

	var lastErr error
	for {
		entry := &f.group.entries[r.entry]
		var (
			reply *transport.Reply
			final error
		)
		err := entry.breaker.Execute(func() error {
			var sendErr error
			reply, sendErr = entry.value.SendUtterance(ctx, r.inner, utt)
			if sendErr != nil && isFinalTransportErr(sendErr) {
				final = sendErr
				return nil
			}
			return sendErr
		})
		if final != nil {
			f.forget(turn.ID)
			return nil, final
		}
		if err == nil {
			f.adopt(turn, r)
			go func() {
				<-reply.Done()
				f.forget(turn.ID)
			}()
			return reply, nil
		}

		lastErr = err
		if !errors.Is(err, ErrCircuitOpen) {
			entry.value.Abort(r.inner, "fallback")
		}
		if r.entry+1 >= f.group.Len() {
			break
		}
		inner, idx, startErr := f.start(ctx, r.entry+1)
		if startErr != nil {
			lastErr = errors.Join(err, startErr)
			break
		}
		slog.Warn("resilience: turn failed over",
			"from", entry.name,
			"to", f.group.entries[idx].name,
			"turn", turn.ID,
			"err", err)

		r = route{entry: idx, inner: inner}
		f.mu.Lock()
		_, live := f.routes[turn.ID]
		if live {
			f.routes[turn.ID] = r
		}
		f.mu.Unlock()
		if !live {
			f.group.entries[idx].value.Abort(inner, "aborted")
			return nil, transport.ErrAborted
		}
	}
	f.forget(turn.ID)
	return nil, lastErr
}

// adopt copies the serving transport's identity onto the caller's turn.
func (f *TransportFallback) adopt(turn *transport.Turn, r route) {
	if r.inner == turn {
		return
	}
	turn.Mode = r.inner.Mode
	turn.SessionID = r.inner.SessionID
}

func (f *TransportFallback) forget(turnID string) {
	f.mu.Lock()
	delete(f.routes, turnID)
	f.mu.Unlock()
}

// Abort cancels turn on the transport currently serving it.
func (f *TransportFallback) Abort(turn *transport.Turn, reason string) {
	if turn == nil {
		return
	}
	f.mu.Lock()
	r, ok := f.routes[turn.ID]
	delete(f.routes, turn.ID)
	f.mu.Unlock()
	if !ok {
		return
	}
	f.group.entries[r.entry].value.Abort(r.inner, reason)
}

// Close closes every transport.
func (f *TransportFallback) Close() error {
	var errs []error
	for _, e := range f.group.entries {
		if err := e.value.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// isFinalTransportErr reports errors caused by the caller rather than the
// backend.
func isFinalTransportErr(err error) bool {
	return errors.Is(err, transport.ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, transport.ErrClosed)
}
