package transport_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/fawn/pkg/transport"
)

func TestReply_SendAndFinish(t *testing.T) {
	t.Parallel()

	r := transport.NewReply(24000, 0)
	go func() {
		for _, c := range [][]byte{{1, 2}, {3, 4}} {
			if err := r.Send(context.Background(), c); err != nil {
				t.Errorf("Send: %v", err)
			}
		}
		r.Finish(nil)
	}()

	var got []byte
	for c := range r.Audio() {
		got = append(got, c...)
	}
	if string(got) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("audio = %v, want [1 2 3 4]", got)
	}
	if err := r.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
	if r.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", r.SampleRate)
	}
}

func TestReply_FinishUnblocksSend(t *testing.T) {
	t.Parallel()

	r := transport.NewReply(16000, 0)
	errc := make(chan error, 1)
	go func() { errc <- r.Send(context.Background(), []byte{1}) }()

	time.Sleep(20 * time.Millisecond)
	r.Finish(transport.ErrAborted)

	select {
	case err := <-errc:
		if !errors.Is(err, transport.ErrAborted) {
			t.Errorf("Send err = %v, want ErrAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not unblock after Finish")
	}
	if !errors.Is(r.Err(), transport.ErrAborted) {
		t.Errorf("Err = %v, want ErrAborted", r.Err())
	}
	// A second Finish is a no-op.
	r.Finish(nil)
	if !errors.Is(r.Err(), transport.ErrAborted) {
		t.Errorf("Err after second Finish = %v, want ErrAborted", r.Err())
	}
	if err := r.Send(context.Background(), []byte{2}); !errors.Is(err, transport.ErrAborted) {
		t.Errorf("Send after Finish = %v, want ErrAborted", err)
	}
}

func TestReply_Transcript(t *testing.T) {
	t.Parallel()

	r := transport.NewReply(16000, 1)
	r.SetTranscript("lights on")
	if got := r.Transcript(); got != "lights on" {
		t.Errorf("Transcript = %q", got)
	}
}

func TestNewTurn(t *testing.T) {
	t.Parallel()

	a := transport.NewTurn(transport.ModeStreaming, "abc123")
	b := transport.NewTurn(transport.ModeStreaming, "abc123")
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("turn IDs must be unique and non-empty: %q %q", a.ID, b.ID)
	}
	if a.SessionID != "abc123" || a.Mode != transport.ModeStreaming {
		t.Errorf("turn = %+v", a)
	}
}

func TestIsRecoverableAndKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		recoverable bool
		kind        string
	}{
		{"nil", nil, true, "none"},
		{"status", &transport.StatusError{Code: 503}, true, "status"},
		{"network", &transport.NetworkError{Op: "dial", Err: errors.New("refused")}, true, "network"},
		{"protocol", &transport.ProtocolError{Msg: "bad json"}, true, "protocol"},
		{"too large", fmt.Errorf("read: %w", transport.ErrResponseTooLarge), true, "container"},
		{"bad container", transport.ErrBadContainer, true, "container"},
		{"aborted", transport.ErrAborted, true, "aborted"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"other", errors.New("boom"), false, "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := transport.IsRecoverable(tt.err); got != tt.recoverable {
				t.Errorf("IsRecoverable = %v, want %v", got, tt.recoverable)
			}
			if got := transport.Kind(tt.err); got != tt.kind {
				t.Errorf("Kind = %q, want %q", got, tt.kind)
			}
		})
	}
}

func TestStatusError_Message(t *testing.T) {
	t.Parallel()

	err := &transport.StatusError{Code: 500, Body: "oops"}
	if got, want := err.Error(), "transport: http status 500: oops"; got != want {
		t.Errorf("Error = %q, want %q", got, want)
	}
}
