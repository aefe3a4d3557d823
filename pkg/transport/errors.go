package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotReady is returned by StartTurn when the transport cannot accept a
	// turn (disconnected, or a turn is already in progress).
	ErrNotReady = errors.New("transport: not ready")

	// ErrAborted ends a reply that was cancelled through Abort.
	ErrAborted = errors.New("transport: turn aborted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrResponseTooLarge is returned when a reply body exceeds the configured
	// maximum.
	ErrResponseTooLarge = errors.New("transport: response too large")

	// ErrTruncated is returned when a reply body is shorter than announced.
	ErrTruncated = errors.New("transport: response truncated")

	// ErrBadContainer is returned when a reply that must be a RIFF/WAVE
	// container is not one.
	ErrBadContainer = errors.New("transport: malformed audio container")

	// ErrEmptyResponse is returned when a reply carries no audio.
	ErrEmptyResponse = errors.New("transport: empty response")
)

// NetworkError is a recoverable failure of the underlying connection: dial
// failure, timeout, reset. The turn ends and the session stays usable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Code int
	// Body holds at most the first 256 bytes of the response body.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: http status %d", e.Code)
	}
	return fmt.Sprintf("transport: http status %d: %s", e.Code, e.Body)
}

// ProtocolError reports a malformed message or an unexpected state
// transition. The message is dropped and the state machine left unchanged.
type ProtocolError struct {
	State string
	Msg   string
	Err   error
}

func (e *ProtocolError) Error() string {
	s := "transport: protocol error"
	if e.State != "" {
		s += " in state " + e.State
	}
	s += ": " + e.Msg
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err ends only the current turn and leaves the
// session usable for the next utterance.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var (
		netErr    *NetworkError
		statusErr *StatusError
		protoErr  *ProtocolError
		opErr     net.Error
	)
	switch {
	case errors.As(err, &netErr), errors.As(err, &statusErr), errors.As(err, &protoErr), errors.As(err, &opErr):
		return true
	case errors.Is(err, ErrAborted),
		errors.Is(err, ErrNotReady),
		errors.Is(err, ErrResponseTooLarge),
		errors.Is(err, ErrTruncated),
		errors.Is(err, ErrBadContainer),
		errors.Is(err, ErrEmptyResponse),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}

// Kind classifies err for metrics and logs.
func Kind(err error) string {
	var (
		statusErr *StatusError
		protoErr  *ProtocolError
		netErr    *NetworkError
	)
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return "aborted"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &statusErr):
		return "status"
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.Is(err, ErrResponseTooLarge), errors.Is(err, ErrTruncated),
		errors.Is(err, ErrBadContainer), errors.Is(err, ErrEmptyResponse):
		return "container"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.As(err, &netErr):
		return "network"
	default:
		return "other"
	}
}
