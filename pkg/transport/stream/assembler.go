package stream

import (
	"errors"
	"fmt"
)

// Opcode is the logical frame type of a fragment.
type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
)

// String returns the opcode name.
func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// Fragment is one piece of a message as read from the link. The first
// fragment of a message carries its type; later ones carry [OpContinuation].
type Fragment struct {
	Opcode  Opcode
	Final   bool
	Payload []byte
}

// Frame is a logical unit produced by the [Assembler]: a complete text
// message, or a binary payload.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// DefaultMaxText bounds a buffered text message.
const DefaultMaxText = 64 * 1024

var (
	errStrayContinuation = errors.New("continuation without a preceding fragment")
	errTextTooLarge      = errors.New("text message exceeds limit")
	errInterrupted       = errors.New("new message before previous was final")
)

// Assembler reassembles fragments into frames. Continuations resolve to the
// opcode of the last non-final fragment. Text is buffered until the final
// fragment; binary is either passed through fragment by fragment or buffered
// per message.
//
// Assembler is not safe for concurrent use.
type Assembler struct {
	maxText     int
	passThrough bool

	pending Opcode // opcode of the message in progress; OpContinuation when none
	buf     []byte
	skip    bool // oversized text: discard until final
}

// NewAssembler creates an Assembler. With passThrough set, binary fragments
// are emitted immediately instead of being buffered until final.
func NewAssembler(maxText int, passThrough bool) *Assembler {
	if maxText <= 0 {
		maxText = DefaultMaxText
	}
	return &Assembler{maxText: maxText, passThrough: passThrough}
}

// Reset drops any partial message.
func (a *Assembler) Reset() {
	a.pending = OpContinuation
	a.buf = a.buf[:0]
	a.skip = false
}

// Push consumes one fragment. It returns the frame completed by f, if any.
// A non-nil error means f (or the partial message it belonged to) was
// dropped; the assembler remains usable.
func (a *Assembler) Push(f Fragment) (Frame, bool, error) {
	op := f.Opcode
	var interruptErr error
	if op == OpContinuation {
		if a.pending == OpContinuation {
			return Frame{}, false, errStrayContinuation
		}
		op = a.pending
	} else if a.pending != OpContinuation {
		interruptErr = fmt.Errorf("%w: %s", errInterrupted, a.pending)
		a.Reset()
	}

	if !f.Final {
		a.pending = op
	} else {
		a.pending = OpContinuation
	}

	switch op {
	case OpText:
		return a.pushText(f, interruptErr)
	case OpBinary:
		if a.passThrough {
			if len(f.Payload) == 0 {
				return Frame{}, false, interruptErr
			}
			return Frame{Opcode: OpBinary, Payload: f.Payload}, true, interruptErr
		}
		a.buf = append(a.buf, f.Payload...)
		if !f.Final {
			return Frame{}, false, interruptErr
		}
		out := append([]byte(nil), a.buf...)
		a.buf = a.buf[:0]
		return Frame{Opcode: OpBinary, Payload: out}, true, interruptErr
	default:
		a.Reset()
		return Frame{}, false, fmt.Errorf("unsupported opcode %s", op)
	}
}

func (a *Assembler) pushText(f Fragment, prior error) (Frame, bool, error) {
	if !a.skip {
		if len(a.buf)+len(f.Payload) > a.maxText {
			a.skip = true
			a.buf = a.buf[:0]
		} else {
			a.buf = append(a.buf, f.Payload...)
		}
	}
	if !f.Final {
		return Frame{}, false, prior
	}
	if a.skip {
		a.skip = false
		return Frame{}, false, errors.Join(prior, errTextTooLarge)
	}
	out := append([]byte(nil), a.buf...)
	a.buf = a.buf[:0]
	return Frame{Opcode: OpText, Payload: out}, true, prior
}
