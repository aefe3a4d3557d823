// Package mock provides a scripted VAD session for tests.
package mock

import (
	"slices"
	"sync"

	"github.com/MrWong99/fawn/pkg/provider/vad"
)

// Session replays Script one event per frame, then answers Default. Frames
// it sees are kept for inspection.
type Session struct {
	mu sync.Mutex

	Script  []vad.Event
	Default vad.Event
	Err     error

	frames [][]int16
	resets int
	closed int
}

var _ vad.SessionHandle = (*Session)(nil)

func (s *Session) ProcessFrame(samples []int16) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, slices.Clone(samples))
	if s.Err != nil {
		return vad.Event{}, s.Err
	}
	if len(s.Script) == 0 {
		return s.Default, nil
	}
	ev := s.Script[0]
	s.Script = s.Script[1:]
	return ev, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

// Frames returns copies of every frame passed to ProcessFrame.
func (s *Session) Frames() [][]int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

// Resets returns how often Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed > 0
}
