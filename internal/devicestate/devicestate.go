// Package devicestate tracks the device status shown on the status light or
// display: Unknown, Starting, Idle, Listening, Processing, Speaking and Error.
//
// A [Machine] enforces the valid-transition table and notifies listeners on
// every accepted change. [Follow] derives the device status from orchestrator
// notifications so the display never drives dialog behaviour itself.
package devicestate

import (
	"log/slog"
	"sync"
	"time"
)

// State is a device status.
type State int

const (
	Unknown State = iota
	Starting
	Idle
	Listening
	Processing
	Speaking
	Error
)

var stateNames = [...]string{
	Unknown:    "unknown",
	Starting:   "starting",
	Idle:       "idle",
	Listening:  "listening",
	Processing: "processing",
	Speaking:   "speaking",
	Error:      "error",
}

// String returns the lower-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

// MarshalText implements [encoding.TextMarshaler] so the state renders by name
// in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// validNext lists the states reachable from each state. Unknown may move
// anywhere.
var validNext = map[State][]State{
	Starting:   {Idle, Error},
	Idle:       {Listening, Error},
	Listening:  {Idle, Processing, Speaking, Error},
	Processing: {Idle, Listening, Speaking, Error},
	Speaking:   {Idle, Listening, Error},
	Error:      {Starting, Idle},
}

// ValidTransition reports whether from → to is allowed. Staying in the same
// state is always allowed.
func ValidTransition(from, to State) bool {
	if from == to || from == Unknown {
		return true
	}
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Listener is called after an accepted transition. Listeners run on the
// goroutine that requested the transition, outside the machine's lock.
type Listener func(from, to State)

// Machine is the device status state machine. It is safe for concurrent use.
type Machine struct {
	mu        sync.Mutex
	state     State
	since     time.Time
	listeners map[int]Listener
	nextID    int
	now       func() time.Time
}

// New returns a Machine in the Unknown state.
func New() *Machine {
	return &Machine{
		listeners: make(map[int]Listener),
		now:       time.Now,
		since:     time.Now(),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// CanTransition reports whether the machine may move to target now.
func (m *Machine) CanTransition(target State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ValidTransition(m.state, target)
}

// Transition moves the machine to target. It returns false, leaving the state
// unchanged, if the transition is not allowed. Transitioning to the current
// state succeeds without notifying listeners.
func (m *Machine) Transition(target State) bool {
	m.mu.Lock()
	from := m.state
	if from == target {
		m.mu.Unlock()
		return true
	}
	if !ValidTransition(from, target) {
		m.mu.Unlock()
		slog.Warn("devicestate: invalid transition", "from", from, "to", target)
		return false
	}
	m.state = target
	m.since = m.now()
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	slog.Debug("devicestate: transition", "from", from, "to", target)
	for _, l := range listeners {
		l(from, target)
	}
	return true
}

// Reset returns the machine to Unknown, notifying listeners if the state
// changed.
func (m *Machine) Reset() {
	m.mu.Lock()
	from := m.state
	m.state = Unknown
	m.since = m.now()
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	if from == Unknown {
		return
	}
	for _, l := range listeners {
		l(from, Unknown)
	}
}

// AddListener registers l and returns an id for [Machine.RemoveListener].
func (m *Machine) AddListener(l Listener) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return id
}

// RemoveListener unregisters the listener with the given id.
func (m *Machine) RemoveListener(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

// snapshotListeners copies the listeners in registration order. Must be
// called with m.mu held.
func (m *Machine) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for id := range m.nextID {
		if l, ok := m.listeners[id]; ok {
			out = append(out, l)
		}
	}
	return out
}
