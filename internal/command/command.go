// Package command defines the local command catalog, the handler that
// executes matched commands, and the recognizers that turn external triggers
// and recognized text into command IDs.
//
// Local commands bypass the cloud dialog entirely. The catalog mirrors the
// toy's fixed vocabulary (IDs 0–4); actuators are driven by a [Handler], of
// which [LogHandler] is the default.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// ID identifies a local command.
type ID int

const (
	LightsOn ID = iota
	LightsOff
	Forward
	Backward
	TailSwing
)

// Entry is one catalog command with the phrases that trigger it.
type Entry struct {
	ID      ID
	Name    string
	Phrases []string
}

// DefaultCatalog returns the built-in commands.
func DefaultCatalog() []Entry {
	return []Entry{
		{ID: LightsOn, Name: "lights_on", Phrases: []string{"lights on", "light on", "turn on light"}},
		{ID: LightsOff, Name: "lights_off", Phrases: []string{"lights off", "light off", "turn off light"}},
		{ID: Forward, Name: "forward", Phrases: []string{"forward", "go forward", "move forward"}},
		{ID: Backward, Name: "backward", Phrases: []string{"backward", "go back", "move back"}},
		{ID: TailSwing, Name: "tail_swing", Phrases: []string{"wag tail", "swing tail", "tail swing"}},
	}
}

// String returns the command name.
func (id ID) String() string {
	for _, e := range DefaultCatalog() {
		if e.ID == id {
			return e.Name
		}
	}
	return "command_" + strconv.Itoa(int(id))
}

// Valid reports whether id is in the default catalog.
func (id ID) Valid() bool {
	return id >= LightsOn && id <= TailSwing
}

// Parse resolves a numeric ID or a command name.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if n, err := strconv.Atoi(s); err == nil {
		if id := ID(n); id.Valid() {
			return id, nil
		}
		return 0, fmt.Errorf("command: unknown id %d", n)
	}
	for _, e := range DefaultCatalog() {
		if e.Name == s {
			return e.ID, nil
		}
	}
	return 0, fmt.Errorf("command: unknown command %q", s)
}

// ── Handler ───────────────────────────────────────────────────────────────────

// Handler executes a matched command.
type Handler interface {
	Execute(ctx context.Context, id ID) error
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, id ID) error

// Execute implements [Handler].
func (f HandlerFunc) Execute(ctx context.Context, id ID) error { return f(ctx, id) }

// LogHandler logs commands and keeps a per-command counter. It stands in for
// the actuator layer.
type LogHandler struct {
	mu     sync.Mutex
	counts map[ID]int
}

var _ Handler = (*LogHandler)(nil)

// NewLogHandler returns a LogHandler.
func NewLogHandler() *LogHandler {
	return &LogHandler{counts: make(map[ID]int)}
}

// Execute implements [Handler].
func (h *LogHandler) Execute(_ context.Context, id ID) error {
	if !id.Valid() {
		return fmt.Errorf("command: unknown id %d", int(id))
	}
	h.mu.Lock()
	h.counts[id]++
	h.mu.Unlock()
	slog.Info("command: executed", "id", int(id), "name", id.String())
	return nil
}

// Count returns how often id was executed.
func (h *LogHandler) Count(id ID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[id]
}
