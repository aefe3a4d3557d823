// Package journal records completed dialog turns.
//
// Every turn the transport worker finishes (successfully, aborted or failed)
// becomes one [Entry]. The journal is optional: the orchestrator works
// without one. [MemoryStore] keeps a bounded in-process history that backs the
// admin status endpoint; [PostgresStore] persists entries for offline
// analysis.
package journal

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of a turn.
type Status string

const (
	// StatusOK means the reply was received and played to the end.
	StatusOK Status = "ok"

	// StatusAborted means the turn was cancelled locally (local command,
	// session exit or playback backpressure).
	StatusAborted Status = "aborted"

	// StatusFailed means the transport reported an error.
	StatusFailed Status = "failed"
)

// Entry describes one completed turn.
type Entry struct {
	TurnID    string
	SessionID string

	// Transport is the transport mode that carried the turn, or "tts" for
	// spoken announcements.
	Transport string

	Epoch      uint64
	SpeechMs   int
	Forced     bool
	Transcript string
	Status     Status

	// Reason carries the abort reason or the error text.
	Reason string

	ReplyBytes int

	// FirstAudio is the delay from upload to the first reply chunk. Zero
	// when no audio arrived.
	FirstAudio time.Duration
	Duration   time.Duration
	StartedAt  time.Time
}

// Recorder accepts turn entries. Implementations must be safe for concurrent
// use.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Store is a Recorder that can also list recent entries.
type Store interface {
	Recorder

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// ── MemoryStore ───────────────────────────────────────────────────────────────

const defaultMemoryCapacity = 64

// MemoryStore keeps the most recent entries in a fixed-size ring.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a MemoryStore holding up to capacity entries.
// Non-positive capacities default to 64.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryStore{entries: make([]Entry, capacity)}
}

// Record implements [Recorder]. It never fails.
func (m *MemoryStore) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.next] = e
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent implements [Store].
func (m *MemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next
	if m.full {
		n = len(m.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.entries)) % len(m.entries)
		out = append(out, m.entries[idx])
	}
	return out, nil
}

// Len returns the number of retained entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return len(m.entries)
	}
	return m.next
}

// ── Tee ───────────────────────────────────────────────────────────────────────

// Tee fans an entry out to several recorders. Every recorder sees the entry
// even when an earlier one fails; the first error is returned.
type Tee []Recorder

var _ Recorder = Tee(nil)

// Record implements [Recorder].
func (t Tee) Record(ctx context.Context, e Entry) error {
	var first error
	for _, r := range t {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
