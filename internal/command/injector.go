package command

import (
	"sync"

	"github.com/MrWong99/fawn/pkg/audio"
)

// Injector is a frame-driven command recognizer fed from outside the audio
// path: the admin API and the transcript matcher inject command IDs, and the
// next Feed call reports them. Reset drops anything not yet reported, so a
// trigger never leaks into the next interaction.
//
// Injector is safe for concurrent use.
type Injector struct {
	mu      sync.Mutex
	pending []ID
	failure error
	resets  int
}

// NewInjector returns an empty Injector.
func NewInjector() *Injector {
	return &Injector{}
}

// Inject queues id for the next Feed.
func (i *Injector) Inject(id ID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending = append(i.pending, id)
}

// Fail makes the next Feed report err.
func (i *Injector) Fail(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failure = err
}

// Feed reports the oldest injected command, or a pending failure.
func (i *Injector) Feed(audio.Frame) (ID, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.failure; err != nil {
		i.failure = nil
		return 0, false, err
	}
	if len(i.pending) == 0 {
		return 0, false, nil
	}
	id := i.pending[0]
	i.pending = i.pending[1:]
	return id, true, nil
}

// Reset drops pending commands and failures.
func (i *Injector) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending = nil
	i.failure = nil
	i.resets++
}

// Resets returns how often Reset was called.
func (i *Injector) Resets() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.resets
}
