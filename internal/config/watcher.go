package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// Watcher keeps a config file's last valid content and reports changes to
// it. It polls the file's mtime and can be asked to re-read it immediately
// with [Watcher.Reload]. Edits that fail validation are logged and ignored.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	reloading sync.Mutex
	mu        sync.Mutex
	snap      snapshot

	stop     chan struct{}
	stopOnce sync.Once
}

// snapshot is one accepted version of the file. mtime may advance past the
// accepted content when a rejected or identical edit is seen.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the mtime polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher reads path once and starts polling it. onChange runs on the
// polling goroutine (or the [Watcher.Reload] caller) with the previous and
// the new config; it may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.snap = snap

	go w.loop()
	return w, nil
}

// Current returns the last accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.cfg
}

// Stop ends polling. Safe to call repeatedly.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Reload re-reads the file regardless of its mtime. It reports whether a
// new config was accepted; an invalid file returns the validation error and
// leaves the current config in place.
func (w *Watcher) Reload() (bool, error) {
	w.reloading.Lock()
	defer w.reloading.Unlock()

	next, err := readSnapshot(w.path)

	w.mu.Lock()
	if err != nil {
		if info, statErr := os.Stat(w.path); statErr == nil {
			// Do not re-parse the same broken file every tick.
			w.snap.mtime = info.ModTime()
		}
		w.mu.Unlock()
		return false, fmt.Errorf("config: reload %s: %w", w.path, err)
	}
	if next.sum == w.snap.sum {
		w.snap.mtime = next.mtime
		w.mu.Unlock()
		return false, nil
	}
	prev := w.snap.cfg
	w.snap = next
	w.mu.Unlock()

	slog.Info("config: file changed", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev, next.cfg)
	}
	return true, nil
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if !w.touched() {
				continue
			}
			if _, err := w.Reload(); err != nil {
				slog.Warn("config: edit rejected, keeping previous config", "err", err)
			}
		}
	}
}

// touched reports whether the file's mtime differs from the last one seen.
func (w *Watcher) touched() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !info.ModTime().Equal(w.snap.mtime)
}

func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
