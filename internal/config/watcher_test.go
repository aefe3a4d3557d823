package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/fawn/internal/config"
)

const (
	quietYAML  = "server:\n  log_level: info\ndialog:\n  session_timeout_ms: 20000\n"
	chattyYAML = "server:\n  log_level: debug\ndialog:\n  session_timeout_ms: 30000\n"
	brokenYAML = "dialog:\n  session_timeout_ms: 20\n"
)

// changes records onChange calls.
type changes struct {
	mu    sync.Mutex
	calls [][2]*config.Config
	ch    chan struct{}
}

func newChanges() *changes { return &changes{ch: make(chan struct{}, 8)} }

func (c *changes) record(old, new *config.Config) {
	c.mu.Lock()
	c.calls = append(c.calls, [2]*config.Config{old, new})
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *changes) last() [2]*config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

// configFile writes content to a fresh file and returns its path.
func configFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fawn.yaml")
	rewrite(t, path, content, time.Now())
	return path
}

// rewrite replaces the file and pins its mtime so polls see a change even on
// filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestNewWatcher(t *testing.T) {
	t.Parallel()

	w, err := config.NewWatcher(configFile(t, quietYAML), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	if got := w.Current().Dialog.SessionTimeoutMs; got != 20000 {
		t.Errorf("session_timeout_ms = %d", got)
	}

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("NewWatcher accepted a missing file")
	}
	if _, err := config.NewWatcher(configFile(t, brokenYAML), nil); err == nil {
		t.Error("NewWatcher accepted an invalid file")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	path := configFile(t, quietYAML)
	got := newChanges()
	// A long interval keeps the poller out of the way.
	w, err := config.NewWatcher(path, got.record, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if changed, err := w.Reload(); changed || err != nil {
		t.Fatalf("Reload of unchanged file = %v, %v", changed, err)
	}

	rewrite(t, path, brokenYAML, time.Now().Add(time.Second))
	changed, err := w.Reload()
	if changed || err == nil || !strings.Contains(err.Error(), "session_timeout_ms") {
		t.Fatalf("Reload of invalid file = %v, %v", changed, err)
	}
	if w.Current().Dialog.SessionTimeoutMs != 20000 {
		t.Error("invalid edit replaced the current config")
	}

	rewrite(t, path, chattyYAML, time.Now().Add(2*time.Second))
	if changed, err := w.Reload(); !changed || err != nil {
		t.Fatalf("Reload of valid edit = %v, %v", changed, err)
	}
	if got.count() != 1 {
		t.Fatalf("onChange called %d times, want 1", got.count())
	}
	call := got.last()
	d := config.Diff(call[0], call[1])
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff log level = %+v", d)
	}
	if !d.SessionTimeoutChanged || d.NewSessionTimeoutMs != 30000 {
		t.Errorf("diff session timeout = %+v", d)
	}
}

func TestWatcher_PollsForEdits(t *testing.T) {
	t.Parallel()

	path := configFile(t, quietYAML)
	got := newChanges()
	w, err := config.NewWatcher(path, got.record, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Touching without new content is not a change.
	base := time.Now()
	rewrite(t, path, quietYAML, base.Add(time.Second))
	// Neither is a broken edit.
	time.Sleep(100 * time.Millisecond)
	rewrite(t, path, brokenYAML, base.Add(2*time.Second))
	time.Sleep(100 * time.Millisecond)
	if n := got.count(); n != 0 {
		t.Fatalf("onChange called %d times before a valid edit", n)
	}

	rewrite(t, path, chattyYAML, base.Add(3*time.Second))
	select {
	case <-got.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("valid edit not picked up")
	}
	if lvl := w.Current().Server.LogLevel; lvl != config.LogDebug {
		t.Errorf("Current log_level = %q", lvl)
	}
}

func TestWatcher_Stop(t *testing.T) {
	t.Parallel()

	path := configFile(t, quietYAML)
	got := newChanges()
	w, err := config.NewWatcher(path, got.record, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()

	time.Sleep(30 * time.Millisecond)
	rewrite(t, path, chattyYAML, time.Now().Add(time.Second))
	time.Sleep(60 * time.Millisecond)
	if n := got.count(); n != 0 {
		t.Errorf("stopped watcher reported %d changes", n)
	}
}
