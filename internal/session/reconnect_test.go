package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// flakyConnector fails the first failTimes calls, then succeeds.
type flakyConnector struct {
	failTimes int32
	calls     atomic.Int32
}

func (c *flakyConnector) Connect(context.Context) error {
	if n := c.calls.Add(1); n <= c.failTimes {
		return errors.New("connection refused")
	}
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestReconnector_Defaults(t *testing.T) {
	t.Parallel()

	r := NewReconnector(ReconnectorConfig{Connector: &flakyConnector{}})
	if r.interval != 3*time.Second {
		t.Errorf("interval = %v, want 3s", r.interval)
	}
	if r.maxRetries != 0 {
		t.Errorf("maxRetries = %d, want unlimited", r.maxRetries)
	}
	if r.name != "session" {
		t.Errorf("name = %q", r.name)
	}
}

func TestReconnector_Connect(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		c := &flakyConnector{}
		r := NewReconnector(ReconnectorConfig{Connector: c})
		if err := r.Connect(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Attempts() != 1 || r.LastError() != nil {
			t.Errorf("attempts=%d lastErr=%v", r.Attempts(), r.LastError())
		}
	})

	t.Run("failure queues a reconnect", func(t *testing.T) {
		t.Parallel()
		c := &flakyConnector{failTimes: 1}
		var reconnected atomic.Bool
		r := NewReconnector(ReconnectorConfig{
			Connector:   c,
			Interval:    time.Millisecond,
			OnReconnect: func() { reconnected.Store(true) },
		})
		if err := r.Connect(context.Background()); err == nil {
			t.Fatal("expected error, got nil")
		}
		if r.LastError() == nil {
			t.Error("LastError() = nil after failed connect")
		}

		r.Monitor(t.Context())
		defer r.Stop()
		waitFor(t, reconnected.Load)
		if r.Reconnects() != 1 || r.LastError() != nil {
			t.Errorf("reconnects=%d lastErr=%v", r.Reconnects(), r.LastError())
		}
	})
}

func TestReconnector_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	c := &flakyConnector{failTimes: 4}
	var reconnected atomic.Int32
	r := NewReconnector(ReconnectorConfig{
		Connector:   c,
		Interval:    time.Millisecond,
		OnReconnect: func() { reconnected.Add(1) },
	})
	r.Monitor(t.Context())
	defer r.Stop()

	r.NotifyDisconnect()
	waitFor(t, func() bool { return reconnected.Load() == 1 })

	if got := c.calls.Load(); got != 5 {
		t.Errorf("connect calls = %d, want 4 failures + 1 success", got)
	}
}

func TestReconnector_FixedInterval(t *testing.T) {
	t.Parallel()

	c := &flakyConnector{failTimes: 2}
	var reconnected atomic.Bool
	r := NewReconnector(ReconnectorConfig{
		Connector:   c,
		Interval:    20 * time.Millisecond,
		OnReconnect: func() { reconnected.Store(true) },
	})
	r.Monitor(t.Context())
	defer r.Stop()

	start := time.Now()
	r.NotifyDisconnect()
	waitFor(t, reconnected.Load)

	// Three attempts, each preceded by the interval.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("reconnected after %v, want at least 3 intervals", elapsed)
	}
}

func TestReconnector_MaxRetriesExhausted(t *testing.T) {
	t.Parallel()

	c := &flakyConnector{failTimes: 100}
	var reconnected atomic.Bool
	r := NewReconnector(ReconnectorConfig{
		Connector:   c,
		Interval:    time.Millisecond,
		MaxRetries:  2,
		OnReconnect: func() { reconnected.Store(true) },
	})
	r.Monitor(t.Context())
	defer r.Stop()

	r.NotifyDisconnect()
	waitFor(t, func() bool { return c.calls.Load() >= 2 })
	time.Sleep(20 * time.Millisecond)

	if reconnected.Load() {
		t.Error("OnReconnect called although every attempt failed")
	}
	if got := c.calls.Load(); got != 2 {
		t.Errorf("connect calls = %d, want 2", got)
	}
}

func TestReconnector_StopEndsRun(t *testing.T) {
	t.Parallel()

	r := NewReconnector(ReconnectorConfig{Connector: &flakyConnector{failTimes: 100}, Interval: time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	r.NotifyDisconnect()
	r.Stop()
	r.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestReconnector_NotifyDisconnectNonBlocking(t *testing.T) {
	t.Parallel()

	r := NewReconnector(ReconnectorConfig{Connector: &flakyConnector{}})
	r.NotifyDisconnect()
	r.NotifyDisconnect()
	r.NotifyDisconnect()
}
