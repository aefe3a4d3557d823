// Package session keeps the streaming dialog session alive.
//
// [Reconnector] re-establishes the session after the transport reports a
// disconnect, retrying at a fixed interval until it succeeds or is stopped.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default reconnection parameters.
const (
	defaultInterval = 3 * time.Second
)

// Connector establishes a session. Connect must be a no-op when a session
// is already up.
type Connector interface {
	Connect(ctx context.Context) error
}

// ConnectorFunc adapts a function to [Connector].
type ConnectorFunc func(ctx context.Context) error

// Connect implements [Connector].
func (f ConnectorFunc) Connect(ctx context.Context) error { return f(ctx) }

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Connector establishes the session.
	Connector Connector

	// Name labels log lines. Defaults to "session".
	Name string

	// Interval is the fixed pause between attempts. Defaults to 3s if zero.
	Interval time.Duration

	// MaxRetries bounds the attempts per reconnection cycle. Zero means
	// retry until stopped.
	MaxRetries int

	// OnReconnect is called after a successful reconnection. May be nil.
	OnReconnect func()
}

// Reconnector watches for disconnect notifications and re-establishes the
// session.
//
// Callers make the initial connection via [Reconnector.Connect], then run
// [Reconnector.Run] (or [Reconnector.Monitor]) to handle drops signalled
// through [Reconnector.NotifyDisconnect].
//
// All methods are safe for concurrent use.
type Reconnector struct {
	connector   Connector
	name        string
	interval    time.Duration
	maxRetries  int
	onReconnect func()

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}

	attempts    atomic.Int64
	reconnects  atomic.Int64
	reconnectMu sync.Mutex
	lastErr     error
}

// NewReconnector creates a [Reconnector].
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	name := cfg.Name
	if name == "" {
		name = "session"
	}
	return &Reconnector{
		connector:    cfg.Connector,
		name:         name,
		interval:     interval,
		maxRetries:   max(cfg.MaxRetries, 0),
		onReconnect:  cfg.OnReconnect,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect makes the initial connection. A failure also queues a
// reconnection cycle, so a service that is down at startup is picked up
// once it comes back.
func (r *Reconnector) Connect(ctx context.Context) error {
	r.attempts.Add(1)
	if err := r.connector.Connect(ctx); err != nil {
		r.setLastErr(err)
		r.NotifyDisconnect()
		return fmt.Errorf("session: initial connect: %w", err)
	}
	r.setLastErr(nil)
	return nil
}

// Monitor runs [Reconnector.Run] in a background goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	go func() { _ = r.Run(ctx) }()
}

// Run handles disconnect notifications until ctx is done or Stop is called.
// It always returns nil; the error result fits errgroup.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case <-r.disconnected:
			r.reconnect(ctx)
		}
	}
}

// NotifyDisconnect signals that the session was lost. Only the first call
// per reconnection cycle has effect; it never blocks.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop ends monitoring. Safe to call more than once.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// Attempts returns the number of connection attempts made so far.
func (r *Reconnector) Attempts() int64 { return r.attempts.Load() }

// Reconnects returns the number of successful reconnections.
func (r *Reconnector) Reconnects() int64 { return r.reconnects.Load() }

// LastError returns the error of the latest attempt, or nil if it
// succeeded.
func (r *Reconnector) LastError() error {
	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()
	return r.lastErr
}

func (r *Reconnector) setLastErr(err error) {
	r.reconnectMu.Lock()
	r.lastErr = err
	r.reconnectMu.Unlock()
}

// reconnect retries at the fixed interval until an attempt succeeds.
func (r *Reconnector) reconnect(ctx context.Context) {
	for attempt := 1; r.maxRetries == 0 || attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(r.interval):
		}

		slog.Info("session: attempting reconnection", "name", r.name, "attempt", attempt)
		r.attempts.Add(1)

		err := r.connector.Connect(ctx)
		r.setLastErr(err)
		if err == nil {
			r.reconnects.Add(1)
			slog.Info("session: reconnected", "name", r.name, "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		}
		slog.Warn("session: reconnection attempt failed",
			"name", r.name,
			"attempt", attempt,
			"err", err,
		)
	}
	slog.Error("session: reconnection gave up", "name", r.name, "max_retries", r.maxRetries)
}
