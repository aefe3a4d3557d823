// Package resilience provides the circuit breaker and transport failover
// primitives used by the dialog path.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open) that
// stops a failing backend from being hammered turn after turn.
// [FallbackGroup] orders several backends of the same kind, each behind its
// own breaker, and [TransportFallback] applies it to dialog transports: the
// streaming session is preferred and the request/response transport takes
// over while it is down.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state callbacks.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trial calls allowed, and successes
	// required, in the half-open state. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker unlocked.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now. Tests only.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(name string, from, to State)
	now          func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		now:          cfg.Now,
		state:        StateClosed,
	}
}

// Name returns the breaker label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call would currently be let through, without
// reserving a trial slot.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		return cb.now().Sub(cb.lastFailure) >= cb.resetTimeout
	case StateHalfOpen:
		return cb.halfOpenCalls < cb.halfOpenMax
	default:
		return true
	}
}

// Execute runs fn if the breaker allows it and records the outcome. While open
// it returns [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var moved []transition
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.halfOpenCalls = 0
		cb.halfOpenFails = 0
		moved = append(moved, cb.setState(StateHalfOpen))
		slog.Info("resilience: circuit breaker half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	cb.notify(moved)

	err := fn()

	cb.mu.Lock()
	var t *transition
	if err != nil {
		t = cb.recordFailure(inHalfOpen)
	} else {
		t = cb.recordSuccess(inHalfOpen)
	}
	cb.mu.Unlock()
	if t != nil {
		cb.notify([]transition{*t})
	}
	return err
}

type transition struct{ from, to State }

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s State) transition {
	t := transition{from: cb.state, to: s}
	cb.state = s
	return t
}

func (cb *CircuitBreaker) notify(ts []transition) {
	if cb.onChange == nil {
		return
	}
	for _, t := range ts {
		if t.from != t.to {
			cb.onChange(cb.name, t.from, t.to)
		}
	}
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) *transition {
	cb.lastFailure = cb.now()

	if inHalfOpen {
		cb.halfOpenFails++
		cb.consecutiveFail = cb.maxFailures
		if cb.state == StateOpen {
			return nil
		}
		t := cb.setState(StateOpen)
		slog.Warn("resilience: circuit breaker re-opened from half-open", "name", cb.name)
		return &t
	}

	cb.consecutiveFail++
	if cb.consecutiveFail < cb.maxFailures || cb.state == StateOpen {
		return nil
	}
	t := cb.setState(StateOpen)
	slog.Warn("resilience: circuit breaker opened",
		"name", cb.name,
		"consecutive_failures", cb.consecutiveFail)
	return &t
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) *transition {
	if !inHalfOpen {
		cb.consecutiveFail = 0
		return nil
	}
	if cb.state != StateHalfOpen {
		return nil
	}
	if successes := cb.halfOpenCalls - cb.halfOpenFails; successes < cb.halfOpenMax {
		return nil
	}
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	t := cb.setState(StateClosed)
	slog.Info("resilience: circuit breaker closed after successful trial calls", "name", cb.name)
	return &t
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	t := cb.setState(StateClosed)
	cb.mu.Unlock()

	cb.notify([]transition{t})
	slog.Info("resilience: circuit breaker reset", "name", cb.name)
}
