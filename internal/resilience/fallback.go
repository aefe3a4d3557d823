package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Name is set
	// per entry.
	CircuitBreaker CircuitBreakerConfig

	// Final, if set, marks errors that end the attempt without failing over
	// and without counting against the entry's breaker, such as a caller
	// cancelling the call.
	Final func(error) bool
}

// fallbackEntry pairs a backend with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// EntryStatus is a snapshot of one [FallbackGroup] entry.
type EntryStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// FallbackGroup holds a primary and zero or more fallbacks of the same kind.
// When the primary fails or its breaker is open, the next healthy entry is
// tried in registration order.
//
// Entries must be registered before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback. Fallbacks are tried in the order they are
// added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Status returns the breaker state of every entry in order.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = EntryStatus{Name: e.name, State: e.breaker.State().String()}
	}
	return out
}

// Execute tries fn against each entry in order until one succeeds. Entries
// with an open breaker are skipped. Returns [ErrAllFailed] wrapped with the
// last error if every entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a value.
// It is a package-level function because methods cannot have type
// parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	result, _, err := tryFrom(fg, 0, fn)
	return result, err
}

// tryFrom runs the fallback loop starting at entry start and also returns the
// index of the entry that answered.
func tryFrom[T any, R any](fg *FallbackGroup[T], start int, fn func(T) (R, error)) (R, int, error) {
	var (
		zero    R
		lastErr error
	)
	for i := start; i < len(fg.entries); i++ {
		entry := &fg.entries[i]
		var (
			result R
			final  error
		)
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			if innerErr != nil && fg.cfg.Final != nil && fg.cfg.Final(innerErr) {
				final = innerErr
				return nil
			}
			return innerErr
		})
		if final != nil {
			return zero, i, final
		}
		if err == nil {
			return result, i, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping backend, circuit open", "backend", entry.name)
		} else {
			slog.Warn("resilience: backend failed, trying next",
				"backend", entry.name, "err", err)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no entries")
	}
	return zero, -1, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
