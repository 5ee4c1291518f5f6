package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] either
// failed or was skipped because its breaker is open.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the circuit breaker stamped out for each backend
// added to a group. The breaker Name is always overridden with the backend's
// registered name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// guardedBackend pairs a backend with the breaker that gates calls to it.
type guardedBackend[T any] struct {
	name    string
	impl    T
	breaker *CircuitBreaker
}

// FallbackGroup holds an ordered chain of interchangeable backends, each
// behind its own circuit breaker. The primary is tried first, then fallbacks
// in registration order. Speech providers wrap a group through [LiveFallback]
// and [TranscribeFallback].
type FallbackGroup[T any] struct {
	backends []guardedBackend[T]
	cfg      FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a backend to the end of the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, impl T) {
	bcfg := fg.cfg.CircuitBreaker
	bcfg.Name = name
	fg.backends = append(fg.backends, guardedBackend[T]{
		name:    name,
		impl:    impl,
		breaker: NewCircuitBreaker(bcfg),
	})
}

// ExecuteWithResult runs fn against each backend in order until one succeeds,
// returning that backend's result. Backends with an open breaker are skipped
// without calling fn. When the whole chain is exhausted the last error is
// wrapped in [ErrAllFailed].
//
// A package-level function rather than a method so the result type can differ
// from the backend type.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.backends {
		b := &fg.backends[i]
		var result R
		err := b.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(b.impl)
			return callErr
		})
		if err == nil {
			if i > 0 {
				slog.Info("primary backend unavailable, served by fallback",
					"backend", b.name, "position", i)
			}
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend with open breaker", "backend", b.name)
		} else {
			slog.Warn("backend failed, trying next in chain",
				"backend", b.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
