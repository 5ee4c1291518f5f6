// Package resilience keeps recognition working while individual speech
// backends flap. A [CircuitBreaker] tracks the recent health of one
// backend and stops routing work to it after repeated failures; a
// [FallbackGroup] chains several backends, each behind its own breaker,
// so a session still resolves clips while a hosted API is down.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the
// breaker is open and the reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// Breaker defaults. A recitation session is short and a wedged backend
// delays the reciter's terminal result, so the breaker trips after a few
// failures and retries soon.
const (
	defaultMaxFailures  = 3
	defaultResetTimeout = 15 * time.Second
	defaultHalfOpenMax  = 2
)

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed routes every call to the backend.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset
	// timeout has passed.
	StateOpen

	// StateHalfOpen lets a bounded number of trial calls through to test
	// whether the backend has recovered.
	StateHalfOpen
)

// String returns the state name used in logs.
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

// CircuitBreakerConfig tunes one [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the guarded backend in log messages.
	Name string

	// MaxFailures is the consecutive-failure count that trips the
	// breaker. Default 3.
	MaxFailures int

	// ResetTimeout is how long a tripped breaker rejects calls before it
	// starts trial calls. Default 15s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trial calls needed to
	// close the breaker again; a single failed one re-opens it.
	// Default 2.
	HalfOpenMax int
}

// CircuitBreaker guards one speech backend with the classic
// closed, open, half-open cycle.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // when the breaker last tripped
	trials   int       // trial calls issued since entering half-open
	trialOKs int       // trial calls that succeeded
}

// NewCircuitBreaker builds a closed breaker, substituting defaults for
// zero-value config fields.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker rejects the call. Open breakers
// return [ErrCircuitOpen] without touching the backend; half-open
// breakers admit at most HalfOpenMax trial calls.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(trial, err)
	return err
}

// admit decides whether a call may proceed and whether it counts as a
// half-open trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trials = 0
		cb.trialOKs = 0
		slog.Info("retrying backend after reset timeout", "backend", cb.name)
	}

	if cb.state == StateHalfOpen {
		if cb.trials >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.trials++
		return true, nil
	}
	return false, nil
}

// settle folds a call outcome back into the breaker state.
func (cb *CircuitBreaker) settle(trial bool, callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr == nil {
		if trial {
			cb.trialOKs++
			if cb.trialOKs >= cb.halfOpenMax {
				cb.state = StateClosed
				cb.failures = 0
				slog.Info("backend recovered, breaker closed", "backend", cb.name)
			}
			return
		}
		cb.failures = 0
		return
	}

	if trial {
		// One failed trial is enough evidence the backend is still down.
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.failures = cb.maxFailures
		slog.Warn("trial call failed, breaker re-opened", "backend", cb.name)
		return
	}

	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.openedAt = time.Now()
		slog.Warn("breaker opened",
			"backend", cb.name,
			"consecutive_failures", cb.failures)
	}
}

// State reports the breaker's mode. An open breaker whose reset timeout
// has elapsed reports half-open; the stored transition happens on the
// next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.trials = 0
	cb.trialOKs = 0
	slog.Info("breaker manually reset", "backend", cb.name)
}
