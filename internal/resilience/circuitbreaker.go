// Package resilience keeps an interview alive when a backend misbehaves.
//
// [CircuitBreaker] stops sending work to a backend after repeated failures
// and probes it again once a cooldown has passed. [FallbackGroup] chains
// several backends of one kind, each behind its own breaker. [STTFallback],
// [LLMFallback] and [TTSFallback] expose such a chain through the provider
// interfaces used by the interview pipeline.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the mode a [CircuitBreaker] is in.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown ends.
	StateOpen
	// StateHalfOpen lets a bounded number of probe calls through.
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state change callbacks.
	Name string

	// MaxFailures consecutive failures open a closed breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the cooldown spent open before probing. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the probe budget and the number of successful
	// probes needed to close again. Default: 3.
	HalfOpenMax int

	// IsFailure reports whether err counts against the backend.
	// Default: [DefaultIsFailure].
	IsFailure func(error) bool

	// OnStateChange runs after each transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// DefaultIsFailure treats every error as a failure except cancellation and
// deadline expiry of the caller's context.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// CircuitBreaker guards calls to a single backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // when the breaker last opened
	probes   int       // probes admitted since entering half-open
	passed   int       // probes that succeeded since entering half-open
}

// NewCircuitBreaker returns a closed breaker configured by cfg.
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
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultIsFailure
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute calls fn unless the breaker is rejecting calls, in which case it
// returns [ErrCircuitOpen] without calling fn. The error from fn is returned
// unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	result := fn()
	cb.settle(probe, result)
	return result
}

// admit decides whether a call may proceed and reports whether it is a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var moved bool
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.enter(StateHalfOpen)
		moved = true
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	cb.mu.Unlock()

	if moved {
		slog.Info("circuit breaker probing", "name", cb.cfg.Name)
		cb.notify(StateOpen, StateHalfOpen)
	}
	return probe, nil
}

// settle books the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, result error) {
	cb.mu.Lock()
	from := cb.state
	failed := result != nil && cb.cfg.IsFailure(result)
	switch {
	case probe && cb.state != StateHalfOpen:
		// Reset or a concurrent probe already moved the breaker on.
	case probe && failed:
		cb.enter(StateOpen)
	case probe && result == nil:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.enter(StateClosed)
		}
	case probe:
		// Errors that say nothing about the backend give the slot back.
		cb.probes--
	case failed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.enter(StateOpen)
		}
	case result == nil:
		cb.failures = 0
	}
	to, failures := cb.state, cb.failures
	cb.mu.Unlock()

	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from, "consecutive_failures", failures)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", cb.cfg.Name)
	}
	cb.notify(from, to)
}

// enter switches to s and clears the counters of the previous state.
// cb.mu must be held.
func (cb *CircuitBreaker) enter(s State) {
	cb.state = s
	cb.probes, cb.passed = 0, 0
	switch s {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the switch itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and forgets all failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.enter(StateClosed)
	cb.mu.Unlock()

	slog.Info("circuit breaker reset", "name", cb.cfg.Name)
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
