// Package resilience protects callers from a failing upstream.
//
// [CircuitBreaker] is a classic three-state breaker (closed → open →
// half-open). [FallbackGroup] puts one breaker in front of each of several
// interchangeable upstreams and tries them in order, so a failing primary is
// bypassed in favour of a healthy fallback. Nothing here retries: a call that
// fails on every entry fails once.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state; all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A limited
	// number of calls are allowed through; if they succeed the breaker closes,
	// otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of probe calls allowed in the half-open
	// state before the breaker decides whether to close or re-open. Default: 3.
	HalfOpenMax int

	// IsFailure classifies a non-nil error returned by the guarded call.
	// Errors for which it returns false (such as the caller giving up) are
	// passed through without affecting the breaker. Nil counts every error.
	IsFailure func(error) bool

	// OnStateChange is called after every state transition, outside the
	// breaker's lock. May be nil.
	OnStateChange func(name string, from, to State)
}

// stateChange is a pending OnStateChange notification.
type stateChange struct {
	from, to State
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name          string
	onStateChange func(name string, from, to State)

	mu              sync.Mutex
	maxFailures     int
	resetTimeout    time.Duration
	halfOpenMax     int
	isFailure       func(error) bool
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          cfg.Name,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
	cb.apply(cfg)
	return cb
}

// apply copies the tuning knobs of cfg, filling defaults. Must be called with
// cb.mu held or before cb is shared.
func (cb *CircuitBreaker) apply(cfg CircuitBreakerConfig) {
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
		cfg.IsFailure = func(error) bool { return true }
	}
	cb.maxFailures = cfg.MaxFailures
	cb.resetTimeout = cfg.ResetTimeout
	cb.halfOpenMax = cfg.HalfOpenMax
	cb.isFailure = cfg.IsFailure
}

// Reconfigure replaces the thresholds and failure classifier. The current
// state and counters are kept; Name and OnStateChange are ignored.
func (cb *CircuitBreaker) Reconfigure(cfg CircuitBreakerConfig) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.apply(cfg)
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state a limited number
// of probe calls are permitted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var before stateChange
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		before = cb.setState(StateHalfOpen)
		cb.halfOpenCalls = 0
		cb.halfOpenFails = 0

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			// Probe budget exhausted; wait for the outstanding probes.
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	cb.notify(before)

	err := fn()

	cb.mu.Lock()
	var after stateChange
	switch {
	case err == nil:
		after = cb.recordSuccess(inHalfOpen)
	case cb.isFailure(err):
		after = cb.recordFailure(inHalfOpen)
	case inHalfOpen:
		// Neutral outcome; give the probe slot back.
		cb.halfOpenCalls--
	}
	cb.mu.Unlock()
	cb.notify(after)
	return err
}

// IsFailure reports whether err would count against the breaker.
func (cb *CircuitBreaker) IsFailure(err error) bool {
	if err == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.isFailure(err)
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) stateChange {
	cb.lastFailure = time.Now()

	if inHalfOpen {
		cb.halfOpenFails++
		// Any failure in half-open immediately re-opens.
		cb.consecutiveFail = cb.maxFailures
		if cb.state != StateHalfOpen {
			return stateChange{}
		}
		return cb.setState(StateOpen)
	}

	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		return cb.setState(StateOpen)
	}
	return stateChange{}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) stateChange {
	if inHalfOpen {
		successes := cb.halfOpenCalls - cb.halfOpenFails
		if cb.state == StateHalfOpen && successes >= cb.halfOpenMax {
			cb.consecutiveFail = 0
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			return cb.setState(StateClosed)
		}
		return stateChange{}
	}

	// Closed state: reset the consecutive failure counter on success.
	cb.consecutiveFail = 0
	return stateChange{}
}

// setState moves the breaker to s and logs the transition. Must be called
// with cb.mu held; the returned change is passed to notify after unlocking.
func (cb *CircuitBreaker) setState(s State) stateChange {
	change := stateChange{from: cb.state, to: s}
	cb.state = s
	switch s {
	case StateOpen:
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"from", change.from.String(),
			"consecutive_failures", cb.consecutiveFail)
	default:
		slog.Info("circuit breaker state changed",
			"name", cb.name,
			"from", change.from.String(),
			"to", s.String())
	}
	return change
}

func (cb *CircuitBreaker) notify(c stateChange) {
	if c.from == c.to || cb.onStateChange == nil {
		return
	}
	cb.onStateChange(cb.name, c.from, c.to)
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all failure
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var change stateChange
	if cb.state != StateClosed {
		change = cb.setState(StateClosed)
	}
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	cb.mu.Unlock()
	cb.notify(change)
}
