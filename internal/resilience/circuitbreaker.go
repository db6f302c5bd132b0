// Package resilience provides a circuit breaker for calls to external
// dependencies.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open). The
// tool host keeps one per MCP server so that a server which stopped
// answering fails fast instead of holding every function call until its
// timeout, while the realtime conversation carries on.
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

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the reset timeout has not yet elapsed, or when the half-open trial
// budget is used up.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// Defaults for [Config].
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successes close the breaker; any failure re-opens it.
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

// Config holds the tuning knobs of a [CircuitBreaker].
type Config struct {
	// Name labels the protected dependency in logs.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default:
	// [DefaultResetTimeout].
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trials needed to close again.
	// Default: [DefaultHalfOpenMax].
	HalfOpenMax int

	// IsFailure decides whether an error counts against the dependency.
	// Defaults to every error except context cancellation by the caller.
	IsFailure func(error) bool

	Logger *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool
	log          *slog.Logger
	now          func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	lastFailure  time.Time
	trials       int
	trialSuccess int
}

// New creates a [CircuitBreaker]. Zero-value config fields are replaced with
// defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    cfg.IsFailure,
		log:          cfg.Logger.With("breaker", cfg.Name),
		now:          cfg.Now,
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker allows it and records the outcome. When the
// breaker rejects the call fn is not run and [ErrCircuitOpen] is returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := cb.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(trial, err)
	return err
}

// allow decides whether a call may proceed and whether it is a trial.
func (cb *CircuitBreaker) allow() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.trials, cb.trialSuccess = 0, 0
	case StateClosed:
		return false, nil
	}

	if cb.trials >= cb.halfOpenMax {
		return false, ErrCircuitOpen
	}
	cb.trials++
	return true, nil
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.isFailure(err) {
		cb.lastFailure = cb.now()
		if trial {
			cb.setState(StateOpen)
			return
		}
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.maxFailures {
			cb.log.Warn("circuit breaker opened", "consecutive_failures", cb.failures, "err", err)
			cb.setState(StateOpen)
		}
		return
	}

	if !trial {
		cb.failures = 0
		return
	}
	// A trial that started before the breaker re-opened no longer counts.
	if cb.state != StateHalfOpen {
		return
	}
	cb.trialSuccess++
	if cb.trialSuccess >= cb.halfOpenMax {
		cb.failures = 0
		cb.setState(StateClosed)
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.log.Info("circuit breaker state", "from", cb.state.String(), "to", s.String())
	cb.state = s
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures, cb.trials, cb.trialSuccess = 0, 0, 0
	cb.setState(StateClosed)
}
