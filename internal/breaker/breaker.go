// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states (spec.md §4.4).
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Transition describes a state change, passed to the caller's callback.
// Payloads follow spec.md §4.7: {failures, threshold} on open,
// {testJobId} on half-open. This package fills Failures and Threshold on
// transitions to OPEN; it never sets TestJobID.
type Transition struct {
	From, To  State
	Failures  int
	Threshold int
	TestJobID string
}

// Config matches spec.md §4.4.
type Config struct {
	Threshold           int
	Duration            time.Duration
	HalfOpenMaxAttempts int
}

// CircuitBreaker is a per-worker, process-local three-state machine
// (spec.md §4.4). It never emits events itself; it only raises transitions
// through OnTransition.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold   int
	duration    time.Duration
	halfOpenMax int

	state           State
	consecutiveFail int
	halfOpenTrials  int
	timer           *time.Timer
	closed          bool

	OnTransition func(Transition)
}

// New creates a breaker in the CLOSED state.
func New(cfg Config) *CircuitBreaker {
	halfOpenMax := cfg.HalfOpenMaxAttempts
	if halfOpenMax <= 0 {
		halfOpenMax = 1
	}
	return &CircuitBreaker{
		threshold:   cfg.Threshold,
		duration:    cfg.Duration,
		halfOpenMax: halfOpenMax,
		state:       Closed,
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a fetch may proceed (spec.md §4.4 table). In
// HALF_OPEN it allows up to HalfOpenMaxAttempts pending trials.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		return false
	case HalfOpen:
		if cb.halfOpenTrials >= cb.halfOpenMax {
			return false
		}
		cb.halfOpenTrials++
		return true
	default:
		return true
	}
}

// RecordSuccess handles a successful fetch/process outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Closed:
		cb.consecutiveFail = 0
	case HalfOpen:
		// trial satisfied the required attempts; close.
		cb.transitionLocked(Closed, Transition{})
	}
}

// RecordFailure handles a failed fetch/process outcome. Stalled jobs must
// NOT be reported here (spec.md §4.7) — the caller is responsible for only
// calling RecordFailure/RecordSuccess on terminal, non-stalled outcomes.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Closed:
		cb.consecutiveFail++
		if cb.threshold > 0 && cb.consecutiveFail >= cb.threshold {
			cb.transitionLocked(Open, Transition{Failures: cb.consecutiveFail, Threshold: cb.threshold})
		}
	case HalfOpen:
		cb.transitionLocked(Open, Transition{Failures: cb.consecutiveFail, Threshold: cb.threshold})
	}
}

// transitionLocked moves to `to`, (re)starting the OPEN cooldown timer when
// entering OPEN, and invokes OnTransition. Caller must hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(to State, t Transition) {
	from := cb.state
	cb.state = to
	t.From, t.To = from, to

	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}

	switch to {
	case Open:
		cb.halfOpenTrials = 0
		if !cb.closed {
			cb.timer = time.AfterFunc(cb.duration, cb.toHalfOpen)
		}
	case HalfOpen:
		cb.halfOpenTrials = 0
	case Closed:
		cb.consecutiveFail = 0
		cb.halfOpenTrials = 0
	}

	if cb.OnTransition != nil {
		go cb.OnTransition(t)
	}
}

// toHalfOpen is the OPEN cooldown timer callback.
func (cb *CircuitBreaker) toHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.closed || cb.state != Open {
		return
	}
	cb.transitionLocked(HalfOpen, Transition{})
}

// Close stops the breaker's pending timer so shutdown resolves in O(ms),
// never waiting out the OPEN duration (spec.md §4.7, §8).
func (cb *CircuitBreaker) Close() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}
}
