// Package breaker implements a circuit breaker protecting calls to the
// upstream LLM multiplexer.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// closeThreshold is the number of consecutive half-open successes required
// to return to closed.
const closeThreshold = 2

// Event describes a breaker state transition, for metrics and alerting.
type Event struct {
	From State
	To   State
}

// Breaker is a closed/open/half_open circuit breaker. The open→half_open
// transition is evaluated lazily: there is no background timer, only a
// check performed the next time AllowRequest or state is queried.
type Breaker struct {
	mu              sync.Mutex
	threshold       int
	recoveryTimeout time.Duration

	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	now func() time.Time

	// events receives a non-blocking notification on every state
	// transition. Sized 0 (nil-safe) is fine; a full or nil channel just
	// means transitions are not observed, which is always safe here since
	// the breaker's own behavior never depends on a reader being present.
	events chan<- Event
}

// New creates a Breaker with the given failure threshold and recovery
// timeout, starting in the closed state.
func New(threshold int, recoveryTimeout time.Duration, events chan<- Event) *Breaker {
	return &Breaker{
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		state:           StateClosed,
		now:             time.Now,
		events:          events,
	}
}

// AllowRequest reports whether a request may proceed. It performs the lazy
// open→half_open transition check as a side effect.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.lastFailureTime) >= b.recoveryTimeout {
		b.transition(StateHalfOpen)
		b.successCount = 0
	}

	return b.state != StateOpen
}

// State returns the current state, evaluating the lazy open→half_open
// transition first.
func (b *Breaker) State() State {
	b.AllowRequest()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordSuccess records a successful upstream call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= closeThreshold {
			b.transition(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// RecordFailure records a failed upstream call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.threshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
		b.successCount = 0
	}
}

// transition moves to newState and emits an Event. Caller must hold mu.
func (b *Breaker) transition(newState State) {
	if newState == b.state {
		return
	}
	from := b.state
	b.state = newState
	if b.events != nil {
		select {
		case b.events <- Event{From: from, To: newState}:
		default:
		}
	}
}
