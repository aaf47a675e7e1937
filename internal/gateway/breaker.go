package gateway

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when a call is rejected because the circuit is open.
var ErrBreakerOpen = errors.New("circuit breaker open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a per-backend circuit breaker: after FailureThreshold consecutive
// failures it opens and rejects calls for OpenDuration, then turns half-open and
// lets calls through until the next recorded success closes it or the next
// recorded failure reopens it. The number of half-open calls is not limited.
type Breaker struct {
	mu               sync.Mutex
	state            breakerState
	failures         int
	openedAt         time.Time
	failureThreshold int
	openDuration     time.Duration
	onStateChange    func(name string, state string)
	name             string
}

// NewBreaker creates a Breaker named name (used only for metrics labeling).
func NewBreaker(name string, failureThreshold int, openDuration time.Duration) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
	}
}

// OnStateChange registers a callback invoked whenever the breaker transitions
// state, wired in cmd/ragd to the gateway's Prometheus breaker-state gauge.
func (b *Breaker) OnStateChange(fn func(name string, state string)) { b.onStateChange = fn }

// Allow reports whether a call may proceed, transitioning an open breaker to
// half-open once OpenDuration has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openedAt) >= b.openDuration {
			b.setState(stateHalfOpen)
			return true
		}
		return false
	case stateHalfOpen:
		return true
	}
	return true
}

// Success records a successful call, closing the breaker if it was half-open.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != stateClosed {
		b.setState(stateClosed)
	}
}

// Failure records a failed call, opening the breaker once the threshold is hit
// (or immediately, if the probing half-open call failed).
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.setState(stateOpen)
		b.openedAt = time.Now()
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.setState(stateOpen)
		b.openedAt = time.Now()
	}
}

func (b *Breaker) setState(s breakerState) {
	b.state = s
	if b.onStateChange != nil {
		b.onStateChange(b.name, stateName(s))
	}
}

func stateName(s breakerState) string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}
