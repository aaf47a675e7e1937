package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute)

	assert.True(t, b.Allow())
	b.Failure()
	assert.True(t, b.Allow(), "still closed below the failure threshold")
	b.Failure()
	b.Failure()
	assert.False(t, b.Allow(), "breaker should open once the threshold is hit")
}

func TestBreaker_HalfOpenAfterOpenDuration(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)

	b.Failure()
	assert.False(t, b.Allow())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow(), "breaker should allow a probe call once OpenDuration elapses")
}

func TestBreaker_SuccessClosesHalfOpen(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)

	b.Failure()
	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow(), "transitions to half-open")

	b.Success()
	assert.Equal(t, stateClosed, b.state)
}

func TestBreaker_FailureDuringHalfOpenReopens(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)

	b.Failure()
	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow(), "transitions to half-open")

	b.Failure()
	assert.Equal(t, stateOpen, b.state)
	assert.False(t, b.Allow())
}

func TestBreaker_OnStateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker("embedder", 1, time.Minute)
	b.OnStateChange(func(name, state string) {
		transitions = append(transitions, name+":"+state)
	})

	b.Failure()
	assert.Equal(t, []string{"embedder:open"}, transitions)
}
