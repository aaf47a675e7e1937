package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_RetryAfter(t *testing.T) {
	l := NewRateLimiter(nil, map[Scope]BucketConfig{
		ScopeUser: {RatePerSecond: 2, Capacity: 10},
	})

	d := l.RetryAfter(ScopeUser, 1)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.LessOrEqual(t, d, 2*time.Second)
}

func TestRateLimiter_RetryAfter_UnconfiguredScopeDefaultsToOneSecond(t *testing.T) {
	l := NewRateLimiter(nil, map[Scope]BucketConfig{})

	assert.Equal(t, time.Second, l.RetryAfter(ScopeIP, 1))
}

func TestLocalBuckets_ExhaustsCapacity(t *testing.T) {
	b := newLocalBuckets()
	cfg := BucketConfig{RatePerSecond: 1, Capacity: 1}

	assert.True(t, b.allow("k", cfg, 1), "first request within capacity should be allowed")
	assert.False(t, b.allow("k", cfg, 1), "second request should exhaust the 1-token bucket")
}
