package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript atomically refills and withdraws from a token bucket stored as
// a redis hash {tokens, ts}. KEYS[1] is the bucket key; ARGV is rate,capacity,now,cost.
// Returns 1 if the request is allowed, 0 if the bucket was exhausted.
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])

if tokens == nil then
  tokens = capacity
  ts = now
end

local delta = math.max(0, now - ts)
tokens = math.min(capacity, tokens + delta * rate)

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 1)

return allowed
`

// Scope names a level in the hierarchical rate-limit check: requests must pass
// every configured scope (global, tenant, user, endpoint, ip) to be allowed.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeTenant   Scope = "tenant"
	ScopeUser     Scope = "user"
	ScopeEndpoint Scope = "endpoint"
	ScopeIP       Scope = "ip"
)

// BucketConfig parameterizes one scope's token bucket.
type BucketConfig struct {
	RatePerSecond float64
	Capacity      float64
}

// RateLimiter enforces hierarchical token-bucket rate limits, preferring Redis (so
// limits hold across gateway replicas) and falling back to an in-process bucket
// per key when Redis is unreachable.
type RateLimiter struct {
	redis    *redis.Client
	script   *redis.Script
	configs  map[Scope]BucketConfig
	fallback *localBuckets
	onFallback func()
}

// NewRateLimiter creates a RateLimiter backed by client, with per-scope configs.
func NewRateLimiter(client *redis.Client, configs map[Scope]BucketConfig) *RateLimiter {
	return &RateLimiter{
		redis:    client,
		script:   redis.NewScript(tokenBucketScript),
		configs:  configs,
		fallback: newLocalBuckets(),
	}
}

// OnFallback registers a callback invoked whenever Redis is unreachable and the
// in-process fallback bucket is used instead (the gateway wires this to a
// Prometheus counter).
func (l *RateLimiter) OnFallback(fn func()) { l.onFallback = fn }

// Allow checks whether a request identified by key in scope may proceed, consuming
// cost tokens (normally 1) from that scope's bucket.
func (l *RateLimiter) Allow(ctx context.Context, scope Scope, key string, cost float64) (bool, error) {
	cfg, ok := l.configs[scope]
	if !ok {
		return true, nil
	}

	bucketKey := fmt.Sprintf("ratelimit:%s:%s", scope, key)
	now := float64(time.Now().UnixMilli()) / 1000.0

	result, err := l.script.Run(ctx, l.redis, []string{bucketKey},
		cfg.RatePerSecond, cfg.Capacity, now, cost).Int()
	if err != nil {
		if l.onFallback != nil {
			l.onFallback()
		}
		return l.fallback.allow(bucketKey, cfg, cost), nil
	}
	return result == 1, nil
}

// RetryAfter reports how long a caller should wait before retrying a request that
// was denied by scope's bucket, derived from the bucket's configured refill rate.
// Scopes with no configured bucket get a conservative default.
func (l *RateLimiter) RetryAfter(scope Scope, cost float64) time.Duration {
	cfg, ok := l.configs[scope]
	if !ok || cfg.RatePerSecond <= 0 {
		return time.Second
	}
	d := time.Duration(cost/cfg.RatePerSecond*float64(time.Second)) + time.Second
	if d < time.Second {
		d = time.Second
	}
	return d
}

// localBuckets is a minimal in-process token bucket keyed by bucket name, used
// only when Redis is unreachable so the gateway can fail open with at least some
// protection rather than disabling rate limiting entirely.
type localBuckets struct {
	mu      sync.Mutex
	tokens  map[string]float64
	updated map[string]time.Time
}

func newLocalBuckets() *localBuckets {
	return &localBuckets{tokens: make(map[string]float64), updated: make(map[string]time.Time)}
}

func (b *localBuckets) allow(key string, cfg BucketConfig, cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	tokens, ok := b.tokens[key]
	if !ok {
		tokens = cfg.Capacity
	} else {
		elapsed := now.Sub(b.updated[key]).Seconds()
		tokens = min(cfg.Capacity, tokens+elapsed*cfg.RatePerSecond)
	}

	allowed := false
	if tokens >= cost {
		tokens -= cost
		allowed = true
	}

	b.tokens[key] = tokens
	b.updated[key] = now
	return allowed
}
