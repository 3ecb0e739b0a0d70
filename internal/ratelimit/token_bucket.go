// Package ratelimit gates job enqueues per user with a token bucket
// held in Redis, so the limit holds across API replicas.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const userKeyPrefix = "broker:ratelimit:user:"

// TokenBucket allows a burst of capacity enqueues per user and refills
// at a steady per-second rate. State lives in one Redis hash per user,
// expired after ttl of inactivity.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
}

// NewTokenBucket builds a per-user bucket.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow takes one token from the user's bucket. It reports whether the
// enqueue may proceed and how many tokens remain.
func (b *TokenBucket) Allow(ctx context.Context, userID string) (bool, float64, error) {
	res, err := takeScript.Run(ctx, b.client, []string{userKeyPrefix + userID},
		b.capacity, b.refill, time.Now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return false, 0, nil
	}
	granted, _ := reply[0].(int64)
	return granted == 1, remainingTokens(reply[1]), nil
}

// remainingTokens decodes the script's token count. Lua numbers with a
// fractional part come back as bulk strings.
func remainingTokens(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Refill and take in one round trip. The bucket is a hash of the
// remaining token count and the last refill timestamp.
var takeScript = redis.NewScript(`
local bucket = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate_per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', bucket, 'tokens', 'refilled_ms')
local tokens = tonumber(state[1])
local refilled_ms = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  refilled_ms = now_ms
end

local elapsed_ms = math.max(0, now_ms - refilled_ms)
tokens = math.min(capacity, tokens + elapsed_ms / 1000 * rate_per_sec)

local granted = 0
if tokens >= 1 then
  granted = 1
  tokens = tokens - 1
end

redis.call('HMSET', bucket, 'tokens', tokens, 'refilled_ms', now_ms)
if ttl_ms > 0 then
  redis.call('PEXPIRE', bucket, ttl_ms)
end
return {granted, tostring(tokens)}
`)
