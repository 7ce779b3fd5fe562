package redisq

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// BucketConfig describes one token bucket: capacity tokens refilled at
// RefillRate tokens per second.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// BucketFromWindow derives a bucket allowing max operations per window.
// Non-positive inputs yield a zero config, which Allow treats as
// unlimited.
func BucketFromWindow(max int, window time.Duration) BucketConfig {
	if max <= 0 || window <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(max),
		RefillRate: float64(max) / window.Seconds(),
	}
}

// Limiter throttles queue dispatch with Redis-side token buckets. Redis
// failures fail open so a cache outage never halts the workers.
type Limiter struct {
	rdb     *redis.Client
	buckets map[string]BucketConfig
	script  *redis.Script
}

// NewLimiter builds a limiter over the given buckets, keyed by queue name.
func NewLimiter(rdb *redis.Client, buckets map[string]BucketConfig) *Limiter {
	if rdb == nil {
		return nil
	}
	if buckets == nil {
		buckets = map[string]BucketConfig{}
	}
	return &Limiter{
		rdb:     rdb,
		buckets: buckets,
		script:  redis.NewScript(tokenBucketSource),
	}
}

const tokenBucketSource = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
elseif refill_rate > 0 then
  retry_after = (cost - tokens) / refill_rate
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)

return { allowed, tokens, retry_after }
`

// Allow spends cost tokens from the bucket for key. Unknown keys and zero
// configs pass unconditionally. On a denied request retryAfter estimates
// when enough tokens will have refilled.
func (l *Limiter) Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error) {
	if l == nil || l.rdb == nil {
		return true, 0, nil
	}
	cfg, ok := l.buckets[key]
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	nowSec := float64(time.Now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.rdb, []string{"rate:" + key}, cfg.Capacity, cfg.RefillRate, nowSec, cost).Result()
	if err != nil {
		slog.Error("rate limiter script failed, failing open",
			slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Error("rate limiter unexpected script result",
			slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}

	allowed = toInt64(vals[0]) == 1
	retryAfter = time.Duration(toFloat64(vals[2]) * float64(time.Second))
	return allowed, retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return math.NaN()
	}
}
