// Package ratelimit throttles credential endpoints with a Redis-backed
// sliding window shared by every server instance.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
}

// Config sets the window size and how many requests it admits.
type Config struct {
	Limit  int
	Window time.Duration
}

// slidingWindow trims entries older than the window, counts the rest and
// records the new request when under the limit. The member suffix comes from
// a per-key counter so simultaneous requests never collide.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local counter_key = KEYS[2]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)
local count = redis.call('ZCARD', key)

if count < limit then
	local seq = redis.call('INCR', counter_key)
	redis.call('ZADD', key, now, now .. ':' .. seq)
	redis.call('PEXPIRE', key, window_ms)
	redis.call('PEXPIRE', counter_key, window_ms)
	return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = 0
if #oldest >= 2 then
	retry = tonumber(oldest[2]) + window_ms - now
end
return {0, 0, retry}
`)

// RedisLimiter implements Limiter over a Redis sorted set per key.
type RedisLimiter struct {
	client redis.Scripter
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedisLimiter returns a sliding-window limiter. Keys are stored under
// prefix.
func NewRedisLimiter(client redis.Scripter, cfg Config, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg, prefix: prefix, now: time.Now}
}

// Allow records one hit for key and reports whether it fits in the window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	redisKey := l.prefix + key

	res, err := slidingWindow.Run(ctx, l.client, []string{redisKey, redisKey + ":seq"},
		l.now().UnixMilli(), l.cfg.Window.Milliseconds(), l.cfg.Limit).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit script: unexpected result length %d", len(res))
	}

	r := &Result{Allowed: res[0] == 1, Remaining: int(res[1])}
	if !r.Allowed && res[2] > 0 {
		r.RetryAfter = time.Duration(res[2]) * time.Millisecond
	}
	return r, nil
}

// Connect opens a Redis client for addr and pings it.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
