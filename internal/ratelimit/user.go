// Package ratelimit implements per-user request rate limiting using Redis
// sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: {1, 0} if allowed, {0, wait_ms} if rate limited, where wait_ms is
// how long until the oldest entry leaves the window.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			local wait_ms = 0
			if oldest[2] then
				wait_ms = math.ceil((tonumber(oldest[2]) + window - now) / 1000000)
			end
			return {0, wait_ms}
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return {1, 0}
`)

const keyPrefix = "ratelimit:user:"

// UserLimiter checks per-user requests-per-minute limits using Redis
// sliding windows. Limits come from the user record, so one limiter
// instance serves every tenant.
type UserLimiter struct {
	rdb *redis.Client
}

func NewUserLimiter(rdb *redis.Client) *UserLimiter {
	return &UserLimiter{rdb: rdb}
}

// Allow returns whether userID may proceed under rpmLimit requests per
// minute. When blocked, retryAfter is how long the caller should wait
// before retrying. rpmLimit ≤ 0 means unlimited.
func (l *UserLimiter) Allow(ctx context.Context, userID string, rpmLimit int) (allowed bool, retryAfter time.Duration, err error) {
	if rpmLimit <= 0 {
		return true, 0, nil
	}

	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{keyPrefix + userID},
		now, window, rpmLimit,
	).Int64Slice()
	if err != nil || len(result) != 2 {
		// Redis unavailable — allow request (graceful degradation).
		return true, 0, nil
	}

	if result[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(result[1]) * time.Millisecond, nil
}
