package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the key and starts its expiry on the first hit
// of a window. It returns the count and the remaining TTL in milliseconds.
var fixedWindowScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {count, ttl}
`)

// Redis is a fixed-window limiter shared through a Redis server. Expired
// windows are reclaimed by Redis key expiry, so it needs no sweep loop.
type Redis struct {
	client    redis.Scripter
	keyPrefix string
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client redis.Scripter, keyPrefix string) *Redis {
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Check implements Limiter.
func (r *Redis) Check(ctx context.Context, key string, max int, win time.Duration) (Result, error) {
	if max <= 0 {
		max = 1
	}
	if win <= 0 {
		win = time.Second
	}

	now := time.Now()
	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.keyPrefix + key}, win.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("unexpected redis rate limit response length: %d", len(res))
	}

	count := int(res[0])
	return Result{
		Allowed:   count <= max,
		Remaining: remaining(max, count),
		Limit:     max,
		ResetAt:   now.Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}
