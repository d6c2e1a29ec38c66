// Package ratelimit implements keyed fixed-window request counters used to
// throttle socket events and HTTP handshakes.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Result contains the outcome of a single Check call.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// ResetTimeSeconds returns the window reset instant as unix seconds.
func (r Result) ResetTimeSeconds() int64 {
	return int64(math.Ceil(float64(r.ResetAt.UnixMilli()) / 1000))
}

// RetryAfter returns the whole number of seconds a throttled caller should
// wait, never less than one.
func (r Result) RetryAfter(now time.Time) int {
	wait := int(math.Ceil(r.ResetAt.Sub(now).Seconds()))
	if wait < 1 {
		return 1
	}
	return wait
}

// Limiter is implemented by every counter backend.
//
// A key's count increments on every check inside its current window. Once the
// count exceeds max, checks report Allowed=false and Remaining=0 until the
// window elapses; the first check after expiry starts a fresh window.
type Limiter interface {
	Check(ctx context.Context, key string, max int, window time.Duration) (Result, error)
}

func remaining(max, count int) int {
	if count >= max {
		return 0
	}
	return max - count
}
