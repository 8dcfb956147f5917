// Package ratelimit protects the public submission endpoints from abuse.
// Limits are keyed by client address; the two consent and request submission
// routes are the only unauthenticated writes in the system.
package ratelimit

import (
	"context"
	"time"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int
}

// Store tracks request counts per key within a window.
// Error Contract:
// - Allow returns a Result and nil on success
// - Infrastructure failures return a non-nil error; callers decide whether to
//   fail open or closed
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
	Reset(ctx context.Context, key string) error
}

func retryAfterSeconds(allowed bool, resetAt, now time.Time) int {
	if allowed {
		return 0
	}
	seconds := int(resetAt.Sub(now).Seconds())
	if seconds < 0 {
		return 0
	}
	return seconds
}
