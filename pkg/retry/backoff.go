// Package retry implements bounded exponential backoff with deterministic
// jitter. Delays are a pure function of their inputs so two replicas retrying
// the same operation compute the same schedule, which keeps replays and tests
// reproducible.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry schedule.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is the persistence-write schedule: 3 attempts,
// 50ms/100ms/200ms plus jitter.
var DefaultPolicy = Policy{
	BaseMs:      50,
	MaxMs:       2000,
	MaxJitterMs: 25,
	MaxAttempts: 3,
}

// Backoff returns the delay before attempt (0-based). key seeds the jitter.
func Backoff(key string, attempt int, policy Policy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			// cap exponent, avoid overflow
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+jitter(key, attempt, policy)) * time.Millisecond
}

// jitter derives a deterministic offset from a PRF over (key, attempt).
func jitter(key string, attempt int, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", key, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Do runs op up to policy.MaxAttempts times, sleeping the computed backoff
// between attempts. The last error is returned when every attempt fails.
// Context cancellation aborts the wait and returns ctx.Err().
func Do(ctx context.Context, key string, policy Policy, op func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(Backoff(key, i-1, policy))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("retry: %d attempts exhausted: %w", attempts, lastErr)
}
