package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	policy := Policy{BaseMs: 50, MaxMs: 10000, MaxJitterMs: 0}

	assert.Equal(t, 50*time.Millisecond, Backoff("k", 0, policy))
	assert.Equal(t, 100*time.Millisecond, Backoff("k", 1, policy))
	assert.Equal(t, 200*time.Millisecond, Backoff("k", 2, policy))
	assert.Equal(t, 400*time.Millisecond, Backoff("k", 3, policy))
}

func TestBackoff_CappedAtMax(t *testing.T) {
	policy := Policy{BaseMs: 50, MaxMs: 300, MaxJitterMs: 0}
	assert.Equal(t, 300*time.Millisecond, Backoff("k", 10, policy))
	// exponent capped, no overflow for absurd attempt counts
	assert.Equal(t, 300*time.Millisecond, Backoff("k", 500, policy))
}

func TestBackoff_DeterministicJitter(t *testing.T) {
	policy := Policy{BaseMs: 50, MaxMs: 1000, MaxJitterMs: 25}

	a := Backoff("task-1", 2, policy)
	b := Backoff("task-1", 2, policy)
	assert.Equal(t, a, b, "same key and attempt must produce the same delay")

	base := Backoff("task-1", 2, Policy{BaseMs: 50, MaxMs: 1000})
	assert.GreaterOrEqual(t, a, base)
	assert.Less(t, a, base+25*time.Millisecond)
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "op", Policy{BaseMs: 1, MaxMs: 2, MaxAttempts: 3}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("disk full")
	calls := 0
	err := Do(context.Background(), "op", Policy{BaseMs: 1, MaxMs: 2, MaxAttempts: 3}, func() error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelAbortsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, "op", Policy{BaseMs: 10000, MaxMs: 10000, MaxAttempts: 3}, func() error {
		calls++
		return errors.New("always")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "first attempt runs, the wait is aborted")
}
