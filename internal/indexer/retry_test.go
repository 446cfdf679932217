package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"affiliateScope/internal/chain"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		TransientRetries: 3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         4 * time.Millisecond,
		RateLimitWaits:   []time.Duration{time.Millisecond, 2 * time.Millisecond},
	}
}

func kindErr(kind chain.ErrorKind) error {
	return &chain.Error{Kind: kind, Op: "test", Err: errors.New(kind.String())}
}

func TestRetryTransientBudget(t *testing.T) {
	ctx := context.Background()
	calls := 0
	var delays []time.Duration
	err := fastPolicy().Do(ctx, ctx, func(context.Context) error {
		calls++
		return kindErr(chain.Transient)
	}, func(_ chain.ErrorKind, _ int, delay time.Duration, _ error) {
		delays = append(delays, delay)
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls, "one attempt plus three retries")
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, delays)
}

func TestRetryBackoffCapped(t *testing.T) {
	policy := fastPolicy()
	policy.TransientRetries = 5
	policy.MaxDelay = 3 * time.Millisecond
	ctx := context.Background()
	var delays []time.Duration
	_ = policy.Do(ctx, ctx, func(context.Context) error {
		return kindErr(chain.Transient)
	}, func(_ chain.ErrorKind, _ int, delay time.Duration, _ error) {
		delays = append(delays, delay)
	})
	for _, d := range delays {
		assert.LessOrEqual(t, d, 3*time.Millisecond)
	}
}

func TestRetryRateLimitedSchedule(t *testing.T) {
	ctx := context.Background()
	calls := 0
	var delays []time.Duration
	err := fastPolicy().Do(ctx, ctx, func(context.Context) error {
		calls++
		return kindErr(chain.RateLimited)
	}, func(_ chain.ErrorKind, _ int, delay time.Duration, _ error) {
		delays = append(delays, delay)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestRetryPermanentNotRetried(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := fastPolicy().Do(ctx, ctx, func(context.Context) error {
		calls++
		return kindErr(chain.Permanent)
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, chain.Permanent, chain.KindOf(err))
}

func TestRetryRecovers(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := fastPolicy().Do(ctx, ctx, func(context.Context) error {
		calls++
		if calls < 3 {
			return kindErr(chain.Transient)
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWaitObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{TransientRetries: 1, BaseDelay: time.Hour}
	err := policy.Do(ctx, context.Background(), func(context.Context) error {
		cancel()
		return kindErr(chain.Transient)
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
