package indexer

import (
	"context"
	"time"

	"affiliateScope/internal/chain"
)

// RetryPolicy is the per-worker backoff schedule for chain calls.
type RetryPolicy struct {
	TransientRetries int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	RateLimitWaits   []time.Duration
}

// DefaultRetryPolicy retries transient failures 3 times (1s, 2s, 4s, capped at
// 30s) and rate limits twice (60s, 120s).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		TransientRetries: 3,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		RateLimitWaits:   []time.Duration{60 * time.Second, 120 * time.Second},
	}
}

// RetryHook observes each scheduled retry.
type RetryHook func(kind chain.ErrorKind, attempt int, delay time.Duration, err error)

// Do runs fn until it succeeds, fails with a non-retryable kind, or exhausts
// the budget of its kind. Waits observe ctx; fn receives callCtx.
func (p RetryPolicy) Do(ctx context.Context, callCtx context.Context, fn func(context.Context) error, hook RetryHook) error {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	transient, limited := 0, 0
	for {
		err := fn(callCtx)
		if err == nil {
			return nil
		}

		var delay time.Duration
		kind := chain.KindOf(err)
		switch kind {
		case chain.Transient:
			if transient >= p.TransientRetries {
				return err
			}
			delay = base << transient
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
			transient++
		case chain.RateLimited:
			if limited >= len(p.RateLimitWaits) {
				return err
			}
			delay = p.RateLimitWaits[limited]
			limited++
		default:
			return err
		}

		if hook != nil {
			hook(kind, transient+limited, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
