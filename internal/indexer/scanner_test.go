package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"affiliateScope/internal/chain"
	"affiliateScope/internal/model"
)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  []model.BlockRange
	failFn func(r model.BlockRange, attempt int) error
	seen   map[model.BlockRange]int
}

func (f *fakeFetcher) GetLogs(_ context.Context, from, to uint64, _ string, _ [][]string) ([]model.LogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := model.BlockRange{From: from, To: to}
	if f.seen == nil {
		f.seen = make(map[model.BlockRange]int)
	}
	f.seen[r]++
	f.calls = append(f.calls, r)
	if f.failFn != nil {
		if err := f.failFn(r, f.seen[r]); err != nil {
			return nil, err
		}
	}
	return []model.LogRecord{{BlockNumber: from, TxHash: "0x01"}}, nil
}

func drain(t *testing.T, seq *Sequence) []Batch {
	t.Helper()
	var out []Batch
	for seq.Next(context.Background()) {
		out = append(out, seq.Batch())
	}
	return out
}

func ranges(batches []Batch) []model.BlockRange {
	out := make([]model.BlockRange, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.Range)
	}
	return out
}

func TestScanAscendingChunks(t *testing.T) {
	fetcher := &fakeFetcher{}
	seq, err := NewScanner(fetcher, fastPolicy(), nil).Scan(LogFilter{}, 1000, 2000, 500)
	require.NoError(t, err)

	batches := drain(t, seq)
	require.NoError(t, seq.Err())
	assert.Equal(t, []model.BlockRange{{From: 1000, To: 1499}, {From: 1500, To: 1999}, {From: 2000, To: 2000}}, ranges(batches))
	assert.Empty(t, seq.Gaps())
	for _, b := range batches {
		assert.False(t, b.Gap)
		assert.Len(t, b.Logs, 1)
	}
}

func TestScanIsLazy(t *testing.T) {
	fetcher := &fakeFetcher{}
	seq, err := NewScanner(fetcher, fastPolicy(), nil).Scan(LogFilter{}, 1, 100, 10)
	require.NoError(t, err)
	assert.Empty(t, fetcher.calls)

	require.True(t, seq.Next(context.Background()))
	assert.Len(t, fetcher.calls, 1)
}

func TestScanTransientRecovers(t *testing.T) {
	fetcher := &fakeFetcher{failFn: func(_ model.BlockRange, attempt int) error {
		if attempt < 3 {
			return kindErr(chain.Transient)
		}
		return nil
	}}
	seq, err := NewScanner(fetcher, fastPolicy(), nil).Scan(LogFilter{}, 1, 10, 10)
	require.NoError(t, err)

	batches := drain(t, seq)
	require.Len(t, batches, 1)
	assert.False(t, batches[0].Gap)
	assert.Len(t, fetcher.calls, 3)
}

func TestScanTransientExhaustedIsGap(t *testing.T) {
	bad := model.BlockRange{From: 11, To: 20}
	fetcher := &fakeFetcher{failFn: func(r model.BlockRange, _ int) error {
		if r == bad {
			return kindErr(chain.Transient)
		}
		return nil
	}}
	seq, err := NewScanner(fetcher, fastPolicy(), nil).Scan(LogFilter{}, 1, 30, 10)
	require.NoError(t, err)

	batches := drain(t, seq)
	require.NoError(t, seq.Err())
	require.Len(t, batches, 3)
	assert.True(t, batches[1].Gap)
	assert.Error(t, batches[1].Err)
	assert.Equal(t, []model.BlockRange{bad}, seq.Gaps())
	assert.Equal(t, 4, fetcher.seen[bad])
}

func TestScanRateLimitedExhaustedIsGap(t *testing.T) {
	fetcher := &fakeFetcher{failFn: func(model.BlockRange, int) error {
		return kindErr(chain.RateLimited)
	}}
	seq, err := NewScanner(fetcher, fastPolicy(), nil).Scan(LogFilter{}, 1, 5, 5)
	require.NoError(t, err)

	batches := drain(t, seq)
	require.Len(t, batches, 1)
	assert.True(t, batches[0].Gap)
	assert.Len(t, fetcher.calls, 3)
}

func TestScanPermanentHalvesOnce(t *testing.T) {
	fetcher := &fakeFetcher{failFn: func(r model.BlockRange, _ int) error {
		if r.Len() > 5 {
			return kindErr(chain.Permanent)
		}
		return nil
	}}
	seq, err := NewScanner(fetcher, fastPolicy(), nil).Scan(LogFilter{}, 1, 20, 10)
	require.NoError(t, err)

	batches := drain(t, seq)
	require.NoError(t, seq.Err())
	assert.Equal(t, []model.BlockRange{
		{From: 1, To: 5},
		{From: 6, To: 10},
		{From: 11, To: 15},
		{From: 16, To: 20},
	}, ranges(batches))
	assert.Empty(t, seq.Gaps())
	assert.Equal(t, uint64(5), seq.ChunkSize())
}

func TestScanPermanentHalfStillFailingIsGap(t *testing.T) {
	fetcher := &fakeFetcher{failFn: func(r model.BlockRange, _ int) error {
		if r.From <= 7 && r.To >= 7 {
			return kindErr(chain.Permanent)
		}
		return nil
	}}
	seq, err := NewScanner(fetcher, fastPolicy(), nil).Scan(LogFilter{}, 1, 10, 10)
	require.NoError(t, err)

	batches := drain(t, seq)
	require.NoError(t, seq.Err())
	assert.Equal(t, []model.BlockRange{{From: 1, To: 5}, {From: 6, To: 10}}, ranges(batches))
	assert.False(t, batches[0].Gap)
	assert.True(t, batches[1].Gap)
	assert.Equal(t, []model.BlockRange{{From: 6, To: 10}}, seq.Gaps())
	assert.Equal(t, 1, fetcher.seen[model.BlockRange{From: 6, To: 10}], "halves are not re-halved")
}

func TestScanPermanentSingleBlockIsGap(t *testing.T) {
	fetcher := &fakeFetcher{failFn: func(model.BlockRange, int) error {
		return kindErr(chain.Permanent)
	}}
	seq, err := NewScanner(fetcher, fastPolicy(), nil).Scan(LogFilter{}, 9, 9, 1)
	require.NoError(t, err)

	batches := drain(t, seq)
	require.Len(t, batches, 1)
	assert.True(t, batches[0].Gap)
	assert.Len(t, fetcher.calls, 1)
}

func TestScanFatalStops(t *testing.T) {
	fetcher := &fakeFetcher{failFn: func(r model.BlockRange, _ int) error {
		if r.From == 11 {
			return kindErr(chain.Fatal)
		}
		return nil
	}}
	seq, err := NewScanner(fetcher, fastPolicy(), nil).Scan(LogFilter{}, 1, 30, 10)
	require.NoError(t, err)

	batches := drain(t, seq)
	require.Len(t, batches, 1)
	require.Error(t, seq.Err())
	assert.Equal(t, chain.Fatal, chain.KindOf(seq.Err()))
}

func TestScanCancelledBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &fakeFetcher{}
	seq, err := NewScanner(fetcher, fastPolicy(), nil).Scan(LogFilter{}, 1, 30, 10)
	require.NoError(t, err)

	require.True(t, seq.Next(ctx))
	cancel()
	assert.False(t, seq.Next(ctx))
	assert.True(t, errors.Is(seq.Err(), context.Canceled))
	assert.Len(t, fetcher.calls, 1)
}

func TestScanRetryHook(t *testing.T) {
	fetcher := &fakeFetcher{failFn: func(_ model.BlockRange, attempt int) error {
		if attempt == 1 {
			return kindErr(chain.RateLimited)
		}
		return nil
	}}
	scanner := NewScanner(fetcher, fastPolicy(), nil)
	var kinds []chain.ErrorKind
	scanner.OnRetry(func(kind chain.ErrorKind, _ int, _ time.Duration, _ error) {
		kinds = append(kinds, kind)
	})
	seq, err := scanner.Scan(LogFilter{}, 1, 1, 1)
	require.NoError(t, err)
	drain(t, seq)
	assert.Equal(t, []chain.ErrorKind{chain.RateLimited}, kinds)
}

func TestScanRejectsBadArgs(t *testing.T) {
	scanner := NewScanner(&fakeFetcher{}, fastPolicy(), nil)
	_, err := scanner.Scan(LogFilter{}, 1, 10, 0)
	assert.Error(t, err)
	_, err = scanner.Scan(LogFilter{}, 10, 1, 5)
	assert.Error(t, err)
}
