package indexer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"affiliateScope/internal/chain"
	"affiliateScope/internal/model"
)

const DefaultChunkSize uint64 = 500

// LogFetcher is the slice of the chain client the scanner needs.
type LogFetcher interface {
	GetLogs(ctx context.Context, fromBlock, toBlock uint64, address string, topics [][]string) ([]model.LogRecord, error)
}

// LogFilter narrows eth_getLogs for one watch. An empty Address matches any emitter.
type LogFilter struct {
	Address string
	Topics  [][]string
}

// Batch is one scanned sub-range. A gap batch carries no logs and the error
// that made the range unscannable.
type Batch struct {
	Range model.BlockRange
	Logs  []model.LogRecord
	Gap   bool
	Err   error
}

// Scanner walks block ranges in ascending chunks.
type Scanner struct {
	fetcher LogFetcher
	policy  RetryPolicy
	logger  *zap.Logger
	onRetry RetryHook
}

// NewScanner builds a Scanner with its dependencies.
func NewScanner(fetcher LogFetcher, policy RetryPolicy, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{fetcher: fetcher, policy: policy, logger: logger}
}

// OnRetry registers a hook invoked before every retry wait.
func (s *Scanner) OnRetry(hook RetryHook) {
	s.onRetry = hook
}

// Scan returns a lazy sequence over [from, to] in chunks of chunkSize.
// Nothing is fetched until Next is called.
func (s *Scanner) Scan(filter LogFilter, from, to, chunkSize uint64) (*Sequence, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("chunk size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}
	return &Sequence{
		scanner:   s,
		filter:    filter,
		next:      from,
		to:        to,
		chunkSize: chunkSize,
	}, nil
}

type pendingRange struct {
	rng   model.BlockRange
	split bool
}

// Sequence yields batches in ascending block order, in the style of bufio.Scanner.
type Sequence struct {
	scanner   *Scanner
	filter    LogFilter
	next      uint64
	to        uint64
	chunkSize uint64
	pending   []pendingRange
	exhausted bool

	batch Batch
	gaps  []model.BlockRange
	err   error
}

// Next advances to the next batch. Cancellation is observed here, between
// chunks, and during retry waits; an RPC already in flight runs to completion.
func (q *Sequence) Next(ctx context.Context) bool {
	if q.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		q.err = err
		return false
	}

	for {
		item, ok := q.pop()
		if !ok {
			return false
		}

		logs, err := q.fetch(ctx, item.rng)
		if err == nil {
			q.batch = Batch{Range: item.rng, Logs: logs}
			return true
		}
		if ctx.Err() != nil {
			q.err = ctx.Err()
			return false
		}

		switch chain.KindOf(err) {
		case chain.Fatal:
			q.err = fmt.Errorf("scan %s: %w", item.rng, err)
			return false
		case chain.Permanent:
			if !item.split {
				if left, right, ok := halve(item.rng); ok {
					q.shrink()
					q.scanner.logger.Warn("range rejected, retrying halves",
						zap.Uint64("from", item.rng.From),
						zap.Uint64("to", item.rng.To),
						zap.Uint64("chunk_size", q.chunkSize),
						zap.Error(err),
					)
					q.pending = append([]pendingRange{{rng: left, split: true}, {rng: right, split: true}}, q.pending...)
					continue
				}
			}
		}

		q.scanner.logger.Warn("range skipped",
			zap.Uint64("from", item.rng.From),
			zap.Uint64("to", item.rng.To),
			zap.String("kind", chain.KindOf(err).String()),
			zap.Error(err),
		)
		q.gaps = append(q.gaps, item.rng)
		q.batch = Batch{Range: item.rng, Gap: true, Err: err}
		return true
	}
}

// Batch returns the batch produced by the last successful Next.
func (q *Sequence) Batch() Batch {
	return q.batch
}

// Err returns the error that stopped the sequence, if any.
func (q *Sequence) Err() error {
	return q.err
}

// Gaps lists every range reported as a gap so far.
func (q *Sequence) Gaps() []model.BlockRange {
	return append([]model.BlockRange(nil), q.gaps...)
}

// ChunkSize is the current chunk size after any shrinking.
func (q *Sequence) ChunkSize() uint64 {
	return q.chunkSize
}

func (q *Sequence) pop() (pendingRange, bool) {
	if len(q.pending) > 0 {
		item := q.pending[0]
		q.pending = q.pending[1:]
		return item, true
	}
	if q.exhausted || q.next > q.to {
		return pendingRange{}, false
	}

	rng := model.BlockRange{From: q.next, To: nextEnd(q.next, q.to, q.chunkSize)}
	if rng.To == q.to {
		q.exhausted = true
	} else {
		q.next = rng.To + 1
	}
	return pendingRange{rng: rng}, true
}

func (q *Sequence) shrink() {
	if q.chunkSize > 1 {
		q.chunkSize /= 2
	}
}

func (q *Sequence) fetch(ctx context.Context, rng model.BlockRange) ([]model.LogRecord, error) {
	s := q.scanner
	s.logger.Debug("fetch logs", zap.Uint64("from", rng.From), zap.Uint64("to", rng.To))

	var logs []model.LogRecord
	err := s.policy.Do(ctx, context.WithoutCancel(ctx), func(callCtx context.Context) error {
		var err error
		logs, err = s.fetcher.GetLogs(callCtx, rng.From, rng.To, q.filter.Address, q.filter.Topics)
		return err
	}, func(kind chain.ErrorKind, attempt int, delay time.Duration, err error) {
		s.logger.Warn("get logs failed, retrying",
			zap.Uint64("from", rng.From),
			zap.Uint64("to", rng.To),
			zap.String("kind", kind.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if s.onRetry != nil {
			s.onRetry(kind, attempt, delay, err)
		}
	})
	return logs, err
}
