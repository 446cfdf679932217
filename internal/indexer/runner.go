package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"affiliateScope/internal/affiliate"
	"affiliateScope/internal/chain"
	"affiliateScope/internal/dex"
	"affiliateScope/internal/metrics"
	"affiliateScope/internal/model"
	"affiliateScope/internal/storage"
	"affiliateScope/internal/valuation"
)

// ChainClient is the slice of chain.Client a worker needs.
type ChainClient interface {
	LogFetcher
	dex.ContractCaller
	LatestBlockNumber(ctx context.Context) (uint64, error)
	GetBlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	GetTransactionReceipt(ctx context.Context, txHash string) ([]model.LogRecord, error)
}

// RunConfig holds the settings of one (chain, contract) worker.
type RunConfig struct {
	Chain model.ChainConfig
	Watch model.ContractWatch
	// Range overrides the cursor-derived range. It is still capped at the head.
	Range  *model.BlockRange
	Policy RetryPolicy
}

// Runner scans one contract on one chain and commits fee events with the cursor.
type Runner struct {
	cfg      RunConfig
	client   ChainClient
	store    storage.FeeStore
	valuator *valuation.Valuator
	pairs    *dex.PairResolver
	sink     storage.DecodeErrorSink
	metrics  *metrics.ScanMetrics
	logger   *zap.Logger
	onState  func(model.RunState)
}

// NewRunner builds a Runner with its dependencies. tokens, sink and m may be nil.
func NewRunner(cfg RunConfig, client ChainClient, store storage.FeeStore, tokens valuation.TokenLookup, sink storage.DecodeErrorSink, m *metrics.ScanMetrics, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("chain", cfg.Chain.ID), zap.String("contract", cfg.Watch.Label()))
	return &Runner{
		cfg:      cfg,
		client:   client,
		store:    store,
		valuator: valuation.NewValuator(tokens, logger),
		pairs:    dex.NewPairResolver(client),
		sink:     sink,
		metrics:  m,
		logger:   logger,
	}
}

// OnState registers a callback for state transitions.
func (r *Runner) OnState(fn func(model.RunState)) {
	r.onState = fn
}

func (r *Runner) setState(summary *model.RunSummary, state model.RunState) {
	summary.State = state
	if r.onState != nil {
		r.onState(state)
	}
}

// errChunkGap marks a chunk whose receipts or timestamps could not be fetched.
var errChunkGap = errors.New("chunk unavailable")

// Run executes the scan loop and always returns a summary. Progress committed
// before a failure is kept.
func (r *Runner) Run(ctx context.Context) (summary model.RunSummary) {
	key := model.NewCursorKey(r.cfg.Chain.ID, r.cfg.Watch.Address)
	summary = model.RunSummary{
		RunID:     uuid.NewString(),
		Chain:     key.Chain,
		Contract:  key.Contract,
		State:     model.StateIdle,
		StartedAt: time.Now().UTC(),
		Gaps:      []model.BlockRange{},
	}
	logger := r.logger.With(zap.String("run_id", summary.RunID))
	defer func() {
		summary.FinishedAt = time.Now().UTC()
		r.metrics.ObserveRun(key.Chain, key.Contract, summary.FinishedAt.Sub(summary.StartedAt))
	}()

	fail := func(err error) model.RunSummary {
		summary.Fail(err)
		if r.onState != nil {
			r.onState(model.StateFailed)
		}
		logger.Error("run failed", zap.Error(err))
		return summary
	}

	if r.client == nil || r.store == nil {
		return fail(fmt.Errorf("%w: chain client and store are required", model.ErrFatal))
	}
	decoder, err := dex.NewDecoder(r.cfg.Watch)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", model.ErrFatal, err))
	}
	filter, err := logFilter(r.cfg.Watch, decoder)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", model.ErrFatal, err))
	}

	cursor, hasCursor, err := r.store.GetCursor(ctx, key)
	if err != nil {
		return fail(fmt.Errorf("%w: read cursor: %v", model.ErrFatal, err))
	}
	start := r.cfg.Chain.StartBlockFor(r.cfg.Watch)
	expect := start
	if hasCursor {
		expect = cursor.LastBlock + 1
		summary.Cursor = cursor.LastBlock
	}

	head, err := r.head(ctx)
	if err != nil {
		if ctx.Err() != nil {
			summary.Cancelled = true
			return summary
		}
		return fail(fmt.Errorf("get head: %w", err))
	}

	from, to := expect, head
	if r.cfg.Range != nil {
		from = r.cfg.Range.From
		if r.cfg.Range.To < to {
			to = r.cfg.Range.To
		}
	}
	summary.FromBlock, summary.ToBlock = from, to
	if from > to {
		logger.Info("nothing to sync", zap.Uint64("from", from), zap.Uint64("to", to))
		return summary
	}

	chunkSize := r.cfg.Chain.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	scanner := NewScanner(r.client, r.cfg.Policy, logger)
	scanner.OnRetry(func(kind chain.ErrorKind, _ int, _ time.Duration, _ error) {
		r.metrics.IncRetry(key.Chain, kind.String())
	})
	seq, err := scanner.Scan(filter, from, to, chunkSize)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", model.ErrFatal, err))
	}

	logger.Info("scan start", zap.Uint64("from", from), zap.Uint64("to", to), zap.Uint64("chunk_size", chunkSize))
	r.setState(&summary, model.StateScanning)

	matcher := affiliate.NewMatcher(r.cfg.Watch, nil)
	for seq.Next(ctx) {
		batch := seq.Batch()
		if batch.Gap {
			r.recordGap(&summary, batch.Range)
			continue
		}

		result, err := r.processChunk(ctx, decoder, matcher, batch)
		if errors.Is(err, errChunkGap) {
			logger.Warn("range skipped", zap.Uint64("from", batch.Range.From), zap.Uint64("to", batch.Range.To), zap.Error(err))
			r.recordGap(&summary, batch.Range)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				summary.Cancelled = true
				break
			}
			return fail(err)
		}

		var next *model.ScanCursor
		if batch.Range.From <= expect && batch.Range.To >= expect {
			next = &model.ScanCursor{CursorKey: key, LastBlock: batch.Range.To}
		}

		if len(result.events) > 0 || next != nil {
			r.setState(&summary, model.StateCommitting)
			if err := r.store.Commit(context.WithoutCancel(ctx), result.events, next); err != nil {
				return fail(fmt.Errorf("commit %s: %w", batch.Range, err))
			}
			r.setState(&summary, model.StateScanning)
		}
		if next != nil {
			expect = next.LastBlock + 1
			summary.Cursor = next.LastBlock
			r.metrics.SetCursor(key.Chain, key.Contract, next.LastBlock)
		}

		summary.BlocksScanned += batch.Range.Len()
		summary.FeeEventsFound += len(result.events)
		summary.FeeEventsPriced += result.priced
		summary.UnrecognizedEvents += result.unrecognized
		summary.MalformedEvents += result.malformed
		r.metrics.AddBlocks(key.Chain, key.Contract, batch.Range.Len())
		r.metrics.AddFeeEvents(key.Chain, key.Contract, result.priced, len(result.events)-result.priced)
		r.metrics.AddUnrecognized(key.Chain, key.Contract, result.unrecognized)
		r.metrics.AddMalformed(key.Chain, key.Contract, result.malformed)

		logger.Info("batch complete",
			zap.Uint64("from", batch.Range.From),
			zap.Uint64("to", batch.Range.To),
			zap.Int("fee_events", len(result.events)),
			zap.Uint64("cursor", summary.Cursor),
		)
	}

	if err := seq.Err(); err != nil {
		if ctx.Err() != nil {
			summary.Cancelled = true
		} else {
			return fail(err)
		}
	}

	r.setState(&summary, model.StateIdle)
	logger.Info("scan done",
		zap.Uint64("blocks", summary.BlocksScanned),
		zap.Int("fee_events", summary.FeeEventsFound),
		zap.Int("priced", summary.FeeEventsPriced),
		zap.Int("gaps", len(summary.Gaps)),
		zap.Bool("cancelled", summary.Cancelled),
	)
	return summary
}

func (r *Runner) recordGap(summary *model.RunSummary, rng model.BlockRange) {
	summary.Gaps = append(summary.Gaps, rng)
	r.metrics.IncGap(summary.Chain, summary.Contract)
}

// head snapshots the chain head minus the confirmation depth.
func (r *Runner) head(ctx context.Context) (uint64, error) {
	var latest uint64
	err := r.cfg.Policy.Do(ctx, context.WithoutCancel(ctx), func(callCtx context.Context) error {
		var err error
		latest, err = r.client.LatestBlockNumber(callCtx)
		return err
	}, nil)
	if err != nil {
		return 0, err
	}
	if latest < r.cfg.Chain.Confirmations {
		return 0, nil
	}
	return latest - r.cfg.Chain.Confirmations, nil
}

type chunkResult struct {
	events       []model.FeeEvent
	priced       int
	unrecognized int
	malformed    int
}

// processChunk runs decode, match and price for one batch. In-flight work
// is not interrupted by cancellation; only retry waits observe ctx.
func (r *Runner) processChunk(ctx context.Context, decoder *dex.Decoder, matcher *affiliate.Matcher, batch Batch) (chunkResult, error) {
	var result chunkResult
	workCtx := context.WithoutCancel(ctx)

	logs, err := r.collectLogs(ctx, batch.Logs)
	if err != nil {
		return result, err
	}

	var decoded []model.DecodedEvent
	var decodeErrs []model.DecodeError
	for _, log := range logs {
		event, err := decoder.Decode(log)
		if err != nil {
			result.malformed++
			decodeErrs = append(decodeErrs, model.NewDecodeError(log, err))
			r.logger.Warn("malformed event",
				zap.String("tx_hash", log.TxHash),
				zap.Uint64("log_index", log.LogIndex),
				zap.Strings("topics", log.Topics),
				zap.String("data", log.Data),
				zap.Error(err),
			)
			continue
		}
		if event.Kind == model.EventUnrecognized {
			result.unrecognized++
			continue
		}
		decoded = append(decoded, event)
	}
	if len(decodeErrs) > 0 && r.sink != nil {
		if err := r.sink.PutDecodeErrors(decodeErrs); err != nil {
			r.logger.Warn("write malformed events failed", zap.Error(err))
		}
	}

	if r.cfg.Watch.Kind == model.KindUniswapV2PairEvents {
		matcher = affiliate.NewMatcher(r.cfg.Watch, r.pairLookup(workCtx, decoded))
	}
	candidates := matcher.Match(decoded)

	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		id := fmt.Sprintf("%s:%d", strings.ToLower(candidate.TxHash), candidate.LogIndex)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		ts, err := r.blockTimestamp(ctx, candidate.BlockNumber)
		if err != nil {
			return result, err
		}
		event := model.FeeEvent{
			Chain:       r.cfg.Chain.ID,
			TxHash:      candidate.TxHash,
			LogIndex:    candidate.LogIndex,
			Contract:    strings.ToLower(r.cfg.Watch.Address),
			Protocol:    string(r.cfg.Watch.Kind),
			BlockNumber: candidate.BlockNumber,
			BlockTime:   time.Unix(int64(ts), 0).UTC(),
			Affiliate:   candidate.Affiliate,
			Attribution: candidate.Attribution,
			FeeToken:    candidate.Token,
			FeeAmount:   amountOf(candidate.Amount),
			Swap:        candidate.Swap,
		}
		r.valuator.Value(workCtx, &event, candidate.Amount)
		if event.Priced() {
			result.priced++
		}
		result.events = append(result.events, event)
	}
	return result, nil
}

// collectLogs drops removed logs and, for kinds whose fees are paid by other
// contracts, replaces the batch with the full receipts of every hit tx.
func (r *Runner) collectLogs(ctx context.Context, batch []model.LogRecord) ([]model.LogRecord, error) {
	live := make([]model.LogRecord, 0, len(batch))
	for _, log := range batch {
		if !log.Removed {
			live = append(live, log)
		}
	}
	if r.cfg.Watch.Kind == model.KindERC20Transfer {
		return live, nil
	}

	var txs []string
	seen := make(map[string]struct{})
	for _, log := range live {
		tx := strings.ToLower(log.TxHash)
		if _, ok := seen[tx]; ok {
			continue
		}
		seen[tx] = struct{}{}
		txs = append(txs, tx)
	}

	var out []model.LogRecord
	for _, tx := range txs {
		var receipt []model.LogRecord
		err := r.cfg.Policy.Do(ctx, context.WithoutCancel(ctx), func(callCtx context.Context) error {
			var err error
			receipt, err = r.client.GetTransactionReceipt(callCtx, tx)
			return err
		}, r.retryLogger("eth_getTransactionReceipt"))
		if err != nil {
			return nil, r.chunkError(ctx, fmt.Errorf("receipt %s: %w", tx, err))
		}
		for _, log := range receipt {
			if !log.Removed {
				out = append(out, log)
			}
		}
	}
	return out, nil
}

func (r *Runner) blockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	var ts uint64
	err := r.cfg.Policy.Do(ctx, context.WithoutCancel(ctx), func(callCtx context.Context) error {
		var err error
		ts, err = r.client.GetBlockTimestamp(callCtx, number)
		return err
	}, r.retryLogger("eth_getBlockByNumber"))
	if err != nil {
		return 0, r.chunkError(ctx, fmt.Errorf("block timestamp %d: %w", number, err))
	}
	return ts, nil
}

// chunkError turns an exhausted fetch into a gap unless the run was
// cancelled or the error is fatal.
func (r *Runner) chunkError(ctx context.Context, err error) error {
	if ctx.Err() != nil || chain.KindOf(err) == chain.Fatal {
		return err
	}
	return fmt.Errorf("%w: %v", errChunkGap, err)
}

func (r *Runner) retryLogger(op string) RetryHook {
	return func(kind chain.ErrorKind, attempt int, delay time.Duration, err error) {
		r.logger.Warn("rpc failed, retrying",
			zap.String("op", op),
			zap.String("kind", kind.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		r.metrics.IncRetry(r.cfg.Chain.ID, kind.String())
	}
}

// pairLookup resolves token0/token1 for every pair that emitted a Swap.
// Unresolvable pairs simply get no swap link.
func (r *Runner) pairLookup(ctx context.Context, events []model.DecodedEvent) affiliate.PairLookup {
	resolved := make(map[string]dex.PairTokens)
	for _, event := range events {
		if event.Kind != model.EventPairSwap {
			continue
		}
		if _, ok := resolved[event.Contract]; ok {
			continue
		}
		tokens, err := r.pairs.Tokens(ctx, event.Contract)
		if err != nil {
			r.logger.Debug("pair tokens unavailable", zap.String("pair", event.Contract), zap.Error(err))
			continue
		}
		resolved[event.Contract] = tokens
	}
	return func(pair string) (string, string, bool) {
		tokens, ok := resolved[strings.ToLower(pair)]
		return tokens.Token0, tokens.Token1, ok
	}
}

// logFilter selects the eth_getLogs filter for a watch. ERC20Transfer watches
// filter on the recipient topic so only transfers to affiliates come back.
func logFilter(watch model.ContractWatch, decoder *dex.Decoder) (LogFilter, error) {
	primary := decoder.PrimaryTopics()
	if watch.Kind == model.KindERC20Transfer {
		recipients, err := AddressTopics(watch.Affiliates)
		if err != nil {
			return LogFilter{}, err
		}
		return LogFilter{Address: watch.Address, Topics: [][]string{primary, {}, recipients}}, nil
	}
	if watch.Address == "" {
		return LogFilter{}, fmt.Errorf("contract %s: address is required for %s", watch.Label(), watch.Kind)
	}
	if len(primary) == 0 {
		return LogFilter{Address: watch.Address}, nil
	}
	return LogFilter{Address: watch.Address, Topics: [][]string{primary}}, nil
}

func amountOf(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
