package indexer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"affiliateScope/internal/metrics"
	"affiliateScope/internal/model"
	"affiliateScope/internal/storage"
	"affiliateScope/internal/valuation"
)

// ClientFactory dials the chain client for one chain.
type ClientFactory func(ctx context.Context, chainCfg model.ChainConfig) (ChainClient, error)

// TokensFactory builds the token lookup for one chain. It may return nil.
type TokensFactory func(chainCfg model.ChainConfig, client ChainClient) valuation.TokenLookup

// Options configures an Orchestrator.
type Options struct {
	Chains     []model.ChainConfig
	Store      storage.FeeStore
	Sink       storage.DecodeErrorSink
	Metrics    *metrics.ScanMetrics
	Policy     RetryPolicy
	MaxWorkers int
	NewClient  ClientFactory
	NewTokens  TokensFactory
}

// RunRequest narrows a run. Empty fields select everything.
type RunRequest struct {
	Chain    string
	Contract string
	Range    *model.BlockRange
}

// Orchestrator runs one worker per (chain, contract), never two for the same pair.
type Orchestrator struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	active map[model.CursorKey]struct{}
	states map[model.CursorKey]model.RunState
}

func NewOrchestrator(opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	return &Orchestrator{
		opts:   opts,
		logger: logger,
		active: make(map[model.CursorKey]struct{}),
		states: make(map[model.CursorKey]model.RunState),
	}
}

type job struct {
	index int
	chain model.ChainConfig
	watch model.ContractWatch
}

// Run scans every selected contract and returns one summary per worker in
// configuration order. Worker failures are reported in the summaries.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) ([]model.RunSummary, error) {
	if o.opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", model.ErrFatal)
	}
	if o.opts.NewClient == nil {
		return nil, fmt.Errorf("%w: client factory is required", model.ErrFatal)
	}

	for _, chainCfg := range o.opts.Chains {
		if key, dup := chainCfg.DuplicateCursorKey(); dup {
			return nil, fmt.Errorf("%w: contracts share cursor %s", model.ErrFatal, key)
		}
	}

	byChain := make(map[string][]job)
	var order []string
	total := 0
	for _, chainCfg := range o.opts.Chains {
		if req.Chain != "" && !strings.EqualFold(req.Chain, chainCfg.ID) {
			continue
		}
		for _, watch := range chainCfg.Contracts {
			if req.Contract != "" && !strings.EqualFold(req.Contract, watch.Address) && req.Contract != watch.Name {
				continue
			}
			if _, ok := byChain[chainCfg.ID]; !ok {
				order = append(order, chainCfg.ID)
			}
			byChain[chainCfg.ID] = append(byChain[chainCfg.ID], job{index: total, chain: chainCfg, watch: watch})
			total++
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("no contract matches chain=%q contract=%q", req.Chain, req.Contract)
	}

	summaries := make([]model.RunSummary, total)
	var g errgroup.Group
	g.SetLimit(o.opts.MaxWorkers)

	for _, chainID := range order {
		jobs := byChain[chainID]
		client, err := o.opts.NewClient(ctx, jobs[0].chain)
		if err != nil {
			for _, j := range jobs {
				summaries[j.index] = o.failed(j, fmt.Errorf("dial chain %s: %w", chainID, err))
			}
			continue
		}
		if closer, ok := client.(interface{ Close() }); ok {
			defer closer.Close()
		}

		var tokens valuation.TokenLookup
		if o.opts.NewTokens != nil {
			tokens = o.opts.NewTokens(jobs[0].chain, client)
		}

		for _, j := range jobs {
			j := j
			g.Go(func() error {
				summaries[j.index] = o.runWorker(ctx, j, client, tokens, req.Range)
				return nil
			})
		}
	}
	_ = g.Wait()
	return summaries, nil
}

func (o *Orchestrator) runWorker(ctx context.Context, j job, client ChainClient, tokens valuation.TokenLookup, rng *model.BlockRange) model.RunSummary {
	key := model.NewCursorKey(j.chain.ID, j.watch.Address)
	if !o.acquire(key) {
		return o.failed(j, fmt.Errorf("worker for %s is already running", key))
	}
	defer o.release(key)

	if ctx.Err() != nil {
		now := time.Now().UTC()
		return model.RunSummary{
			Chain:      key.Chain,
			Contract:   key.Contract,
			Gaps:       []model.BlockRange{},
			State:      model.StateIdle,
			Cancelled:  true,
			StartedAt:  now,
			FinishedAt: now,
		}
	}

	runner := NewRunner(RunConfig{
		Chain:  j.chain,
		Watch:  j.watch,
		Range:  rng,
		Policy: o.opts.Policy,
	}, client, o.opts.Store, tokens, o.opts.Sink, o.opts.Metrics, o.logger)
	runner.OnState(func(state model.RunState) { o.setState(key, state) })
	return runner.Run(ctx)
}

func (o *Orchestrator) failed(j job, err error) model.RunSummary {
	now := time.Now().UTC()
	summary := model.RunSummary{
		Chain:      j.chain.ID,
		Contract:   strings.ToLower(j.watch.Address),
		Gaps:       []model.BlockRange{},
		StartedAt:  now,
		FinishedAt: now,
	}
	summary.Fail(err)
	o.logger.Error("worker not started",
		zap.String("chain", j.chain.ID),
		zap.String("contract", j.watch.Label()),
		zap.Error(err),
	)
	return summary
}

func (o *Orchestrator) acquire(key model.CursorKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[key]; busy {
		return false
	}
	o.active[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key model.CursorKey) {
	o.mu.Lock()
	delete(o.active, key)
	o.mu.Unlock()
}

func (o *Orchestrator) setState(key model.CursorKey, state model.RunState) {
	o.mu.Lock()
	o.states[key] = state
	o.mu.Unlock()
}

// States returns the last observed state of every worker that has run.
func (o *Orchestrator) States() map[string]model.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]model.RunState, len(o.states))
	for key, state := range o.states {
		out[key.String()] = state
	}
	return out
}

// ResetCursor overwrites the cursor of one configured contract, moving it
// backwards if asked, so the next run rescans from block+1. contract is an
// address or watch name; empty selects the chain's address-less watch.
func (o *Orchestrator) ResetCursor(ctx context.Context, chainID, contract string, block uint64) (model.CursorKey, error) {
	if o.opts.Store == nil {
		return model.CursorKey{}, fmt.Errorf("%w: store is required", model.ErrFatal)
	}

	var key model.CursorKey
	matches := 0
	for _, chainCfg := range o.opts.Chains {
		if !strings.EqualFold(chainID, chainCfg.ID) {
			continue
		}
		for _, watch := range chainCfg.Contracts {
			hit := strings.EqualFold(contract, watch.Address) || (contract != "" && contract == watch.Name)
			if !hit {
				continue
			}
			key = model.NewCursorKey(chainCfg.ID, watch.Address)
			matches++
		}
	}
	switch matches {
	case 0:
		return key, fmt.Errorf("no contract matches chain=%q contract=%q", chainID, contract)
	case 1:
	default:
		return key, fmt.Errorf("contract %q is ambiguous on chain %s", contract, chainID)
	}

	if !o.acquire(key) {
		return key, fmt.Errorf("worker for %s is running", key)
	}
	defer o.release(key)

	if err := o.opts.Store.SetCursor(ctx, key, block); err != nil {
		return key, fmt.Errorf("set cursor %s: %w", key, err)
	}
	o.opts.Metrics.SetCursor(key.Chain, key.Contract, block)
	o.logger.Info("cursor reset",
		zap.String("chain", key.Chain),
		zap.String("contract", key.Contract),
		zap.Uint64("block", block),
	)
	return key, nil
}
