package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"affiliateScope/internal/chain"
	"affiliateScope/internal/config"
	"affiliateScope/internal/indexer"
	"affiliateScope/internal/metrics"
	"affiliateScope/internal/model"
	"affiliateScope/internal/storage"
	"affiliateScope/internal/storage/postgres"
	"affiliateScope/internal/storage/sqlite"
	"affiliateScope/internal/tokeninfo"
	"affiliateScope/internal/valuation"
)

// app carries the loaded config and the process-wide dependencies.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	store   storage.FeeStore
	sink    *storage.JsonlSink
	metrics *metrics.ScanMetrics
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		_ = logger.Sync()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: store, metrics: metrics.New()}
	if cfg.MalformedOut != "" {
		a.sink = storage.NewJsonlSink(cfg.MalformedOut)
	}
	return a, nil
}

func (a *app) Close() {
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn("close malformed output", zap.Error(err))
		}
	}
	_ = a.store.Close()
	_ = a.logger.Sync()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.FeeStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.NewStore(ctx, cfg.DSN)
	case config.DriverSQLite:
		return sqlite.NewStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *app) retryPolicy() indexer.RetryPolicy {
	return indexer.RetryPolicy{
		TransientRetries: a.cfg.Retry.TransientRetries,
		BaseDelay:        a.cfg.Retry.BaseDelay,
		MaxDelay:         a.cfg.Retry.MaxDelay,
		RateLimitWaits:   a.cfg.Retry.RateLimitWaits,
	}
}

func (a *app) priceSource() tokeninfo.PriceSource {
	switch a.cfg.Prices.Source {
	case config.PricesStatic:
		return tokeninfo.NewStaticSource(a.cfg.Prices.Static)
	case config.PricesLlama:
		return tokeninfo.NewLlamaSource(a.cfg.Prices.LlamaURL, a.cfg.Prices.Timeout)
	default:
		return nil
	}
}

func (a *app) orchestrator() *indexer.Orchestrator {
	var sink storage.DecodeErrorSink
	if a.sink != nil {
		sink = a.sink
	}
	prices := a.priceSource()

	return indexer.NewOrchestrator(indexer.Options{
		Chains:     a.cfg.Chains,
		Store:      a.store,
		Sink:       sink,
		Metrics:    a.metrics,
		Policy:     a.retryPolicy(),
		MaxWorkers: a.cfg.MaxWorkers,
		NewClient: func(ctx context.Context, chainCfg model.ChainConfig) (indexer.ChainClient, error) {
			return chain.NewClient(ctx, chainCfg, a.cfg.RPCTimeout)
		},
		NewTokens: func(chainCfg model.ChainConfig, client indexer.ChainClient) valuation.TokenLookup {
			return tokeninfo.NewResolver(chainCfg, client, prices, a.logger)
		},
	}, a.logger)
}
