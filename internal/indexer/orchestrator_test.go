package indexer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"affiliateScope/internal/metrics"
	"affiliateScope/internal/model"
	"affiliateScope/internal/valuation"
)

func orchestratorChains() []model.ChainConfig {
	return []model.ChainConfig{
		{
			ID:         "eth",
			StartBlock: 1000,
			ChunkSize:  5,
			Contracts: []model.ContractWatch{
				{Name: "fees", Kind: model.KindERC20Transfer, Affiliates: []string{affiliateAddr}},
				{Name: "router", Address: routerAddr, Kind: model.KindPortalsSwap, Affiliates: []string{affiliateAddr}, FeeBps: 30},
			},
		},
		{
			ID:         "base",
			StartBlock: 50,
			Contracts: []model.ContractWatch{
				{Name: "fees", Kind: model.KindERC20Transfer, Affiliates: []string{affiliateAddr}},
			},
		},
	}
}

func TestOrchestratorRunsEveryContract(t *testing.T) {
	fc := &fakeChain{
		head: 1010,
		logs: []model.LogRecord{
			transferLog(1003, txHash(1), 0, tokenAddr, senderAddr, affiliateAddr, big.NewInt(10)),
		},
	}
	dialed := map[string]int{}
	m := metrics.New()
	orch := NewOrchestrator(Options{
		Chains:     orchestratorChains(),
		Store:      newSQLiteStore(t),
		Metrics:    m,
		Policy:     fastPolicy(),
		MaxWorkers: 2,
		NewClient: func(_ context.Context, chainCfg model.ChainConfig) (ChainClient, error) {
			dialed[chainCfg.ID]++
			return fc, nil
		},
		NewTokens: func(model.ChainConfig, ChainClient) valuation.TokenLookup { return pricedTokens() },
	}, nil)

	summaries, err := orch.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	require.Len(t, summaries, 3)

	assert.Equal(t, "eth", summaries[0].Chain)
	assert.Equal(t, "", summaries[0].Contract)
	assert.Equal(t, strings.ToLower(routerAddr), summaries[1].Contract)
	assert.Equal(t, "base", summaries[2].Chain)
	for _, s := range summaries {
		assert.Nil(t, s.Error, s.Chain+":"+s.Contract)
		assert.Equal(t, model.StateIdle, s.State)
	}
	assert.Equal(t, 1, summaries[0].FeeEventsFound)
	assert.Equal(t, map[string]int{"eth": 1, "base": 1}, dialed)

	states := orch.States()
	assert.Equal(t, model.StateIdle, states["eth:"])
	assert.Equal(t, model.StateIdle, states["base:"])
}

func TestOrchestratorFilters(t *testing.T) {
	fc := &fakeChain{head: 1010}
	orch := NewOrchestrator(Options{
		Chains: orchestratorChains(),
		Store:  newSQLiteStore(t),
		Policy: fastPolicy(),
		NewClient: func(context.Context, model.ChainConfig) (ChainClient, error) {
			return fc, nil
		},
	}, nil)

	summaries, err := orch.Run(context.Background(), RunRequest{Chain: "ETH", Contract: "router"})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, strings.ToLower(routerAddr), summaries[0].Contract)

	_, err = orch.Run(context.Background(), RunRequest{Chain: "polygon"})
	assert.Error(t, err)
}

func TestOrchestratorDialFailureIsReported(t *testing.T) {
	orch := NewOrchestrator(Options{
		Chains: orchestratorChains(),
		Store:  newSQLiteStore(t),
		Policy: fastPolicy(),
		NewClient: func(_ context.Context, chainCfg model.ChainConfig) (ChainClient, error) {
			if chainCfg.ID == "eth" {
				return nil, errors.New("connection refused")
			}
			return &fakeChain{head: 60}, nil
		},
	}, nil)

	summaries, err := orch.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	for _, s := range summaries[:2] {
		assert.Equal(t, model.StateFailed, s.State)
		require.NotNil(t, s.Error)
		assert.Contains(t, *s.Error, "connection refused")
	}
	assert.Nil(t, summaries[2].Error)
	assert.Equal(t, uint64(60), summaries[2].Cursor)
}

func TestOrchestratorRejectsSecondWorkerForSameKey(t *testing.T) {
	orch := NewOrchestrator(Options{Store: newSQLiteStore(t)}, nil)
	key := model.NewCursorKey("eth", routerAddr)
	require.True(t, orch.acquire(key))
	assert.False(t, orch.acquire(key))
	orch.release(key)
	assert.True(t, orch.acquire(key))
}

func TestOrchestratorCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fc := &fakeChain{head: 1010}
	orch := NewOrchestrator(Options{
		Chains: orchestratorChains(),
		Store:  newSQLiteStore(t),
		Policy: fastPolicy(),
		NewClient: func(context.Context, model.ChainConfig) (ChainClient, error) {
			return fc, nil
		},
	}, nil)

	summaries, err := orch.Run(ctx, RunRequest{})
	require.NoError(t, err)
	for _, s := range summaries {
		assert.True(t, s.Cancelled)
		assert.Nil(t, s.Error)
	}
	assert.Empty(t, fc.calls)
}

func TestOrchestratorRequiresStore(t *testing.T) {
	_, err := NewOrchestrator(Options{}, nil).Run(context.Background(), RunRequest{})
	assert.ErrorIs(t, err, model.ErrFatal)
}

func TestOrchestratorRejectsSharedCursorKeys(t *testing.T) {
	chains := []model.ChainConfig{{
		ID:         "eth",
		StartBlock: 1000,
		Contracts: []model.ContractWatch{
			{Name: "fees-a", Kind: model.KindERC20Transfer, Affiliates: []string{affiliateAddr}},
			{Name: "fees-b", Kind: model.KindERC20Transfer, Affiliates: []string{"0xBEEF00000000000000000000000000000000BEEF"}},
		},
	}}
	dialed := 0
	store := newSQLiteStore(t)
	orch := NewOrchestrator(Options{
		Chains:     chains,
		Store:      store,
		Policy:     fastPolicy(),
		MaxWorkers: 1,
		NewClient: func(context.Context, model.ChainConfig) (ChainClient, error) {
			dialed++
			return &fakeChain{head: 1010}, nil
		},
	}, nil)

	_, err := orch.Run(context.Background(), RunRequest{Contract: "fees-b"})
	require.ErrorIs(t, err, model.ErrFatal)
	assert.Contains(t, err.Error(), "eth:")
	assert.Zero(t, dialed)

	_, ok, err := store.GetCursor(context.Background(), model.NewCursorKey("eth", ""))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrchestratorResetCursor(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	m := metrics.New()
	orch := NewOrchestrator(Options{Chains: orchestratorChains(), Store: store, Metrics: m}, nil)

	routerKey := model.NewCursorKey("eth", routerAddr)
	require.NoError(t, store.Commit(ctx, nil, &model.ScanCursor{CursorKey: routerKey, LastBlock: 2000}))

	key, err := orch.ResetCursor(ctx, "ETH", "router", 1004)
	require.NoError(t, err)
	assert.Equal(t, routerKey, key)
	cursor, ok, err := store.GetCursor(ctx, routerKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1004), cursor.LastBlock)

	key, err = orch.ResetCursor(ctx, "base", "", 49)
	require.NoError(t, err)
	assert.Equal(t, "base:", key.String())

	_, err = orch.ResetCursor(ctx, "eth", "missing", 1)
	assert.Error(t, err)

	require.True(t, orch.acquire(routerKey))
	_, err = orch.ResetCursor(ctx, "eth", routerAddr, 1)
	assert.ErrorContains(t, err, "running")
	orch.release(routerKey)

	cursor, _, err = store.GetCursor(ctx, routerKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(1004), cursor.LastBlock)
}
