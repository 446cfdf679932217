package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"affiliateScope/internal/chain"
	"affiliateScope/internal/dex"
	"affiliateScope/internal/model"
	"affiliateScope/internal/storage"
	"affiliateScope/internal/storage/sqlite"
)

const (
	affiliateAddr = "0xAFF00000000000000000000000000000000000AF"
	tokenAddr     = "0x1000000000000000000000000000000000000001"
	otherToken    = "0x2000000000000000000000000000000000000002"
	routerAddr    = "0x3000000000000000000000000000000000000003"
	senderAddr    = "0x1110000000000000000000000000000000000111"
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")).Hex()

type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	logs     []model.LogRecord
	receipts map[string][]model.LogRecord
	failLogs func(from, to uint64) error
	onLogs   func(from, to uint64)
	calls    []model.BlockRange
}

func (f *fakeChain) GetLogs(_ context.Context, from, to uint64, address string, topics [][]string) ([]model.LogRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, model.BlockRange{From: from, To: to})
	f.mu.Unlock()
	if f.onLogs != nil {
		defer f.onLogs(from, to)
	}
	if f.failLogs != nil {
		if err := f.failLogs(from, to); err != nil {
			return nil, err
		}
	}

	var out []model.LogRecord
	for _, log := range f.logs {
		if log.BlockNumber < from || log.BlockNumber > to {
			continue
		}
		if address != "" && !strings.EqualFold(address, log.Address) {
			continue
		}
		if !matchTopics(log.Topics, topics) {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func matchTopics(logTopics []string, filter [][]string) bool {
	for i, position := range filter {
		if len(position) == 0 {
			continue
		}
		if i >= len(logTopics) {
			return false
		}
		hit := false
		for _, topic := range position {
			if strings.EqualFold(topic, logTopics[i]) {
				hit = true
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func (f *fakeChain) LatestBlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) GetBlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	return 1700000000 + number, nil
}

func (f *fakeChain) GetTransactionReceipt(_ context.Context, txHash string) ([]model.LogRecord, error) {
	logs, ok := f.receipts[strings.ToLower(txHash)]
	if !ok {
		return nil, &chain.Error{Kind: chain.Permanent, Op: "eth_getTransactionReceipt", Err: errors.New("not found")}
	}
	return logs, nil
}

func (f *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("no contract")
}

type fakeTokens map[string]model.TokenInfo

func (f fakeTokens) Lookup(_ context.Context, token string) (model.TokenInfo, error) {
	if info, ok := f[strings.ToLower(token)]; ok {
		return info, nil
	}
	return model.TokenInfo{TokenMeta: model.TokenMeta{Address: token, Decimals: 18}}, nil
}

func pricedTokens() fakeTokens {
	price := 2.0
	return fakeTokens{
		strings.ToLower(tokenAddr): {
			TokenMeta: model.TokenMeta{Address: tokenAddr, Decimals: 18, Symbol: "TKN"},
			PriceUSD:  &price,
		},
	}
}

func txHash(n int) string {
	return common.BigToHash(big.NewInt(int64(n))).Hex()
}

func addrTopic(addr string) string {
	return common.BytesToHash(common.HexToAddress(addr).Bytes()).Hex()
}

func transferLog(block uint64, tx string, logIndex uint64, token, from, to string, amount *big.Int) model.LogRecord {
	return model.LogRecord{
		Chain:       "eth",
		BlockNumber: block,
		TxHash:      tx,
		LogIndex:    logIndex,
		Address:     token,
		Topics:      []string{transferTopic, addrTopic(from), addrTopic(to)},
		Data:        hexutil.Encode(common.LeftPadBytes(amount.Bytes(), 32)),
	}
}

func halfToken() *big.Int {
	v, _ := new(big.Int).SetString("500000000000000000", 10)
	return v
}

func newSQLiteStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(context.Background(), filepath.Join(t.TempDir(), "fees.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func transferWatchConfig() RunConfig {
	watch := model.ContractWatch{
		Name:       "fees",
		Kind:       model.KindERC20Transfer,
		Affiliates: []string{strings.ToLower(affiliateAddr)},
	}
	return RunConfig{
		Chain: model.ChainConfig{
			ID:         "eth",
			StartBlock: 1000,
			ChunkSize:  5,
			Contracts:  []model.ContractWatch{watch},
		},
		Watch:  watch,
		Policy: fastPolicy(),
	}
}

func storedEvents(t *testing.T, store storage.FeeStore) []model.FeeEvent {
	t.Helper()
	events, err := store.Query(context.Background(), model.FeeQuery{Chain: "eth"})
	require.NoError(t, err)
	return events
}

func TestRunnerTransferToAffiliate(t *testing.T) {
	fc := &fakeChain{
		head: 1010,
		logs: []model.LogRecord{
			transferLog(1003, txHash(1), 4, tokenAddr, senderAddr, affiliateAddr, halfToken()),
			transferLog(1003, txHash(1), 5, tokenAddr, senderAddr, otherToken, halfToken()),
		},
	}
	store := newSQLiteStore(t)

	summary := NewRunner(transferWatchConfig(), fc, store, pricedTokens(), nil, nil, nil).Run(context.Background())
	require.Nil(t, summary.Error)
	assert.Equal(t, model.StateIdle, summary.State)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, uint64(1000), summary.FromBlock)
	assert.Equal(t, uint64(1010), summary.ToBlock)
	assert.Equal(t, uint64(11), summary.BlocksScanned)
	assert.Equal(t, 1, summary.FeeEventsFound)
	assert.Equal(t, 1, summary.FeeEventsPriced)
	assert.Empty(t, summary.Gaps)
	assert.Equal(t, uint64(1010), summary.Cursor)
	assert.False(t, summary.FinishedAt.IsZero())

	events := storedEvents(t, store)
	require.Len(t, events, 1)
	assert.Equal(t, "500000000000000000", events[0].FeeAmount)
	assert.Equal(t, strings.ToLower(affiliateAddr), events[0].Affiliate)
	assert.Equal(t, uint64(4), events[0].LogIndex)
	assert.Equal(t, "TKN", events[0].TokenSymbol)
	assert.Equal(t, int64(1700001003), events[0].BlockTime.Unix())
	require.NotNil(t, events[0].FeeUSD)
	assert.Equal(t, "1", *events[0].FeeUSD)

	cursor, ok, err := store.GetCursor(context.Background(), model.NewCursorKey("eth", ""))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1010), cursor.LastBlock)
}

func TestRunnerRescanIsIdempotent(t *testing.T) {
	fc := &fakeChain{
		head: 1010,
		logs: []model.LogRecord{
			transferLog(1000, txHash(1), 0, tokenAddr, senderAddr, affiliateAddr, halfToken()),
			transferLog(1007, txHash(2), 3, tokenAddr, senderAddr, affiliateAddr, big.NewInt(42)),
			transferLog(1010, txHash(3), 1, otherToken, senderAddr, affiliateAddr, big.NewInt(7)),
		},
	}
	store := newSQLiteStore(t)
	cfg := transferWatchConfig()
	cfg.Range = &model.BlockRange{From: 1000, To: 1010}

	first := NewRunner(cfg, fc, store, pricedTokens(), nil, nil, nil).Run(context.Background())
	require.Nil(t, first.Error)
	before := storedEvents(t, store)
	require.Len(t, before, 3)

	second := NewRunner(cfg, fc, store, pricedTokens(), nil, nil, nil).Run(context.Background())
	require.Nil(t, second.Error)
	after := storedEvents(t, store)

	assert.Equal(t, before, after)
	assert.Equal(t, first.FeeEventsFound, second.FeeEventsFound)
	assert.Equal(t, uint64(1010), second.Cursor)
}

func TestRunnerUnpricedTokenStaysUnpriced(t *testing.T) {
	fc := &fakeChain{
		head: 1004,
		logs: []model.LogRecord{
			transferLog(1002, txHash(9), 0, otherToken, senderAddr, affiliateAddr, big.NewInt(1000)),
		},
	}
	store := newSQLiteStore(t)

	summary := NewRunner(transferWatchConfig(), fc, store, pricedTokens(), nil, nil, nil).Run(context.Background())
	require.Nil(t, summary.Error)
	assert.Equal(t, 1, summary.FeeEventsFound)
	assert.Equal(t, 0, summary.FeeEventsPriced)
	assert.Equal(t, 1, summary.FeeEventsUnpriced())

	events := storedEvents(t, store)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].FeeUSD)
}

func TestRunnerGapPinsCursor(t *testing.T) {
	fc := &fakeChain{
		head: 1010,
		logs: []model.LogRecord{
			transferLog(1010, txHash(5), 0, tokenAddr, senderAddr, affiliateAddr, big.NewInt(1)),
		},
		failLogs: func(from, _ uint64) error {
			if from == 1005 {
				return &chain.Error{Kind: chain.Transient, Op: "eth_getLogs", Err: errors.New("timeout")}
			}
			return nil
		},
	}
	store := newSQLiteStore(t)

	summary := NewRunner(transferWatchConfig(), fc, store, pricedTokens(), nil, nil, nil).Run(context.Background())
	require.Nil(t, summary.Error)
	assert.Equal(t, []model.BlockRange{{From: 1005, To: 1009}}, summary.Gaps)
	assert.Equal(t, uint64(1004), summary.Cursor)
	assert.Equal(t, uint64(6), summary.BlocksScanned)

	// later chunks are still stored
	assert.Len(t, storedEvents(t, store), 1)

	cursor, ok, err := store.GetCursor(context.Background(), model.NewCursorKey("eth", ""))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1004), cursor.LastBlock)

	// rescanning the gap closes it and the cursor catches up
	fc.failLogs = nil
	cfg := transferWatchConfig()
	cfg.Range = &model.BlockRange{From: 1005, To: 1009}
	retry := NewRunner(cfg, fc, store, pricedTokens(), nil, nil, nil).Run(context.Background())
	require.Nil(t, retry.Error)
	assert.Empty(t, retry.Gaps)
	assert.Equal(t, uint64(1009), retry.Cursor)
}

func TestRunnerCancelBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := &fakeChain{
		head: 1010,
		logs: []model.LogRecord{
			transferLog(1001, txHash(1), 0, tokenAddr, senderAddr, affiliateAddr, big.NewInt(5)),
			transferLog(1006, txHash(2), 0, tokenAddr, senderAddr, affiliateAddr, big.NewInt(6)),
		},
		onLogs: func(uint64, uint64) { cancel() },
	}
	store := newSQLiteStore(t)

	summary := NewRunner(transferWatchConfig(), fc, store, pricedTokens(), nil, nil, nil).Run(ctx)
	require.Nil(t, summary.Error)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, model.StateIdle, summary.State)
	assert.Equal(t, uint64(1004), summary.Cursor)
	assert.Len(t, fc.calls, 1)

	events := storedEvents(t, store)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1001), events[0].BlockNumber)
}

type failingCommitStore struct {
	*sqlite.Store
}

func (s failingCommitStore) Commit(context.Context, []model.FeeEvent, *model.ScanCursor) error {
	return fmt.Errorf("%w: database is locked", model.ErrFatal)
}

func TestRunnerCommitFailureFails(t *testing.T) {
	fc := &fakeChain{head: 1004}
	store := failingCommitStore{Store: newSQLiteStore(t)}

	var states []model.RunState
	runner := NewRunner(transferWatchConfig(), fc, store, nil, nil, nil, nil)
	runner.OnState(func(s model.RunState) { states = append(states, s) })
	summary := runner.Run(context.Background())

	assert.Equal(t, model.StateFailed, summary.State)
	require.NotNil(t, summary.Error)
	assert.Contains(t, *summary.Error, "database is locked")
	assert.Equal(t, []model.RunState{model.StateScanning, model.StateCommitting, model.StateFailed}, states)
}

func TestRunnerNothingToSync(t *testing.T) {
	fc := &fakeChain{head: 900}
	summary := NewRunner(transferWatchConfig(), fc, newSQLiteStore(t), nil, nil, nil, nil).Run(context.Background())
	require.Nil(t, summary.Error)
	assert.Equal(t, uint64(0), summary.BlocksScanned)
	assert.Empty(t, fc.calls)
}

func TestRunnerConfirmationsTrimHead(t *testing.T) {
	fc := &fakeChain{head: 1012}
	cfg := transferWatchConfig()
	cfg.Chain.Confirmations = 2
	summary := NewRunner(cfg, fc, newSQLiteStore(t), nil, nil, nil, nil).Run(context.Background())
	require.Nil(t, summary.Error)
	assert.Equal(t, uint64(1010), summary.ToBlock)
}

type memorySink struct {
	errs []model.DecodeError
}

func (s *memorySink) PutDecodeErrors(errs []model.DecodeError) error {
	s.errs = append(s.errs, errs...)
	return nil
}

func portalLog(t *testing.T, block uint64, tx string, logIndex uint64, partner string) model.LogRecord {
	t.Helper()
	parsed, err := dex.RouterABI()
	require.NoError(t, err)
	event := parsed.Events["Portal"]
	data, err := event.Inputs.NonIndexed().Pack(
		common.HexToAddress(tokenAddr),
		big.NewInt(1_000_000),
		common.HexToAddress(otherToken),
		big.NewInt(2_000_000),
		common.HexToAddress(senderAddr),
	)
	require.NoError(t, err)
	return model.LogRecord{
		Chain:       "eth",
		BlockNumber: block,
		TxHash:      tx,
		LogIndex:    logIndex,
		Address:     routerAddr,
		Topics:      []string{event.ID.Hex(), addrTopic(senderAddr), addrTopic(senderAddr), addrTopic(partner)},
		Data:        hexutil.Encode(data),
	}
}

func TestRunnerPortalUsesReceipt(t *testing.T) {
	tx := txHash(77)
	portal := portalLog(t, 1002, tx, 3, affiliateAddr)
	feeTransfer := transferLog(1002, tx, 2, tokenAddr, routerAddr, affiliateAddr, halfToken())
	malformed := model.LogRecord{
		Chain: "eth", BlockNumber: 1002, TxHash: tx, LogIndex: 1, Address: tokenAddr,
		Topics: []string{transferTopic, addrTopic(senderAddr)}, Data: "0x01",
	}
	removed := portalLog(t, 1003, txHash(78), 0, affiliateAddr)
	removed.Removed = true

	fc := &fakeChain{
		head:     1004,
		logs:     []model.LogRecord{portal, removed},
		receipts: map[string][]model.LogRecord{strings.ToLower(tx): {malformed, feeTransfer, portal}},
	}
	watch := model.ContractWatch{
		Address:    routerAddr,
		Kind:       model.KindPortalsSwap,
		Affiliates: []string{affiliateAddr},
		FeeBps:     30,
	}
	cfg := transferWatchConfig()
	cfg.Watch = watch
	sink := &memorySink{}
	store := newSQLiteStore(t)

	summary := NewRunner(cfg, fc, store, pricedTokens(), sink, nil, nil).Run(context.Background())
	require.Nil(t, summary.Error)
	assert.Equal(t, 1, summary.FeeEventsFound)
	assert.Equal(t, 1, summary.MalformedEvents)
	require.Len(t, sink.errs, 1)
	assert.Equal(t, uint64(1), sink.errs[0].LogIndex)

	events := storedEvents(t, store)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].LogIndex)
	assert.Equal(t, model.AttributionPartnerEvent, events[0].Attribution)
	assert.Equal(t, strings.ToLower(routerAddr), events[0].Contract)
	assert.Equal(t, string(model.KindPortalsSwap), events[0].Protocol)
	require.NotNil(t, events[0].Swap)
	assert.Equal(t, strings.ToLower(tokenAddr), events[0].Swap.FromAsset)
	assert.Equal(t, strings.ToLower(otherToken), events[0].Swap.ToAsset)
}

func TestRunnerMissingReceiptIsGap(t *testing.T) {
	fc := &fakeChain{
		head: 1004,
		logs: []model.LogRecord{portalLog(t, 1002, txHash(80), 0, affiliateAddr)},
	}
	cfg := transferWatchConfig()
	cfg.Watch = model.ContractWatch{Address: routerAddr, Kind: model.KindPortalsSwap, Affiliates: []string{affiliateAddr}, FeeBps: 30}

	summary := NewRunner(cfg, fc, newSQLiteStore(t), nil, nil, nil, nil).Run(context.Background())
	require.Nil(t, summary.Error)
	assert.Equal(t, []model.BlockRange{{From: 1000, To: 1004}}, summary.Gaps)
	assert.Equal(t, uint64(0), summary.Cursor)
}

func TestLogFilterPerKind(t *testing.T) {
	watch := model.ContractWatch{Kind: model.KindERC20Transfer, Affiliates: []string{affiliateAddr}}
	decoder, err := dex.NewDecoder(watch)
	require.NoError(t, err)
	filter, err := logFilter(watch, decoder)
	require.NoError(t, err)
	require.Len(t, filter.Topics, 3)
	assert.Equal(t, []string{strings.ToLower(transferTopic)}, filter.Topics[0])
	assert.Empty(t, filter.Topics[1])
	assert.Equal(t, []string{strings.ToLower(addrTopic(affiliateAddr))}, filter.Topics[2])

	relay := model.ContractWatch{Address: routerAddr, Kind: model.KindRelaySolverCall, Affiliates: []string{affiliateAddr}}
	decoder, err = dex.NewDecoder(relay)
	require.NoError(t, err)
	filter, err = logFilter(relay, decoder)
	require.NoError(t, err)
	assert.Equal(t, routerAddr, filter.Address)
	assert.Nil(t, filter.Topics)

	relay.Address = ""
	_, err = logFilter(relay, decoder)
	assert.Error(t, err)
}
