package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProtocolKind(t *testing.T) {
	kind, err := ParseProtocolKind(" portalsswap ")
	require.NoError(t, err)
	assert.Equal(t, KindPortalsSwap, kind)

	kind, err = ParseProtocolKind("ERC20TRANSFER")
	require.NoError(t, err)
	assert.Equal(t, KindERC20Transfer, kind)

	_, err = ParseProtocolKind("UniswapV3")
	assert.Error(t, err)

	assert.True(t, KindThorchainAction.UsesMemoAffiliates())
	assert.False(t, KindCowSwapTrade.UsesMemoAffiliates())
}

func TestContractWatchIsAffiliate(t *testing.T) {
	watch := ContractWatch{Affiliates: []string{"0xAFF00000000000000000000000000000000000AF", "ss"}}

	assert.True(t, watch.IsAffiliate("0xaff00000000000000000000000000000000000af"))
	assert.True(t, watch.IsAffiliate(" SS "))
	assert.False(t, watch.IsAffiliate("0xaff00000000000000000000000000000000000a0"))
	assert.False(t, watch.IsAffiliate(""))
	assert.False(t, ContractWatch{}.IsAffiliate("ss"))
}

func TestStartBlockForAndLabel(t *testing.T) {
	chain := ChainConfig{StartBlock: 100}
	assert.Equal(t, uint64(100), chain.StartBlockFor(ContractWatch{}))
	assert.Equal(t, uint64(250), chain.StartBlockFor(ContractWatch{StartBlock: 250}))

	assert.Equal(t, "router", ContractWatch{Name: "router", Address: "0x01"}.Label())
	assert.Equal(t, "0x01", ContractWatch{Address: "0x01"}.Label())
}

func TestBlockRangeAndCursorKey(t *testing.T) {
	assert.Equal(t, uint64(11), BlockRange{From: 1000, To: 1010}.Len())
	assert.Equal(t, uint64(0), BlockRange{From: 5, To: 4}.Len())
	assert.Equal(t, "[1000,1010]", BlockRange{From: 1000, To: 1010}.String())

	key := NewCursorKey("eth", "0xAbC")
	assert.Equal(t, "0xabc", key.Contract)
	assert.Equal(t, "eth:0xabc", key.String())
}

func TestRunSummaryFail(t *testing.T) {
	summary := RunSummary{FeeEventsFound: 3, FeeEventsPriced: 1, State: StateScanning}
	assert.Equal(t, 2, summary.FeeEventsUnpriced())

	summary.Fail(errors.New("store down"))
	assert.Equal(t, StateFailed, summary.State)
	require.NotNil(t, summary.Error)
	assert.Equal(t, "store down", *summary.Error)
}

func TestDuplicateCursorKey(t *testing.T) {
	chain := ChainConfig{ID: "eth", Contracts: []ContractWatch{
		{Name: "fees", Kind: KindERC20Transfer},
		{Address: "0xAbC", Kind: KindCowSwapTrade},
	}}
	_, dup := chain.DuplicateCursorKey()
	assert.False(t, dup)

	chain.Contracts = append(chain.Contracts, ContractWatch{Address: "0xabc", Kind: KindPortalsSwap})
	key, dup := chain.DuplicateCursorKey()
	assert.True(t, dup)
	assert.Equal(t, NewCursorKey("eth", "0xabc"), key)

	chain.Contracts = []ContractWatch{{Name: "a"}, {Name: "b"}}
	key, dup = chain.DuplicateCursorKey()
	assert.True(t, dup)
	assert.Equal(t, "eth:", key.String())
}
