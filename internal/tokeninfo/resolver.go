package tokeninfo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"affiliateScope/internal/dex"
	"affiliateScope/internal/model"
)

const nativeDecimals = 18

var nativeSentinel = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// PriceSource returns a USD price for a token, or nil when none is known.
type PriceSource interface {
	Price(ctx context.Context, chainKey, token string) (*float64, error)
}

// priceCache remembers source answers, including "no price", per token.
// Errors are not cached so the next lookup retries the source.
type priceCache struct {
	mu   sync.RWMutex
	data map[string]*float64
}

func (c *priceCache) get(token string) (*float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok := c.data[token]
	return price, ok
}

func (c *priceCache) set(token string, price *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[token] = price
}

// Resolver serves token metadata from chain calls and prices from a PriceSource.
// Both are cached for the Resolver's lifetime, which is one run.
type Resolver struct {
	chain  model.ChainConfig
	caller dex.ContractCaller
	prices PriceSource
	cache  *dex.TokenMetaCache
	quotes *priceCache
	logger *zap.Logger
}

// NewResolver builds a Resolver for one chain. prices may be nil.
func NewResolver(chainCfg model.ChainConfig, caller dex.ContractCaller, prices PriceSource, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		chain:  chainCfg,
		caller: caller,
		prices: prices,
		cache:  dex.NewTokenMetaCache(),
		quotes: &priceCache{data: make(map[string]*float64)},
		logger: logger,
	}
}

// IsNative reports whether token denotes the chain's native asset.
func IsNative(token string) bool {
	if !common.IsHexAddress(token) {
		return false
	}
	addr := common.HexToAddress(token)
	return addr == (common.Address{}) || addr == nativeSentinel
}

// Lookup returns metadata and, when available, a USD price. A failing price
// source yields a nil price, not an error.
func (r *Resolver) Lookup(ctx context.Context, token string) (model.TokenInfo, error) {
	meta, err := r.meta(ctx, token)
	if err != nil {
		return model.TokenInfo{}, err
	}
	info := model.TokenInfo{TokenMeta: meta}

	if r.prices == nil {
		return info, nil
	}
	if price, ok := r.quotes.get(meta.Address); ok {
		info.PriceUSD = price
		return info, nil
	}
	price, err := r.prices.Price(ctx, r.priceKey(), meta.Address)
	if err != nil {
		r.logger.Warn("price lookup failed",
			zap.String("chain", r.chain.ID),
			zap.String("token", meta.Address),
			zap.Error(err),
		)
		return info, nil
	}
	r.quotes.set(meta.Address, price)
	info.PriceUSD = price
	return info, nil
}

func (r *Resolver) meta(ctx context.Context, token string) (model.TokenMeta, error) {
	if !common.IsHexAddress(token) {
		return model.TokenMeta{}, fmt.Errorf("invalid token address: %s", token)
	}
	addr := common.HexToAddress(token)
	if meta, ok := r.cache.Get(addr); ok {
		return meta, nil
	}

	var meta model.TokenMeta
	if IsNative(token) {
		meta = model.TokenMeta{
			Address:  strings.ToLower(addr.Hex()),
			Decimals: nativeDecimals,
			Symbol:   r.chain.NativeSymbol,
			Name:     r.chain.NativeSymbol,
		}
	} else {
		var err error
		meta, err = dex.FetchTokenMeta(ctx, r.caller, addr, r.logger)
		if err != nil {
			return model.TokenMeta{}, fmt.Errorf("token %s: %w", addr.Hex(), err)
		}
	}
	r.cache.Set(addr, meta)
	return meta, nil
}

func (r *Resolver) priceKey() string {
	if r.chain.PriceKey != "" {
		return r.chain.PriceKey
	}
	return r.chain.ID
}
