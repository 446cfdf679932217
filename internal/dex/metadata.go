package dex

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"affiliateScope/internal/model"
)

// ContractCaller is the eth_call slice of the chain client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PairTokens are the immutable token0/token1 of a V2 pair.
type PairTokens struct {
	Token0 string `json:"token0"`
	Token1 string `json:"token1"`
}

// PairMetaCache caches pair tokens by address.
type PairMetaCache struct {
	mu   sync.RWMutex
	data map[common.Address]PairTokens
}

func NewPairMetaCache() *PairMetaCache {
	return &PairMetaCache{data: make(map[common.Address]PairTokens)}
}

func (c *PairMetaCache) Get(address common.Address) (PairTokens, bool) {
	c.mu.RLock()
	meta, ok := c.data[address]
	c.mu.RUnlock()
	return meta, ok
}

func (c *PairMetaCache) Set(address common.Address, meta PairTokens) {
	c.mu.Lock()
	c.data[address] = meta
	c.mu.Unlock()
}

// TokenMetaCache caches token metadata by address.
type TokenMetaCache struct {
	mu   sync.RWMutex
	data map[common.Address]model.TokenMeta
}

func NewTokenMetaCache() *TokenMetaCache {
	return &TokenMetaCache{data: make(map[common.Address]model.TokenMeta)}
}

func (c *TokenMetaCache) Get(address common.Address) (model.TokenMeta, bool) {
	c.mu.RLock()
	meta, ok := c.data[address]
	c.mu.RUnlock()
	return meta, ok
}

func (c *TokenMetaCache) Set(address common.Address, meta model.TokenMeta) {
	c.mu.Lock()
	c.data[address] = meta
	c.mu.Unlock()
}

// PairResolver resolves V2 pair tokens through a cache.
type PairResolver struct {
	caller ContractCaller
	cache  *PairMetaCache
}

func NewPairResolver(caller ContractCaller) *PairResolver {
	return &PairResolver{caller: caller, cache: NewPairMetaCache()}
}

// Tokens returns the pair's token0/token1, calling the chain on a cache miss.
func (r *PairResolver) Tokens(ctx context.Context, pair string) (PairTokens, error) {
	if !common.IsHexAddress(pair) {
		return PairTokens{}, fmt.Errorf("invalid pair address: %s", pair)
	}
	addr := common.HexToAddress(pair)
	if meta, ok := r.cache.Get(addr); ok {
		return meta, nil
	}
	meta, err := FetchPairTokens(ctx, r.caller, addr)
	if err != nil {
		return PairTokens{}, err
	}
	r.cache.Set(addr, meta)
	return meta, nil
}

// FetchPairTokens loads token0/token1 from a V2 pair.
func FetchPairTokens(ctx context.Context, caller ContractCaller, pair common.Address) (PairTokens, error) {
	if caller == nil {
		return PairTokens{}, fmt.Errorf("chain client is nil")
	}

	pairABI, err := V2PairABI()
	if err != nil {
		return PairTokens{}, fmt.Errorf("parse pair abi: %w", err)
	}

	values, err := callMethod(ctx, caller, pair, pairABI, "token0", nil)
	if err != nil {
		return PairTokens{}, err
	}
	token0, err := asAddress(values[0])
	if err != nil {
		return PairTokens{}, fmt.Errorf("token0: %w", err)
	}

	values, err = callMethod(ctx, caller, pair, pairABI, "token1", nil)
	if err != nil {
		return PairTokens{}, err
	}
	token1, err := asAddress(values[0])
	if err != nil {
		return PairTokens{}, fmt.Errorf("token1: %w", err)
	}

	return PairTokens{
		Token0: strings.ToLower(token0.Hex()),
		Token1: strings.ToLower(token1.Hex()),
	}, nil
}

func callMethod(ctx context.Context, caller ContractCaller, to common.Address, parsed abi.ABI, method string, block *big.Int) ([]interface{}, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	resp, err := caller.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: no values", method)
	}
	return values, nil
}

// FetchTokenMeta loads token metadata via ERC20 calls. decimals() is
// required; symbol and name fall back to the bytes32 variants.
func FetchTokenMeta(ctx context.Context, caller ContractCaller, token common.Address, logger *zap.Logger) (model.TokenMeta, error) {
	meta := model.TokenMeta{Address: strings.ToLower(token.Hex())}
	if caller == nil {
		return meta, fmt.Errorf("chain client is nil")
	}

	stringABI, err := erc20ABIStringInstance()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 string abi: %w", err)
	}
	bytes32ABI, err := erc20ABIBytes32Instance()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}

	values, err := callMethod(ctx, caller, token, stringABI, "decimals", nil)
	if err != nil {
		return meta, err
	}
	decimals, err := asUint8(values[0])
	if err != nil {
		return meta, err
	}
	meta.Decimals = decimals

	if values, err := callMethod(ctx, caller, token, stringABI, "symbol", nil); err == nil {
		if symbol, ok := values[0].(string); ok {
			meta.Symbol = symbol
		}
	} else if values, err := callMethod(ctx, caller, token, bytes32ABI, "symbol", nil); err == nil {
		if symbol, ok := bytes32ToString(values[0]); ok {
			meta.Symbol = symbol
		}
	} else if logger != nil {
		logger.Debug("symbol call failed", zap.String("token", token.Hex()), zap.Error(err))
	}

	if values, err := callMethod(ctx, caller, token, stringABI, "name", nil); err == nil {
		if name, ok := values[0].(string); ok {
			meta.Name = name
		}
	} else if values, err := callMethod(ctx, caller, token, bytes32ABI, "name", nil); err == nil {
		if name, ok := bytes32ToString(values[0]); ok {
			meta.Name = name
		}
	} else if logger != nil {
		logger.Debug("name call failed", zap.String("token", token.Hex()), zap.Error(err))
	}

	return meta, nil
}

func bytes32ToString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case [32]byte:
		return string(bytes.TrimRight(v[:], "\x00")), true
	case []byte:
		return string(bytes.TrimRight(v, "\x00")), true
	default:
		return "", false
	}
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func asUint8(value interface{}) (uint8, error) {
	switch v := value.(type) {
	case uint8:
		return v, nil
	case uint16:
		return uint8(v), nil
	case uint32:
		return uint8(v), nil
	case uint64:
		return uint8(v), nil
	case *big.Int:
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("unsupported uint8 type %T", value)
	}
}
