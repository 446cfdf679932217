package model

import (
	"fmt"
	"strings"
	"time"
)

// ProtocolKind selects the event table and matching rule for a watched contract.
type ProtocolKind string

const (
	KindERC20Transfer       ProtocolKind = "ERC20Transfer"
	KindUniswapV2PairEvents ProtocolKind = "UniswapV2PairEvents"
	KindPortalsSwap         ProtocolKind = "PortalsSwap"
	KindCowSwapTrade        ProtocolKind = "CowSwapTrade"
	KindRelaySolverCall     ProtocolKind = "RelaySolverCall"
	KindThorchainAction     ProtocolKind = "ThorchainAction"
)

var protocolKinds = []ProtocolKind{
	KindERC20Transfer,
	KindUniswapV2PairEvents,
	KindPortalsSwap,
	KindCowSwapTrade,
	KindRelaySolverCall,
	KindThorchainAction,
}

// ParseProtocolKind resolves a configured kind name, ignoring case.
func ParseProtocolKind(input string) (ProtocolKind, error) {
	input = strings.TrimSpace(input)
	for _, kind := range protocolKinds {
		if strings.EqualFold(string(kind), input) {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown protocol kind: %q", input)
}

// UsesMemoAffiliates reports whether affiliates are memo names rather than addresses.
func (k ProtocolKind) UsesMemoAffiliates() bool {
	return k == KindThorchainAction
}

// CustomEvent is an extra event shape that carries explicit affiliate attribution.
type CustomEvent struct {
	Signature      string
	AffiliateField string
	TokenField     string
	AmountField    string
}

// ContractWatch is a router or token contract monitored for affiliate fees.
type ContractWatch struct {
	Address    string
	Name       string
	Kind       ProtocolKind
	Affiliates []string
	FeeBps     uint64
	StartBlock uint64
	Events     []CustomEvent
}

// IsAffiliate compares case-insensitively against the configured affiliates.
func (w ContractWatch) IsAffiliate(candidate string) bool {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return false
	}
	for _, affiliate := range w.Affiliates {
		if strings.EqualFold(affiliate, candidate) {
			return true
		}
	}
	return false
}

// Label is the contract name when set, else its address.
func (w ContractWatch) Label() string {
	if w.Name != "" {
		return w.Name
	}
	return w.Address
}

// ChainConfig is the static configuration for one chain.
type ChainConfig struct {
	ID            string
	Name          string
	ChainID       uint64
	RPCURL        string
	BlockTime     time.Duration
	StartBlock    uint64
	ChunkSize     uint64
	Confirmations uint64
	NativeSymbol  string
	PriceKey      string
	Contracts     []ContractWatch
}

// StartBlockFor returns the historical start block for a contract.
func (c ChainConfig) StartBlockFor(w ContractWatch) uint64 {
	if w.StartBlock > 0 {
		return w.StartBlock
	}
	return c.StartBlock
}

// DuplicateCursorKey reports the first cursor key shared by two watches.
// Address-less watches all map to the same key, so at most one is allowed.
func (c ChainConfig) DuplicateCursorKey() (CursorKey, bool) {
	seen := make(map[CursorKey]struct{}, len(c.Contracts))
	for _, w := range c.Contracts {
		key := NewCursorKey(c.ID, w.Address)
		if _, dup := seen[key]; dup {
			return key, true
		}
		seen[key] = struct{}{}
	}
	return CursorKey{}, false
}
