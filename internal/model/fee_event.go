package model

import (
	"math/big"
	"time"
)

// Attribution records how a fee candidate was tied to an affiliate.
type Attribution string

const (
	AttributionTransfer     Attribution = "transfer"
	AttributionPartnerEvent Attribution = "partner_event"
	AttributionMemo         Attribution = "memo"
	AttributionCustomEvent  Attribution = "custom_event"
)

// AffiliateSeparator joins several affiliates credited by one event, as when
// one memo names more than one of ours.
const AffiliateSeparator = "/"

// SwapLink is the primary swap a fee belongs to. Amounts are raw integers.
type SwapLink struct {
	FromAsset  string `json:"from_asset"`
	ToAsset    string `json:"to_asset"`
	FromAmount string `json:"from_amount,omitempty"`
	ToAmount   string `json:"to_amount,omitempty"`
}

// FeeCandidate is a decoded event identified as an affiliate payment,
// prior to pricing and deduplication.
type FeeCandidate struct {
	Chain       string
	TxHash      string
	LogIndex    uint64
	BlockNumber uint64
	Affiliate   string
	Token       string
	Amount      *big.Int
	Attribution Attribution
	Swap        *SwapLink
}

// FeeEvent is one persisted affiliate payment keyed by (chain, tx_hash, log_index).
type FeeEvent struct {
	Chain       string      `json:"chain"`
	TxHash      string      `json:"tx_hash"`
	LogIndex    uint64      `json:"log_index"`
	Contract    string      `json:"contract"`
	Protocol    string      `json:"protocol"`
	BlockNumber uint64      `json:"block_number"`
	BlockTime   time.Time   `json:"block_time"`
	Affiliate   string      `json:"affiliate"`
	Attribution Attribution `json:"attribution"`
	FeeToken    string      `json:"fee_token"`
	TokenSymbol string      `json:"token_symbol,omitempty"`
	FeeAmount   string      `json:"fee_amount"`
	FeeUSD      *string     `json:"fee_usd"`
	Swap        *SwapLink   `json:"swap,omitempty"`
}

// Priced reports whether a USD value was resolved.
func (e FeeEvent) Priced() bool {
	return e.FeeUSD != nil
}

// FeeQuery filters stored fee events. Zero values mean no filter.
type FeeQuery struct {
	Chain     string
	Contract  string
	Affiliate string
	FromTime  time.Time
	ToTime    time.Time
	FromBlock uint64
	ToBlock   uint64
	Priced    *bool
	Limit     int
}
