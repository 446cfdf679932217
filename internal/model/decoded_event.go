package model

import "math/big"

// EventKind is the tag of a DecodedEvent.
type EventKind string

const (
	EventUnrecognized EventKind = "Unrecognized"
	EventTransfer     EventKind = "Transfer"
	EventPairSwap     EventKind = "PairSwap"
	EventPairMint     EventKind = "PairMint"
	EventPairBurn     EventKind = "PairBurn"
	EventPortal       EventKind = "Portal"
	EventCowTrade     EventKind = "CowTrade"
	EventThorDeposit  EventKind = "ThorDeposit"
	EventCustom       EventKind = "Custom"
)

// DecodedEvent is a log decoded into one of the known event shapes.
// Payload is nil only for EventUnrecognized.
type DecodedEvent struct {
	Chain       string
	TxHash      string
	LogIndex    uint64
	BlockNumber uint64
	Contract    string
	Kind        EventKind
	Topic0      string
	Payload     Payload
}

// Payload is implemented by the kind-specific event bodies.
type Payload interface {
	EventKind() EventKind
}

// TransferPayload is an ERC-20 Transfer. Token is the emitting contract.
type TransferPayload struct {
	Token  string
	From   string
	To     string
	Amount *big.Int
}

func (TransferPayload) EventKind() EventKind { return EventTransfer }

// PairSwapPayload is a Uniswap V2 pair Swap.
type PairSwapPayload struct {
	Pair       string
	Sender     string
	To         string
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
}

func (PairSwapPayload) EventKind() EventKind { return EventPairSwap }

// PairLiquidityPayload is a Uniswap V2 pair Mint or Burn.
type PairLiquidityPayload struct {
	Kind    EventKind
	Pair    string
	Sender  string
	To      string
	Amount0 *big.Int
	Amount1 *big.Int
}

func (p PairLiquidityPayload) EventKind() EventKind { return p.Kind }

// PortalPayload is a Portals router Portal event.
type PortalPayload struct {
	Sender       string
	Broadcaster  string
	Recipient    string
	Partner      string
	InputToken   string
	InputAmount  *big.Int
	OutputToken  string
	OutputAmount *big.Int
}

func (PortalPayload) EventKind() EventKind { return EventPortal }

// CowTradePayload is a CoW Protocol settlement Trade event.
type CowTradePayload struct {
	Owner      string
	SellToken  string
	BuyToken   string
	SellAmount *big.Int
	BuyAmount  *big.Int
	FeeAmount  *big.Int
	OrderUID   string
}

func (CowTradePayload) EventKind() EventKind { return EventCowTrade }

// ThorDepositPayload is a THORChain router Deposit event.
type ThorDepositPayload struct {
	Vault  string
	Asset  string
	Amount *big.Int
	Memo   string
}

func (ThorDepositPayload) EventKind() EventKind { return EventThorDeposit }

// CustomPayload is a configured event carrying explicit affiliate attribution.
type CustomPayload struct {
	Name      string
	Affiliate string
	Token     string
	Amount    *big.Int
	Fields    map[string]string
}

func (CustomPayload) EventKind() EventKind { return EventCustom }
