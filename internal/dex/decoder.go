package dex

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"affiliateScope/internal/model"
)

// EventDecoder decodes one event shape, selected by its topic0.
type EventDecoder interface {
	Topic0() string
	Decode(log model.LogRecord) (model.Payload, error)
}

// Decoder dispatches logs to the event decoders registered for a watch.
type Decoder struct {
	watch   model.ContractWatch
	table   map[string]EventDecoder
	primary []string
}

// NewDecoder builds the topic0 table for a watch: ERC-20 Transfer, the
// protocol kind's events and any configured custom events.
func NewDecoder(watch model.ContractWatch) (*Decoder, error) {
	erc20, err := erc20ABIStringInstance()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	d := &Decoder{watch: watch, table: make(map[string]EventDecoder)}
	transfer := transferDecoder{event: erc20.Events["Transfer"]}
	d.register(transfer, watch.Kind == model.KindERC20Transfer)

	events, err := kindDecoders(watch.Kind)
	if err != nil {
		return nil, err
	}
	for _, dec := range events {
		d.register(dec, true)
	}

	for _, custom := range watch.Events {
		dec, err := newCustomDecoder(custom)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", watch.Label(), err)
		}
		if _, exists := d.table[dec.Topic0()]; exists {
			return nil, fmt.Errorf("contract %s: custom event %s collides with a built-in event", watch.Label(), dec.event.Sig)
		}
		d.register(dec, true)
	}

	sort.Strings(d.primary)
	return d, nil
}

func (d *Decoder) register(dec EventDecoder, primary bool) {
	topic := strings.ToLower(dec.Topic0())
	d.table[topic] = dec
	if primary {
		d.primary = append(d.primary, topic)
	}
}

// CanDecode checks if the topic0 is in the table.
func (d *Decoder) CanDecode(topic0 string) bool {
	_, ok := d.table[strings.ToLower(topic0)]
	return ok
}

// PrimaryTopics are the topic0 values that identify a transaction of interest
// on the watched contract.
func (d *Decoder) PrimaryTopics() []string {
	return append([]string(nil), d.primary...)
}

// Decode maps a log to a DecodedEvent. Unknown topic0 values decode to
// EventUnrecognized without error; shape violations return a
// *model.MalformedEventError.
func (d *Decoder) Decode(log model.LogRecord) (model.DecodedEvent, error) {
	event := model.DecodedEvent{
		Chain:       log.Chain,
		TxHash:      strings.ToLower(log.TxHash),
		LogIndex:    log.LogIndex,
		BlockNumber: log.BlockNumber,
		Contract:    strings.ToLower(log.Address),
		Kind:        model.EventUnrecognized,
		Topic0:      strings.ToLower(log.Topic0()),
	}

	dec, ok := d.table[event.Topic0]
	if !ok {
		return event, nil
	}

	payload, err := dec.Decode(log)
	if err != nil {
		return event, &model.MalformedEventError{Event: eventName(dec), Log: log, Reason: err.Error()}
	}
	event.Kind = payload.EventKind()
	event.Payload = payload
	return event, nil
}

func eventName(dec EventDecoder) string {
	switch v := dec.(type) {
	case transferDecoder:
		return "Transfer"
	case abiDecoder:
		return v.event.Name
	case customDecoder:
		return v.event.Name
	default:
		return "unknown"
	}
}

func kindDecoders(kind model.ProtocolKind) ([]EventDecoder, error) {
	switch kind {
	case model.KindERC20Transfer, model.KindRelaySolverCall:
		return nil, nil
	case model.KindUniswapV2PairEvents:
		pair, err := V2PairABI()
		if err != nil {
			return nil, fmt.Errorf("parse pair abi: %w", err)
		}
		return []EventDecoder{
			abiDecoder{event: pair.Events["Swap"], build: buildPairSwap},
			abiDecoder{event: pair.Events["Mint"], build: buildPairLiquidity(model.EventPairMint)},
			abiDecoder{event: pair.Events["Burn"], build: buildPairLiquidity(model.EventPairBurn)},
		}, nil
	case model.KindPortalsSwap, model.KindCowSwapTrade, model.KindThorchainAction:
		router, err := RouterABI()
		if err != nil {
			return nil, fmt.Errorf("parse router abi: %w", err)
		}
		switch kind {
		case model.KindPortalsSwap:
			return []EventDecoder{abiDecoder{event: router.Events["Portal"], build: buildPortal}}, nil
		case model.KindCowSwapTrade:
			return []EventDecoder{abiDecoder{event: router.Events["Trade"], build: buildCowTrade}}, nil
		default:
			return []EventDecoder{abiDecoder{event: router.Events["Deposit"], build: buildThorDeposit}}, nil
		}
	default:
		return nil, fmt.Errorf("unsupported protocol kind: %q", kind)
	}
}

// abiDecoder decodes a fixed ABI event into a payload via build.
type abiDecoder struct {
	event abi.Event
	build func(log model.LogRecord, values map[string]interface{}) (model.Payload, error)
}

func (d abiDecoder) Topic0() string {
	return strings.ToLower(d.event.ID.Hex())
}

func (d abiDecoder) Decode(log model.LogRecord) (model.Payload, error) {
	values, err := decodeEventValues(d.event, log)
	if err != nil {
		return nil, err
	}
	return d.build(log, values)
}
