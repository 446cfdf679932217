package dex

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"affiliateScope/internal/model"
)

const maxWordBytes = 32

// transferDecoder decodes ERC-20 Transfer without assuming a 32-byte data word.
type transferDecoder struct {
	event abi.Event
}

func (d transferDecoder) Topic0() string {
	return strings.ToLower(d.event.ID.Hex())
}

func (d transferDecoder) Decode(log model.LogRecord) (model.Payload, error) {
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("expected 3 topics, got %d", len(log.Topics))
	}
	topics, err := parseTopicHashes(log.Topics[1:])
	if err != nil {
		return nil, err
	}

	data, err := hexutil.Decode(log.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	data = bytes.TrimLeft(data, "\x00")
	if len(data) > maxWordBytes {
		return nil, fmt.Errorf("amount exceeds 256 bits")
	}

	return model.TransferPayload{
		Token:  strings.ToLower(log.Address),
		From:   addressFromTopic(topics[0]),
		To:     addressFromTopic(topics[1]),
		Amount: new(big.Int).SetBytes(data),
	}, nil
}

func addressFromTopic(topic common.Hash) string {
	return strings.ToLower(common.BytesToAddress(topic.Bytes()).Hex())
}

func buildPairSwap(log model.LogRecord, values map[string]interface{}) (model.Payload, error) {
	var p model.PairSwapPayload
	var err error
	p.Pair = strings.ToLower(log.Address)
	if p.Sender, err = addressField(values, "sender"); err != nil {
		return nil, err
	}
	if p.To, err = addressField(values, "to"); err != nil {
		return nil, err
	}
	if p.Amount0In, err = bigField(values, "amount0In"); err != nil {
		return nil, err
	}
	if p.Amount1In, err = bigField(values, "amount1In"); err != nil {
		return nil, err
	}
	if p.Amount0Out, err = bigField(values, "amount0Out"); err != nil {
		return nil, err
	}
	if p.Amount1Out, err = bigField(values, "amount1Out"); err != nil {
		return nil, err
	}
	return p, nil
}

func buildPairLiquidity(kind model.EventKind) func(model.LogRecord, map[string]interface{}) (model.Payload, error) {
	return func(log model.LogRecord, values map[string]interface{}) (model.Payload, error) {
		p := model.PairLiquidityPayload{Kind: kind, Pair: strings.ToLower(log.Address)}
		var err error
		if p.Sender, err = addressField(values, "sender"); err != nil {
			return nil, err
		}
		if kind == model.EventPairBurn {
			if p.To, err = addressField(values, "to"); err != nil {
				return nil, err
			}
		}
		if p.Amount0, err = bigField(values, "amount0"); err != nil {
			return nil, err
		}
		if p.Amount1, err = bigField(values, "amount1"); err != nil {
			return nil, err
		}
		return p, nil
	}
}

func buildPortal(_ model.LogRecord, values map[string]interface{}) (model.Payload, error) {
	var p model.PortalPayload
	var err error
	if p.InputToken, err = addressField(values, "inputToken"); err != nil {
		return nil, err
	}
	if p.InputAmount, err = bigField(values, "inputAmount"); err != nil {
		return nil, err
	}
	if p.OutputToken, err = addressField(values, "outputToken"); err != nil {
		return nil, err
	}
	if p.OutputAmount, err = bigField(values, "outputAmount"); err != nil {
		return nil, err
	}
	if p.Sender, err = addressField(values, "sender"); err != nil {
		return nil, err
	}
	if p.Broadcaster, err = addressField(values, "broadcaster"); err != nil {
		return nil, err
	}
	if p.Recipient, err = addressField(values, "recipient"); err != nil {
		return nil, err
	}
	if p.Partner, err = addressField(values, "partner"); err != nil {
		return nil, err
	}
	return p, nil
}

func buildCowTrade(_ model.LogRecord, values map[string]interface{}) (model.Payload, error) {
	var p model.CowTradePayload
	var err error
	if p.Owner, err = addressField(values, "owner"); err != nil {
		return nil, err
	}
	if p.SellToken, err = addressField(values, "sellToken"); err != nil {
		return nil, err
	}
	if p.BuyToken, err = addressField(values, "buyToken"); err != nil {
		return nil, err
	}
	if p.SellAmount, err = bigField(values, "sellAmount"); err != nil {
		return nil, err
	}
	if p.BuyAmount, err = bigField(values, "buyAmount"); err != nil {
		return nil, err
	}
	if p.FeeAmount, err = bigField(values, "feeAmount"); err != nil {
		return nil, err
	}
	uid, ok := values["orderUid"].([]byte)
	if !ok {
		return nil, fmt.Errorf("orderUid: unsupported type %T", values["orderUid"])
	}
	p.OrderUID = hexutil.Encode(uid)
	return p, nil
}

func buildThorDeposit(_ model.LogRecord, values map[string]interface{}) (model.Payload, error) {
	var p model.ThorDepositPayload
	var err error
	if p.Vault, err = addressField(values, "to"); err != nil {
		return nil, err
	}
	if p.Asset, err = addressField(values, "asset"); err != nil {
		return nil, err
	}
	if p.Amount, err = bigField(values, "amount"); err != nil {
		return nil, err
	}
	memo, ok := values["memo"].(string)
	if !ok {
		return nil, fmt.Errorf("memo: unsupported type %T", values["memo"])
	}
	p.Memo = memo
	return p, nil
}

// decodeEventValues reads indexed fields from topics and the rest from data.
func decodeEventValues(event abi.Event, log model.LogRecord) (map[string]interface{}, error) {
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return nil, err
	}
	values := make(map[string]interface{}, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(values, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}

	data, err := hexutil.Decode(log.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	nonIndexed := event.Inputs.NonIndexed()
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(values, data); err != nil {
			return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
		}
	}
	return values, nil
}

func parseIndexedTopics(event abi.Event, topics []string) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	return parseTopicHashes(topics[1:])
}

func parseTopicHashes(topics []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(topics))
	for _, topic := range topics {
		data, err := hexutil.Decode(topic)
		if err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) > 32 {
			return nil, fmt.Errorf("topic length %d", len(data))
		}
		out = append(out, common.BytesToHash(data))
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func addressField(values map[string]interface{}, name string) (string, error) {
	addr, err := asAddress(values[name])
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.ToLower(addr.Hex()), nil
}

func bigField(values map[string]interface{}, name string) (*big.Int, error) {
	v, err := asBigInt(values[name])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case common.Address:
		return strings.ToLower(v.Hex())
	case common.Hash:
		return v.Hex()
	case *big.Int:
		return v.String()
	case []byte:
		return hexutil.Encode(v)
	case [32]byte:
		return hexutil.Encode(v[:])
	case string:
		return v
	default:
		if n, err := asBigInt(v); err == nil {
			return n.String()
		}
		return fmt.Sprint(v)
	}
}
