package dex

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"affiliateScope/internal/model"
)

// ParseEventSignature parses a human-readable event declaration such as
// "AffiliateFee(address indexed affiliate,address token,uint256 amount)".
// Tuple parameters are not supported.
func ParseEventSignature(signature string) (abi.Event, error) {
	signature = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), "event "))
	open := strings.Index(signature, "(")
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return abi.Event{}, fmt.Errorf("invalid event signature %q", signature)
	}
	name := strings.TrimSpace(signature[:open])
	body := strings.TrimSpace(signature[open+1 : len(signature)-1])
	if strings.ContainsAny(body, "()") {
		return abi.Event{}, fmt.Errorf("tuple parameters are not supported: %q", signature)
	}

	var args abi.Arguments
	if body != "" {
		for i, param := range strings.Split(body, ",") {
			fields := strings.Fields(param)
			if len(fields) == 0 {
				return abi.Event{}, fmt.Errorf("empty parameter %d in %q", i, signature)
			}
			arg := abi.Argument{Name: fmt.Sprintf("arg%d", i)}
			typeName := fields[0]
			rest := fields[1:]
			if len(rest) > 0 && rest[0] == "indexed" {
				arg.Indexed = true
				rest = rest[1:]
			}
			if len(rest) > 1 {
				return abi.Event{}, fmt.Errorf("invalid parameter %q", strings.TrimSpace(param))
			}
			if len(rest) == 1 {
				arg.Name = rest[0]
			}
			typ, err := abi.NewType(typeName, "", nil)
			if err != nil {
				return abi.Event{}, fmt.Errorf("parameter %q: %w", strings.TrimSpace(param), err)
			}
			arg.Type = typ
			args = append(args, arg)
		}
	}

	return abi.NewEvent(name, name, false, args), nil
}

// customDecoder decodes a configured explicit-attribution event.
type customDecoder struct {
	event  abi.Event
	config model.CustomEvent
}

func newCustomDecoder(cfg model.CustomEvent) (customDecoder, error) {
	event, err := ParseEventSignature(cfg.Signature)
	if err != nil {
		return customDecoder{}, err
	}
	if cfg.AffiliateField == "" {
		return customDecoder{}, fmt.Errorf("custom event %s: affiliate field is required", event.Sig)
	}
	for _, field := range []string{cfg.AffiliateField, cfg.TokenField, cfg.AmountField} {
		if field == "" {
			continue
		}
		if !hasArgument(event.Inputs, field) {
			return customDecoder{}, fmt.Errorf("custom event %s: no parameter named %q", event.Sig, field)
		}
	}
	return customDecoder{event: event, config: cfg}, nil
}

func hasArgument(args abi.Arguments, name string) bool {
	for _, arg := range args {
		if arg.Name == name {
			return true
		}
	}
	return false
}

func (d customDecoder) Topic0() string {
	return strings.ToLower(d.event.ID.Hex())
}

func (d customDecoder) Decode(log model.LogRecord) (model.Payload, error) {
	values, err := decodeEventValues(d.event, log)
	if err != nil {
		return nil, err
	}

	p := model.CustomPayload{
		Name:   d.event.Name,
		Fields: make(map[string]string, len(values)),
	}
	for name, value := range values {
		p.Fields[name] = formatValue(value)
	}

	if p.Affiliate, err = addressField(values, d.config.AffiliateField); err != nil {
		return nil, err
	}
	if d.config.TokenField != "" {
		if p.Token, err = addressField(values, d.config.TokenField); err != nil {
			return nil, err
		}
	}
	if d.config.AmountField != "" {
		if p.Amount, err = bigField(values, d.config.AmountField); err != nil {
			return nil, err
		}
	}
	return p, nil
}
