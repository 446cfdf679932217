package affiliate

import (
	"fmt"
	"strconv"
	"strings"
)

const maxAffiliateBps = 10000

// MemoAffiliate is one affiliate entry of a THORChain memo.
type MemoAffiliate struct {
	Name string
	Bps  uint64
}

// Memo is the subset of a THORChain transaction memo relevant to fees.
type Memo struct {
	Action      string
	Asset       string
	Destination string
	Affiliates  []MemoAffiliate
}

// ParseMemo parses swap and add-liquidity memos:
//
//	SWAP:ASSET:DEST:LIMIT:AFFILIATE:BPS   (aliases "s" and "=")
//	ADD:POOL:PAIREDADDR:AFFILIATE:BPS     (aliases "a" and "+")
//
// AFFILIATE and BPS may be "/"-separated lists; a single BPS applies to every
// listed affiliate.
func ParseMemo(memo string) (Memo, error) {
	parts := strings.Split(strings.TrimSpace(memo), ":")
	if len(parts) == 0 || parts[0] == "" {
		return Memo{}, fmt.Errorf("empty memo")
	}

	var out Memo
	var affIdx int
	switch strings.ToUpper(parts[0]) {
	case "SWAP", "S", "=":
		out.Action = "swap"
		affIdx = 4
	case "ADD", "A", "+":
		out.Action = "add"
		affIdx = 3
	default:
		return Memo{Action: strings.ToLower(parts[0])}, nil
	}

	if len(parts) > 1 {
		out.Asset = parts[1]
	}
	if len(parts) > 2 {
		out.Destination = parts[2]
	}
	if len(parts) <= affIdx || parts[affIdx] == "" {
		return out, nil
	}

	names := strings.Split(parts[affIdx], "/")
	var bpsParts []string
	if len(parts) > affIdx+1 && parts[affIdx+1] != "" {
		bpsParts = strings.Split(parts[affIdx+1], "/")
	}
	if len(bpsParts) != 1 && len(bpsParts) != len(names) {
		return out, fmt.Errorf("memo has %d affiliates but %d fee values", len(names), len(bpsParts))
	}

	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		raw := bpsParts[0]
		if len(bpsParts) > 1 {
			raw = bpsParts[i]
		}
		bps, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return out, fmt.Errorf("invalid affiliate fee %q: %w", raw, err)
		}
		if bps > maxAffiliateBps {
			return out, fmt.Errorf("affiliate fee %d exceeds %d bps", bps, maxAffiliateBps)
		}
		out.Affiliates = append(out.Affiliates, MemoAffiliate{Name: name, Bps: bps})
	}
	return out, nil
}
