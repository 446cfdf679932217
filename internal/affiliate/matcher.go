package affiliate

import (
	"math/big"
	"sort"
	"strings"

	"affiliateScope/internal/model"
)

// PairLookup returns the token0/token1 of a V2 pair already resolved by the caller.
type PairLookup func(pair string) (token0, token1 string, ok bool)

// Matcher turns the decoded events of a transaction into fee candidates.
// It performs no I/O.
type Matcher struct {
	watch model.ContractWatch
	pairs PairLookup
}

// NewMatcher builds a matcher for one watched contract. pairs may be nil.
func NewMatcher(watch model.ContractWatch, pairs PairLookup) *Matcher {
	return &Matcher{watch: watch, pairs: pairs}
}

// GroupByTx groups events by transaction hash in order of first appearance,
// each group sorted by log index. Unrecognized events are dropped.
func GroupByTx(events []model.DecodedEvent) [][]model.DecodedEvent {
	index := make(map[string]int)
	var groups [][]model.DecodedEvent
	for _, event := range events {
		if event.Kind == model.EventUnrecognized || event.Payload == nil {
			continue
		}
		key := strings.ToLower(event.TxHash)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], event)
	}
	for _, group := range groups {
		sort.SliceStable(group, func(a, b int) bool { return group[a].LogIndex < group[b].LogIndex })
	}
	return groups
}

// Match returns the fee candidates of every transaction in events.
func (m *Matcher) Match(events []model.DecodedEvent) []model.FeeCandidate {
	var out []model.FeeCandidate
	for _, group := range GroupByTx(events) {
		out = append(out, m.matchTx(group)...)
	}
	return out
}

func (m *Matcher) matchTx(group []model.DecodedEvent) []model.FeeCandidate {
	var candidates []model.FeeCandidate
	switch {
	case m.watch.Kind.UsesMemoAffiliates():
		candidates = m.matchMemo(group)
	case hasExplicit(group):
		candidates = m.matchExplicit(group)
	default:
		for _, event := range group {
			if t, ok := event.Payload.(model.TransferPayload); ok && m.watch.IsAffiliate(t.To) {
				candidates = append(candidates, transferCandidate(event, t, model.AttributionTransfer))
			}
		}
	}

	if len(candidates) == 0 {
		return nil
	}
	if link := m.swapLink(group); link != nil {
		for i := range candidates {
			l := *link
			candidates[i].Swap = &l
		}
	}
	return candidates
}

func hasExplicit(group []model.DecodedEvent) bool {
	for _, event := range group {
		switch event.Payload.(type) {
		case model.PortalPayload, model.CustomPayload:
			return true
		}
	}
	return false
}

// matchExplicit prefers the partner named by the event over transfer
// matching. Transfers to the partner become candidates; without any, the
// event itself is the candidate. A partner that is not ours suppresses the
// transaction.
func (m *Matcher) matchExplicit(group []model.DecodedEvent) []model.FeeCandidate {
	var out []model.FeeCandidate
	seen := make(map[uint64]struct{})
	for _, event := range group {
		var partner string
		var attribution model.Attribution
		switch p := event.Payload.(type) {
		case model.PortalPayload:
			partner, attribution = p.Partner, model.AttributionPartnerEvent
		case model.CustomPayload:
			partner, attribution = p.Affiliate, model.AttributionCustomEvent
		default:
			continue
		}
		if !m.watch.IsAffiliate(partner) {
			continue
		}

		found := false
		for _, other := range group {
			t, ok := other.Payload.(model.TransferPayload)
			if !ok || !strings.EqualFold(t.To, partner) {
				continue
			}
			found = true
			if _, dup := seen[other.LogIndex]; dup {
				continue
			}
			seen[other.LogIndex] = struct{}{}
			out = append(out, transferCandidate(other, t, attribution))
		}
		if found {
			continue
		}

		if c, ok := m.eventCandidate(event, partner, attribution); ok {
			if _, dup := seen[c.LogIndex]; !dup {
				seen[c.LogIndex] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}

func (m *Matcher) eventCandidate(event model.DecodedEvent, partner string, attribution model.Attribution) (model.FeeCandidate, bool) {
	c := baseCandidate(event, partner, attribution)
	switch p := event.Payload.(type) {
	case model.PortalPayload:
		c.Token = strings.ToLower(p.InputToken)
		c.Amount = bpsOf(p.InputAmount, m.watch.FeeBps)
	case model.CustomPayload:
		if p.Amount == nil || p.Token == "" {
			return model.FeeCandidate{}, false
		}
		c.Token = strings.ToLower(p.Token)
		c.Amount = new(big.Int).Set(p.Amount)
	default:
		return model.FeeCandidate{}, false
	}
	return c, true
}

// matchMemo reads affiliate names from THORChain deposit memos. Several of
// our affiliates in one memo share the deposit's log index, so they are
// folded into one candidate.
func (m *Matcher) matchMemo(group []model.DecodedEvent) []model.FeeCandidate {
	var out []model.FeeCandidate
	for _, event := range group {
		deposit, ok := event.Payload.(model.ThorDepositPayload)
		if !ok {
			continue
		}
		memo, err := ParseMemo(deposit.Memo)
		if err != nil {
			continue
		}

		var names []string
		var bps uint64
		for _, aff := range memo.Affiliates {
			if aff.Bps == 0 || !m.watch.IsAffiliate(aff.Name) {
				continue
			}
			names = append(names, strings.ToLower(aff.Name))
			bps += aff.Bps
		}
		if len(names) == 0 {
			continue
		}

		c := baseCandidate(event, strings.Join(names, model.AffiliateSeparator), model.AttributionMemo)
		c.Token = strings.ToLower(deposit.Asset)
		c.Amount = bpsOf(deposit.Amount, bps)
		out = append(out, c)
	}
	return out
}

// swapLink is set only when the transaction has exactly one swap event.
func (m *Matcher) swapLink(group []model.DecodedEvent) *model.SwapLink {
	var swaps []model.DecodedEvent
	for _, event := range group {
		switch event.Payload.(type) {
		case model.PortalPayload, model.CowTradePayload, model.PairSwapPayload, model.ThorDepositPayload:
			swaps = append(swaps, event)
		}
	}
	if len(swaps) != 1 {
		return nil
	}

	switch p := swaps[0].Payload.(type) {
	case model.PortalPayload:
		return &model.SwapLink{
			FromAsset:  strings.ToLower(p.InputToken),
			ToAsset:    strings.ToLower(p.OutputToken),
			FromAmount: amountString(p.InputAmount),
			ToAmount:   amountString(p.OutputAmount),
		}
	case model.CowTradePayload:
		return &model.SwapLink{
			FromAsset:  strings.ToLower(p.SellToken),
			ToAsset:    strings.ToLower(p.BuyToken),
			FromAmount: amountString(p.SellAmount),
			ToAmount:   amountString(p.BuyAmount),
		}
	case model.PairSwapPayload:
		return m.pairSwapLink(p)
	case model.ThorDepositPayload:
		memo, err := ParseMemo(p.Memo)
		if err != nil || memo.Action != "swap" || memo.Asset == "" {
			return nil
		}
		return &model.SwapLink{
			FromAsset:  strings.ToLower(p.Asset),
			ToAsset:    memo.Asset,
			FromAmount: amountString(p.Amount),
		}
	}
	return nil
}

func (m *Matcher) pairSwapLink(p model.PairSwapPayload) *model.SwapLink {
	if m.pairs == nil {
		return nil
	}
	token0, token1, ok := m.pairs(p.Pair)
	if !ok {
		return nil
	}
	if isPositive(p.Amount0In) && !isPositive(p.Amount1In) {
		return &model.SwapLink{FromAsset: token0, ToAsset: token1, FromAmount: amountString(p.Amount0In), ToAmount: amountString(p.Amount1Out)}
	}
	if isPositive(p.Amount1In) && !isPositive(p.Amount0In) {
		return &model.SwapLink{FromAsset: token1, ToAsset: token0, FromAmount: amountString(p.Amount1In), ToAmount: amountString(p.Amount0Out)}
	}
	return nil
}

func transferCandidate(event model.DecodedEvent, t model.TransferPayload, attribution model.Attribution) model.FeeCandidate {
	c := baseCandidate(event, t.To, attribution)
	c.Token = strings.ToLower(t.Token)
	c.Amount = new(big.Int).Set(t.Amount)
	return c
}

func baseCandidate(event model.DecodedEvent, affiliate string, attribution model.Attribution) model.FeeCandidate {
	return model.FeeCandidate{
		Chain:       event.Chain,
		TxHash:      strings.ToLower(event.TxHash),
		LogIndex:    event.LogIndex,
		BlockNumber: event.BlockNumber,
		Affiliate:   strings.ToLower(affiliate),
		Attribution: attribution,
	}
}

func bpsOf(amount *big.Int, bps uint64) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, big.NewInt(maxAffiliateBps))
}

func isPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
