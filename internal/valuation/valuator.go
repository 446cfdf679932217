package valuation

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"affiliateScope/internal/model"
)

// usdPlaces bounds stored USD precision.
const usdPlaces = 8

// TokenLookup is the TokenInfo collaborator.
type TokenLookup interface {
	Lookup(ctx context.Context, token string) (model.TokenInfo, error)
}

// Price converts a raw token amount to USD. ok is false when no price is
// known; there is no fallback price.
func Price(raw *big.Int, decimals uint8, priceUSD *float64) (decimal.Decimal, bool) {
	if raw == nil || priceUSD == nil {
		return decimal.Decimal{}, false
	}
	amount := decimal.NewFromBigInt(raw, -int32(decimals))
	return amount.Mul(decimal.NewFromFloat(*priceUSD)).Round(usdPlaces), true
}

// Valuator prices fee candidates through a TokenLookup.
type Valuator struct {
	tokens TokenLookup
	logger *zap.Logger
}

// NewValuator builds a Valuator. tokens may be nil, in which case every
// event is left unpriced.
func NewValuator(tokens TokenLookup, logger *zap.Logger) *Valuator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Valuator{tokens: tokens, logger: logger}
}

// Value fills TokenSymbol and FeeUSD on event. A failed lookup leaves the
// event unpriced.
func (v *Valuator) Value(ctx context.Context, event *model.FeeEvent, raw *big.Int) {
	event.FeeUSD = nil
	if v.tokens == nil {
		return
	}

	info, err := v.tokens.Lookup(ctx, event.FeeToken)
	if err != nil {
		v.logger.Debug("token lookup failed",
			zap.String("chain", event.Chain),
			zap.String("token", event.FeeToken),
			zap.String("tx_hash", event.TxHash),
			zap.Error(err),
		)
		return
	}
	event.TokenSymbol = info.Symbol

	usd, ok := Price(raw, info.Decimals, info.PriceUSD)
	if !ok {
		return
	}
	s := usd.String()
	event.FeeUSD = &s
}
