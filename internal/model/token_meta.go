package model

// TokenMeta captures ERC20 metadata.
type TokenMeta struct {
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
}

// TokenInfo is token metadata plus an optional USD price. A nil PriceUSD
// means no price is known.
type TokenInfo struct {
	TokenMeta
	PriceUSD *float64 `json:"price_usd"`
}
