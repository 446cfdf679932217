package tokeninfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StaticSource serves prices from configuration, keyed "chain:token".
type StaticSource map[string]float64

// NewStaticSource normalizes keys to lowercase.
func NewStaticSource(prices map[string]float64) StaticSource {
	out := make(StaticSource, len(prices))
	for key, price := range prices {
		out[strings.ToLower(strings.TrimSpace(key))] = price
	}
	return out
}

func (s StaticSource) Price(_ context.Context, chainKey, token string) (*float64, error) {
	price, ok := s[strings.ToLower(chainKey+":"+token)]
	if !ok {
		return nil, nil
	}
	return &price, nil
}

const DefaultLlamaURL = "https://coins.llama.fi"

// LlamaSource queries the DefiLlama current price endpoint.
type LlamaSource struct {
	baseURL string
	client  *http.Client
}

// NewLlamaSource builds a source against baseURL (DefaultLlamaURL when empty).
func NewLlamaSource(baseURL string, timeout time.Duration) *LlamaSource {
	if baseURL == "" {
		baseURL = DefaultLlamaURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LlamaSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type llamaResponse struct {
	Coins map[string]struct {
		Price      float64 `json:"price"`
		Symbol     string  `json:"symbol"`
		Decimals   int     `json:"decimals"`
		Confidence float64 `json:"confidence"`
	} `json:"coins"`
}

func (s *LlamaSource) Price(ctx context.Context, chainKey, token string) (*float64, error) {
	coin := strings.ToLower(chainKey + ":" + token)
	endpoint := fmt.Sprintf("%s/prices/current/%s", s.baseURL, url.PathEscape(coin))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llama price %s: %w", coin, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llama price %s: status %d", coin, resp.StatusCode)
	}

	var body llamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("llama price %s: decode: %w", coin, err)
	}
	for key, entry := range body.Coins {
		if strings.EqualFold(key, coin) && entry.Price > 0 {
			price := entry.Price
			return &price, nil
		}
	}
	return nil, nil
}
