package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const coingeckoBaseURL = "https://api.coingecko.com"

// coingeckoIDs maps common base assets to CoinGecko coin IDs.
var coingeckoIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"BNB":  "binancecoin",
	"XRP":  "ripple",
	"DOGE": "dogecoin",
	"ADA":  "cardano",
}

// CoinGecko serves USD prices from the CoinGecko simple-price API.
type CoinGecko struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewCoinGecko creates a CoinGecko provider. apiKey may be empty for the
// public rate-limited tier.
func NewCoinGecko(baseURL, apiKey string) *CoinGecko {
	if baseURL == "" {
		baseURL = coingeckoBaseURL
	}
	return &CoinGecko{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies this provider in breaker and scoring state.
func (c *CoinGecko) Name() string { return "coingecko" }

// FetchPrice returns the USD price for the base asset of symbol.
func (c *CoinGecko) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	coinID, ok := coingeckoIDs[baseAsset(symbol)]
	if !ok {
		return 0, fmt.Errorf("coingecko: unsupported symbol %q", symbol)
	}

	endpoint := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=usd",
		c.baseURL, url.QueryEscape(coinID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("coingecko: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("coingecko: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coingecko: fetch %s: status %d", symbol, resp.StatusCode)
	}

	var body map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("coingecko: decode response: %w", err)
	}
	entry, ok := body[coinID]
	if !ok || entry.USD <= 0 {
		return 0, fmt.Errorf("coingecko: no usd price for %q", coinID)
	}
	return entry.USD, nil
}

// baseAsset extracts the base asset from a pair symbol: "BTCUSDT", "BTC/USDT"
// and "BTC-USD" all yield "BTC".
func baseAsset(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, sep := range []string{"/", "-"} {
		if i := strings.Index(s, sep); i > 0 {
			return s[:i]
		}
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return strings.TrimSuffix(s, quote)
		}
	}
	return s
}
