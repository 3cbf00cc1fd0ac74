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

const cryptoCompareBaseURL = "https://min-api.cryptocompare.com"

// CryptoCompare serves USD prices from the CryptoCompare price API.
type CryptoCompare struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewCryptoCompare creates a CryptoCompare provider.
func NewCryptoCompare(baseURL, apiKey string) *CryptoCompare {
	if baseURL == "" {
		baseURL = cryptoCompareBaseURL
	}
	return &CryptoCompare{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies this provider in breaker and scoring state.
func (c *CryptoCompare) Name() string { return "cryptocompare" }

// FetchPrice returns the USD price for the base asset of symbol.
func (c *CryptoCompare) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := fmt.Sprintf("%s/data/price?fsym=%s&tsyms=USD",
		c.baseURL, url.QueryEscape(baseAsset(symbol)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("cryptocompare: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("authorization", "Apikey "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("cryptocompare: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("cryptocompare: fetch %s: status %d", symbol, resp.StatusCode)
	}

	var body struct {
		USD float64 `json:"USD"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("cryptocompare: decode response: %w", err)
	}
	if body.USD <= 0 {
		return 0, fmt.Errorf("cryptocompare: no usd price for %q", symbol)
	}
	return body.USD, nil
}
