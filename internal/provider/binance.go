// Package provider implements independent external price sources for the
// oracle. Each provider is a thin REST client; failover, racing, circuit
// breaking and scoring all live in the oracle.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const binanceBaseURL = "https://api.binance.com"

// Binance serves spot ticker prices from the Binance public API.
type Binance struct {
	baseURL    string
	httpClient *http.Client
}

// NewBinance creates a Binance provider. baseURL overrides the public
// endpoint when non-empty (mirrors and tests).
func NewBinance(baseURL string) *Binance {
	if baseURL == "" {
		baseURL = binanceBaseURL
	}
	return &Binance{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies this provider in breaker and scoring state.
func (b *Binance) Name() string { return "binance" }

// FetchPrice returns the latest ticker price for symbol (e.g. "BTCUSDT").
func (b *Binance) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s",
		b.baseURL, url.QueryEscape(normalizeSymbol(symbol)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("binance: build request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("binance: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("binance: fetch %s: status %d", symbol, resp.StatusCode)
	}

	var body struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("binance: decode response: %w", err)
	}
	price, err := strconv.ParseFloat(body.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: parse price %q: %w", body.Price, err)
	}
	return price, nil
}

// normalizeSymbol strips separators so "BTC/USDT" and "BTC-USDT" both map to
// the exchange's "BTCUSDT" form.
func normalizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.ReplaceAll(s, "/", "")
	return strings.ReplaceAll(s, "-", "")
}
