package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBaseAsset(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"BTC/USDT", "BTC"},
		{"BTC-USD", "BTC"},
		{"ETHUSDT", "ETH"},
		{"solusdc", "SOL"},
		{"DOGEUSD", "DOGE"},
		{"BTC", "BTC"},
	}
	for _, tt := range tests {
		if got := baseAsset(tt.symbol); got != tt.want {
			t.Errorf("baseAsset(%q) = %q, want %q", tt.symbol, got, tt.want)
		}
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"BTC/USDT", "BTCUSDT"},
		{"btc-usdt", "BTCUSDT"},
		{"ETHUSDT", "ETHUSDT"},
	}
	for _, tt := range tests {
		if got := normalizeSymbol(tt.symbol); got != tt.want {
			t.Errorf("normalizeSymbol(%q) = %q, want %q", tt.symbol, got, tt.want)
		}
	}
}

func TestBinanceFetchPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/price" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %q, want BTCUSDT", got)
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"64123.45"}`))
	}))
	defer srv.Close()

	b := NewBinance(srv.URL)
	price, err := b.FetchPrice(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchPrice: %v", err)
	}
	if price != 64123.45 {
		t.Fatalf("price = %v, want 64123.45", price)
	}
}

func TestBinanceFetchPriceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	if _, err := NewBinance(srv.URL).FetchPrice(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("non-200 status accepted")
	}
}

func TestCoinGeckoFetchPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "ethereum" {
			t.Errorf("ids = %q, want ethereum", got)
		}
		if got := r.Header.Get("x-cg-demo-api-key"); got != "demo-key" {
			t.Errorf("api key header = %q, want demo-key", got)
		}
		w.Write([]byte(`{"ethereum":{"usd":3100.25}}`))
	}))
	defer srv.Close()

	c := NewCoinGecko(srv.URL, "demo-key")
	price, err := c.FetchPrice(context.Background(), "ETH/USDT")
	if err != nil {
		t.Fatalf("FetchPrice: %v", err)
	}
	if price != 3100.25 {
		t.Fatalf("price = %v, want 3100.25", price)
	}
}

func TestCoinGeckoUnsupportedSymbol(t *testing.T) {
	c := NewCoinGecko("http://example.invalid", "")
	if _, err := c.FetchPrice(context.Background(), "OBSCURE/USDT"); err == nil {
		t.Fatal("unsupported symbol accepted")
	}
}

func TestCryptoCompareFetchPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("fsym"); got != "BTC" {
			t.Errorf("fsym = %q, want BTC", got)
		}
		w.Write([]byte(`{"USD":64200.5}`))
	}))
	defer srv.Close()

	c := NewCryptoCompare(srv.URL, "")
	price, err := c.FetchPrice(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchPrice: %v", err)
	}
	if price != 64200.5 {
		t.Fatalf("price = %v, want 64200.5", price)
	}
}
