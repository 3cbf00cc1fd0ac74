package domain

import "testing"

func TestWireSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTC/USDT", "BTCUSDT"},
		{"btc/usdt", "BTCUSDT"},
		{"ETH-USDT", "ETHUSDT"},
		{"SOLUSDT", "SOLUSDT"},
		{"sol/usdt", "SOLUSDT"},
	}
	for _, tt := range tests {
		if got := WireSymbol(tt.in); got != tt.want {
			t.Errorf("WireSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
