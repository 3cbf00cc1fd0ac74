package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mkarlsen/leverbot/internal/crypto"
	"github.com/mkarlsen/leverbot/internal/domain"
)

const binanceFuturesBaseURL = "https://fapi.binance.com"

// Binance is a USD-margined futures client. Authenticated endpoints are
// signed with HMAC-SHA256 over the query string.
type Binance struct {
	baseURL    string
	signer     *crypto.Signer
	httpClient *http.Client
	logger     *slog.Logger
}

// NewBinance creates a futures client. An empty baseURL selects production;
// point it at the testnet for paper accounts with real order flow.
func NewBinance(baseURL string, signer *crypto.Signer, logger *slog.Logger) *Binance {
	if baseURL == "" {
		baseURL = binanceFuturesBaseURL
	}
	return &Binance{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With(slog.String("component", "binance_exchange")),
	}
}

var _ domain.ExchangeClient = (*Binance)(nil)

// TickerPrice returns the latest mark price for symbol.
func (b *Binance) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	var body struct {
		Price string `json:"price"`
	}
	params := url.Values{"symbol": {domain.WireSymbol(symbol)}}
	if err := b.public(ctx, "/fapi/v1/ticker/price", params, &body); err != nil {
		return 0, fmt.Errorf("binance: ticker %s: %w", symbol, err)
	}
	price, err := strconv.ParseFloat(body.Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("binance: ticker %s: bad price %q", symbol, body.Price)
	}
	return price, nil
}

// Positions returns all non-flat futures positions on the account.
func (b *Binance) Positions(ctx context.Context) ([]domain.ExchangePosition, error) {
	var body []struct {
		Symbol        string `json:"symbol"`
		PositionAmt   string `json:"positionAmt"`
		EntryPrice    string `json:"entryPrice"`
		MarkPrice     string `json:"markPrice"`
		UnrealizedPnL string `json:"unRealizedProfit"`
		Leverage      string `json:"leverage"`
	}
	if err := b.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, &body); err != nil {
		return nil, fmt.Errorf("binance: positions: %w", err)
	}

	out := make([]domain.ExchangePosition, 0, len(body))
	for _, raw := range body {
		amt, _ := strconv.ParseFloat(raw.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		side := domain.SideLong
		if amt < 0 {
			side = domain.SideShort
			amt = -amt
		}
		entry, _ := strconv.ParseFloat(raw.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(raw.MarkPrice, 64)
		upnl, _ := strconv.ParseFloat(raw.UnrealizedPnL, 64)
		lev, _ := strconv.Atoi(raw.Leverage)
		out = append(out, domain.ExchangePosition{
			Symbol:        raw.Symbol,
			Side:          side,
			Size:          amt,
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnL: upnl,
			Leverage:      lev,
		})
	}
	return out, nil
}

// Orders returns orders for symbol, optionally filtered by status.
func (b *Binance) Orders(ctx context.Context, symbol string, status domain.OrderStatus) ([]domain.ExchangeOrder, error) {
	var body []struct {
		OrderID    int64  `json:"orderId"`
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Type       string `json:"type"`
		Status     string `json:"status"`
		ReduceOnly bool   `json:"reduceOnly"`
		OrigQty    string `json:"origQty"`
		ExecQty    string `json:"executedQty"`
		AvgPrice   string `json:"avgPrice"`
		UpdateTime int64  `json:"updateTime"`
	}
	params := url.Values{"symbol": {domain.WireSymbol(symbol)}}
	if err := b.signed(ctx, http.MethodGet, "/fapi/v1/allOrders", params, &body); err != nil {
		return nil, fmt.Errorf("binance: orders %s: %w", symbol, err)
	}

	var out []domain.ExchangeOrder
	for _, raw := range body {
		st := orderStatus(raw.Status)
		if status != domain.OrderStatusAny && st != status {
			continue
		}
		qty, _ := strconv.ParseFloat(raw.OrigQty, 64)
		filled, _ := strconv.ParseFloat(raw.ExecQty, 64)
		avg, _ := strconv.ParseFloat(raw.AvgPrice, 64)
		out = append(out, domain.ExchangeOrder{
			ID:         strconv.FormatInt(raw.OrderID, 10),
			Symbol:     raw.Symbol,
			Side:       domain.OrderSide(strings.ToLower(raw.Side)),
			Type:       orderType(raw.Type),
			Status:     st,
			ReduceOnly: raw.ReduceOnly,
			Quantity:   qty,
			FilledQty:  filled,
			FillPrice:  avg,
			UpdatedAt:  time.UnixMilli(raw.UpdateTime),
		})
	}
	return out, nil
}

// PlaceOrder submits an order and returns the exchange order ID.
func (b *Binance) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	params := url.Values{
		"symbol":   {domain.WireSymbol(req.Symbol)},
		"side":     {strings.ToUpper(string(req.Side))},
		"quantity": {strconv.FormatFloat(req.Quantity, 'f', -1, 64)},
	}
	switch req.Type {
	case domain.OrderTypeMarket:
		params.Set("type", "MARKET")
	case domain.OrderTypeLimit:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	case domain.OrderTypeTrailingStop:
		params.Set("type", "TRAILING_STOP_MARKET")
		params.Set("callbackRate", strconv.FormatFloat(req.TrailPercent, 'f', -1, 64))
		if req.Price > 0 {
			params.Set("activationPrice", strconv.FormatFloat(req.Price, 'f', -1, 64))
		}
	default:
		return "", fmt.Errorf("binance: place order: unsupported type %q", req.Type)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var body struct {
		OrderID int64 `json:"orderId"`
	}
	if err := b.signed(ctx, http.MethodPost, "/fapi/v1/order", params, &body); err != nil {
		return "", fmt.Errorf("binance: place order %s: %w", req.Symbol, err)
	}
	return strconv.FormatInt(body.OrderID, 10), nil
}

// CancelOrder cancels an open order.
func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{
		"symbol":  {domain.WireSymbol(symbol)},
		"orderId": {orderID},
	}
	if err := b.signed(ctx, http.MethodDelete, "/fapi/v1/order", params, nil); err != nil {
		return fmt.Errorf("binance: cancel order %s: %w", orderID, err)
	}
	return nil
}

// Balance returns the available USDT balance on the futures account.
func (b *Binance) Balance(ctx context.Context) (float64, error) {
	var body []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := b.signed(ctx, http.MethodGet, "/fapi/v2/balance", nil, &body); err != nil {
		return 0, fmt.Errorf("binance: balance: %w", err)
	}
	for _, raw := range body {
		if raw.Asset == "USDT" {
			bal, err := strconv.ParseFloat(raw.AvailableBalance, 64)
			if err != nil {
				return 0, fmt.Errorf("binance: balance: bad amount %q", raw.AvailableBalance)
			}
			return bal, nil
		}
	}
	return 0, nil
}

// public performs an unauthenticated GET and decodes the JSON response.
func (b *Binance) public(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := b.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return b.do(req, out)
}

// signed performs an authenticated request. The signed query string travels
// in the URL for every method, which is what the futures API expects.
func (b *Binance) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	endpoint := b.baseURL + path + "?" + b.signer.Sign(params)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", b.signer.APIKey())
	return b.do(req, out)
}

func (b *Binance) do(req *http.Request, out any) error {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, string(respBody), domain.ErrExchangeRejected)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func orderStatus(raw string) domain.OrderStatus {
	switch raw {
	case "NEW", "PARTIALLY_FILLED":
		return domain.OrderStatusOpen
	case "FILLED":
		return domain.OrderStatusFilled
	default:
		return domain.OrderStatusAny
	}
}

func orderType(raw string) domain.OrderType {
	switch raw {
	case "LIMIT":
		return domain.OrderTypeLimit
	case "TRAILING_STOP_MARKET":
		return domain.OrderTypeTrailingStop
	default:
		return domain.OrderTypeMarket
	}
}
