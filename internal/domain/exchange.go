package domain

import (
	"context"
	"time"
)

// OrderSide is the exchange-facing order direction.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the exchange-facing order type.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// OrderStatus filters order queries.
type OrderStatus string

const (
	OrderStatusOpen   OrderStatus = "open"
	OrderStatusFilled OrderStatus = "filled"
	OrderStatusAny    OrderStatus = ""
)

// OrderRequest describes an order to be placed on the exchange.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   float64
	Price      float64 // limit / activation price, 0 for market
	ReduceOnly bool
	// TrailPercent applies to trailing-stop orders delegated to the exchange.
	TrailPercent float64
}

// ExchangePosition is the authoritative exchange view of an open position.
type ExchangePosition struct {
	Symbol        string
	Side          Side
	Size          float64 // base-asset quantity remaining, 0 when closed
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

// ExchangeOrder is the exchange view of an order, including fill data.
type ExchangeOrder struct {
	ID         string
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Status     OrderStatus
	ReduceOnly bool
	Quantity   float64
	FilledQty  float64
	FillPrice  float64 // average fill price
	UpdatedAt  time.Time
}

// ExchangeClient is the wire-level exchange collaborator. Implementations own
// request signing and serialization; the core never assumes a call succeeds.
type ExchangeClient interface {
	TickerPrice(ctx context.Context, symbol string) (float64, error)
	Positions(ctx context.Context) ([]ExchangePosition, error)
	Orders(ctx context.Context, symbol string, status OrderStatus) ([]ExchangeOrder, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	Balance(ctx context.Context) (float64, error)
}
