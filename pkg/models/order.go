package models

import (
	"time"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "MKT"
	OrderTypeLimit  OrderType = "LMT"
	OrderTypeStop   OrderType = "STP"
)

type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

type OrderRequest struct {
	Ticker     string
	Side       OrderSide
	Quantity   int64
	Type       OrderType
	LimitPrice float64
	StopPrice  float64
}

// OrderResult is the normalized outcome of an order submission. Filled is set
// only once the broker confirms the fill; callers must not assume a fill from
// submission alone.
type OrderResult struct {
	OrderID        string
	ClientOrderID  string
	Status         OrderStatus
	Filled         bool
	FillPrice      float64
	FilledQuantity int64
	CreatedAt      time.Time
}

// Order is an open order as reported by the broker.
type Order struct {
	OrderID   string
	Ticker    string
	Side      OrderSide
	Type      OrderType
	Quantity  int64
	Remaining int64
	Price     float64
	Status    OrderStatus
}

// BrokerPosition is the broker's own view of a held position, used for
// reconciliation against locally tracked positions.
type BrokerPosition struct {
	Ticker        string
	ContractID    int64
	Quantity      int64
	AvgCost       float64
	MarketValue   float64
	UnrealizedPnL float64
}
