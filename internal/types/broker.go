package types

import "time"

// Quote is the latest traded price for a symbol as reported by the broker.
type Quote struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	AsOf      time.Time `json:"as_of"`
	Degraded  bool      `json:"degraded,omitempty"`
}

// Position is an open position at the broker.
type Position struct {
	Symbol       string  `json:"symbol"`
	Quantity     int     `json:"quantity"` // negative for short
	AveragePrice float64 `json:"average_price"`
	LastPrice    float64 `json:"last_price"`
	PnL          float64 `json:"pnl"`
	Product      string  `json:"product"` // INTRADAY or DELIVERY
}

// Portfolio is the broker's view of open positions and settled holdings.
type Portfolio struct {
	Positions []Position `json:"positions"`
	Holdings  []Position `json:"holdings"`
	AsOf      time.Time  `json:"as_of"`
	Degraded  bool       `json:"degraded,omitempty"`
}

// MarginInfo is the single canonical margin shape in this codebase. Whatever
// the broker wire returns (bare numbers, nested objects, alternate field
// names) is translated into this by the broker client.
type MarginInfo struct {
	Available float64   `json:"available"`
	Used      float64   `json:"used"`
	Total     float64   `json:"total"`
	AsOf      time.Time `json:"as_of"`
	Degraded  bool      `json:"degraded,omitempty"`
}

// AccountSnapshot is an ephemeral, cache-owned view of the account. The
// broker, not the cache, is the source of truth.
type AccountSnapshot struct {
	TotalEquity     float64    `json:"total_equity"`
	AvailableMargin float64    `json:"available_margin"`
	UsedMargin      float64    `json:"used_margin"`
	Positions       []Position `json:"positions"`
	AsOf            time.Time  `json:"as_of"`
	Degraded        bool       `json:"degraded,omitempty"`
}

// Broker products for order placement.
const (
	ProductIntraday = "INTRADAY"
	ProductDelivery = "DELIVERY"
)

// Order types.
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// OrderRequest is a submission to the broker.
type OrderRequest struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"` // BUY or SELL
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	OrderType string  `json:"order_type"`
	Product   string  `json:"product"`
}

// OrderAck is the broker's acknowledgement of a placed order.
type OrderAck struct {
	OrderID  string    `json:"order_id"`
	PlacedAt time.Time `json:"placed_at"`
}

// Broker-reported order statuses, as consumed by reconciliation.
const (
	OrderStatusOpen      = "OPEN"
	OrderStatusFilled    = "FILLED"
	OrderStatusComplete  = "COMPLETE"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRejected  = "REJECTED"
)
