package exchange

import (
	"github.com/rangebreak/rangebreak/internal/domain"
)

// PlaceOrderRequest carries everything the venue needs for one order.
// ClientOrderID is the idempotency key: the adapter maps it to the exchange
// order id once acknowledged, and replays of the same id return the
// original order instead of placing a duplicate.
type PlaceOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Qty           float64
	Price         float64 // limit and stop-limit orders
	TriggerPrice  float64 // stop-limit orders
	ReduceOnly    bool
	Intent        domain.OrderIntent
}

// TickerStats is the 24h rolling view used for universe selection
type TickerStats struct {
	Symbol          string  `json:"symbol"`
	LastPrice       float64 `json:"last_price"`
	Volume24hUSD    float64 `json:"volume_24h_usd"`
	OpenInterestUSD float64 `json:"oi_usd,omitempty"`
	PriceChangePct  float64 `json:"price_change_pct"`
}

// BalancePosition is one venue-side position as reported by the account API
type BalancePosition struct {
	Symbol   string      `json:"symbol"`
	Side     domain.Side `json:"side"`
	Qty      float64     `json:"qty"`
	AvgPrice float64     `json:"avg_price"`
}

// Balance is the account snapshot in USD terms
type Balance struct {
	EquityUSD float64           `json:"equity_usd"`
	FreeUSD   float64           `json:"free_usd"`
	Positions []BalancePosition `json:"positions"`
}

// Fill is one execution against an order
type Fill struct {
	OrderID string  `json:"order_id"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price"`
	FeeUSD  float64 `json:"fee_usd"`
	IsMaker bool    `json:"is_maker"`
	Ts      int64   `json:"ts"`
}
