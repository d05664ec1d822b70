// Package exchange defines the venue adapter contract and its two
// implementations: a Bybit v5 REST client for live trading and a paper
// simulator with a realistic fill model. Everything above this package is
// mode-agnostic.
package exchange

import (
	"context"

	"github.com/rangebreak/rangebreak/internal/domain"
)

// Exchange is the unified venue surface. Both the live Bybit adapter and
// the paper simulator implement it.
type Exchange interface {
	// LoadMarkets returns trading specs keyed by symbol
	LoadMarkets(ctx context.Context) (map[string]domain.MarketSpec, error)

	// FetchCandles returns closed candles oldest first
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error)

	// FetchOrderBook returns a point-in-time L2 snapshot
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBookSnapshot, error)

	// FetchRecentTrades returns public trades since the given unix ms
	FetchRecentTrades(ctx context.Context, symbol string, since int64) ([]domain.Trade, error)

	// FetchTickers returns 24h rolling stats for the whole universe
	FetchTickers(ctx context.Context) (map[string]TickerStats, error)

	// PlaceOrder submits an order. The request's ClientOrderID is the
	// idempotency key; resubmitting the same id returns the original order.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error)

	// CancelOrder cancels an open order by exchange id
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// FetchOrder returns the current state of one order
	FetchOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error)

	// FetchOpenOrders lists open orders, optionally scoped to a symbol
	FetchOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error)

	// FetchBalance returns account equity and free margin in USD
	FetchBalance(ctx context.Context) (*Balance, error)
}
