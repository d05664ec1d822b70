// Package executor turns risk-approved sized orders into venue orders. A
// parent order aggregates one or more child slices (TWAP or iceberg) and
// carries the composite fill accounting: fees, signed slippage against the
// reference price, and the rolled-up status. A dead-man switch cancels
// anything that neither fills nor progresses within the configured timeout.
package executor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/exchange"
	"github.com/rangebreak/rangebreak/internal/metrics"
)

const (
	bookDepth = 50

	// visible fraction of an iceberg parent per child slice
	icebergDisplayFraction = 0.2

	defaultPollInterval = 200 * time.Millisecond
)

// BookSource provides execution-time order books. The market-data provider
// implements it; tests substitute fixtures.
type BookSource interface {
	OrderBook(symbol string, depth int) (*domain.OrderBookSnapshot, error)
}

// Executor routes sized orders to the venue
type Executor struct {
	ex      exchange.Exchange
	books   BookSource
	diag    *diag.Collector
	metrics *metrics.Engine
	log     zerolog.Logger

	pollEvery time.Duration

	mu     sync.Mutex
	preset *config.TradingPreset
	specs  map[string]domain.MarketSpec
}

// New creates an executor bound to a venue adapter and a book source
func New(ex exchange.Exchange, books BookSource, preset *config.TradingPreset, specs map[string]domain.MarketSpec, collector *diag.Collector, logger zerolog.Logger) *Executor {
	return &Executor{
		ex:        ex,
		books:     books,
		diag:      collector,
		metrics:   metrics.ForEngine(),
		log:       logger.With().Str("component", "executor").Logger(),
		pollEvery: defaultPollInterval,
		preset:    preset,
		specs:     specs,
	}
}

// SetPreset swaps the active preset
func (e *Executor) SetPreset(preset *config.TradingPreset) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preset = preset
}

// Execute places the entry for a sized order and returns the parent with
// aggregated fills. A partially filled parent that stalls past the dead-man
// timeout comes back cancelled alongside an execution_timeout error.
func (e *Executor) Execute(ctx context.Context, sized *domain.SizedOrder) (*domain.Order, error) {
	e.mu.Lock()
	preset := e.preset
	spec := e.specs[sized.Signal.Symbol]
	e.mu.Unlock()

	sig := sized.Signal
	book, err := e.books.OrderBook(sig.Symbol, bookDepth)
	if err != nil {
		return nil, domain.WrapError(domain.KindDataStale, err, "execute %s: no book", sig.Symbol)
	}

	entrySide := domain.OrderSideFor(sig.Side, false)
	depthQty := e.entryDepthQty(book, entrySide)
	refMid := book.Mid()

	slices := e.sliceCount(preset, sized, depthQty)
	parent := newParent(sized, entrySide)

	e.log.Info().
		Str("symbol", sig.Symbol).
		Str("side", string(entrySide)).
		Float64("qty", sized.Qty).
		Int("slices", slices).
		Msg("Executing entry")

	var children []*domain.Order
	if slices <= 1 {
		child, err := e.placeEntryChild(ctx, preset, sized, parent, entrySide, sized.Qty, 0)
		if child != nil {
			children = append(children, child)
		}
		e.finalize(parent, children, e.referencePrice(sized, refMid), spec.AmountStep)
		return parent, err
	}

	children, err = e.runTWAP(ctx, preset, sized, parent, entrySide, book, slices, spec)
	e.finalize(parent, children, e.referencePrice(sized, refMid), spec.AmountStep)
	return parent, err
}

// ClosePosition reduces or exits a position. Urgent exits go out as market
// orders; otherwise a limit rests at the current touch.
func (e *Executor) ClosePosition(ctx context.Context, pos *domain.Position, qty float64, urgent bool, intent domain.OrderIntent) (*domain.Order, error) {
	e.mu.Lock()
	preset := e.preset
	e.mu.Unlock()

	side := domain.OrderSideFor(pos.Side, true)
	req := exchange.PlaceOrderRequest{
		ClientOrderID: fmt.Sprintf("%s-%s-%d", pos.ID, intent, time.Now().UnixNano()),
		Symbol:        pos.Symbol,
		Side:          side,
		Type:          domain.OrderTypeMarket,
		Qty:           qty,
		ReduceOnly:    true,
		Intent:        intent,
	}
	if !urgent {
		book, err := e.books.OrderBook(pos.Symbol, bookDepth)
		if err != nil {
			return nil, domain.WrapError(domain.KindDataStale, err, "close %s: no book", pos.Symbol)
		}
		req.Type = domain.OrderTypeLimit
		if side == domain.OrderSideSell {
			req.Price = book.Asks[0].Price
		} else {
			req.Price = book.Bids[0].Price
		}
	}

	order, err := e.ex.PlaceOrder(ctx, req)
	if err != nil {
		return order, err
	}
	e.metrics.OrdersPlaced.WithLabelValues(string(intent)).Inc()
	return e.awaitFill(ctx, order, deadmanDeadline(preset))
}

// CancelOpenOrders cancels every open order on a symbol, or on all symbols
// when symbol is empty. Used by the emergency path.
func (e *Executor) CancelOpenOrders(ctx context.Context, symbol string) error {
	orders, err := e.ex.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	var firstErr error
	for _, o := range orders {
		if err := e.ex.CancelOrder(ctx, o.Symbol, o.ExchangeID); err != nil && firstErr == nil {
			firstErr = err
		} else if err == nil {
			e.metrics.OrdersCancelled.Inc()
		}
	}
	return firstErr
}

// sliceCount decides between a single child and a TWAP split
func (e *Executor) sliceCount(preset *config.TradingPreset, sized *domain.SizedOrder, depthQty float64) int {
	ec := &preset.ExecutionConfig
	perSlice := depthQty * ec.MaxDepthFraction

	twap := ec.EnableTWAP && (sized.UseTWAP || (perSlice > 0 && sized.Qty > perSlice))
	if twap {
		n := ec.TWAPMaxSlices
		if perSlice > 0 {
			n = int(math.Ceil(sized.Qty / perSlice))
		}
		return clampInt(n, ec.TWAPMinSlices, ec.TWAPMaxSlices)
	}

	if ec.EnableIceberg && sized.NotionalUSD > ec.IcebergMinNotional {
		n := int(math.Ceil(1 / icebergDisplayFraction))
		return clampInt(n, ec.TWAPMinSlices, ec.TWAPMaxSlices)
	}
	return 1
}

// placeEntryChild submits one child with the order shape the signal asked for
func (e *Executor) placeEntryChild(ctx context.Context, preset *config.TradingPreset, sized *domain.SizedOrder, parent *domain.Order, side domain.OrderSide, qty float64, slice int) (*domain.Order, error) {
	sig := sized.Signal
	req := exchange.PlaceOrderRequest{
		ClientOrderID: fmt.Sprintf("%s-%d", parent.ClientID, slice),
		Symbol:        sig.Symbol,
		Side:          side,
		Qty:           qty,
		Intent:        domain.IntentEntry,
	}

	switch orderTypeOf(sig) {
	case domain.OrderTypeStopLimit:
		req.Type = domain.OrderTypeStopLimit
		req.TriggerPrice = metaPrice(sig, "trigger_price", sized.Price)
		req.Price = metaPrice(sig, "limit_price", sized.Price)
	case domain.OrderTypeMarket:
		req.Type = domain.OrderTypeMarket
	default:
		req.Type = domain.OrderTypeLimit
		req.Price = metaPrice(sig, "limit_price", sized.Price)
	}

	order, err := e.ex.PlaceOrder(ctx, req)
	if err != nil {
		return order, err
	}
	e.metrics.OrdersPlaced.WithLabelValues(string(domain.IntentEntry)).Inc()
	return e.awaitFill(ctx, order, deadmanDeadline(preset))
}

// awaitFill polls an order until it reaches a terminal status or the
// dead-man deadline passes, at which point it is cancelled and an
// execution_timeout error returned with the last observed state.
func (e *Executor) awaitFill(ctx context.Context, order *domain.Order, deadline time.Time) (*domain.Order, error) {
	if order.Status.Terminal() {
		return order, nil
	}

	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()

	current := order
	for {
		select {
		case <-ctx.Done():
			_ = e.ex.CancelOrder(context.WithoutCancel(ctx), current.Symbol, current.ExchangeID)
			return current, ctx.Err()
		case <-ticker.C:
			latest, err := e.ex.FetchOrder(ctx, current.Symbol, current.ExchangeID)
			if err == nil {
				current = latest
				if current.Status.Terminal() {
					return current, nil
				}
			}
			if time.Now().After(deadline) {
				_ = e.ex.CancelOrder(ctx, current.Symbol, current.ExchangeID)
				e.metrics.OrdersCancelled.Inc()
				e.diag.Record("executor", "deadman", current.Symbol, "no fill before timeout", map[string]interface{}{
					"order_id":   current.ExchangeID,
					"filled_qty": current.FilledQty,
				})
				current.Status = domain.OrderStatusCancelled
				return current, domain.NewError(domain.KindExecutionTimeout, "order %s: no fill before deadline", current.ExchangeID)
			}
		}
	}
}

// finalize aggregates child fills onto the parent and records the metrics
func (e *Executor) finalize(parent *domain.Order, children []*domain.Order, refPrice, step float64) {
	var filled, notional, fees float64
	cancelled := false
	for _, c := range children {
		parent.Children = append(parent.Children, c.ID)
		filled += c.FilledQty
		notional += c.FilledQty * c.AvgFillPrice
		fees += c.FeesUSD
		if c.Status == domain.OrderStatusCancelled {
			cancelled = true
		}
	}

	parent.FilledQty = filled
	parent.FeesUSD = fees
	if filled > 0 {
		parent.AvgFillPrice = notional / filled
		parent.SlippageBps = slippageBps(parent.Side, parent.AvgFillPrice, refPrice)
		e.metrics.SlippageBps.Observe(parent.SlippageBps)
		e.metrics.FeesUSD.Add(fees)
	}

	switch {
	case filled >= parent.Qty-step:
		parent.Status = domain.OrderStatusFilled
		e.metrics.OrdersFilled.Inc()
	case cancelled:
		parent.Status = domain.OrderStatusCancelled
	case filled > 0:
		parent.Status = domain.OrderStatusPartiallyFilled
	default:
		parent.Status = domain.OrderStatusCancelled
	}
	parent.UpdatedAt = time.Now().UTC()

	e.log.Info().
		Str("symbol", parent.Symbol).
		Str("status", string(parent.Status)).
		Float64("filled_qty", parent.FilledQty).
		Float64("avg_price", parent.AvgFillPrice).
		Float64("fees_usd", parent.FeesUSD).
		Float64("slippage_bps", parent.SlippageBps).
		Msg("Execution finished")
}

// entryDepthQty is the book quantity available to an entry within 0.5%
func (e *Executor) entryDepthQty(book *domain.OrderBookSnapshot, side domain.OrderSide) float64 {
	mid := book.Mid()
	if mid <= 0 {
		return 0
	}
	// a buy consumes asks, a sell consumes bids
	consumed := domain.OrderSideSell
	if side == domain.OrderSideSell {
		consumed = domain.OrderSideBuy
	}
	return book.DepthUSD(consumed, 0.005) / mid
}

// referencePrice picks the slippage baseline: pre-execution mid for market
// orders, the sized limit price otherwise
func (e *Executor) referencePrice(sized *domain.SizedOrder, mid float64) float64 {
	if orderTypeOf(sized.Signal) == domain.OrderTypeMarket && mid > 0 {
		return mid
	}
	return sized.Price
}

func newParent(sized *domain.SizedOrder, side domain.OrderSide) *domain.Order {
	now := time.Now().UTC()
	id := uuid.New()
	return &domain.Order{
		ID:        id,
		ClientID:  "rb-" + id.String()[:8],
		Symbol:    sized.Signal.Symbol,
		Side:      side,
		Type:      orderTypeOf(sized.Signal),
		Qty:       sized.Qty,
		Price:     sized.Price,
		Status:    domain.OrderStatusPending,
		Intent:    domain.IntentEntry,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// slippageBps is signed so paying up on a buy and selling down both come out
// positive
func slippageBps(side domain.OrderSide, avg, ref float64) float64 {
	if ref <= 0 || avg <= 0 {
		return 0
	}
	slip := (avg - ref) / ref * 10000
	if side == domain.OrderSideSell {
		slip = -slip
	}
	return slip
}

func orderTypeOf(sig *domain.Signal) domain.OrderType {
	if v, ok := sig.Meta["order_type"].(string); ok {
		return domain.OrderType(v)
	}
	return domain.OrderTypeLimit
}

func metaPrice(sig *domain.Signal, key string, fallback float64) float64 {
	if v, ok := sig.Meta[key].(float64); ok && v > 0 {
		return v
	}
	return fallback
}

func deadmanDeadline(preset *config.TradingPreset) time.Time {
	return time.Now().Add(time.Duration(preset.ExecutionConfig.DeadmanTimeoutMs) * time.Millisecond)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
