package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/exchange"
)

// runTWAP works through the slices with the configured interval between
// them. Before each slice after the first, the book is re-read; a spread
// that widened past spread_widen_bps abandons the remaining slices.
func (e *Executor) runTWAP(ctx context.Context, preset *config.TradingPreset, sized *domain.SizedOrder, parent *domain.Order, side domain.OrderSide, book *domain.OrderBookSnapshot, slices int, spec domain.MarketSpec) ([]*domain.Order, error) {
	ec := &preset.ExecutionConfig
	sig := sized.Signal
	baselineSpread := book.SpreadBps()
	interval := time.Duration(ec.TWAPIntervalSeconds * float64(time.Second))

	sliceQty := floorToStep(sized.Qty/float64(slices), spec.AmountStep)
	if sliceQty <= 0 {
		sliceQty = sized.Qty / float64(slices)
	}

	var children []*domain.Order
	var placed float64
	for i := 0; i < slices; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return children, ctx.Err()
			case <-time.After(interval):
			}

			fresh, err := e.books.OrderBook(sig.Symbol, bookDepth)
			if err == nil {
				book = fresh
				if book.SpreadBps()-baselineSpread > ec.SpreadWidenBps {
					e.diag.Record("executor", "spread_widened", sig.Symbol, "remaining slices abandoned", map[string]interface{}{
						"baseline_bps": baselineSpread,
						"current_bps":  book.SpreadBps(),
						"slices_done":  i,
					})
					e.log.Warn().
						Str("symbol", sig.Symbol).
						Float64("spread_bps", book.SpreadBps()).
						Int("slices_done", i).
						Msg("Spread widened, abandoning TWAP")
					return children, nil
				}
			}
		}

		qty := sliceQty
		if i == slices-1 {
			qty = sized.Qty - placed // remainder absorbs rounding
		}
		if qty <= 0 {
			break
		}

		child, err := e.placeTWAPSlice(ctx, preset, sig, parent, side, book, qty, i)
		if child != nil {
			children = append(children, child)
		}
		if err != nil {
			return children, err
		}
		placed += qty
	}
	return children, nil
}

// placeTWAPSlice submits one marketable limit at the current touch
func (e *Executor) placeTWAPSlice(ctx context.Context, preset *config.TradingPreset, sig *domain.Signal, parent *domain.Order, side domain.OrderSide, book *domain.OrderBookSnapshot, qty float64, slice int) (*domain.Order, error) {
	var price float64
	if side == domain.OrderSideBuy {
		price = book.Asks[0].Price
	} else {
		price = book.Bids[0].Price
	}

	req := exchange.PlaceOrderRequest{
		ClientOrderID: fmt.Sprintf("%s-%d", parent.ClientID, slice),
		Symbol:        sig.Symbol,
		Side:          side,
		Type:          domain.OrderTypeLimit,
		Qty:           qty,
		Price:         price,
		Intent:        domain.IntentEntry,
	}
	order, err := e.ex.PlaceOrder(ctx, req)
	if err != nil {
		return order, err
	}
	e.metrics.OrdersPlaced.WithLabelValues(string(domain.IntentEntry)).Inc()
	return e.awaitFill(ctx, order, deadmanDeadline(preset))
}

func floorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	out, _ := decimal.NewFromFloat(v).
		Div(decimal.NewFromFloat(step)).
		Floor().
		Mul(decimal.NewFromFloat(step)).
		Float64()
	return out
}
