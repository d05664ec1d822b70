package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/rangebreak/rangebreak/internal/domain"
)

// twapBindingFactor marks an order for TWAP when the pre-clamp quantity
// exceeds the depth clamp by this much
const twapBindingFactor = 1.5

// sizeLocked computes the R-model size. Adjustments apply in a fixed order:
// notional clamp, depth clamp, step floor, tick round, min-qty check, soft
// risk-reduction halving.
func (m *Manager) sizeLocked(sig *domain.Signal, snap PortfolioSnapshot, spec domain.MarketSpec, nowMs int64) (*domain.SizedOrder, error) {
	preset := m.preset

	stopDist := sig.StopDistance()
	if stopDist <= 0 {
		return nil, m.denyLocked(sig, DenyNoStopDistance, "stop distance is zero")
	}

	rUSD := m.rUnitLocked()
	qty := rUSD / stopDist
	useTWAP := false

	if preset.Risk.MaxPositionSizeUSD > 0 {
		if maxQty := preset.Risk.MaxPositionSizeUSD / sig.Entry; qty > maxQty {
			qty = maxQty
		}
	}

	if snap.DepthUSD > 0 {
		depthQty := preset.ExecutionConfig.MaxDepthFraction * snap.DepthUSD / sig.Entry
		if qty > depthQty {
			if qty > twapBindingFactor*depthQty {
				useTWAP = true
			}
			qty = depthQty
		}
	}

	qty = floorToStep(qty, spec.AmountStep)
	price := roundToTick(sig.Entry, spec.PriceTick)
	stop := roundToTick(sig.StopLoss, spec.PriceTick)

	if qty < spec.MinQty || qty <= 0 {
		return nil, m.denyLocked(sig, DenyBelowMinQty, "sized below exchange minimum")
	}

	halved := false
	if m.softReductionLocked(len(snap.Positions)) {
		qty = floorToStep(qty/2, spec.AmountStep)
		halved = true
		if qty < spec.MinQty || qty <= 0 {
			return nil, m.denyLocked(sig, DenyBelowMinQty, "halved size below exchange minimum")
		}
	}

	return &domain.SizedOrder{
		Signal:      sig,
		Qty:         qty,
		Price:       price,
		StopLoss:    stop,
		NotionalUSD: qty * price,
		RiskUSD:     qty * math.Abs(price-stop),
		UseTWAP:     useTWAP,
		Halved:      halved,
		Ts:          nowMs,
	}, nil
}

// softReductionLocked reports whether the half-size rule applies: most of the
// daily budget spent, drawdown past half the kill limit, or the portfolio is
// taking its last concurrency slot.
func (m *Manager) softReductionLocked(openPositions int) bool {
	snap := m.metricsLocked()
	if snap.DailyRiskUsedPct >= 0.8 {
		return true
	}
	if limR := m.preset.KillSwitchLimitR(); limR > 0 && snap.DrawdownR >= 0.5*limR {
		return true
	}
	return openPositions == m.preset.Risk.MaxConcurrentPositions-1
}

// floorToStep floors a quantity onto the exchange amount step
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

// roundToTick rounds a price onto the exchange price tick
func roundToTick(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	out, _ := decimal.NewFromFloat(v).
		Div(decimal.NewFromFloat(tick)).
		Round(0).
		Mul(decimal.NewFromFloat(tick)).
		Float64()
	return out
}
