package scanner

import (
	"math"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/domain"
)

// Filter stages in their fixed evaluation order. The order never changes so
// diagnostic attribution stays stable across cycles.
const (
	FilterSymbol      = "symbol"
	FilterLiquidity   = "liquidity"
	FilterVolatility  = "volatility"
	FilterCorrelation = "correlation"
)

// symbolAllowed applies whitelist and blacklist membership
func symbolAllowed(symbol string, cfg *config.ScannerConfig) bool {
	for _, b := range cfg.SymbolBlacklist {
		if b == symbol {
			return false
		}
	}
	if len(cfg.SymbolWhitelist) == 0 {
		return true
	}
	for _, w := range cfg.SymbolWhitelist {
		if w == symbol {
			return true
		}
	}
	return false
}

// filterCheck is one named threshold comparison inside a filter stage
type filterCheck struct {
	name      string
	value     float64
	threshold float64
	passed    bool
}

// liquidityChecks evaluates every liquidity gate for one candidate
func liquidityChecks(md *domain.MarketData, f *config.LiquidityFilters) []filterCheck {
	checks := []filterCheck{
		{"min_24h_volume_usd", md.Volume24hUSD, f.Min24hVolumeUSD, md.Volume24hUSD >= f.Min24hVolumeUSD},
	}
	if f.MinOIUSD > 0 && md.OpenInterestUSD > 0 {
		checks = append(checks, filterCheck{"min_oi_usd", md.OpenInterestUSD, f.MinOIUSD, md.OpenInterestUSD >= f.MinOIUSD})
	}
	if md.L2 != nil {
		checks = append(checks,
			filterCheck{"max_spread_bps", md.L2.SpreadBps, f.MaxSpreadBps, md.L2.SpreadBps <= f.MaxSpreadBps},
			filterCheck{"min_depth_usd_0_3pct", minSide(md.L2.BidUSD03Pct, md.L2.AskUSD03Pct), f.MinDepthUSD03Pct,
				minSide(md.L2.BidUSD03Pct, md.L2.AskUSD03Pct) >= f.MinDepthUSD03Pct},
			filterCheck{"min_depth_usd_0_5pct", minSide(md.L2.BidUSD05Pct, md.L2.AskUSD05Pct), f.MinDepthUSD05Pct,
				minSide(md.L2.BidUSD05Pct, md.L2.AskUSD05Pct) >= f.MinDepthUSD05Pct},
		)
	} else {
		checks = append(checks, filterCheck{"l2_depth_available", 0, 1, false})
	}
	checks = append(checks, filterCheck{"min_trades_per_minute", md.TradesPerMinute, f.MinTradesPerMin, md.TradesPerMinute >= f.MinTradesPerMin})
	return checks
}

// volatilityChecks evaluates the range-compression gates
func volatilityChecks(md *domain.MarketData, f *config.VolatilityFilters) []filterCheck {
	atrPct := 0.0
	if md.Price > 0 {
		atrPct = md.ATR15m / md.Price
	}
	checks := []filterCheck{
		{"atr_range_min", atrPct, f.ATRRangeMin, atrPct >= f.ATRRangeMin},
		{"atr_range_max", atrPct, f.ATRRangeMax, atrPct <= f.ATRRangeMax},
		{"bb_width_percentile_max", md.BBWidthPct, f.BBWidthPercentileMax, md.BBWidthPct <= f.BBWidthPercentileMax},
		{"volume_surge_1h_min", md.VolSurge1h, f.VolumeSurge1hMin, md.VolSurge1h >= f.VolumeSurge1hMin},
		{"volume_surge_5m_min", md.VolSurge5m, f.VolumeSurge5mMin, md.VolSurge5m >= f.VolumeSurge5mMin},
	}
	if f.OIDeltaThreshold > 0 && md.OIDelta != 0 {
		checks = append(checks, filterCheck{"oi_delta_threshold", md.OIDelta, f.OIDeltaThreshold, md.OIDelta >= f.OIDeltaThreshold})
	}
	return checks
}

// correlationCheck bounds co-movement with the correlation base
func correlationCheck(md *domain.MarketData, limit float64) filterCheck {
	abs := math.Abs(md.BTCCorrelation)
	return filterCheck{"correlation_limit", abs, limit, abs <= limit}
}

func allPassed(checks []filterCheck) bool {
	for _, c := range checks {
		if !c.passed {
			return false
		}
	}
	return true
}

func firstFailure(checks []filterCheck) *filterCheck {
	for i := range checks {
		if !checks[i].passed {
			return &checks[i]
		}
	}
	return nil
}

func minSide(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
