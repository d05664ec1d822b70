package signal

import (
	"math"
	"time"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/domain"
)

// evaluateRetest checks the pullback entry: a recently broken level being
// revisited from the breakout side with the book supporting continuation.
func (g *Generator) evaluateRetest(scan *domain.ScanResult, preset *config.TradingPreset, now time.Time) *domain.Signal {
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		if sig := g.retestSide(scan, preset, side, now); sig != nil {
			return sig
		}
	}
	return nil
}

func (g *Generator) retestSide(scan *domain.ScanResult, preset *config.TradingPreset, side domain.Side, now time.Time) *domain.Signal {
	md := scan.Market
	cfg := &preset.SignalConfig
	if len(md.Candles5m) == 0 || md.ATR5m <= 0 {
		return nil
	}

	// retest requires a remembered break on this side
	prior, ok := g.recentBreakout(md.Symbol, side, now.UnixMilli())
	if !ok {
		return nil
	}
	level := prior.level
	strategy := string(domain.StrategyRetest)
	last := md.Candles5m[len(md.Candles5m)-1]

	// 1: price has come back to within a fraction of the level price
	proximity := math.Abs(last.Close - level.Price)
	proximityMax := cfg.RetestPierceTolerance * level.Price
	nearOK := proximity <= proximityMax
	g.diag.RecordSignalCondition(md.Symbol, strategy, "level_proximity", proximity, proximityMax, nearOK)
	if !nearOK {
		return nil
	}

	// 2: the pierce through the level stayed shallow
	var pierce float64
	if side == domain.SideLong {
		pierce = level.Price - last.Low
	} else {
		pierce = last.High - level.Price
	}
	if pierce < 0 {
		pierce = 0
	}
	pierceMax := cfg.RetestMaxPierceATR * md.ATR5m
	pierceOK := pierce <= pierceMax
	g.diag.RecordSignalCondition(md.Symbol, strategy, "pierce_depth", pierce, pierceMax, pierceOK)
	if !pierceOK {
		return nil
	}

	// 3: book imbalance on the retest side
	imbalance := 0.0
	if md.L2 != nil {
		imbalance = md.L2.Imbalance
		if side == domain.SideShort {
			imbalance = -imbalance
		}
	}
	imbOK := imbalance >= cfg.L2ImbalanceThreshold
	g.diag.RecordSignalCondition(md.Symbol, strategy, "l2_imbalance", imbalance, cfg.L2ImbalanceThreshold, imbOK)
	if !imbOK {
		return nil
	}

	// 4: tape still active through the pullback
	tpmMin := preset.LiquidityFilters.MinTradesPerMin
	tpmOK := md.TradesPerMinute >= tpmMin
	g.diag.RecordSignalCondition(md.Symbol, strategy, "trades_per_minute", md.TradesPerMinute, tpmMin, tpmOK)
	if !tpmOK {
		return nil
	}

	// limit entry at the level nudged inside the allowed pierce band,
	// stop one ATR behind it
	entryOffset := pierceMax / 2
	var entry, stop float64
	if side == domain.SideLong {
		entry = level.Price + entryOffset
		stop = level.Price - 1.0*md.ATR5m
	} else {
		entry = level.Price - entryOffset
		stop = level.Price + 1.0*md.ATR5m
	}

	sig := &domain.Signal{
		Symbol:     md.Symbol,
		Side:       side,
		Strategy:   domain.StrategyRetest,
		Entry:      entry,
		Level:      level,
		StopLoss:   stop,
		Confidence: 0.4 + 0.6*level.Strength,
		Reason:     "level retest",
		Meta: map[string]interface{}{
			"order_type":  string(domain.OrderTypeLimit),
			"limit_price": entry,
			"breakout_ts": prior.ts,
			"atr_5m":      md.ATR5m,
		},
	}
	if !g.checkStop(sig) {
		return nil
	}
	return sig
}
