package signal

import (
	"math"
	"time"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/indicators"
)

const medianVolumeWindow = 20

// evaluateMomentum checks the fresh-breakout entry. Long breaks resistance,
// short breaks support; every condition is recorded as a diagnostic so near
// misses can be analyzed.
func (g *Generator) evaluateMomentum(scan *domain.ScanResult, preset *config.TradingPreset, now time.Time) *domain.Signal {
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		if sig := g.momentumSide(scan, preset, side, now); sig != nil {
			return sig
		}
	}
	return nil
}

func (g *Generator) momentumSide(scan *domain.ScanResult, preset *config.TradingPreset, side domain.Side, now time.Time) *domain.Signal {
	md := scan.Market
	cfg := &preset.SignalConfig
	if len(md.Candles5m) < medianVolumeWindow+2 {
		return nil
	}

	level, ok := pickLevel(scan.Levels, side)
	if !ok {
		return nil
	}

	candles := md.Candles5m
	trigger := candles[len(candles)-1]
	prior := candles[len(candles)-2]
	strategy := string(domain.StrategyMomentum)

	// 1: close beyond the level by epsilon
	var breakPrice float64
	var broke bool
	if side == domain.SideLong {
		breakPrice = level.Price * (1 + cfg.MomentumEpsilon)
		broke = trigger.Close > breakPrice
	} else {
		breakPrice = level.Price * (1 - cfg.MomentumEpsilon)
		broke = trigger.Close < breakPrice
	}
	g.diag.RecordSignalCondition(md.Symbol, strategy, "level_break", trigger.Close, breakPrice, broke)
	if !broke {
		return nil
	}
	// a confirmed break feeds the retest book even when later conditions fail
	g.recordBreakout(md.Symbol, level, side, trigger.Ts)

	// 2: volume expansion vs rolling median
	medianVol := indicators.RollingMedianVolume(candles[:len(candles)-1], medianVolumeWindow)
	volThreshold := cfg.MomentumVolumeMultiplier * medianVol
	volOK := medianVol > 0 && trigger.Volume >= volThreshold
	g.diag.RecordSignalCondition(md.Symbol, strategy, "volume_multiple", trigger.Volume, volThreshold, volOK)
	if !volOK {
		return nil
	}

	// 3: conviction body
	bodyRatio := 0.0
	if r := trigger.Range(); r > 0 {
		bodyRatio = trigger.Body() / r
		if side == domain.SideShort {
			bodyRatio = -bodyRatio
		}
	}
	bodyOK := bodyRatio >= cfg.MomentumBodyRatioMin
	g.diag.RecordSignalCondition(md.Symbol, strategy, "body_ratio", bodyRatio, cfg.MomentumBodyRatioMin, bodyOK)
	if !bodyOK {
		return nil
	}

	// 4: book imbalance on the breakout side
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

	// 5: not extended from vwap
	vwap := indicators.VWAP(candles)
	gap := math.Abs(trigger.Close - vwap)
	gapMax := cfg.VWAPGapMaxATR * md.ATR5m
	vwapOK := md.ATR5m > 0 && gap <= gapMax
	g.diag.RecordSignalCondition(md.Symbol, strategy, "vwap_gap", gap, gapMax, vwapOK)
	if !vwapOK {
		return nil
	}

	// 6: anti-squeeze, the break must be fresh
	var fresh bool
	if side == domain.SideLong {
		fresh = prior.Close <= breakPrice
	} else {
		fresh = prior.Close >= breakPrice
	}
	g.diag.RecordSignalCondition(md.Symbol, strategy, "fresh_break", prior.Close, breakPrice, fresh)
	if !fresh {
		return nil
	}

	// stop-limit shape: trigger at the break price, limit offset beyond it
	entry := breakPrice
	var limit float64
	var stop float64
	if side == domain.SideLong {
		limit = entry * (1 + preset.ExecutionConfig.LimitOffsetBps/10000)
		swing := indicators.SwingLow(candles, 2) // 10 minutes of 5m bars
		stop = math.Max(swing, entry-1.2*md.ATR5m)
	} else {
		limit = entry * (1 - preset.ExecutionConfig.LimitOffsetBps/10000)
		swing := indicators.SwingHigh(candles, 2)
		stop = math.Min(swing, entry+1.2*md.ATR5m)
	}

	sig := &domain.Signal{
		Symbol:     md.Symbol,
		Side:       side,
		Strategy:   domain.StrategyMomentum,
		Entry:      entry,
		Level:      level,
		StopLoss:   stop,
		Confidence: 0.5 + 0.5*level.Strength,
		Reason:     "momentum breakout",
		Meta: map[string]interface{}{
			"order_type":    string(domain.OrderTypeStopLimit),
			"trigger_price": entry,
			"limit_price":   limit,
			"atr_5m":        md.ATR5m,
		},
	}
	if !g.checkStop(sig) {
		return nil
	}
	return sig
}
