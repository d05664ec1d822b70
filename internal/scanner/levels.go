package scanner

import (
	"math"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/indicators"
)

// minimum touches for a level to be tradable
const minTouchCount = 3

// BuildLevels detects support and resistance for one candidate from its 15m
// history. Candidates come from the Donchian channel; a level is kept only
// when it shows enough clean touches inside the recency window.
func BuildLevels(candles []domain.Candle, atr float64, preset *config.TradingPreset) []domain.TradingLevel {
	cfg := &preset.ScannerConfig
	if len(candles) < cfg.DonchianPeriod+1 || atr <= 0 {
		return nil
	}

	high, low := indicators.Donchian(candles, cfg.DonchianPeriod)
	pierceTol := preset.SignalConfig.RetestPierceTolerance * atr

	var levels []domain.TradingLevel
	resistance, resOK := validateLevel(candles, high, domain.LevelResistance, pierceTol, cfg.LevelMaxAgeBars)
	support, supOK := validateLevel(candles, low, domain.LevelSupport, pierceTol, cfg.LevelMaxAgeBars)

	if resOK && supOK {
		height := math.Abs(resistance.Price - support.Price)
		resistance.BaseHeight = height
		support.BaseHeight = height
	}
	if resOK {
		levels = append(levels, resistance)
	}
	if supOK {
		levels = append(levels, support)
	}
	return levels
}

// validateLevel counts touches of a price level within the recency window.
// A touch is a bar whose extreme comes within the pierce tolerance of the
// level without closing through it.
func validateLevel(candles []domain.Candle, price float64, typ domain.LevelType, pierceTol float64, maxAgeBars int) (domain.TradingLevel, bool) {
	if pierceTol <= 0 || price <= 0 {
		return domain.TradingLevel{}, false
	}

	start := 0
	if maxAgeBars > 0 && len(candles) > maxAgeBars {
		start = len(candles) - maxAgeBars
	}
	window := candles[start:]

	var (
		touches     int
		firstTs     int64
		lastTs      int64
		lastTouchAt int
		pierceSum   float64
	)
	for i, c := range window {
		var dist float64 // extreme's distance beyond the level, negative = shy of it
		var closedThrough bool
		if typ == domain.LevelResistance {
			dist = c.High - price
			closedThrough = c.Close > price
		} else {
			dist = price - c.Low
			closedThrough = c.Close < price
		}
		// a touch reaches within tolerance of the level without closing past it
		if dist >= -pierceTol && dist <= pierceTol && !closedThrough {
			touches++
			if firstTs == 0 {
				firstTs = c.Ts
			}
			lastTs = c.Ts
			lastTouchAt = i
			if dist > 0 {
				pierceSum += dist
			}
		}
	}

	if touches < minTouchCount {
		return domain.TradingLevel{}, false
	}

	level := domain.TradingLevel{
		Price:        price,
		Type:         typ,
		TouchCount:   touches,
		FirstTouchTs: firstTs,
		LastTouchTs:  lastTs,
	}
	level.Strength = levelStrength(touches, lastTouchAt, len(window), pierceSum, pierceTol)
	return level, true
}

// levelStrength blends touch count, recency of the last touch and wick
// cleanliness into [0,1]
func levelStrength(touches, lastTouchAt, windowLen int, pierceSum, pierceTol float64) float64 {
	touchScore := float64(touches) / 5.0
	if touchScore > 1 {
		touchScore = 1
	}

	recency := 0.0
	if windowLen > 1 {
		recency = float64(lastTouchAt) / float64(windowLen-1)
	}

	cleanliness := 1.0
	if touches > 0 && pierceTol > 0 {
		avgPierce := pierceSum / float64(touches)
		cleanliness = 1 - avgPierce/pierceTol
		if cleanliness < 0 {
			cleanliness = 0
		}
	}

	s := 0.5*touchScore + 0.3*recency + 0.2*cleanliness
	if s > 1 {
		s = 1
	}
	return s
}
