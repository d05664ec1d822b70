// Package signal turns ranked scan candidates into entry signals. Two
// strategies exist: momentum (fresh breakout of a detected level) and retest
// (pullback to a recently broken level). The preset picks the primary; the
// other runs as fallback. At most one signal per symbol per cycle.
package signal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/metrics"
)

const (
	// bars of 5m history a breakout stays eligible for retest entries
	breakoutLookbackBars = 60
	strategyTimeframe    = 5 * time.Minute

	// stops tighter than this many ticks are rejected
	minStopDistanceTicks = 2
)

// Generator evaluates entry strategies over scan results
type Generator struct {
	diag    *diag.Collector
	metrics *metrics.Engine
	log     zerolog.Logger

	mu        sync.Mutex
	preset    *config.TradingPreset
	specs     map[string]domain.MarketSpec
	breakouts map[string][]breakout
}

// breakout remembers a level break so a later pullback can qualify as retest
type breakout struct {
	level domain.TradingLevel
	side  domain.Side
	ts    int64
}

// NewGenerator creates a signal generator for the given preset and market specs
func NewGenerator(preset *config.TradingPreset, specs map[string]domain.MarketSpec, collector *diag.Collector, logger zerolog.Logger) *Generator {
	return &Generator{
		diag:      collector,
		metrics:   metrics.ForEngine(),
		log:       logger.With().Str("component", "signal").Logger(),
		preset:    preset,
		specs:     specs,
		breakouts: make(map[string][]breakout),
	}
}

// SetPreset swaps the active preset
func (g *Generator) SetPreset(preset *config.TradingPreset) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.preset = preset
}

// Generate evaluates the primary strategy and falls back to the other.
// Returns nil when neither produces a signal.
func (g *Generator) Generate(scan *domain.ScanResult, now time.Time) *domain.Signal {
	g.mu.Lock()
	preset := g.preset
	g.mu.Unlock()

	if scan.Market == nil || len(scan.Levels) == 0 {
		return nil
	}

	primary, fallback := g.evaluateMomentum, g.evaluateRetest
	if preset.StrategyPriority == string(domain.StrategyRetest) {
		primary, fallback = g.evaluateRetest, g.evaluateMomentum
	}

	sig := primary(scan, preset, now)
	if sig == nil {
		sig = fallback(scan, preset, now)
	}
	if sig == nil {
		return nil
	}

	sig.ID = uuid.New()
	sig.Ts = now.UnixMilli()
	if err := sig.Validate(); err != nil {
		g.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Generated signal failed validation")
		return nil
	}

	g.metrics.SignalsGenerated.WithLabelValues(string(sig.Strategy)).Inc()
	g.log.Info().
		Str("symbol", sig.Symbol).
		Str("strategy", string(sig.Strategy)).
		Str("side", string(sig.Side)).
		Float64("entry", sig.Entry).
		Float64("stop", sig.StopLoss).
		Msg("Signal generated")
	return sig
}

// recordBreakout remembers a confirmed level break. Old entries are pruned
// past the retest lookback.
func (g *Generator) recordBreakout(symbol string, level domain.TradingLevel, side domain.Side, tsMs int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := tsMs - breakoutLookbackBars*strategyTimeframe.Milliseconds()
	kept := g.breakouts[symbol][:0]
	for _, b := range g.breakouts[symbol] {
		if b.ts >= cutoff && b.level.Price != level.Price {
			kept = append(kept, b)
		}
	}
	g.breakouts[symbol] = append(kept, breakout{level: level, side: side, ts: tsMs})
}

// recentBreakout finds a remembered break of a level on the given side
func (g *Generator) recentBreakout(symbol string, side domain.Side, nowMs int64) (breakout, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := nowMs - breakoutLookbackBars*strategyTimeframe.Milliseconds()
	for i := len(g.breakouts[symbol]) - 1; i >= 0; i-- {
		b := g.breakouts[symbol][i]
		if b.side == side && b.ts >= cutoff {
			return b, true
		}
	}
	return breakout{}, false
}

// tickFor returns the price tick for a symbol, defaulting when specs are
// unavailable
func (g *Generator) tickFor(symbol string, price float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if spec, ok := g.specs[symbol]; ok && spec.PriceTick > 0 {
		return spec.PriceTick
	}
	return price * 0.0001
}

// checkStop enforces the minimum stop distance
func (g *Generator) checkStop(sig *domain.Signal) bool {
	tick := g.tickFor(sig.Symbol, sig.Entry)
	minDist := tick * minStopDistanceTicks
	if sig.StopDistance() < minDist {
		g.diag.RecordSignalCondition(sig.Symbol, string(sig.Strategy), "min_stop_distance", sig.StopDistance(), minDist, false)
		return false
	}
	return true
}

// pickLevel selects the level a strategy trades against for a side: longs
// break or retest resistance, shorts do the same with support
func pickLevel(levels []domain.TradingLevel, side domain.Side) (domain.TradingLevel, bool) {
	want := domain.LevelResistance
	if side == domain.SideShort {
		want = domain.LevelSupport
	}
	for _, lvl := range levels {
		if lvl.Type == want {
			return lvl, true
		}
	}
	return domain.TradingLevel{}, false
}
