// Package scanner ranks the trading universe each cycle: symbol, liquidity,
// volatility and correlation filters in a fixed order, then z-score weighted
// scoring across the survivors and Donchian level detection for the top
// candidates.
package scanner

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/metrics"
)

const (
	defaultBatchSize  = 20
	concurrentBatches = 2
)

// DataSource supplies indicator-enriched market snapshots. Satisfied by
// the marketdata provider.
type DataSource interface {
	Snapshot(symbol string, now time.Time) (*domain.MarketData, error)
}

// Scanner produces ranked breakout candidates for one preset
type Scanner struct {
	data    DataSource
	diag    *diag.Collector
	metrics *metrics.Engine
	log     zerolog.Logger

	cache *componentCache

	mu        sync.RWMutex
	preset    *config.TradingPreset
	batchSize int
}

// New creates a scanner bound to a data source and preset
func New(data DataSource, preset *config.TradingPreset, collector *diag.Collector, logger zerolog.Logger) *Scanner {
	return &Scanner{
		data:      data,
		diag:      collector,
		metrics:   metrics.ForEngine(),
		log:       logger.With().Str("component", "scanner").Logger(),
		cache:     newComponentCache(),
		preset:    preset,
		batchSize: defaultBatchSize,
	}
}

// SetPreset swaps the active preset and clears the score cache
func (s *Scanner) SetPreset(preset *config.TradingPreset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preset = preset
	s.cache.clear()
	s.log.Info().Str("preset", preset.Name).Msg("Preset changed, score cache cleared")
}

// SetBatchSize throttles per-batch width; invoked by the resource governor
// under memory pressure
func (s *Scanner) SetBatchSize(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n != s.batchSize {
		s.log.Info().Int("batch_size", n).Msg("Scanner batch size adjusted")
		s.batchSize = n
	}
}

func (s *Scanner) snapshotConfig() (*config.TradingPreset, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preset, s.batchSize
}

// Scan filters and ranks the universe, returning candidates ordered by
// score. An empty result is a normal outcome, not an error.
func (s *Scanner) Scan(ctx context.Context, universe []string, now time.Time) ([]*domain.ScanResult, error) {
	started := time.Now()
	preset, batchSize := s.snapshotConfig()
	cfg := &preset.ScannerConfig

	// stage 1: symbol filter
	allowed := make([]string, 0, len(universe))
	for _, sym := range universe {
		if !symbolAllowed(sym, cfg) {
			s.diag.RecordFilter(sym, FilterSymbol, false, nil)
			continue
		}
		allowed = append(allowed, sym)
	}

	evaluated, err := s.evaluateAll(ctx, allowed, preset, now, batchSize)
	if err != nil {
		return nil, err
	}

	// optional top-N-by-volume truncation happens on fetched data, before
	// the remaining filters score anything
	if cfg.TopNByVolume > 0 && len(evaluated) > cfg.TopNByVolume {
		sort.Slice(evaluated, func(i, j int) bool {
			return evaluated[i].Market.Volume24hUSD > evaluated[j].Market.Volume24hUSD
		})
		for _, dropped := range evaluated[cfg.TopNByVolume:] {
			s.diag.RecordFilter(dropped.Symbol, FilterSymbol, false, map[string]interface{}{
				"reason": "below_top_n_by_volume",
			})
		}
		evaluated = evaluated[:cfg.TopNByVolume]
	}

	passing := make([]*domain.ScanResult, 0, len(evaluated))
	for _, r := range evaluated {
		if r.PassedAllFilters() {
			passing = append(passing, r)
		}
	}

	scoreCandidates(passing, cfg.ScoreWeights)
	if len(passing) > cfg.MaxCandidates {
		passing = passing[:cfg.MaxCandidates]
	}

	s.metrics.ScanCandidates.Set(float64(len(passing)))
	s.metrics.ScanDuration.Observe(time.Since(started).Seconds())
	s.log.Info().
		Int("universe", len(universe)).
		Int("candidates", len(passing)).
		Dur("elapsed", time.Since(started)).
		Msg("Scan complete")
	return passing, nil
}

// evaluateAll runs per-symbol filter evaluation in bounded batches: at most
// two batches in flight, per-symbol work inside a batch bounded by a
// semaphore sized to the host.
func (s *Scanner) evaluateAll(ctx context.Context, symbols []string, preset *config.TradingPreset, now time.Time, batchSize int) ([]*domain.ScanResult, error) {
	workers := int64(runtime.NumCPU())
	if workers > 8 {
		workers = 8
	}

	results := make([]*domain.ScanResult, len(symbols))

	outer, ctx := errgroup.WithContext(ctx)
	outer.SetLimit(concurrentBatches)

	for start := 0; start < len(symbols); start += batchSize {
		end := start + batchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		start, end := start, end

		outer.Go(func() error {
			sem := semaphore.NewWeighted(workers)
			inner, ctx := errgroup.WithContext(ctx)
			for i := start; i < end; i++ {
				i := i
				if err := sem.Acquire(ctx, 1); err != nil {
					return err
				}
				inner.Go(func() error {
					defer sem.Release(1)
					results[i] = s.evaluate(symbols[i], preset, now)
					return nil
				})
			}
			return inner.Wait()
		})
	}
	if err := outer.Wait(); err != nil {
		return nil, err
	}

	out := make([]*domain.ScanResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// evaluate runs the liquidity, volatility and correlation stages for one
// symbol. A nil return means no usable market data this cycle.
func (s *Scanner) evaluate(symbol string, preset *config.TradingPreset, now time.Time) *domain.ScanResult {
	md, err := s.data.Snapshot(symbol, now)
	if err != nil {
		s.log.Debug().Err(err).Str("symbol", symbol).Msg("No market snapshot, skipping")
		return nil
	}

	result := &domain.ScanResult{
		Symbol:        symbol,
		Market:        md,
		FilterResults: map[string]bool{FilterSymbol: true},
		FilterDetails: map[string]interface{}{},
		Ts:            now.UnixMilli(),
	}

	stages := []struct {
		name   string
		checks []filterCheck
	}{
		{FilterLiquidity, liquidityChecks(md, &preset.LiquidityFilters)},
		{FilterVolatility, volatilityChecks(md, &preset.VolatilityFilters)},
		{FilterCorrelation, []filterCheck{correlationCheck(md, preset.Risk.CorrelationLimit)}},
	}
	for _, stage := range stages {
		passed := allPassed(stage.checks)
		result.FilterResults[stage.name] = passed
		if !passed {
			fail := firstFailure(stage.checks)
			result.FilterDetails[stage.name] = map[string]interface{}{
				"check":     fail.name,
				"value":     fail.value,
				"threshold": fail.threshold,
			}
			s.diag.RecordFilter(symbol, stage.name, false, map[string]interface{}{
				"check":     fail.name,
				"value":     fail.value,
				"threshold": fail.threshold,
			})
			return result // later stages are not evaluated for failed candidates
		}
		s.diag.RecordFilter(symbol, stage.name, true, nil)
	}

	if cached, ok := s.cache.get(symbol, md.Ts, now); ok {
		result.ScoreParts = cached
	} else {
		result.ScoreParts = rawComponents(md)
		s.cache.put(symbol, md.Ts, result.ScoreParts, now)
	}
	return result
}

// AttachLevels computes S/R levels for a ranked candidate in place
func (s *Scanner) AttachLevels(result *domain.ScanResult) {
	preset, _ := s.snapshotConfig()
	if result.Market == nil {
		return
	}
	result.Levels = BuildLevels(result.Market.Candles15m, result.Market.ATR15m, preset)
	if len(result.Levels) == 0 {
		s.diag.Record("scanner", "levels", result.Symbol, "no valid levels", nil)
	}
}

// CacheLen reports the score-cache occupancy, used by tests and diagnostics
func (s *Scanner) CacheLen() int {
	return s.cache.len()
}

// Shrink drops the score cache under memory pressure
func (s *Scanner) Shrink() {
	s.cache.clear()
	s.log.Info().Msg("Score cache dropped")
}
