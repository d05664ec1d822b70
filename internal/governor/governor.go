// Package governor samples process resource usage and relieves memory
// pressure by shrinking caches and throttling scanner batch size. It only
// touches caches and batch sizing, never trading state.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/metrics"
)

const (
	defaultInterval = 5 * time.Second

	memTrimPct     = 70.0
	memShrinkPct   = 80.0
	memThrottlePct = 85.0
)

// Probe samples current memory and CPU usage in percent
type Probe interface {
	Sample() (memPct, cpuPct float64, err error)
}

// Shrinker is anything holding a cache the governor may trim
type Shrinker interface {
	Shrink()
}

// BatchLimiter throttles the scanner's concurrent batch size
type BatchLimiter interface {
	SetBatchSize(n int)
}

type sysProbe struct{}

func (sysProbe) Sample() (float64, float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	var cpuPct float64
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	return vm.UsedPercent, cpuPct, nil
}

// Governor is the process-wide resource watchdog
type Governor struct {
	probe    Probe
	interval time.Duration
	diag     *diag.Collector
	metrics  *metrics.Engine
	log      zerolog.Logger

	mu           sync.Mutex
	shrinkers    []Shrinker
	limiter      BatchLimiter
	normalBatch  int
	trimmedBatch int
	reducedBatch int
	currentBatch int
	shrinkLatch  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a governor. A nil probe uses the gopsutil system probe.
func New(probe Probe, collector *diag.Collector, logger zerolog.Logger) *Governor {
	if probe == nil {
		probe = sysProbe{}
	}
	return &Governor{
		probe:    probe,
		interval: defaultInterval,
		diag:     collector,
		metrics:  metrics.ForEngine(),
		log:      logger.With().Str("component", "governor").Logger(),
	}
}

// RegisterShrinker adds a cache to trim under memory pressure
func (g *Governor) RegisterShrinker(s Shrinker) {
	g.mu.Lock()
	g.shrinkers = append(g.shrinkers, s)
	g.mu.Unlock()
}

// SetBatchLimiter wires the scanner throttle and its three operating
// points: normal, trimmed under moderate pressure, reduced under heavy
// pressure
func (g *Governor) SetBatchLimiter(l BatchLimiter, normal, trimmed, reduced int) {
	g.mu.Lock()
	g.limiter = l
	g.normalBatch = normal
	g.trimmedBatch = trimmed
	g.reducedBatch = reduced
	g.currentBatch = normal
	g.mu.Unlock()
}

// Start launches the sampling loop
func (g *Governor) Start(ctx context.Context) {
	gctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return
			case <-ticker.C:
				g.tick()
			}
		}
	}()
}

// Stop halts the sampling loop
func (g *Governor) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// tick takes one sample and applies the edge-triggered pressure policy
func (g *Governor) tick() {
	memPct, cpuPct, err := g.probe.Sample()
	if err != nil {
		g.log.Warn().Err(err).Msg("Resource sample failed")
		return
	}

	g.metrics.MemoryUsagePct.Set(memPct)
	g.metrics.CPUUsagePct.Set(cpuPct)

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case memPct >= memShrinkPct && !g.shrinkLatch:
		g.shrinkLatch = true
		for _, s := range g.shrinkers {
			s.Shrink()
		}
		g.metrics.CacheShrinks.Inc()
		g.diag.Record("governor", "cache_shrink", "", "memory pressure", map[string]interface{}{
			"mem_pct":   memPct,
			"threshold": memShrinkPct,
		})
		g.log.Warn().
			Float64("mem_pct", memPct).
			Int("shrinkers", len(g.shrinkers)).
			Msg("Memory pressure, caches shrunk")
	case memPct < memShrinkPct && g.shrinkLatch:
		g.shrinkLatch = false
	}

	if g.limiter == nil {
		return
	}

	target := g.normalBatch
	switch {
	case memPct >= memThrottlePct:
		target = g.reducedBatch
	case memPct >= memTrimPct:
		target = g.trimmedBatch
	}
	if target == g.currentBatch {
		return
	}

	g.limiter.SetBatchSize(target)
	if target < g.currentBatch {
		g.diag.Record("governor", "batch_throttle", "", "memory pressure", map[string]interface{}{
			"mem_pct":    memPct,
			"batch_size": target,
		})
		g.log.Warn().
			Float64("mem_pct", memPct).
			Int("batch_size", target).
			Msg("Memory pressure, scanner batch size reduced")
	} else {
		g.log.Info().
			Float64("mem_pct", memPct).
			Int("batch_size", target).
			Msg("Memory pressure relieved, scanner batch size raised")
	}
	g.currentBatch = target
}
