// Package metrics exposes the engine's Prometheus metric surface and the
// scrape server. Label cardinality is bounded: symbols never become labels,
// only component/state/reason enumerations do.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine holds all engine-level Prometheus metrics
type Engine struct {
	CycleDuration     prometheus.Histogram
	StateTransitions  *prometheus.CounterVec
	StateGauge        *prometheus.GaugeVec
	ScanCandidates    prometheus.Gauge
	ScanDuration      prometheus.Histogram
	SignalsGenerated  *prometheus.CounterVec
	SignalsDenied     *prometheus.CounterVec
	OrdersPlaced      *prometheus.CounterVec
	OrdersFilled      prometheus.Counter
	OrdersCancelled   prometheus.Counter
	SlippageBps       prometheus.Histogram
	FeesUSD           prometheus.Counter
	PositionsOpen     prometheus.Gauge
	RealizedPnLUSD    prometheus.Gauge
	KillSwitchActive  prometheus.Gauge
	WSReconnects      prometheus.Counter
	OrderbookResyncs  prometheus.Counter
	DataStaleEvents   prometheus.Counter
	MemoryUsagePct    prometheus.Gauge
	CPUUsagePct       prometheus.Gauge
	CacheShrinks      prometheus.Counter
	ErrorRecoveries   prometheus.Counter
}

// Singleton so repeated wiring (tests, restarts inside one process) never
// re-registers collectors with the default registry.
var (
	engineInstance *Engine
	engineOnce     sync.Once
)

// ForEngine returns the process-wide engine metrics instance
func ForEngine() *Engine {
	engineOnce.Do(func() {
		engineInstance = &Engine{
			CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "engine_cycle_duration_seconds",
				Help:    "Duration of one full scan-to-manage cycle",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			}),
			StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "engine_state_transitions_total",
				Help: "State machine transitions by from/to state",
			}, []string{"from", "to"}),
			StateGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "engine_state",
				Help: "Current engine state (1 for the active state)",
			}, []string{"state"}),
			ScanCandidates: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "scanner_candidates",
				Help: "Candidates that passed all filters in the last scan",
			}),
			ScanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "scanner_scan_duration_seconds",
				Help:    "Duration of a full universe scan",
				Buckets: prometheus.DefBuckets,
			}),
			SignalsGenerated: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "signals_generated_total",
				Help: "Signals emitted by strategy",
			}, []string{"strategy"}),
			SignalsDenied: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "signals_denied_total",
				Help: "Signals denied by the risk manager, by reason",
			}, []string{"reason"}),
			OrdersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "orders_placed_total",
				Help: "Orders submitted to the venue, by intent",
			}, []string{"intent"}),
			OrdersFilled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "orders_filled_total",
				Help: "Orders that reached filled status",
			}),
			OrdersCancelled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "orders_cancelled_total",
				Help: "Orders cancelled before complete fill",
			}),
			SlippageBps: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "execution_slippage_bps",
				Help:    "Realized slippage per parent order in basis points",
				Buckets: []float64{-20, -10, -5, -2, -1, 0, 1, 2, 5, 10, 20, 50},
			}),
			FeesUSD: promauto.NewCounter(prometheus.CounterOpts{
				Name: "execution_fees_usd_total",
				Help: "Cumulative fees paid in USD",
			}),
			PositionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "positions_open",
				Help: "Currently open positions",
			}),
			RealizedPnLUSD: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "realized_pnl_usd",
				Help: "Session realized PnL in USD",
			}),
			KillSwitchActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "risk_kill_switch_active",
				Help: "1 while the kill switch is latched",
			}),
			WSReconnects: promauto.NewCounter(prometheus.CounterOpts{
				Name: "marketdata_ws_reconnects_total",
				Help: "WebSocket reconnect attempts",
			}),
			OrderbookResyncs: promauto.NewCounter(prometheus.CounterOpts{
				Name: "marketdata_orderbook_resyncs_total",
				Help: "Orderbook resyncs triggered by sequence gaps",
			}),
			DataStaleEvents: promauto.NewCounter(prometheus.CounterOpts{
				Name: "marketdata_stale_total",
				Help: "Cycles that observed stale market data",
			}),
			MemoryUsagePct: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "governor_memory_usage_pct",
				Help: "Process memory usage as sampled by the resource governor",
			}),
			CPUUsagePct: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "governor_cpu_usage_pct",
				Help: "Process CPU usage as sampled by the resource governor",
			}),
			CacheShrinks: promauto.NewCounter(prometheus.CounterOpts{
				Name: "governor_cache_shrinks_total",
				Help: "Cache shrink operations triggered under memory pressure",
			}),
			ErrorRecoveries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "engine_error_recoveries_total",
				Help: "Automatic recoveries from the ERROR state",
			}),
		}
	})
	return engineInstance
}

// SetState flips the state gauge so exactly one state reads 1
func (e *Engine) SetState(states []string, active string) {
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1.0
		}
		e.StateGauge.WithLabelValues(s).Set(v)
	}
}
