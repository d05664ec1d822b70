// Package risk gates signals against portfolio-level limits and sizes the
// approved ones with the R model. The kill switch latches on drawdown, daily
// loss or a losing streak and only a manual reset clears it; management of
// existing positions is never blocked, only new entries.
package risk

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/metrics"
)

// Denial reasons, used as the metric label and the error reason
const (
	DenyKillSwitch        = "kill_switch"
	DenyDailyLimit        = "daily_limit"
	DenyMaxConcurrent     = "max_concurrent"
	DenyConsecutiveLosses = "consecutive_losses"
	DenyCorrelation       = "correlation"
	DenyBelowMinQty       = "below_min_qty"
	DenyNoStopDistance    = "no_stop_distance"
)

// PortfolioSnapshot is the state Evaluate sees. Correlations maps each open
// position's symbol to its pairwise correlation with the candidate; missing
// entries are treated as uncorrelated.
type PortfolioSnapshot struct {
	Positions    []*domain.Position
	Correlations map[string]float64
	DepthUSD     float64 // book depth on the entry side within 0.5%
}

// Manager enforces the risk gates and owns the portfolio risk accounting
type Manager struct {
	diag    *diag.Collector
	metrics *metrics.Engine
	log     zerolog.Logger

	mu     sync.Mutex
	preset *config.TradingPreset

	equity     float64
	peakEquity float64

	dayKey         string // UTC date of the current daily window
	dailyPnLUSD    float64
	dailyPnLR      float64
	dailyRiskUsedR float64

	consecutiveLosses int
	killSwitch        bool
	killReason        string
}

// NewManager creates a risk manager seeded with the starting equity
func NewManager(preset *config.TradingPreset, startingEquity float64, collector *diag.Collector, logger zerolog.Logger) *Manager {
	return &Manager{
		diag:       collector,
		metrics:    metrics.ForEngine(),
		log:        logger.With().Str("component", "risk").Logger(),
		preset:     preset,
		equity:     startingEquity,
		peakEquity: startingEquity,
	}
}

// SetPreset swaps the active preset
func (m *Manager) SetPreset(preset *config.TradingPreset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preset = preset
}

// SetEquity updates the account equity and the peak watermark
func (m *Manager) SetEquity(equity float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDay(now)
	m.equity = equity
	if equity > m.peakEquity {
		m.peakEquity = equity
	}
	m.checkKillLocked()
}

// RecordTradeClose books a realized trade result into the daily window and
// the losing-streak counter
func (m *Manager) RecordTradeClose(pnlUSD, pnlR float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDay(now)
	m.dailyPnLUSD += pnlUSD
	m.dailyPnLR += pnlR
	m.equity += pnlUSD
	if m.equity > m.peakEquity {
		m.peakEquity = m.equity
	}
	if pnlUSD < 0 {
		m.consecutiveLosses++
	} else if pnlUSD > 0 {
		m.consecutiveLosses = 0
	}
	m.checkKillLocked()

	m.log.Info().
		Float64("pnl_usd", pnlUSD).
		Float64("pnl_r", pnlR).
		Float64("daily_pnl_r", m.dailyPnLR).
		Int("consecutive_losses", m.consecutiveLosses).
		Msg("Trade result recorded")
}

// Evaluate runs the gate chain and, when every gate passes, sizes the signal.
// Denials return a risk_denied error naming the gate.
func (m *Manager) Evaluate(sig *domain.Signal, snap PortfolioSnapshot, spec domain.MarketSpec, now time.Time) (*domain.SizedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDay(now)
	preset := m.preset

	if m.killSwitch {
		return nil, m.denyLocked(sig, DenyKillSwitch, m.killReason)
	}
	if m.dailyPnLR <= -preset.DailyLimitR() {
		return nil, m.denyLocked(sig, DenyDailyLimit, "daily loss limit reached")
	}
	open := len(snap.Positions)
	if open >= preset.Risk.MaxConcurrentPositions {
		return nil, m.denyLocked(sig, DenyMaxConcurrent, "max concurrent positions reached")
	}
	if m.consecutiveLosses >= preset.Risk.MaxConsecutiveLosses {
		m.latchKillLocked(DenyConsecutiveLosses)
		return nil, m.denyLocked(sig, DenyConsecutiveLosses, "losing streak latched the kill switch")
	}
	for _, pos := range snap.Positions {
		corr := snap.Correlations[pos.Symbol]
		if math.Abs(corr) > preset.Risk.CorrelationLimit {
			return nil, m.denyLocked(sig, DenyCorrelation, "correlated with open "+pos.Symbol)
		}
	}

	sized, err := m.sizeLocked(sig, snap, spec, now.UnixMilli())
	if err != nil {
		return nil, err
	}

	m.dailyRiskUsedR += sized.RiskUSD / m.rUnitLocked()
	m.log.Info().
		Str("symbol", sig.Symbol).
		Float64("qty", sized.Qty).
		Float64("notional_usd", sized.NotionalUSD).
		Bool("twap", sized.UseTWAP).
		Bool("halved", sized.Halved).
		Msg("Signal approved")
	return sized, nil
}

// Metrics returns the current portfolio risk snapshot
func (m *Manager) Metrics() domain.RiskMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metricsLocked()
}

// ResetKillSwitch clears the latch. Manual operator action only.
func (m *Manager) ResetKillSwitch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.killSwitch {
		return
	}
	m.killSwitch = false
	m.killReason = ""
	m.consecutiveLosses = 0
	m.metrics.KillSwitchActive.Set(0)
	m.log.Warn().Msg("Kill switch manually reset")
}

func (m *Manager) metricsLocked() domain.RiskMetrics {
	dd := 0.0
	if m.peakEquity > 0 {
		dd = (m.peakEquity - m.equity) / m.peakEquity
	}
	ddR := 0.0
	if r := m.rUnitLocked(); r > 0 {
		ddR = (m.peakEquity - m.equity) / r
	}
	usedPct := 0.0
	if lim := m.preset.DailyLimitR(); lim > 0 {
		usedPct = m.dailyRiskUsedR / lim
	}
	return domain.RiskMetrics{
		AccountEquity:    m.equity,
		DailyPnLUSD:      m.dailyPnLUSD,
		DailyPnLR:        m.dailyPnLR,
		PeakEquity:       m.peakEquity,
		DrawdownR:        ddR,
		DrawdownPct:      dd,
		ConsecutiveLoss:  m.consecutiveLosses,
		DailyRiskUsedPct: usedPct,
		KillSwitchActive: m.killSwitch,
		KillSwitchReason: m.killReason,
	}
}

// rUnitLocked is one R in USD at current equity
func (m *Manager) rUnitLocked() float64 {
	return m.equity * m.preset.Risk.RiskPerTrade
}

// rollDay resets the daily window when the UTC date changes
func (m *Manager) rollDay(now time.Time) {
	key := now.UTC().Format("2006-01-02")
	if key == m.dayKey {
		return
	}
	m.dayKey = key
	m.dailyPnLUSD = 0
	m.dailyPnLR = 0
	m.dailyRiskUsedR = 0
}

// checkKillLocked latches the kill switch when any limit is breached
func (m *Manager) checkKillLocked() {
	if m.killSwitch {
		return
	}
	preset := m.preset
	ddPct := 0.0
	if m.peakEquity > 0 {
		ddPct = (m.peakEquity - m.equity) / m.peakEquity
	}
	switch {
	case preset.Risk.KillSwitchLossLimit > 0 && ddPct >= preset.Risk.KillSwitchLossLimit:
		m.latchKillLocked("drawdown limit")
	case m.dailyPnLR <= -preset.DailyLimitR():
		m.latchKillLocked("daily loss limit")
	case m.consecutiveLosses >= preset.Risk.MaxConsecutiveLosses:
		m.latchKillLocked("consecutive losses")
	}
}

func (m *Manager) latchKillLocked(reason string) {
	if m.killSwitch {
		return
	}
	m.killSwitch = true
	m.killReason = reason
	m.metrics.KillSwitchActive.Set(1)
	m.diag.Record("risk", "kill_switch", "", reason, nil)
	m.log.Error().Str("reason", reason).Msg("Kill switch latched")
}

func (m *Manager) denyLocked(sig *domain.Signal, reason, detail string) error {
	m.metrics.SignalsDenied.WithLabelValues(reason).Inc()
	m.diag.Record("risk", reason, sig.Symbol, detail, nil)
	m.log.Warn().
		Str("symbol", sig.Symbol).
		Str("reason", reason).
		Str("detail", detail).
		Msg("Signal denied")
	return domain.NewError(domain.KindRiskDenied, "%s: %s", reason, detail)
}
