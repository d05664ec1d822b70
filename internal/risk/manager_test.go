package risk

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
)

func testSignal(entry, stop float64) *domain.Signal {
	return &domain.Signal{
		ID:         uuid.New(),
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		Strategy:   domain.StrategyMomentum,
		Entry:      entry,
		StopLoss:   stop,
		Confidence: 0.7,
		Ts:         time.Now().UnixMilli(),
	}
}

func testSpec() domain.MarketSpec {
	return domain.MarketSpec{
		Symbol:     "BTCUSDT",
		AmountStep: 0.001,
		PriceTick:  0.01,
		MinQty:     0.001,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(config.DefaultPreset(), 10_000, diag.NewCollector(128, zerolog.Nop()), zerolog.Nop())
}

func openPosition(symbol string) *domain.Position {
	return &domain.Position{
		ID:         uuid.New(),
		Symbol:     symbol,
		Side:       domain.SideLong,
		QtyOpen:    1,
		InitialQty: 1,
		EntryPrice: 100,
		StopLoss:   98,
		RiskUSD:    2,
		State:      domain.PositionOpen,
	}
}

func TestEvaluateApprovesAndSizes(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	// R = 10000 * 0.015 = 150 USD; stop distance 2 gives qty 75
	sized, err := m.Evaluate(testSignal(100, 98), PortfolioSnapshot{}, testSpec(), now)
	require.NoError(t, err)

	assert.InDelta(t, 75.0, sized.Qty, 1e-9)
	assert.InDelta(t, 100.0, sized.Price, 1e-9)
	assert.InDelta(t, 98.0, sized.StopLoss, 1e-9)
	assert.InDelta(t, 150.0, sized.RiskUSD, 1e-9)
	assert.False(t, sized.UseTWAP)
	assert.False(t, sized.Halved)

	// one full R committed against a 3R daily budget
	assert.InDelta(t, 1.0/3.0, m.Metrics().DailyRiskUsedPct, 1e-9)
}

func TestDepthClampMarksTWAP(t *testing.T) {
	m := newTestManager(t)

	// depth allows 0.10 * 10000 / 100 = 10 units; raw qty 75 > 1.5x that
	sized, err := m.Evaluate(testSignal(100, 98), PortfolioSnapshot{DepthUSD: 10_000}, testSpec(), time.Now())
	require.NoError(t, err)

	assert.InDelta(t, 10.0, sized.Qty, 1e-9)
	assert.True(t, sized.UseTWAP)
}

func TestNotionalClamp(t *testing.T) {
	m := newTestManager(t)
	preset := config.DefaultPreset()
	preset.Risk.MaxPositionSizeUSD = 2000
	m.SetPreset(preset)

	sized, err := m.Evaluate(testSignal(100, 98), PortfolioSnapshot{}, testSpec(), time.Now())
	require.NoError(t, err)

	assert.InDelta(t, 20.0, sized.Qty, 1e-9)
	assert.False(t, sized.UseTWAP)
}

func TestBelowMinQtyDenied(t *testing.T) {
	m := newTestManager(t)
	spec := testSpec()
	spec.MinQty = 5
	spec.AmountStep = 1

	// stop distance 90 gives raw qty 1.67, floored to 1, below min
	_, err := m.Evaluate(testSignal(100, 10), PortfolioSnapshot{}, spec, time.Now())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindRiskDenied))
	assert.Contains(t, err.Error(), DenyBelowMinQty)
}

func TestLastSlotHalvesSize(t *testing.T) {
	m := newTestManager(t)
	snap := PortfolioSnapshot{
		Positions: []*domain.Position{openPosition("ETHUSDT"), openPosition("SOLUSDT")},
	}

	sized, err := m.Evaluate(testSignal(100, 98), snap, testSpec(), time.Now())
	require.NoError(t, err)
	assert.True(t, sized.Halved)
	assert.InDelta(t, 37.5, sized.Qty, 1e-9)
}

func TestDrawdownHalvesSize(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	// 5% drawdown is under the 10% kill limit but past half the 6R limit
	m.SetEquity(9_500, now)
	require.False(t, m.Metrics().KillSwitchActive)

	sized, err := m.Evaluate(testSignal(100, 98), PortfolioSnapshot{}, testSpec(), now)
	require.NoError(t, err)
	assert.True(t, sized.Halved)
}

func TestMaxConcurrentDenied(t *testing.T) {
	m := newTestManager(t)
	snap := PortfolioSnapshot{Positions: []*domain.Position{
		openPosition("ETHUSDT"), openPosition("SOLUSDT"), openPosition("XRPUSDT"),
	}}

	_, err := m.Evaluate(testSignal(100, 98), snap, testSpec(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), DenyMaxConcurrent)
}

func TestCorrelationCapDenied(t *testing.T) {
	m := newTestManager(t)
	snap := PortfolioSnapshot{
		Positions:    []*domain.Position{openPosition("ETHUSDT")},
		Correlations: map[string]float64{"ETHUSDT": -0.92},
	}

	_, err := m.Evaluate(testSignal(100, 98), snap, testSpec(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), DenyCorrelation)
}

func TestConsecutiveLossesLatchKillSwitch(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	// five small losses stay inside the daily budget but latch the streak
	for i := 0; i < 5; i++ {
		m.RecordTradeClose(-10, -0.1, now)
	}

	rm := m.Metrics()
	assert.True(t, rm.KillSwitchActive)
	assert.Equal(t, 5, rm.ConsecutiveLoss)

	_, err := m.Evaluate(testSignal(100, 98), PortfolioSnapshot{}, testSpec(), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), DenyKillSwitch)

	// only a manual reset clears the latch
	m.ResetKillSwitch()
	rm = m.Metrics()
	assert.False(t, rm.KillSwitchActive)
	assert.Equal(t, 0, rm.ConsecutiveLoss)

	_, err = m.Evaluate(testSignal(100, 98), PortfolioSnapshot{}, testSpec(), now)
	assert.NoError(t, err)
}

func TestDailyLossLimit(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	m.RecordTradeClose(-500, -3.2, now)
	assert.True(t, m.Metrics().KillSwitchActive)

	// the reset clears the latch but the daily window still blocks entries
	m.ResetKillSwitch()
	_, err := m.Evaluate(testSignal(100, 98), PortfolioSnapshot{}, testSpec(), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), DenyDailyLimit)

	// next UTC day the window resets
	_, err = m.Evaluate(testSignal(100, 98), PortfolioSnapshot{}, testSpec(), now.Add(24*time.Hour))
	assert.NoError(t, err)
}

func TestDrawdownLatchesKillSwitch(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	m.SetEquity(8_900, now) // 11% below peak
	rm := m.Metrics()
	assert.True(t, rm.KillSwitchActive)
	assert.Equal(t, "drawdown limit", rm.KillSwitchReason)
}

func TestWinResetsStreak(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	m.RecordTradeClose(-10, -0.1, now)
	m.RecordTradeClose(-10, -0.1, now)
	m.RecordTradeClose(25, 0.25, now)
	assert.Equal(t, 0, m.Metrics().ConsecutiveLoss)
}

func TestRounding(t *testing.T) {
	assert.InDelta(t, 65.2, floorToStep(65.217, 0.1), 1e-9)
	assert.InDelta(t, 0.003, floorToStep(0.0039, 0.001), 1e-9)
	assert.InDelta(t, 7.0, floorToStep(7.0, 1), 1e-9)
	assert.InDelta(t, 100.5, roundToTick(100.3, 0.5), 1e-9)
	assert.InDelta(t, 100.0, roundToTick(100.2, 0.5), 1e-9)
	assert.InDelta(t, 42.0, floorToStep(42.0, 0), 1e-9) // unset step passes through
}
