package position

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/metrics"
)

// managing goroutines per tick
const shardCount = 4

const qtyEpsilon = 1e-9

// Execer places management orders. The executor implements it.
type Execer interface {
	Execute(ctx context.Context, sized *domain.SizedOrder) (*domain.Order, error)
	ClosePosition(ctx context.Context, pos *domain.Position, qty float64, urgent bool, intent domain.OrderIntent) (*domain.Order, error)
}

// DataSource provides per-symbol market snapshots
type DataSource interface {
	Snapshot(symbol string, now time.Time) (*domain.MarketData, error)
}

// RiskView is the slice of the risk manager position management needs
type RiskView interface {
	Metrics() domain.RiskMetrics
	RecordTradeClose(pnlUSD, pnlR float64, now time.Time)
}

// Manager owns the open position set and runs the management pipeline
type Manager struct {
	exec    Execer
	data    DataSource
	risk    RiskView
	diag    *diag.Collector
	metrics *metrics.Engine
	log     zerolog.Logger

	mu       sync.Mutex
	preset   *config.TradingPreset
	trackers map[uuid.UUID]*tracker
	mode     domain.TradingMode
}

// NewManager creates a position manager
func NewManager(exec Execer, data DataSource, riskView RiskView, preset *config.TradingPreset, mode domain.TradingMode, collector *diag.Collector, logger zerolog.Logger) *Manager {
	return &Manager{
		exec:     exec,
		data:     data,
		risk:     riskView,
		diag:     collector,
		metrics:  metrics.ForEngine(),
		log:      logger.With().Str("component", "position").Logger(),
		preset:   preset,
		trackers: make(map[uuid.UUID]*tracker),
		mode:     mode,
	}
}

// SetPreset swaps the active preset
func (m *Manager) SetPreset(preset *config.TradingPreset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preset = preset
}

// Open creates a position from an entry fill and starts tracking it
func (m *Manager) Open(sized *domain.SizedOrder, parent *domain.Order, now time.Time) *domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig := sized.Signal
	entry := parent.AvgFillPrice
	if entry <= 0 {
		entry = sized.Price
	}
	qty := parent.FilledQty

	ladder := m.preset.TPLadder()
	tps := make([]domain.TPLevel, 0, len(ladder))
	for _, rung := range ladder {
		tps = append(tps, domain.TPLevel{RMultiple: rung.R, SizeFraction: rung.Size})
	}

	pos := &domain.Position{
		ID:             uuid.New(),
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		QtyOpen:        qty,
		InitialQty:     qty,
		EntryPrice:     entry,
		StopLoss:       sized.StopLoss,
		TakeProfits:    tps,
		RiskUSD:        qty * math.Abs(entry-sized.StopLoss),
		OpenedAt:       now.UTC(),
		Mode:           m.mode,
		Strategy:       sig.Strategy,
		State:          domain.PositionOpen,
		OriginSignalID: sig.ID,
		TrailAnchor:    entry,
	}

	m.trackers[pos.ID] = newTracker(pos)
	m.metrics.PositionsOpen.Set(float64(len(m.trackers)))
	m.log.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("qty", qty).
		Float64("entry", entry).
		Float64("stop", pos.StopLoss).
		Msg("Position opened")
	return pos
}

// Reload restores previously persisted open positions
func (m *Manager) Reload(positions []*domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pos := range positions {
		if err := pos.Validate(); err != nil {
			return err
		}
		if pos.State == domain.PositionClosed {
			continue
		}
		m.trackers[pos.ID] = newTracker(pos)
	}
	m.metrics.PositionsOpen.Set(float64(len(m.trackers)))
	return nil
}

// Positions returns copies of the tracked positions
func (m *Manager) Positions() []*domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Position, 0, len(m.trackers))
	for _, t := range m.trackers {
		t.mu.Lock()
		cp := *t.pos
		t.mu.Unlock()
		out = append(out, &cp)
	}
	return out
}

// Count returns the number of tracked open positions
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trackers)
}

// ManageTick evaluates and applies management instructions for every open
// position, fanned out over a small worker pool. Returns the positions that
// reached closed during the tick.
func (m *Manager) ManageTick(ctx context.Context, now time.Time) []*domain.Position {
	m.mu.Lock()
	preset := m.preset
	trackers := make([]*tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.mu.Unlock()

	var closedMu sync.Mutex
	var closed []*domain.Position

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(shardCount)
	for _, t := range trackers {
		t := t
		g.Go(func() error {
			md, err := m.data.Snapshot(t.pos.Symbol, now)
			if err != nil {
				m.diag.Record("position", "stale_data", t.pos.Symbol, err.Error(), nil)
				return nil
			}
			for _, ins := range t.evaluate(md, preset, now) {
				if err := m.apply(gctx, t, ins, md, preset, now); err != nil {
					m.log.Warn().Err(err).
						Str("symbol", t.pos.Symbol).
						Str("kind", string(ins.Kind)).
						Msg("Management instruction failed")
				}
			}
			t.mu.Lock()
			done := t.pos.State == domain.PositionClosed
			t.mu.Unlock()
			if done {
				closedMu.Lock()
				closed = append(closed, t.pos)
				closedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(closed) > 0 {
		m.mu.Lock()
		for _, pos := range closed {
			delete(m.trackers, pos.ID)
		}
		m.metrics.PositionsOpen.Set(float64(len(m.trackers)))
		m.mu.Unlock()
	}
	return closed
}

func (m *Manager) apply(ctx context.Context, t *tracker, ins Instruction, md *domain.MarketData, preset *config.TradingPreset, now time.Time) error {
	switch ins.Kind {
	case MoveStop:
		t.mu.Lock()
		t.pos.StopLoss = ins.NewStop
		t.mu.Unlock()
		m.diag.Record("position", "stop_moved", t.pos.Symbol, ins.Reason, map[string]interface{}{"stop": ins.NewStop})
		return nil

	case PartialClose:
		if err := t.begin(domain.IntentTP); err != nil {
			if err == errCoalesced {
				return nil
			}
			return err
		}
		defer t.end(domain.IntentTP)

		order, err := m.exec.ClosePosition(ctx, t.pos, ins.Qty, false, domain.IntentTP)
		if order != nil && order.FilledQty > 0 {
			m.applyReduce(t, order, ins.TPIndex, preset, now)
		}
		return err

	case FullClose:
		if err := t.begin(ins.Intent); err != nil {
			if err == errCoalesced {
				return nil
			}
			return err
		}
		defer t.end(ins.Intent)

		m.diag.Record("position", string(ins.Kind), t.pos.Symbol, ins.Reason, nil)
		order, err := m.exec.ClosePosition(ctx, t.pos, ins.Qty, ins.Urgent, ins.Intent)
		if order != nil && order.FilledQty > 0 {
			m.applyClose(t, order, now)
		}
		return err

	case AddOn:
		if err := t.begin(domain.IntentAddOn); err != nil {
			if err == errCoalesced {
				return nil
			}
			return err
		}
		defer t.end(domain.IntentAddOn)
		return m.applyAddOn(ctx, t, ins, md, preset, now)
	}
	return nil
}

// applyReduce books a partial exit onto the position
func (m *Manager) applyReduce(t *tracker, order *domain.Order, tpIndex int, preset *config.TradingPreset, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos := t.pos

	pnl := realized(pos.Side, pos.EntryPrice, order.AvgFillPrice, order.FilledQty) - order.FeesUSD
	pos.QtyOpen -= order.FilledQty
	pos.RealizedPnLUSD += pnl
	if pos.RiskUSD > 0 {
		pos.RealizedPnLR = pos.RealizedPnLUSD / pos.RiskUSD
	}
	pos.State = domain.PositionReducing

	if order.Status == domain.OrderStatusFilled && tpIndex < len(pos.TakeProfits) {
		pos.TakeProfits[tpIndex].Executed = true
		if tpIndex == 0 && !pos.BreakevenMoved {
			m.moveBreakevenLocked(pos, preset)
		}
	}

	if pos.QtyOpen <= qtyEpsilon {
		pos.QtyOpen = 0
		pos.State = domain.PositionClosed
		m.settleLocked(pos, now)
	}

	m.log.Info().
		Str("symbol", pos.Symbol).
		Float64("qty", order.FilledQty).
		Float64("pnl_usd", pnl).
		Float64("qty_open", pos.QtyOpen).
		Msg("Partial exit filled")
}

// applyClose books a full exit
func (m *Manager) applyClose(t *tracker, order *domain.Order, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos := t.pos

	pnl := realized(pos.Side, pos.EntryPrice, order.AvgFillPrice, order.FilledQty) - order.FeesUSD
	pos.QtyOpen -= order.FilledQty
	pos.RealizedPnLUSD += pnl
	if pos.RiskUSD > 0 {
		pos.RealizedPnLR = pos.RealizedPnLUSD / pos.RiskUSD
	}

	if pos.QtyOpen <= qtyEpsilon {
		pos.QtyOpen = 0
		pos.State = domain.PositionClosed
		m.settleLocked(pos, now)
	} else {
		// partial close fill, the next tick retries the remainder
		pos.State = domain.PositionClosing
	}
}

// settleLocked records the final trade result
func (m *Manager) settleLocked(pos *domain.Position, now time.Time) {
	m.risk.RecordTradeClose(pos.RealizedPnLUSD, pos.RealizedPnLR, now)
	m.metrics.RealizedPnLUSD.Add(pos.RealizedPnLUSD)
	m.log.Info().
		Str("symbol", pos.Symbol).
		Float64("pnl_usd", pos.RealizedPnLUSD).
		Float64("pnl_r", pos.RealizedPnLR).
		Msg("Position closed")
}

// moveBreakevenLocked lifts the stop to entry plus a fee cushion after TP1
func (m *Manager) moveBreakevenLocked(pos *domain.Position, preset *config.TradingPreset) {
	cushion := 2 * preset.ExecutionConfig.TakerFeeBps * pos.EntryPrice / 10000
	var stop float64
	if pos.Side == domain.SideLong {
		stop = pos.EntryPrice + cushion
		if stop <= pos.StopLoss {
			pos.BreakevenMoved = true
			return
		}
	} else {
		stop = pos.EntryPrice - cushion
		if stop >= pos.StopLoss {
			pos.BreakevenMoved = true
			return
		}
	}
	pos.StopLoss = stop
	pos.BreakevenMoved = true
	m.diag.Record("position", "breakeven_moved", pos.Symbol, "tp1 filled", map[string]interface{}{"stop": stop})
}

// applyAddOn sizes the add-on against the remaining daily budget and places
// a limit entry
func (m *Manager) applyAddOn(ctx context.Context, t *tracker, ins Instruction, md *domain.MarketData, preset *config.TradingPreset, now time.Time) error {
	t.mu.Lock()
	pos := *t.pos
	t.mu.Unlock()

	dist := math.Abs(md.Price - pos.StopLoss)
	if dist <= 0 {
		return nil
	}

	rm := m.risk.Metrics()
	rUnit := rm.AccountEquity * preset.Risk.RiskPerTrade
	remainingR := (1 - rm.DailyRiskUsedPct) * preset.DailyLimitR()
	qty := ins.Qty
	if rUnit > 0 && remainingR > 0 {
		if budgetQty := remainingR * rUnit / dist; qty > budgetQty {
			qty = budgetQty
		}
	} else if remainingR <= 0 {
		m.diag.Record("position", "add_on_skipped", pos.Symbol, "daily budget exhausted", nil)
		return nil
	}
	if qty <= 0 {
		return nil
	}

	sized := &domain.SizedOrder{
		Signal: &domain.Signal{
			ID:       uuid.New(),
			Symbol:   pos.Symbol,
			Side:     pos.Side,
			Strategy: pos.Strategy,
			Entry:    md.Price,
			StopLoss: pos.StopLoss,
			Reason:   ins.Reason,
			Meta: map[string]interface{}{
				"order_type":  string(domain.OrderTypeLimit),
				"limit_price": md.Price,
			},
			Ts: now.UnixMilli(),
		},
		Qty:         qty,
		Price:       md.Price,
		StopLoss:    pos.StopLoss,
		NotionalUSD: qty * md.Price,
		RiskUSD:     qty * dist,
		Ts:          now.UnixMilli(),
	}

	order, err := m.exec.Execute(ctx, sized)
	if order != nil && order.FilledQty > 0 {
		t.mu.Lock()
		p := t.pos
		total := p.InitialQty + order.FilledQty
		p.EntryPrice = (p.EntryPrice*p.InitialQty + order.AvgFillPrice*order.FilledQty) / total
		p.InitialQty = total
		p.QtyOpen += order.FilledQty
		p.RiskUSD += order.FilledQty * math.Abs(order.AvgFillPrice-p.StopLoss)
		p.AddsDone++
		t.mu.Unlock()

		m.log.Info().
			Str("symbol", pos.Symbol).
			Float64("qty", order.FilledQty).
			Msg("Add-on filled")
	}
	return err
}

// realized is the signed PnL of closing qty at exitPrice
func realized(side domain.Side, entry, exit, qty float64) float64 {
	if side == domain.SideLong {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}
