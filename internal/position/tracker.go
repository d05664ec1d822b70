// Package position manages open positions: take-profit ladder with a
// breakeven move after TP1, chandelier trailing, add-ons, time stop and
// panic exit. Instructions are produced per tick and applied through the
// executor, serialized per position with at most one outstanding order per
// (position, intent) family.
package position

import (
	"math"
	"sync"
	"time"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/indicators"
)

// InstructionKind enumerates the actions a tick can produce
type InstructionKind string

const (
	MoveStop     InstructionKind = "move_sl"
	PartialClose InstructionKind = "partial_close"
	FullClose    InstructionKind = "full_close"
	AddOn        InstructionKind = "add_on"
)

const (
	obvSlopeLookback = 10
	emaPeriod        = 9

	// how close to the EMA a pullback must come, in ATR units
	pullbackToleranceATR = 0.25
)

// Instruction is one management action for a position
type Instruction struct {
	Kind    InstructionKind
	Qty     float64
	NewStop float64
	TPIndex int // PartialClose only
	Intent  domain.OrderIntent
	Urgent  bool
	Reason  string
}

// tracker serializes management of one position
type tracker struct {
	mu  sync.Mutex
	pos *domain.Position

	inflight map[domain.OrderIntent]*intentSlot
}

type intentSlot struct {
	active bool
	queued bool
}

func newTracker(pos *domain.Position) *tracker {
	return &tracker{pos: pos, inflight: make(map[domain.OrderIntent]*intentSlot)}
}

// begin claims the intent family. The first caller proceeds, a second
// coalesces into the running one, a third is refused with in_flight.
func (t *tracker) begin(intent domain.OrderIntent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := t.inflight[intent]
	if slot == nil {
		slot = &intentSlot{}
		t.inflight[intent] = slot
	}
	switch {
	case !slot.active:
		slot.active = true
		return nil
	case !slot.queued:
		slot.queued = true
		return errCoalesced
	default:
		return domain.NewError(domain.KindInFlight, "position %s: %s order already in flight", t.pos.Symbol, intent)
	}
}

func (t *tracker) end(intent domain.OrderIntent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot := t.inflight[intent]; slot != nil {
		slot.active = false
		slot.queued = false
	}
}

// errCoalesced marks a request that folded into an already running one
var errCoalesced = domain.NewError(domain.KindInFlight, "coalesced into in-flight order")

// evaluate inspects the market and produces this tick's instructions.
// A full close short-circuits everything else.
func (t *tracker) evaluate(md *domain.MarketData, preset *config.TradingPreset, now time.Time) []Instruction {
	t.mu.Lock()
	pos := t.pos
	defer t.mu.Unlock()

	if pos.State == domain.PositionClosed || pos.QtyOpen <= 0 {
		return nil
	}

	price := md.Price
	pc := &preset.PositionConfig

	// stop hit: market out immediately
	if stopHit(pos, price) {
		return []Instruction{{
			Kind: FullClose, Qty: pos.QtyOpen, Intent: domain.IntentSL,
			Urgent: true, Reason: "stop_hit",
		}}
	}

	// panic exit on a violent adverse move before the stop is reached
	if adverseExcursion(pos, price) >= pc.PanicExitATRMult*md.ATR5m && md.ATR5m > 0 {
		return []Instruction{{
			Kind: FullClose, Qty: pos.QtyOpen, Intent: domain.IntentExit,
			Urgent: true, Reason: "panic_exit",
		}}
	}

	pnlR := pos.UnrealizedR(price)

	// time stop: stale positions under 1R are not worth the hold
	holdFor := now.Sub(pos.OpenedAt)
	if holdFor >= time.Duration(pc.MaxHoldTimeHours*float64(time.Hour)) && pnlR < 1 {
		return []Instruction{{
			Kind: FullClose, Qty: pos.QtyOpen, Intent: domain.IntentExit,
			Urgent: true, Reason: "time_stop",
		}}
	}

	var out []Instruction

	// TP ladder
	for i := range pos.TakeProfits {
		tp := &pos.TakeProfits[i]
		if tp.Executed || pnlR < tp.RMultiple {
			continue
		}
		qty := tp.SizeFraction * pos.InitialQty
		if qty > pos.QtyOpen {
			qty = pos.QtyOpen
		}
		if qty <= 0 {
			continue
		}
		out = append(out, Instruction{
			Kind: PartialClose, Qty: qty, TPIndex: i,
			Intent: domain.IntentTP, Reason: "take_profit",
		})
	}

	// chandelier trailing after the breakeven move
	if pos.BreakevenMoved && md.ATR5m > 0 {
		if stop, ok := chandelierStop(pos, price, md.ATR5m, pc.ChandelierATRMult); ok {
			out = append(out, Instruction{Kind: MoveStop, NewStop: stop, Reason: "chandelier"})
		}
	}

	// single add-on on a held pullback to the 9-EMA
	if pc.AddOnEnabled && pos.AddsDone == 0 && addOnSetup(pos, md, pc) {
		out = append(out, Instruction{
			Kind: AddOn, Qty: pc.AddOnMaxSizePct * pos.InitialQty,
			Intent: domain.IntentAddOn, Reason: "ema_pullback",
		})
	}

	return out
}

func stopHit(pos *domain.Position, price float64) bool {
	if pos.Side == domain.SideLong {
		return price <= pos.StopLoss
	}
	return price >= pos.StopLoss
}

func adverseExcursion(pos *domain.Position, price float64) float64 {
	var adverse float64
	if pos.Side == domain.SideLong {
		adverse = pos.EntryPrice - price
	} else {
		adverse = price - pos.EntryPrice
	}
	return math.Max(adverse, 0)
}

// chandelierStop ratchets the trail anchor and derives the stop; it only
// ever tightens
func chandelierStop(pos *domain.Position, price, atr, mult float64) (float64, bool) {
	if pos.Side == domain.SideLong {
		if price > pos.TrailAnchor {
			pos.TrailAnchor = price
		}
		stop := pos.TrailAnchor - mult*atr
		if stop > pos.StopLoss {
			return stop, true
		}
		return 0, false
	}
	if pos.TrailAnchor == 0 || price < pos.TrailAnchor {
		pos.TrailAnchor = price
	}
	stop := pos.TrailAnchor + mult*atr
	if stop < pos.StopLoss {
		return stop, true
	}
	return 0, false
}

// addOnSetup checks the pullback conditions: last bar touched the 9-EMA and
// held, price still on the right side of the entry, OBV confirming when
// required
func addOnSetup(pos *domain.Position, md *domain.MarketData, pc *config.PositionConfig) bool {
	candles := md.Candles5m
	if len(candles) < obvSlopeLookback+1 || md.ATR5m <= 0 {
		return false
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	ema := indicators.EMA(closes, emaPeriod)
	if ema <= 0 {
		return false
	}

	last := candles[len(candles)-1]
	tol := pullbackToleranceATR * md.ATR5m
	if pos.Side == domain.SideLong {
		touched := last.Low <= ema+tol
		held := last.Close >= ema && md.Price > pos.EntryPrice
		if !touched || !held {
			return false
		}
		if pc.AddOnOBVConfirm && indicators.OBVSlope(candles, obvSlopeLookback) <= 0 {
			return false
		}
		return true
	}
	touched := last.High >= ema-tol
	held := last.Close <= ema && md.Price < pos.EntryPrice
	if !touched || !held {
		return false
	}
	if pc.AddOnOBVConfirm && indicators.OBVSlope(candles, obvSlopeLookback) >= 0 {
		return false
	}
	return true
}
