// Package domain holds the entities shared across the trading engine:
// market data, levels, signals, orders, positions and risk state.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Side represents the direction of a position or signal
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// OrderSide represents buy or sell on the venue
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderSideFor maps a position side and an open/close intent to the venue side
func OrderSideFor(side Side, closing bool) OrderSide {
	if (side == SideLong) != closing {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderType represents the venue order type
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStopLimit OrderType = "stop_limit"
	OrderTypePostOnly  OrderType = "post_only"
)

// OrderStatus represents the current state of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status admits no further fills
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// OrderIntent classifies why an order exists in the position lifecycle
type OrderIntent string

const (
	IntentEntry OrderIntent = "entry"
	IntentExit  OrderIntent = "exit"
	IntentAddOn OrderIntent = "add_on"
	IntentTP    OrderIntent = "tp"
	IntentSL    OrderIntent = "sl"
)

// Strategy identifies the entry strategy that produced a signal
type Strategy string

const (
	StrategyMomentum Strategy = "momentum"
	StrategyRetest   Strategy = "retest"
)

// Candle is an immutable OHLCV bar. Low <= min(Open,Close) <= max(Open,Close) <= High.
type Candle struct {
	Ts     int64   `json:"ts"` // open time, unix ms
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Body returns the signed candle body
func (c Candle) Body() float64 { return c.Close - c.Open }

// Range returns the high-low range
func (c Candle) Range() float64 { return c.High - c.Low }

// Trade is a single public trade print
type Trade struct {
	ID     string    `json:"id"`
	Symbol string    `json:"symbol"`
	Ts     int64     `json:"ts"` // unix ms
	Price  float64   `json:"price"`
	Amount float64   `json:"amount"`
	Side   OrderSide `json:"side"`
}

// PriceLevel is one (price, size) rung of an orderbook
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBookSnapshot is a point-in-time view of a symbol's book.
// Bids are ordered descending by price, asks ascending.
type OrderBookSnapshot struct {
	Symbol     string       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	SequenceID int64        `json:"sequence_id"`
	Ts         int64        `json:"ts"`
}

// Mid returns the mid price, or 0 when either side is empty
func (ob *OrderBookSnapshot) Mid() float64 {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return 0
	}
	return (ob.Bids[0].Price + ob.Asks[0].Price) / 2
}

// SpreadBps returns the bid/ask spread in basis points of the mid
func (ob *OrderBookSnapshot) SpreadBps() float64 {
	mid := ob.Mid()
	if mid <= 0 {
		return 0
	}
	return (ob.Asks[0].Price - ob.Bids[0].Price) / mid * 10000
}

// DepthUSD sums notional liquidity within pct of the mid on the given side
func (ob *OrderBookSnapshot) DepthUSD(side OrderSide, pct float64) float64 {
	mid := ob.Mid()
	if mid <= 0 {
		return 0
	}
	var total float64
	if side == OrderSideBuy {
		floor := mid * (1 - pct)
		for _, lvl := range ob.Bids {
			if lvl.Price < floor {
				break
			}
			total += lvl.Price * lvl.Size
		}
	} else {
		ceil := mid * (1 + pct)
		for _, lvl := range ob.Asks {
			if lvl.Price > ceil {
				break
			}
			total += lvl.Price * lvl.Size
		}
	}
	return total
}

// L2Depth summarizes the book at the fixed bands the scanner filters on
type L2Depth struct {
	BidUSD03Pct float64 `json:"bid_usd_0_3pct"`
	AskUSD03Pct float64 `json:"ask_usd_0_3pct"`
	BidUSD05Pct float64 `json:"bid_usd_0_5pct"`
	AskUSD05Pct float64 `json:"ask_usd_0_5pct"`
	SpreadBps   float64 `json:"spread_bps"`
	Imbalance   float64 `json:"imbalance"` // (bids-asks)/(bids+asks) in [-1,1]
}

// Summarize derives the fixed-band L2 summary from a book snapshot
func (ob *OrderBookSnapshot) Summarize() L2Depth {
	bid3 := ob.DepthUSD(OrderSideBuy, 0.003)
	ask3 := ob.DepthUSD(OrderSideSell, 0.003)
	d := L2Depth{
		BidUSD03Pct: bid3,
		AskUSD03Pct: ask3,
		BidUSD05Pct: ob.DepthUSD(OrderSideBuy, 0.005),
		AskUSD05Pct: ob.DepthUSD(OrderSideSell, 0.005),
		SpreadBps:   ob.SpreadBps(),
	}
	if bid3+ask3 > 0 {
		d.Imbalance = (bid3 - ask3) / (bid3 + ask3)
	}
	return d
}

// MarketData is the per-symbol aggregate the scanner consumes
type MarketData struct {
	Symbol          string   `json:"symbol"`
	Price           float64  `json:"price"`
	Volume24hUSD    float64  `json:"volume_24h_usd"`
	OpenInterestUSD float64  `json:"oi_usd,omitempty"`
	OIDelta         float64  `json:"oi_delta,omitempty"`
	TradesPerMinute float64  `json:"trades_per_minute"`
	ATR5m           float64  `json:"atr_5m"`
	ATR15m          float64  `json:"atr_15m"`
	BBWidthPct      float64  `json:"bb_width_pct"`
	VolSurge1h      float64  `json:"vol_surge_1h"`
	VolSurge5m      float64  `json:"vol_surge_5m"`
	BTCCorrelation  float64  `json:"btc_correlation"`
	L2              *L2Depth `json:"l2_depth,omitempty"`
	Candles5m       []Candle `json:"-"`
	Candles15m      []Candle `json:"-"`
	Ts              int64    `json:"ts"`
}

// LevelType marks a trading level as support or resistance
type LevelType string

const (
	LevelSupport    LevelType = "support"
	LevelResistance LevelType = "resistance"
)

// TradingLevel is a detected horizontal S/R level with quality metrics
type TradingLevel struct {
	Price        float64   `json:"price"`
	Type         LevelType `json:"type"`
	TouchCount   int       `json:"touch_count"`
	Strength     float64   `json:"strength"` // [0,1]
	FirstTouchTs int64     `json:"first_touch_ts"`
	LastTouchTs  int64     `json:"last_touch_ts"`
	BaseHeight   float64   `json:"base_height,omitempty"`
}

// ScanResult is the scanner's verdict for one candidate in one cycle
type ScanResult struct {
	Symbol        string                 `json:"symbol"`
	Score         float64                `json:"score"`
	Rank          int                    `json:"rank"`
	Market        *MarketData            `json:"-"`
	FilterResults map[string]bool        `json:"filter_results"`
	FilterDetails map[string]interface{} `json:"filter_details,omitempty"`
	ScoreParts    map[string]float64     `json:"score_components"`
	Levels        []TradingLevel         `json:"levels,omitempty"`
	Ts            int64                  `json:"ts"`
}

// PassedAllFilters is true iff every recorded filter passed
func (r *ScanResult) PassedAllFilters() bool {
	if len(r.FilterResults) == 0 {
		return false
	}
	for _, ok := range r.FilterResults {
		if !ok {
			return false
		}
	}
	return true
}

// Signal is a fully rationalized entry candidate
type Signal struct {
	ID         uuid.UUID              `json:"id"`
	Symbol     string                 `json:"symbol"`
	Side       Side                   `json:"side"`
	Strategy   Strategy               `json:"strategy"`
	Entry      float64                `json:"entry"`
	Level      TradingLevel           `json:"level"`
	StopLoss   float64                `json:"stop_loss"`
	Confidence float64                `json:"confidence"` // [0,1]
	Reason     string                 `json:"reason"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
	Ts         int64                  `json:"ts"`
}

// StopDistance returns |entry - stop_loss|
func (s *Signal) StopDistance() float64 {
	d := s.Entry - s.StopLoss
	if d < 0 {
		return -d
	}
	return d
}

// Validate enforces the structural signal invariants
func (s *Signal) Validate() error {
	if s.Entry <= 0 {
		return Internalf("signal %s: entry must be positive, got %f", s.Symbol, s.Entry)
	}
	if s.Side == SideLong && s.StopLoss >= s.Entry {
		return Internalf("signal %s: long stop %f not below entry %f", s.Symbol, s.StopLoss, s.Entry)
	}
	if s.Side == SideShort && s.StopLoss <= s.Entry {
		return Internalf("signal %s: short stop %f not above entry %f", s.Symbol, s.StopLoss, s.Entry)
	}
	return nil
}

// SizedOrder is a risk-approved signal carrying the final quantity and the
// execution hints the sizer derived
type SizedOrder struct {
	Signal      *Signal `json:"signal"`
	Qty         float64 `json:"qty"`
	Price       float64 `json:"price"`     // entry rounded to price_tick
	StopLoss    float64 `json:"stop_loss"` // rounded to price_tick
	NotionalUSD float64 `json:"notional_usd"`
	RiskUSD     float64 `json:"risk_usd"` // one R at the final qty
	UseTWAP     bool    `json:"use_twap"`
	Halved      bool    `json:"halved"` // soft risk-reduction applied
	Ts          int64   `json:"ts"`
}

// Order is a venue order, possibly a composite parent aggregating child slices
type Order struct {
	ID           uuid.UUID   `json:"id"`
	ClientID     string      `json:"client_id"`
	ExchangeID   string      `json:"exchange_id,omitempty"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Qty          float64     `json:"qty"`
	Price        float64     `json:"price,omitempty"`
	StopPrice    float64     `json:"stop_price,omitempty"`
	Status       OrderStatus `json:"status"`
	FilledQty    float64     `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price,omitempty"`
	FeesUSD      float64     `json:"fees_usd"`
	SlippageBps  float64     `json:"slippage_bps,omitempty"`
	ReduceOnly   bool        `json:"reduce_only"`
	Intent       OrderIntent `json:"intent"`
	ParentID     *uuid.UUID  `json:"parent_id,omitempty"`
	Children     []uuid.UUID `json:"children,omitempty"`
	CreatedAt    time.Time   `json:"created_ts"`
	UpdatedAt    time.Time   `json:"updated_ts"`
	RejectReason string      `json:"reject_reason,omitempty"`
}

// PositionState tracks the position lifecycle
type PositionState string

const (
	PositionOpening  PositionState = "opening"
	PositionOpen     PositionState = "open"
	PositionReducing PositionState = "reducing"
	PositionClosing  PositionState = "closing"
	PositionClosed   PositionState = "closed"
)

// TPLevel is one rung of the take-profit ladder
type TPLevel struct {
	RMultiple    float64 `json:"r_multiple"`
	SizeFraction float64 `json:"size_fraction"`
	Executed     bool    `json:"executed"`
}

// TradingMode distinguishes paper from live execution
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// Position is an open or historical position with its management state
type Position struct {
	ID             uuid.UUID     `json:"id"`
	Symbol         string        `json:"symbol"`
	Side           Side          `json:"side"`
	QtyOpen        float64       `json:"qty_open"`
	InitialQty     float64       `json:"initial_qty"`
	EntryPrice     float64       `json:"entry_price"`
	StopLoss       float64       `json:"stop_loss"`
	TakeProfits    []TPLevel     `json:"take_profit_levels"`
	RealizedPnLUSD float64       `json:"realized_pnl_usd"`
	RealizedPnLR   float64       `json:"realized_pnl_r"`
	RiskUSD        float64       `json:"risk_usd"` // one R in USD at entry
	OpenedAt       time.Time     `json:"opened_ts"`
	Mode           TradingMode   `json:"mode"`
	Strategy       Strategy      `json:"strategy"`
	State          PositionState `json:"state"`
	OriginSignalID uuid.UUID     `json:"origin_signal_id"`

	// Management metadata
	TrailAnchor    float64 `json:"trail_anchor,omitempty"` // highest high (long) / lowest low (short) since entry
	BreakevenMoved bool    `json:"breakeven_moved"`
	AddsDone       int     `json:"adds_done"`
}

// UnrealizedR returns the open PnL in R units at the given price
func (p *Position) UnrealizedR(price float64) float64 {
	if p.RiskUSD <= 0 || p.QtyOpen <= 0 {
		return 0
	}
	perUnit := p.RiskUSD / p.InitialQty
	if perUnit <= 0 {
		return 0
	}
	if p.Side == SideLong {
		return (price - p.EntryPrice) / perUnit
	}
	return (p.EntryPrice - price) / perUnit
}

// Validate enforces the structural position invariants
func (p *Position) Validate() error {
	if p.QtyOpen < 0 || p.QtyOpen > p.InitialQty {
		return Internalf("position %s: qty_open %f outside [0,%f]", p.Symbol, p.QtyOpen, p.InitialQty)
	}
	if (p.State == PositionClosed) != (p.QtyOpen == 0) {
		return Internalf("position %s: state %s inconsistent with qty_open %f", p.Symbol, p.State, p.QtyOpen)
	}
	return nil
}

// RiskMetrics is the portfolio-level risk snapshot the gates evaluate against
type RiskMetrics struct {
	AccountEquity    float64 `json:"account_equity"`
	DailyPnLUSD      float64 `json:"daily_pnl_usd"`
	DailyPnLR        float64 `json:"daily_pnl_r"`
	PeakEquity       float64 `json:"peak_equity"`
	DrawdownR        float64 `json:"current_drawdown_r"`
	DrawdownPct      float64 `json:"current_drawdown_pct"`
	ConsecutiveLoss  int     `json:"consecutive_losses"`
	OpenPositions    int     `json:"open_positions"`
	DailyRiskUsedPct float64 `json:"daily_risk_used_pct"`
	KillSwitchActive bool    `json:"kill_switch_active"`
	KillSwitchReason string  `json:"reason,omitempty"`
}

// MarketSpec describes a tradable instrument's precision and limits
type MarketSpec struct {
	Symbol       string  `json:"symbol"`
	Base         string  `json:"base"`
	Quote        string  `json:"quote"`
	AmountStep   float64 `json:"amount_step"`
	PriceTick    float64 `json:"price_tick"`
	MinQty       float64 `json:"min_qty"`
	MinNotional  float64 `json:"min_notional"`
	ContractType string  `json:"contract_type"` // "linear_perpetual", "spot"
}
