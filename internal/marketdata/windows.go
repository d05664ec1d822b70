package marketdata

import (
	"sync"
	"time"

	"github.com/rangebreak/rangebreak/internal/domain"
)

// TradeWindow derives trades-per-minute and signed volume delta from the
// public trade stream. One stream goroutine writes; readers see a consistent
// view under a short lock.
type TradeWindow struct {
	mu     sync.Mutex
	trades []windowTrade

	tpmWindow   time.Duration
	deltaWindow time.Duration
}

type windowTrade struct {
	ts     time.Time
	volume float64 // signed: buys positive, sells negative
}

// NewTradeWindow creates a window with the standard 60s/10s horizons
func NewTradeWindow() *TradeWindow {
	return &TradeWindow{
		tpmWindow:   60 * time.Second,
		deltaWindow: 10 * time.Second,
	}
}

// Add records a trade print
func (w *TradeWindow) Add(t domain.Trade) {
	vol := t.Price * t.Amount
	if t.Side == domain.OrderSideSell {
		vol = -vol
	}
	now := time.UnixMilli(t.Ts)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.trades = append(w.trades, windowTrade{ts: now, volume: vol})
	w.prune(now)
}

// prune drops entries older than the widest window. Caller holds the lock.
func (w *TradeWindow) prune(now time.Time) {
	cutoff := now.Add(-w.tpmWindow)
	idx := 0
	for idx < len(w.trades) && w.trades[idx].ts.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.trades = append(w.trades[:0], w.trades[idx:]...)
	}
}

// TradesPerMinute returns the trade count over the last 60 seconds
func (w *TradeWindow) TradesPerMinute(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	cutoff := now.Add(-w.tpmWindow)
	count := 0
	for _, t := range w.trades {
		if !t.ts.Before(cutoff) {
			count++
		}
	}
	return float64(count)
}

// VolumeDelta returns buy volume minus sell volume in USD over the last 10 seconds
func (w *TradeWindow) VolumeDelta(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	cutoff := now.Add(-w.deltaWindow)
	var delta float64
	for _, t := range w.trades {
		if !t.ts.Before(cutoff) {
			delta += t.volume
		}
	}
	return delta
}

// CandleCache keeps the last N closed bars per (symbol, timeframe).
// Writes are serialized per key by the owning provider; reads copy.
type CandleCache struct {
	mu       sync.RWMutex
	bars     map[candleKey][]domain.Candle
	capacity int
}

type candleKey struct {
	symbol    string
	timeframe string
}

// NewCandleCache creates a cache holding capacity bars per key (min 200)
func NewCandleCache(capacity int) *CandleCache {
	if capacity < 200 {
		capacity = 200
	}
	return &CandleCache{
		bars:     make(map[candleKey][]domain.Candle),
		capacity: capacity,
	}
}

// Put replaces the stored series for a key, trimming to capacity
func (c *CandleCache) Put(symbol, timeframe string, candles []domain.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := candleKey{symbol, timeframe}
	if len(candles) > c.capacity {
		candles = candles[len(candles)-c.capacity:]
	}
	stored := make([]domain.Candle, len(candles))
	copy(stored, candles)
	c.bars[key] = stored
}

// Append adds one closed bar, dropping the oldest at capacity. A bar with
// the same timestamp as the last stored bar replaces it.
func (c *CandleCache) Append(symbol, timeframe string, bar domain.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := candleKey{symbol, timeframe}
	series := c.bars[key]
	if n := len(series); n > 0 && series[n-1].Ts == bar.Ts {
		series[n-1] = bar
		return
	}
	series = append(series, bar)
	if len(series) > c.capacity {
		series = series[1:]
	}
	c.bars[key] = series
}

// Get returns a copy of the stored series, newest last
func (c *CandleCache) Get(symbol, timeframe string) []domain.Candle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	series := c.bars[candleKey{symbol, timeframe}]
	if len(series) == 0 {
		return nil
	}
	out := make([]domain.Candle, len(series))
	copy(out, series)
	return out
}

// Shrink halves the per-key capacity (floor 200) and trims stored series.
// Invoked by the resource governor under memory pressure.
func (c *CandleCache) Shrink() {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCap := c.capacity / 2
	if newCap < 200 {
		newCap = 200
	}
	c.capacity = newCap
	for key, series := range c.bars {
		if len(series) > newCap {
			c.bars[key] = series[len(series)-newCap:]
		}
	}
}
