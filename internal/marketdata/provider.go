// Package marketdata maintains the live view of the market: the public
// WebSocket stream, per-symbol L2 books with sequence-checked deltas, sliding
// trade windows, and a closed-candle cache backfilled over REST.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/indicators"
	"github.com/rangebreak/rangebreak/internal/metrics"
)

// CandleFetcher backfills closed candles over REST. Satisfied by the
// exchange client.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error)
}

const (
	// data older than this is considered stale and blocks signal entry
	staleAfter = 30 * time.Second

	bookDepth       = 50
	atrPeriod       = 14
	bbPeriod        = 20
	corrBars        = 48 // 4h of 5m returns against BTC
	volSurgeWindow  = 20
	candleBackfill  = 200
	correlationBase = "BTCUSDT"
)

// Provider is the market data facade. It owns the stream, applies book
// updates, forces a resync when an update sequence breaks, and assembles
// indicator-enriched snapshots for the scanner and signal layers.
type Provider struct {
	stream  *Stream
	fetcher CandleFetcher
	diag    *diag.Collector
	metrics *metrics.Engine
	log     zerolog.Logger

	mu      sync.RWMutex
	books   map[string]*Book
	windows map[string]*TradeWindow
	tickers map[string]tickerStats

	candles *CandleCache

	resyncing sync.Map // symbol -> struct{}, collapses concurrent resyncs
}

// tickerStats carries REST-sourced 24h figures merged into snapshots
type tickerStats struct {
	volume24hUSD    float64
	openInterestUSD float64
	oiDelta         float64
	ts              time.Time
}

// NewProvider wires the facade; call Start to open the stream
func NewProvider(wsURL string, fetcher CandleFetcher, collector *diag.Collector, logger zerolog.Logger) *Provider {
	p := &Provider{
		fetcher: fetcher,
		diag:    collector,
		metrics: metrics.ForEngine(),
		log:     logger.With().Str("component", "marketdata").Logger(),
		books:   make(map[string]*Book),
		windows: make(map[string]*TradeWindow),
		tickers: make(map[string]tickerStats),
		candles: NewCandleCache(candleBackfill),
	}
	p.stream = NewStream(wsURL, p, logger)
	p.stream.SetReconnectHook(func() { p.metrics.WSReconnects.Inc() })
	return p
}

// Start opens the WebSocket connection
func (p *Provider) Start(ctx context.Context) error {
	return p.stream.Start(ctx)
}

// Stop closes the stream
func (p *Provider) Stop() {
	p.stream.Stop()
}

// Track subscribes trade and orderbook streams for symbols and allocates
// their books and windows. Idempotent per symbol.
func (p *Provider) Track(symbols []string) error {
	p.mu.Lock()
	fresh := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := p.books[sym]; ok {
			continue
		}
		p.books[sym] = NewBook(sym)
		p.windows[sym] = NewTradeWindow()
		fresh = append(fresh, sym)
	}
	p.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if err := p.stream.SubscribeTrades(fresh); err != nil {
		return err
	}
	return p.stream.SubscribeOrderbook(fresh, bookDepth)
}

// Warmup backfills 5m and 15m candle history for symbols over REST
func (p *Provider) Warmup(ctx context.Context, symbols []string) error {
	for _, sym := range symbols {
		for _, tf := range []string{"5m", "15m"} {
			candles, err := p.fetcher.FetchCandles(ctx, sym, tf, candleBackfill)
			if err != nil {
				return fmt.Errorf("warmup %s %s: %w", sym, tf, err)
			}
			p.candles.Put(sym, tf, candles)
		}
	}
	return nil
}

// AppendCandle stores one closed bar, replacing a bar with the same open time
func (p *Provider) AppendCandle(symbol, timeframe string, bar domain.Candle) {
	p.candles.Append(symbol, timeframe, bar)
}

// Candles returns a copy of the cached series for a symbol and timeframe
func (p *Provider) Candles(symbol, timeframe string) []domain.Candle {
	return p.candles.Get(symbol, timeframe)
}

// SetTicker merges REST-sourced 24h volume and open interest figures
func (p *Provider) SetTicker(symbol string, volume24hUSD, oiUSD, oiDelta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickers[symbol] = tickerStats{
		volume24hUSD:    volume24hUSD,
		openInterestUSD: oiUSD,
		oiDelta:         oiDelta,
		ts:              time.Now(),
	}
}

// OrderBook returns a cloned depth-limited book snapshot, or an error when
// the book is not synced
func (p *Provider) OrderBook(symbol string, depth int) (*domain.OrderBookSnapshot, error) {
	p.mu.RLock()
	book := p.books[symbol]
	p.mu.RUnlock()

	if book == nil || !book.Synced() {
		return nil, domain.NewError(domain.KindDataStale, "no synced book for %s", symbol)
	}
	return book.Snapshot(depth), nil
}

// VolumeDelta returns signed taker volume in USD over the last 10 seconds
func (p *Provider) VolumeDelta(symbol string) float64 {
	p.mu.RLock()
	w := p.windows[symbol]
	p.mu.RUnlock()
	if w == nil {
		return 0
	}
	return w.VolumeDelta(time.Now())
}

// Fresh reports whether the symbol's book has ticked within the staleness
// threshold
func (p *Provider) Fresh(symbol string, now time.Time) bool {
	p.mu.RLock()
	book := p.books[symbol]
	p.mu.RUnlock()
	if book == nil || !book.Synced() {
		return false
	}
	snap := book.Snapshot(1)
	return now.Sub(time.UnixMilli(snap.Ts)) <= staleAfter
}

// Snapshot assembles the full indicator-enriched view for one symbol.
// Returns DataStale when the book is unsynced or too old.
func (p *Provider) Snapshot(symbol string, now time.Time) (*domain.MarketData, error) {
	p.mu.RLock()
	book := p.books[symbol]
	window := p.windows[symbol]
	ticker := p.tickers[symbol]
	p.mu.RUnlock()

	if book == nil || !book.Synced() {
		p.metrics.DataStaleEvents.Inc()
		return nil, domain.NewError(domain.KindDataStale, "no synced book for %s", symbol)
	}

	obSnap := book.Snapshot(bookDepth)
	if now.Sub(time.UnixMilli(obSnap.Ts)) > staleAfter {
		p.metrics.DataStaleEvents.Inc()
		return nil, domain.NewError(domain.KindDataStale, "book for %s is %s old", symbol, now.Sub(time.UnixMilli(obSnap.Ts)))
	}

	c5 := p.candles.Get(symbol, "5m")
	c15 := p.candles.Get(symbol, "15m")

	md := &domain.MarketData{
		Symbol:          symbol,
		Price:           obSnap.Mid(),
		Volume24hUSD:    ticker.volume24hUSD,
		OpenInterestUSD: ticker.openInterestUSD,
		OIDelta:         ticker.oiDelta,
		ATR5m:           indicators.ATR(c5, atrPeriod),
		ATR15m:          indicators.ATR(c15, atrPeriod),
		Candles5m:       c5,
		Candles15m:      c15,
		Ts:              now.UnixMilli(),
	}
	if window != nil {
		md.TradesPerMinute = window.TradesPerMinute(now)
	}
	l2 := obSnap.Summarize()
	md.L2 = &l2

	if closes := closesOf(c5); len(closes) >= bbPeriod {
		md.BBWidthPct = indicators.BollingerWidthPct(closes, bbPeriod)
	}
	md.VolSurge5m = volSurge(c5, volSurgeWindow)
	md.VolSurge1h = volSurge(aggregateHourly(c5), volSurgeWindow/4)
	md.BTCCorrelation = p.btcCorrelation(symbol, c5)

	return md, nil
}

// btcCorrelation is the Pearson correlation of 5m returns against the base
// symbol over the correlation window. The base correlates 1.0 with itself.
func (p *Provider) btcCorrelation(symbol string, c5 []domain.Candle) float64 {
	if symbol == correlationBase {
		return 1.0
	}
	base := p.candles.Get(correlationBase, "5m")
	n := corrBars + 1
	if len(base) < n || len(c5) < n {
		return 0
	}
	a := indicators.Returns(closesOf(c5[len(c5)-n:]))
	b := indicators.Returns(closesOf(base[len(base)-n:]))
	return indicators.Correlation(a, b)
}

// Shrink halves the candle cache under memory pressure
func (p *Provider) Shrink() {
	p.candles.Shrink()
	p.metrics.CacheShrinks.Inc()
}

// StreamHandler implementation. These run on the stream reader goroutine.

// OnTrade feeds the symbol's sliding window
func (p *Provider) OnTrade(symbol string, trade domain.Trade) {
	p.mu.RLock()
	w := p.windows[symbol]
	p.mu.RUnlock()
	if w != nil {
		w.Add(trade)
	}
}

// OnOrderbook applies a snapshot or delta; a broken delta sequence triggers
// an async resubscribe so the venue sends a fresh snapshot
func (p *Provider) OnOrderbook(symbol string, update BookUpdate) {
	p.mu.RLock()
	book := p.books[symbol]
	p.mu.RUnlock()
	if book == nil {
		return
	}

	if update.Snapshot {
		book.ApplySnapshot(update.Bids, update.Asks, update.UpdateID, update.Ts)
		return
	}
	if err := book.ApplyDelta(update.Bids, update.Asks, update.UpdateID, update.Ts); err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("Orderbook sequence broken, resyncing")
		go p.resync(symbol)
	}
}

// OnDisconnect invalidates every book; deltas after reconnect must wait for
// fresh snapshots
func (p *Provider) OnDisconnect(err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, book := range p.books {
		book.Invalidate()
	}
}

// resync forces a fresh orderbook snapshot by unsubscribing and
// resubscribing the symbol's book topic
func (p *Provider) resync(symbol string) {
	if _, loaded := p.resyncing.LoadOrStore(symbol, struct{}{}); loaded {
		return
	}
	defer p.resyncing.Delete(symbol)

	p.metrics.OrderbookResyncs.Inc()
	if p.diag != nil {
		p.diag.Record("market_data", "orderbook_resync", symbol, "sequence gap", nil)
	}

	topic := fmt.Sprintf("orderbook.%d.%s", bookDepth, symbol)
	if err := p.stream.Unsubscribe([]string{topic}); err != nil {
		p.log.Error().Err(err).Str("symbol", symbol).Msg("Resync unsubscribe failed")
		return
	}
	if err := p.stream.Resubscribe([]string{topic}); err != nil {
		p.log.Error().Err(err).Str("symbol", symbol).Msg("Resync resubscribe failed")
	}
}

// helpers

func closesOf(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// volSurge is the last bar's volume relative to the rolling median of the
// preceding n bars; 1.0 when history is insufficient
func volSurge(candles []domain.Candle, n int) float64 {
	if len(candles) < n+1 {
		return 1.0
	}
	median := indicators.RollingMedianVolume(candles[:len(candles)-1], n)
	if median <= 0 {
		return 1.0
	}
	return candles[len(candles)-1].Volume / median
}

// aggregateHourly folds 5m bars into 1h bars, newest last, dropping a
// trailing partial hour
func aggregateHourly(c5 []domain.Candle) []domain.Candle {
	const perHour = 12
	full := len(c5) / perHour
	if full == 0 {
		return nil
	}
	c5 = c5[len(c5)-full*perHour:]

	out := make([]domain.Candle, 0, full)
	for i := 0; i < full; i++ {
		chunk := c5[i*perHour : (i+1)*perHour]
		bar := domain.Candle{
			Ts:    chunk[0].Ts,
			Open:  chunk[0].Open,
			High:  chunk[0].High,
			Low:   chunk[0].Low,
			Close: chunk[len(chunk)-1].Close,
		}
		for _, c := range chunk {
			if c.High > bar.High {
				bar.High = c.High
			}
			if c.Low < bar.Low {
				bar.Low = c.Low
			}
			bar.Volume += c.Volume
		}
		out = append(out, bar)
	}
	return out
}
