package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/exchange"
	"github.com/rangebreak/rangebreak/internal/risk"
)

type stubExchange struct {
	mu       sync.Mutex
	specs    map[string]domain.MarketSpec
	tickers  map[string]exchange.TickerStats
	equity   float64
	balances int
}

func (s *stubExchange) LoadMarkets(ctx context.Context) (map[string]domain.MarketSpec, error) {
	return s.specs, nil
}

func (s *stubExchange) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	return nil, nil
}

func (s *stubExchange) FetchOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBookSnapshot, error) {
	return nil, domain.NewError(domain.KindDataStale, "no book in stub")
}

func (s *stubExchange) FetchRecentTrades(ctx context.Context, symbol string, since int64) ([]domain.Trade, error) {
	return nil, nil
}

func (s *stubExchange) FetchTickers(ctx context.Context) (map[string]exchange.TickerStats, error) {
	return s.tickers, nil
}

func (s *stubExchange) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*domain.Order, error) {
	return nil, domain.NewError(domain.KindExchangeRejected, "stub places nothing")
}

func (s *stubExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (s *stubExchange) FetchOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error) {
	return nil, domain.NewError(domain.KindInternal, "unknown order")
}

func (s *stubExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	return nil, nil
}

func (s *stubExchange) FetchBalance(ctx context.Context) (*exchange.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances++
	return &exchange.Balance{EquityUSD: s.equity, FreeUSD: s.equity}, nil
}

var _ exchange.Exchange = (*stubExchange)(nil)

type stubFeed struct {
	mu      sync.Mutex
	started bool
	tracked []string
	warmed  []string
	candles map[string][]domain.Candle
}

func (f *stubFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *stubFeed) Stop() {}

func (f *stubFeed) Track(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = symbols
	return nil
}

func (f *stubFeed) Warmup(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmed = symbols
	return nil
}

func (f *stubFeed) SetTicker(symbol string, volume24hUSD, oiUSD, oiDelta float64) {}

func (f *stubFeed) Candles(symbol, timeframe string) []domain.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candles[symbol]
}

type stubScanner struct {
	mu      sync.Mutex
	scans   int
	results []*domain.ScanResult
	errs    []error
	levels  []domain.TradingLevel
}

func (s *stubScanner) Scan(ctx context.Context, universe []string, now time.Time) ([]*domain.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.results, nil
}

func (s *stubScanner) AttachLevels(result *domain.ScanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result.Levels = s.levels
}

func (s *stubScanner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

type stubSignals struct {
	mu      sync.Mutex
	sig     *domain.Signal
	emitted int
	once    bool
}

func (s *stubSignals) Generate(scan *domain.ScanResult, now time.Time) *domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sig == nil || (s.once && s.emitted > 0) {
		return nil
	}
	s.emitted++
	return s.sig
}

type stubRisk struct {
	mu    sync.Mutex
	deny  error
	evals int
}

func (r *stubRisk) Evaluate(sig *domain.Signal, snap risk.PortfolioSnapshot, spec domain.MarketSpec, now time.Time) (*domain.SizedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evals++
	if r.deny != nil {
		return nil, r.deny
	}
	return &domain.SizedOrder{
		Signal:   sig,
		Qty:      1,
		Price:    sig.Entry,
		StopLoss: sig.StopLoss,
		RiskUSD:  sig.StopDistance(),
		Ts:       now.UnixMilli(),
	}, nil
}

func (r *stubRisk) Metrics() domain.RiskMetrics {
	return domain.RiskMetrics{AccountEquity: 10000}
}

func (r *stubRisk) SetEquity(equity float64, now time.Time) {}

func (r *stubRisk) ResetKillSwitch() {}

type stubExecOrders struct {
	mu      sync.Mutex
	execs   []*domain.SizedOrder
	cancels []string
	err     error
}

func (e *stubExecOrders) Execute(ctx context.Context, sized *domain.SizedOrder) (*domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.execs = append(e.execs, sized)
	if e.err != nil {
		return nil, e.err
	}
	return &domain.Order{
		ID:           uuid.New(),
		Symbol:       sized.Signal.Symbol,
		Qty:          sized.Qty,
		FilledQty:    sized.Qty,
		AvgFillPrice: sized.Price,
		Status:       domain.OrderStatusFilled,
		Intent:       domain.IntentEntry,
	}, nil
}

func (e *stubExecOrders) CancelOpenOrders(ctx context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels = append(e.cancels, symbol)
	return nil
}

func (e *stubExecOrders) executed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.execs)
}

type stubPositions struct {
	mu     sync.Mutex
	opened []*domain.Position
	live   []*domain.Position
	ticks  int
}

func (p *stubPositions) Open(sized *domain.SizedOrder, parent *domain.Order, now time.Time) *domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := &domain.Position{
		ID:         uuid.New(),
		Symbol:     sized.Signal.Symbol,
		Side:       sized.Signal.Side,
		QtyOpen:    parent.FilledQty,
		InitialQty: parent.FilledQty,
		EntryPrice: parent.AvgFillPrice,
		StopLoss:   sized.StopLoss,
		State:      domain.PositionOpen,
		OpenedAt:   now,
	}
	p.opened = append(p.opened, pos)
	p.live = append(p.live, pos)
	return pos
}

func (p *stubPositions) ManageTick(ctx context.Context, now time.Time) []*domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks++
	return nil
}

func (p *stubPositions) Positions() []*domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.Position(nil), p.live...)
}

func (p *stubPositions) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func (p *stubPositions) openedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opened)
}

func (p *stubPositions) tickCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

type harness struct {
	engine    *Engine
	ex        *stubExchange
	feed      *stubFeed
	scanner   *stubScanner
	signals   *stubSignals
	risk      *stubRisk
	exec      *stubExecOrders
	positions *stubPositions
	diag      *diag.Collector
}

func passingScan(symbol string) *domain.ScanResult {
	return &domain.ScanResult{
		Symbol: symbol,
		Score:  0.9,
		Rank:   1,
		Market: &domain.MarketData{
			Symbol: symbol,
			Price:  50000,
			L2: &domain.L2Depth{
				BidUSD03Pct: 300000,
				AskUSD03Pct: 300000,
				SpreadBps:   1,
				Imbalance:   0.35,
			},
		},
		FilterResults: map[string]bool{"liquidity": true, "volatility": true},
		Ts:            time.Now().UnixMilli(),
	}
}

func longSignal(symbol string) *domain.Signal {
	return &domain.Signal{
		ID:       uuid.New(),
		Symbol:   symbol,
		Side:     domain.SideLong,
		Strategy: domain.StrategyMomentum,
		Entry:    49825,
		StopLoss: 49700,
		Ts:       time.Now().UnixMilli(),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	preset := config.DefaultPreset()
	collector := diag.NewCollector(256, zerolog.Nop())

	h := &harness{
		ex: &stubExchange{
			specs: map[string]domain.MarketSpec{
				"BTCUSDT": {Symbol: "BTCUSDT", AmountStep: 0.001, PriceTick: 0.1, MinQty: 0.001},
			},
			tickers: map[string]exchange.TickerStats{
				"BTCUSDT": {Symbol: "BTCUSDT", LastPrice: 50000, Volume24hUSD: 300_000_000},
			},
			equity: 100000,
		},
		feed:      &stubFeed{candles: map[string][]domain.Candle{}},
		scanner:   &stubScanner{},
		signals:   &stubSignals{},
		risk:      &stubRisk{},
		exec:      &stubExecOrders{},
		positions: &stubPositions{},
		diag:      collector,
	}
	h.engine = New(preset, Deps{
		Exchange:  h.ex,
		Feed:      h.feed,
		Scanner:   h.scanner,
		Signals:   h.signals,
		Risk:      h.risk,
		Executor:  h.exec,
		Positions: h.positions,
		Diag:      collector,
	}, zerolog.Nop())
	h.engine.cycleEvery = 10 * time.Millisecond
	return h
}

func stopEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
}

func TestFullCycleOpensPosition(t *testing.T) {
	h := newHarness(t)
	h.scanner.results = []*domain.ScanResult{passingScan("BTCUSDT")}
	h.scanner.levels = []domain.TradingLevel{{Price: 49800, Type: domain.LevelResistance, Strength: 0.9}}
	h.signals.sig = longSignal("BTCUSDT")
	h.signals.once = true

	require.NoError(t, h.engine.Start(context.Background()))
	defer stopEngine(t, h.engine)

	require.Eventually(t, func() bool { return h.positions.openedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.exec.executed())

	pos := h.positions.Positions()[0]
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.Equal(t, domain.SideLong, pos.Side)
	assert.InDelta(t, 49825.0, pos.EntryPrice, 1e-9)

	// pipeline walked the steady loop
	states := map[State]bool{}
	for _, tr := range h.engine.History(0) {
		states[tr.To] = true
	}
	for _, want := range []State{StateScanning, StateLevelBuilding, StateSignalWait, StateSizing, StateExecution, StateManaging} {
		assert.True(t, states[want], "expected a transition into %s", want)
	}
}

func TestRiskDenialSkipsExecution(t *testing.T) {
	h := newHarness(t)
	h.scanner.results = []*domain.ScanResult{passingScan("BTCUSDT")}
	h.scanner.levels = []domain.TradingLevel{{Price: 49800, Type: domain.LevelResistance, Strength: 0.9}}
	h.signals.sig = longSignal("BTCUSDT")
	h.risk.deny = domain.NewError(domain.KindRiskDenied, "daily_risk_limit_exceeded")

	require.NoError(t, h.engine.Start(context.Background()))
	defer stopEngine(t, h.engine)

	require.Eventually(t, func() bool { return h.scanner.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.exec.executed(), "denied signals must not reach the executor")
	assert.Zero(t, h.positions.openedCount())
	assert.Greater(t, h.positions.tickCount(), 0, "cycle still reaches managing")
}

func TestZeroCandidatesCyclesNormally(t *testing.T) {
	h := newHarness(t)
	failed := passingScan("BTCUSDT")
	failed.FilterResults["liquidity"] = false
	h.scanner.results = []*domain.ScanResult{failed}

	require.NoError(t, h.engine.Start(context.Background()))
	defer stopEngine(t, h.engine)

	require.Eventually(t, func() bool { return h.scanner.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.exec.executed())
	assert.Greater(t, h.positions.tickCount(), 1)

	// scan results stay visible even when nothing passes
	scan, ts := h.engine.LastScan()
	require.Len(t, scan, 1)
	assert.False(t, ts.IsZero())
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.Start(context.Background()), "second start is a no-op")

	ctx := context.Background()
	require.NoError(t, h.engine.Stop(ctx))
	require.NoError(t, h.engine.Stop(ctx), "second stop is a no-op")
	assert.Equal(t, StateStopped, h.engine.State())
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	h.scanner.results = []*domain.ScanResult{passingScan("BTCUSDT")}

	require.NoError(t, h.engine.Start(context.Background()))
	defer stopEngine(t, h.engine)

	require.Eventually(t, func() bool { return h.scanner.count() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.engine.Pause())
	require.Eventually(t, func() bool { return h.engine.State() == StatePaused }, 2*time.Second, 5*time.Millisecond)

	frozen := h.scanner.count()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, h.scanner.count(), frozen+1, "paused engine must not keep scanning")

	require.NoError(t, h.engine.Resume())
	require.Eventually(t, func() bool { return h.scanner.count() > frozen+1 }, 2*time.Second, 5*time.Millisecond)
}

func TestScanErrorRecovers(t *testing.T) {
	h := newHarness(t)
	h.scanner.errs = []error{domain.NewError(domain.KindDataStale, "feed gap")}
	h.scanner.results = []*domain.ScanResult{passingScan("BTCUSDT")}

	require.NoError(t, h.engine.Start(context.Background()))
	defer stopEngine(t, h.engine)

	// first cycle fails, backoff is 1s, then the retry succeeds
	require.Eventually(t, func() bool { return h.scanner.count() >= 2 }, 5*time.Second, 10*time.Millisecond)

	var sawError, sawRetry bool
	for _, tr := range h.engine.History(0) {
		if tr.To == StateError {
			sawError = true
		}
		if tr.From == StateError && tr.To == StateScanning {
			sawRetry = true
		}
	}
	assert.True(t, sawError, "failed scan must enter ERROR")
	assert.True(t, sawRetry, "engine must auto-retry out of ERROR")
}

func TestEmergencyStopCancelsOpenOrders(t *testing.T) {
	h := newHarness(t)
	h.positions.live = []*domain.Position{
		{ID: uuid.New(), Symbol: "BTCUSDT", QtyOpen: 1, InitialQty: 1, State: domain.PositionOpen},
		{ID: uuid.New(), Symbol: "ETHUSDT", QtyOpen: 2, InitialQty: 2, State: domain.PositionOpen},
	}

	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.EmergencyStop(context.Background(), "operator"))

	assert.Equal(t, StateEmergency, h.engine.State())
	h.exec.mu.Lock()
	cancels := append([]string(nil), h.exec.cancels...)
	h.exec.mu.Unlock()
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, cancels)

	// emergency holds until the operator stops and resets
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateEmergency, h.engine.State())

	stopEngine(t, h.engine)
	assert.Equal(t, StateStopped, h.engine.State())
	require.NoError(t, h.engine.Reset())
	assert.Equal(t, StateIdle, h.engine.State())
}

func TestResetRefusedWhileRunning(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	defer stopEngine(t, h.engine)

	err := h.engine.Reset()
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))
}

func TestSignalQueueDropsOldest(t *testing.T) {
	collector := diag.NewCollector(16, zerolog.Nop())
	q := newSignalQueue(2, collector)

	a, b, c := longSignal("AUSDT"), longSignal("BUSDT"), longSignal("CUSDT")
	q.push(a)
	q.push(b)
	q.push(c)

	got := q.drain()
	require.Len(t, got, 2)
	assert.Equal(t, "BUSDT", got[0].Symbol)
	assert.Equal(t, "CUSDT", got[1].Symbol)
	assert.Zero(t, q.len())

	events := collector.Recent(0)
	require.NotEmpty(t, events)
	dropped := events[len(events)-1]
	assert.Equal(t, "engine", dropped.Component)
	assert.Equal(t, "signal_dropped", dropped.Stage)
	assert.Equal(t, "AUSDT", dropped.Symbol)
}

func TestBuildUniverse(t *testing.T) {
	specs := map[string]domain.MarketSpec{
		"BTCUSDT":  {Symbol: "BTCUSDT"},
		"ETHUSDT":  {Symbol: "ETHUSDT"},
		"DOGEUSDT": {Symbol: "DOGEUSDT"},
		"NOTICKER": {Symbol: "NOTICKER"},
	}
	tickers := map[string]exchange.TickerStats{
		"BTCUSDT":  {Volume24hUSD: 300_000_000},
		"ETHUSDT":  {Volume24hUSD: 150_000_000},
		"DOGEUSDT": {Volume24hUSD: 80_000_000},
	}

	sc := &config.ScannerConfig{}
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "DOGEUSDT"}, buildUniverse(specs, tickers, sc))

	sc = &config.ScannerConfig{TopNByVolume: 2}
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, buildUniverse(specs, tickers, sc))

	sc = &config.ScannerConfig{SymbolBlacklist: []string{"BTCUSDT"}}
	assert.Equal(t, []string{"ETHUSDT", "DOGEUSDT"}, buildUniverse(specs, tickers, sc))

	sc = &config.ScannerConfig{SymbolWhitelist: []string{"DOGEUSDT"}}
	assert.Equal(t, []string{"DOGEUSDT"}, buildUniverse(specs, tickers, sc))
}

func TestErrorBackoffSchedule(t *testing.T) {
	assert.Equal(t, time.Second, errorBackoff(0))
	assert.Equal(t, 2*time.Second, errorBackoff(1))
	assert.Equal(t, 4*time.Second, errorBackoff(2))
	assert.Equal(t, 16*time.Second, errorBackoff(4))
	assert.Equal(t, 30*time.Second, errorBackoff(5))
	assert.Equal(t, 30*time.Second, errorBackoff(20))
}
