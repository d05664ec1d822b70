package executor

import (
	"context"
	"fmt"
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
)

type fillMode int

const (
	fillNone fillMode = iota
	fillFull
	fillPartial
)

// stubExchange scripts fill behavior per test
type stubExchange struct {
	mu        sync.Mutex
	mode      fillMode
	fillPrice float64 // 0 uses the request price
	partial   float64 // filled qty in partial mode
	feePer    float64

	placed    []exchange.PlaceOrderRequest
	orders    map[string]*domain.Order
	cancelled []string
	open      []domain.Order
	seq       int
}

func newStubExchange(mode fillMode) *stubExchange {
	return &stubExchange{mode: mode, orders: make(map[string]*domain.Order), feePer: 0.5}
}

func (s *stubExchange) PlaceOrder(_ context.Context, req exchange.PlaceOrderRequest) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.placed = append(s.placed, req)
	price := s.fillPrice
	if price == 0 {
		price = req.Price
	}
	o := &domain.Order{
		ID:         uuid.New(),
		ClientID:   req.ClientOrderID,
		ExchangeID: fmt.Sprintf("stub-%d", s.seq),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        req.Qty,
		Price:      req.Price,
		Status:     domain.OrderStatusOpen,
		Intent:     req.Intent,
	}
	switch s.mode {
	case fillFull:
		o.Status = domain.OrderStatusFilled
		o.FilledQty = req.Qty
		o.AvgFillPrice = price
		o.FeesUSD = s.feePer
	case fillPartial:
		o.Status = domain.OrderStatusPartiallyFilled
		o.FilledQty = s.partial
		o.AvgFillPrice = price
		o.FeesUSD = s.feePer
	}
	s.orders[o.ExchangeID] = o
	return o, nil
}

func (s *stubExchange) CancelOrder(_ context.Context, _, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, orderID)
	if o, ok := s.orders[orderID]; ok {
		o.Status = domain.OrderStatusCancelled
	}
	return nil
}

func (s *stubExchange) FetchOrder(_ context.Context, _, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := *s.orders[orderID]
	return &o, nil
}

func (s *stubExchange) FetchOpenOrders(_ context.Context, _ string) ([]domain.Order, error) {
	return s.open, nil
}

func (s *stubExchange) LoadMarkets(context.Context) (map[string]domain.MarketSpec, error) {
	return nil, nil
}
func (s *stubExchange) FetchCandles(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, nil
}
func (s *stubExchange) FetchOrderBook(context.Context, string, int) (*domain.OrderBookSnapshot, error) {
	return nil, nil
}
func (s *stubExchange) FetchRecentTrades(context.Context, string, int64) ([]domain.Trade, error) {
	return nil, nil
}
func (s *stubExchange) FetchTickers(context.Context) (map[string]exchange.TickerStats, error) {
	return nil, nil
}
func (s *stubExchange) FetchBalance(context.Context) (*exchange.Balance, error) { return nil, nil }

var _ exchange.Exchange = (*stubExchange)(nil)

// stubBooks serves a scripted sequence of books; the last one repeats
type stubBooks struct {
	mu    sync.Mutex
	books []*domain.OrderBookSnapshot
}

func (b *stubBooks) OrderBook(string, int) (*domain.OrderBookSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	book := b.books[0]
	if len(b.books) > 1 {
		b.books = b.books[1:]
	}
	return book, nil
}

func makeBook(bid, ask, size float64) *domain.OrderBookSnapshot {
	return &domain.OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []domain.PriceLevel{{Price: bid, Size: size}},
		Asks:   []domain.PriceLevel{{Price: ask, Size: size}},
		Ts:     time.Now().UnixMilli(),
	}
}

func limitSized(qty float64) *domain.SizedOrder {
	return &domain.SizedOrder{
		Signal: &domain.Signal{
			ID:       uuid.New(),
			Symbol:   "BTCUSDT",
			Side:     domain.SideLong,
			Strategy: domain.StrategyRetest,
			Entry:    100,
			StopLoss: 96,
			Meta: map[string]interface{}{
				"order_type":  string(domain.OrderTypeLimit),
				"limit_price": 100.0,
			},
		},
		Qty:         qty,
		Price:       100,
		StopLoss:    96,
		NotionalUSD: qty * 100,
		RiskUSD:     qty * 4,
	}
}

func testPreset() *config.TradingPreset {
	p := config.DefaultPreset()
	p.ExecutionConfig.DeadmanTimeoutMs = 100
	p.ExecutionConfig.TWAPIntervalSeconds = 0.001
	return p
}

func newTestExecutor(t *testing.T, ex exchange.Exchange, books BookSource, preset *config.TradingPreset) (*Executor, *diag.Collector) {
	t.Helper()
	collector := diag.NewCollector(128, zerolog.Nop())
	specs := map[string]domain.MarketSpec{
		"BTCUSDT": {Symbol: "BTCUSDT", AmountStep: 0.001, PriceTick: 0.01, MinQty: 0.001},
	}
	e := New(ex, books, preset, specs, collector, zerolog.Nop())
	e.pollEvery = 5 * time.Millisecond
	return e, collector
}

func TestExecuteSingleLimitFill(t *testing.T) {
	ex := newStubExchange(fillFull)
	ex.fillPrice = 100.05
	books := &stubBooks{books: []*domain.OrderBookSnapshot{makeBook(99.95, 100.05, 1000)}}
	e, _ := newTestExecutor(t, ex, books, testPreset())

	parent, err := e.Execute(context.Background(), limitSized(10))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusFilled, parent.Status)
	assert.InDelta(t, 10.0, parent.FilledQty, 1e-9)
	assert.InDelta(t, 100.05, parent.AvgFillPrice, 1e-9)
	// paid 5 bps over the sized limit reference
	assert.InDelta(t, 5.0, parent.SlippageBps, 1e-6)
	assert.InDelta(t, 0.5, parent.FeesUSD, 1e-9)
	assert.Len(t, parent.Children, 1)

	require.Len(t, ex.placed, 1)
	assert.Equal(t, domain.OrderTypeLimit, ex.placed[0].Type)
	assert.Equal(t, domain.OrderSideBuy, ex.placed[0].Side)
}

func TestExecuteStopLimitShape(t *testing.T) {
	ex := newStubExchange(fillFull)
	books := &stubBooks{books: []*domain.OrderBookSnapshot{makeBook(99.95, 100.05, 1000)}}
	e, _ := newTestExecutor(t, ex, books, testPreset())

	sized := limitSized(10)
	sized.Signal.Strategy = domain.StrategyMomentum
	sized.Signal.Meta = map[string]interface{}{
		"order_type":    string(domain.OrderTypeStopLimit),
		"trigger_price": 110.055,
		"limit_price":   110.11,
	}

	_, err := e.Execute(context.Background(), sized)
	require.NoError(t, err)

	require.Len(t, ex.placed, 1)
	req := ex.placed[0]
	assert.Equal(t, domain.OrderTypeStopLimit, req.Type)
	assert.InDelta(t, 110.055, req.TriggerPrice, 1e-9)
	assert.InDelta(t, 110.11, req.Price, 1e-9)
}

func TestTWAPSplitsAcrossSlices(t *testing.T) {
	ex := newStubExchange(fillFull)
	ex.fillPrice = 100.05
	books := &stubBooks{books: []*domain.OrderBookSnapshot{makeBook(99.95, 100.05, 100)}}
	e, _ := newTestExecutor(t, ex, books, testPreset())

	// depth ~100 units, 10% fraction gives ~10 per slice; 30 wants 3 slices
	sized := limitSized(30)
	sized.UseTWAP = true

	parent, err := e.Execute(context.Background(), sized)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusFilled, parent.Status)
	assert.Len(t, ex.placed, 3)
	var total float64
	for _, req := range ex.placed {
		assert.Equal(t, domain.OrderTypeLimit, req.Type)
		total += req.Qty
	}
	assert.InDelta(t, 30.0, total, 1e-9)
	assert.InDelta(t, 30.0, parent.FilledQty, 1e-9)
}

func TestSpreadWideningAbandonsRemainingSlices(t *testing.T) {
	ex := newStubExchange(fillFull)
	ex.fillPrice = 100.05
	narrow := makeBook(99.95, 100.05, 100) // 10 bps
	wide := makeBook(99.80, 100.20, 100)   // 40 bps, past the +8 bps budget
	books := &stubBooks{books: []*domain.OrderBookSnapshot{narrow, wide}}
	e, collector := newTestExecutor(t, ex, books, testPreset())

	sized := limitSized(30)
	sized.UseTWAP = true

	parent, err := e.Execute(context.Background(), sized)
	require.NoError(t, err)

	assert.Len(t, ex.placed, 1)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, parent.Status)
	assert.InDelta(t, 10.0, parent.FilledQty, 1e-6)

	found := false
	for _, ev := range collector.Recent(0) {
		if ev.Component == "executor" && ev.Stage == "spread_widened" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDeadmanCancelsStalledOrder(t *testing.T) {
	ex := newStubExchange(fillNone)
	books := &stubBooks{books: []*domain.OrderBookSnapshot{makeBook(99.95, 100.05, 1000)}}
	preset := testPreset()
	preset.ExecutionConfig.DeadmanTimeoutMs = 30
	e, collector := newTestExecutor(t, ex, books, preset)

	parent, err := e.Execute(context.Background(), limitSized(10))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindExecutionTimeout))
	assert.Equal(t, domain.OrderStatusCancelled, parent.Status)
	assert.NotEmpty(t, ex.cancelled)

	found := false
	for _, ev := range collector.Recent(0) {
		if ev.Stage == "deadman" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPartialFillCancelledAfterDeadman(t *testing.T) {
	ex := newStubExchange(fillPartial)
	ex.partial = 4
	ex.fillPrice = 100.05
	books := &stubBooks{books: []*domain.OrderBookSnapshot{makeBook(99.95, 100.05, 1000)}}
	preset := testPreset()
	preset.ExecutionConfig.DeadmanTimeoutMs = 30
	e, _ := newTestExecutor(t, ex, books, preset)

	parent, err := e.Execute(context.Background(), limitSized(10))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindExecutionTimeout))

	// the partial fill survives on the cancelled parent
	assert.Equal(t, domain.OrderStatusCancelled, parent.Status)
	assert.InDelta(t, 4.0, parent.FilledQty, 1e-9)
	assert.InDelta(t, 100.05, parent.AvgFillPrice, 1e-9)
}

func TestIcebergSplitsLargeNotional(t *testing.T) {
	ex := newStubExchange(fillFull)
	ex.fillPrice = 100.05
	books := &stubBooks{books: []*domain.OrderBookSnapshot{makeBook(99.95, 100.05, 10_000)}}
	preset := testPreset()
	preset.ExecutionConfig.EnableTWAP = false
	preset.ExecutionConfig.EnableIceberg = true
	preset.ExecutionConfig.IcebergMinNotional = 1000
	e, _ := newTestExecutor(t, ex, books, preset)

	parent, err := e.Execute(context.Background(), limitSized(30))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusFilled, parent.Status)
	assert.Len(t, ex.placed, 5) // 20% display fraction
}

func TestClosePositionUrgentUsesMarket(t *testing.T) {
	ex := newStubExchange(fillFull)
	ex.fillPrice = 99.9
	books := &stubBooks{books: []*domain.OrderBookSnapshot{makeBook(99.95, 100.05, 1000)}}
	e, _ := newTestExecutor(t, ex, books, testPreset())

	pos := &domain.Position{
		ID: uuid.New(), Symbol: "BTCUSDT", Side: domain.SideLong,
		QtyOpen: 5, InitialQty: 5, EntryPrice: 100, StopLoss: 98,
		State: domain.PositionOpen,
	}
	order, err := e.ClosePosition(context.Background(), pos, 5, true, domain.IntentExit)
	require.NoError(t, err)

	require.Len(t, ex.placed, 1)
	req := ex.placed[0]
	assert.Equal(t, domain.OrderTypeMarket, req.Type)
	assert.Equal(t, domain.OrderSideSell, req.Side)
	assert.True(t, req.ReduceOnly)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
}

func TestCancelOpenOrders(t *testing.T) {
	ex := newStubExchange(fillNone)
	ex.open = []domain.Order{
		{Symbol: "BTCUSDT", ExchangeID: "a"},
		{Symbol: "BTCUSDT", ExchangeID: "b"},
	}
	books := &stubBooks{books: []*domain.OrderBookSnapshot{makeBook(99.95, 100.05, 1000)}}
	e, _ := newTestExecutor(t, ex, books, testPreset())

	require.NoError(t, e.CancelOpenOrders(context.Background(), "BTCUSDT"))
	assert.Equal(t, []string{"a", "b"}, ex.cancelled)
}
