package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rangebreak/rangebreak/internal/domain"
)

// PaperConfig tunes the paper fill model
type PaperConfig struct {
	StartingBalance float64 `mapstructure:"starting_balance" json:"starting_balance"`
	SlippageBps     float64 `mapstructure:"slippage_bps" json:"slippage_bps"`     // base slippage a
	ImpactCoeff     float64 `mapstructure:"impact_coeff" json:"impact_coeff"`     // b in a + b*(notional/depth)
	MakerFeeBps     float64 `mapstructure:"maker_fee_bps" json:"maker_fee_bps"`
	TakerFeeBps     float64 `mapstructure:"taker_fee_bps" json:"taker_fee_bps"`
	LatencyMs       int     `mapstructure:"latency_ms" json:"latency_ms"`
}

// DefaultPaperConfig returns Bybit-like paper trading parameters
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		StartingBalance: 10_000,
		SlippageBps:     1.0,
		ImpactCoeff:     5.0,
		MakerFeeBps:     2.0,
		TakerFeeBps:     5.5,
		LatencyMs:       50,
	}
}

// PaperExchange simulates the venue for paper trading. Market data calls
// delegate to an optional live public-data source; order flow is simulated
// locally with spread crossing, size-dependent slippage and bps fees.
// Orders and positions obey the same invariants as live.
type PaperExchange struct {
	cfg  PaperConfig
	data Exchange // public data delegate, may be nil
	log  zerolog.Logger

	mu       sync.RWMutex
	specs    map[string]domain.MarketSpec
	books    map[string]*domain.OrderBookSnapshot
	prices   map[string]float64
	orders   map[string]*domain.Order // by exchange id
	byClient map[string]*domain.Order
	fills    map[string][]Fill
	balance  float64
	feesPaid float64
}

// NewPaperExchange creates a simulator. dataSource supplies real market
// data when set; nil keeps everything local (tests).
func NewPaperExchange(cfg PaperConfig, dataSource Exchange, logger zerolog.Logger) *PaperExchange {
	log := logger.With().Str("component", "paper_exchange").Logger()
	log.Info().
		Float64("starting_balance", cfg.StartingBalance).
		Float64("taker_fee_bps", cfg.TakerFeeBps).
		Float64("slippage_bps", cfg.SlippageBps).
		Msg("Paper exchange initialized")

	return &PaperExchange{
		cfg:      cfg,
		data:     dataSource,
		log:      log,
		specs:    make(map[string]domain.MarketSpec),
		books:    make(map[string]*domain.OrderBookSnapshot),
		prices:   make(map[string]float64),
		orders:   make(map[string]*domain.Order),
		byClient: make(map[string]*domain.Order),
		fills:    make(map[string][]Fill),
		balance:  cfg.StartingBalance,
	}
}

// SetMarketSpecs seeds instrument specs for validation
func (p *PaperExchange) SetMarketSpecs(specs map[string]domain.MarketSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sym, spec := range specs {
		p.specs[sym] = spec
	}
}

// SetMarketState feeds the simulator the current book for a symbol. Resting
// limit orders are checked for crossing against the new top of book.
func (p *PaperExchange) SetMarketState(symbol string, book *domain.OrderBookSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.books[symbol] = book
	if mid := book.Mid(); mid > 0 {
		p.prices[symbol] = mid
	}
	p.matchRestingOrders(symbol)
}

// SetMarketPrice sets a flat mid price with a synthetic 1-tick book
func (p *PaperExchange) SetMarketPrice(symbol string, price float64) {
	tick := price * 0.0001
	if spec, ok := p.readSpec(symbol); ok && spec.PriceTick > 0 {
		tick = spec.PriceTick
	}
	p.SetMarketState(symbol, &domain.OrderBookSnapshot{
		Symbol: symbol,
		Bids:   []domain.PriceLevel{{Price: price - tick/2, Size: 1e6 / price}},
		Asks:   []domain.PriceLevel{{Price: price + tick/2, Size: 1e6 / price}},
		Ts:     time.Now().UnixMilli(),
	})
}

func (p *PaperExchange) readSpec(symbol string) (domain.MarketSpec, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	spec, ok := p.specs[symbol]
	return spec, ok
}

// LoadMarkets delegates to the data source or returns the seeded specs
func (p *PaperExchange) LoadMarkets(ctx context.Context) (map[string]domain.MarketSpec, error) {
	if p.data != nil {
		specs, err := p.data.LoadMarkets(ctx)
		if err == nil {
			p.SetMarketSpecs(specs)
		}
		return specs, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]domain.MarketSpec, len(p.specs))
	for k, v := range p.specs {
		out[k] = v
	}
	return out, nil
}

// FetchCandles delegates to the live public data source
func (p *PaperExchange) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	if p.data != nil {
		return p.data.FetchCandles(ctx, symbol, timeframe, limit)
	}
	return nil, domain.NewError(domain.KindDataStale, "paper exchange has no data source for candles")
}

// FetchOrderBook returns the simulated book
func (p *PaperExchange) FetchOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBookSnapshot, error) {
	p.mu.RLock()
	book := p.books[symbol]
	p.mu.RUnlock()
	if book != nil {
		return book, nil
	}
	if p.data != nil {
		return p.data.FetchOrderBook(ctx, symbol, depth)
	}
	return nil, domain.NewError(domain.KindDataStale, "no market state for %s", symbol)
}

// FetchRecentTrades delegates to the live public data source
func (p *PaperExchange) FetchRecentTrades(ctx context.Context, symbol string, since int64) ([]domain.Trade, error) {
	if p.data != nil {
		return p.data.FetchRecentTrades(ctx, symbol, since)
	}
	return nil, nil
}

// FetchTickers delegates to the live public data source
func (p *PaperExchange) FetchTickers(ctx context.Context) (map[string]TickerStats, error) {
	if p.data != nil {
		return p.data.FetchTickers(ctx)
	}
	return map[string]TickerStats{}, nil
}

// PlaceOrder simulates order acceptance and fills. Market orders fill
// immediately against the stored book; marketable limit orders fill as
// taker; other limit orders rest until the book crosses them.
func (p *PaperExchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientOrderID != "" {
		if existing, ok := p.byClient[req.ClientOrderID]; ok {
			return cloneOrder(existing), nil
		}
	}
	if err := p.validate(req); err != nil {
		return nil, err
	}

	now := time.Now()
	order := &domain.Order{
		ID:         uuid.New(),
		ClientID:   req.ClientOrderID,
		ExchangeID: uuid.New().String(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        req.Qty,
		Price:      req.Price,
		StopPrice:  req.TriggerPrice,
		Status:     domain.OrderStatusOpen,
		ReduceOnly: req.ReduceOnly,
		Intent:     req.Intent,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p.orders[order.ExchangeID] = order
	if req.ClientOrderID != "" {
		p.byClient[req.ClientOrderID] = order
	}

	book := p.books[req.Symbol]
	switch {
	case req.Type == domain.OrderTypeMarket:
		p.fillAgainstBook(order, book, true)
	case req.Type == domain.OrderTypeLimit && marketable(order, book):
		p.fillAt(order, req.Price, true)
	default:
		// rests until SetMarketState crosses it
	}

	p.log.Info().
		Str("order_id", order.ExchangeID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("type", string(order.Type)).
		Float64("qty", order.Qty).
		Str("status", string(order.Status)).
		Msg("Paper order placed")

	return cloneOrder(order), nil
}

// CancelOrder cancels an open or partially filled order; executed quantity
// is preserved
func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return domain.NewError(domain.KindExchangeRejected, "order %s not found", orderID)
	}
	if order.Status.Terminal() {
		return domain.NewError(domain.KindExchangeRejected, "cannot cancel order in status %s", order.Status)
	}
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = time.Now()

	p.log.Info().Str("order_id", orderID).Msg("Paper order cancelled")
	return nil
}

// FetchOrder returns a copy of one simulated order
func (p *PaperExchange) FetchOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, domain.NewError(domain.KindExchangeRejected, "order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

// FetchOpenOrders lists non-terminal simulated orders
func (p *PaperExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []domain.Order
	for _, order := range p.orders {
		if order.Status.Terminal() {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		out = append(out, *cloneOrder(order))
	}
	return out, nil
}

// FetchBalance returns the simulated account
func (p *PaperExchange) FetchBalance(ctx context.Context) (*Balance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &Balance{EquityUSD: p.balance, FreeUSD: p.balance}, nil
}

// Fills returns the executions recorded for an order
func (p *PaperExchange) Fills(orderID string) []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Fill, len(p.fills[orderID]))
	copy(out, p.fills[orderID])
	return out
}

// ApplyPnL adjusts the simulated balance with realized PnL
func (p *PaperExchange) ApplyPnL(usd float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance += usd
}

func (p *PaperExchange) validate(req PlaceOrderRequest) error {
	if req.Symbol == "" {
		return domain.NewError(domain.KindExchangeRejected, "symbol is required")
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return domain.NewError(domain.KindExchangeRejected, "invalid order side %q", req.Side)
	}
	if req.Qty <= 0 {
		return domain.NewError(domain.KindExchangeRejected, "quantity must be positive")
	}
	if req.Type != domain.OrderTypeMarket && req.Price <= 0 {
		return domain.NewError(domain.KindExchangeRejected, "non-market orders require a positive price")
	}
	if spec, ok := p.specs[req.Symbol]; ok {
		if req.Qty < spec.MinQty {
			return domain.NewError(domain.KindExchangeRejected, "qty %v below min_qty %v", req.Qty, spec.MinQty)
		}
	}
	return nil
}

// marketable reports whether a limit order crosses the current book
func marketable(order *domain.Order, book *domain.OrderBookSnapshot) bool {
	if book == nil {
		return false
	}
	if order.Side == domain.OrderSideBuy {
		return len(book.Asks) > 0 && order.Price >= book.Asks[0].Price
	}
	return len(book.Bids) > 0 && order.Price <= book.Bids[0].Price
}

// matchRestingOrders fills resting limit orders crossed by the new book.
// Caller holds the lock.
func (p *PaperExchange) matchRestingOrders(symbol string) {
	book := p.books[symbol]
	if book == nil {
		return
	}
	for _, order := range p.orders {
		if order.Symbol != symbol || order.Status.Terminal() {
			continue
		}
		if order.Type == domain.OrderTypeLimit && marketable(order, book) {
			// resting order lifted at its own price, maker side
			p.fillAt(order, order.Price, false)
		}
		if order.Type == domain.OrderTypeStopLimit && triggered(order, book) {
			p.fillAt(order, order.Price, true)
		}
	}
}

// triggered reports whether a stop-limit's trigger price has printed
func triggered(order *domain.Order, book *domain.OrderBookSnapshot) bool {
	mid := book.Mid()
	if mid <= 0 || order.StopPrice <= 0 {
		return false
	}
	if order.Side == domain.OrderSideBuy {
		return mid >= order.StopPrice
	}
	return mid <= order.StopPrice
}

// fillAgainstBook fills a market order at top of book plus size-dependent
// slippage. Caller holds the lock.
func (p *PaperExchange) fillAgainstBook(order *domain.Order, book *domain.OrderBookSnapshot, taker bool) {
	if book == nil || book.Mid() <= 0 {
		order.Status = domain.OrderStatusRejected
		order.RejectReason = "no market state"
		return
	}

	// cross the spread, then pay impact proportional to size vs depth
	var base float64
	var depthUSD float64
	if order.Side == domain.OrderSideBuy {
		base = book.Asks[0].Price
		depthUSD = book.DepthUSD(domain.OrderSideSell, 0.005)
	} else {
		base = book.Bids[0].Price
		depthUSD = book.DepthUSD(domain.OrderSideBuy, 0.005)
	}

	slipBps := p.cfg.SlippageBps
	if depthUSD > 0 {
		slipBps += p.cfg.ImpactCoeff * (order.Qty * base / depthUSD) * 100
	}
	slip := base * slipBps / 10000
	price := base + slip
	if order.Side == domain.OrderSideSell {
		price = base - slip
	}
	p.fillAt(order, price, taker)
}

// fillAt records a complete fill at the given price. Caller holds the lock.
func (p *PaperExchange) fillAt(order *domain.Order, price float64, taker bool) {
	feeBps := p.cfg.MakerFeeBps
	if taker {
		feeBps = p.cfg.TakerFeeBps
	}
	fee := price * order.Qty * feeBps / 10000
	now := time.Now()

	fill := Fill{
		OrderID: order.ExchangeID,
		Qty:     order.Qty,
		Price:   price,
		FeeUSD:  fee,
		IsMaker: !taker,
		Ts:      now.UnixMilli(),
	}
	p.fills[order.ExchangeID] = append(p.fills[order.ExchangeID], fill)

	order.FilledQty = order.Qty
	order.AvgFillPrice = price
	order.FeesUSD += fee
	order.Status = domain.OrderStatusFilled
	order.UpdatedAt = now

	p.feesPaid += fee
	p.balance -= fee

	p.log.Debug().
		Str("order_id", order.ExchangeID).
		Float64("price", price).
		Float64("qty", order.Qty).
		Float64("fee_usd", fee).
		Bool("maker", !taker).
		Msg("Paper fill")
}

func cloneOrder(o *domain.Order) *domain.Order {
	out := *o
	return &out
}

// compile-time interface check
var _ Exchange = (*PaperExchange)(nil)
