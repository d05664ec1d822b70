package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rangebreak/rangebreak/internal/domain"
)

const (
	bybitRecvWindow = "5000"
	bybitCategory   = "linear"

	// breaker thresholds for venue REST calls
	breakerMinRequests  = 5
	breakerFailureRatio = 0.6
	breakerOpenTimeout  = 30 * time.Second
	breakerInterval     = 10 * time.Second
)

// timeframe to Bybit kline interval
var bybitIntervals = map[string]string{
	"1m":  "1",
	"5m":  "5",
	"15m": "15",
	"1h":  "60",
	"4h":  "240",
	"1d":  "D",
}

// BybitClient is the live Bybit v5 REST adapter. All calls pass a shared
// rate limiter and a circuit breaker; order operations additionally retry
// transient failures with backoff.
type BybitClient struct {
	http    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	log     zerolog.Logger

	apiKey    string
	apiSecret string

	mu       sync.Mutex
	byClient map[string]*domain.Order // client order id -> last known order
}

// NewBybitClient creates a live adapter against the given base URL
// (production or testnet)
func NewBybitClient(baseURL, apiKey, apiSecret string, logger zerolog.Logger) *BybitClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "bybit_rest",
		Interval: breakerInterval,
		Timeout:  breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
		},
	})

	return &BybitClient{
		http:      client,
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		breaker:   breaker,
		retry:     DefaultRetryConfig(),
		log:       logger.With().Str("component", "bybit").Logger(),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		byClient:  make(map[string]*domain.Order),
	}
}

type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// get performs a public or signed GET through the limiter and breaker
func (c *BybitClient) get(ctx context.Context, path string, params map[string]string, signed bool, out interface{}) error {
	return c.do(ctx, "GET", path, params, nil, signed, out)
}

// post performs a signed POST through the limiter and breaker
func (c *BybitClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.do(ctx, "POST", path, nil, body, true, out)
}

func (c *BybitClient) do(ctx context.Context, method, path string, params map[string]string, body interface{}, signed bool, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		req := c.http.R().SetContext(ctx)

		var payload string
		if method == "GET" {
			req.SetQueryParams(params)
			payload = canonicalQuery(params)
		} else if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, domain.WrapError(domain.KindInternal, err, "marshal request body")
			}
			payload = string(raw)
			req.SetBody(raw)
		}

		if signed {
			ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
			req.SetHeaders(map[string]string{
				"X-BAPI-API-KEY":     c.apiKey,
				"X-BAPI-TIMESTAMP":   ts,
				"X-BAPI-RECV-WINDOW": bybitRecvWindow,
				"X-BAPI-SIGN":        c.sign(ts + c.apiKey + bybitRecvWindow + payload),
			})
		}

		var resp *resty.Response
		var err error
		if method == "GET" {
			resp, err = req.Get(path)
		} else {
			resp, err = req.Post(path)
		}
		if err != nil {
			return nil, domain.WrapError(domain.KindExchangeUnreachable, err, "%s %s", method, path)
		}
		if resp.StatusCode() >= 500 {
			return nil, domain.NewError(domain.KindExchangeUnreachable, "%s %s: http %d", method, path, resp.StatusCode())
		}

		var env bybitResponse
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return nil, domain.WrapError(domain.KindExchangeUnreachable, err, "%s %s: bad envelope", method, path)
		}
		if env.RetCode != 0 {
			kind := domain.KindExchangeRejected
			// transient venue-side codes: rate limit, internal error, clock drift
			switch env.RetCode {
			case 10002, 10006, 10016:
				kind = domain.KindExchangeUnreachable
			}
			return nil, domain.NewError(kind, "%s %s: retCode=%d %s", method, path, env.RetCode, env.RetMsg)
		}
		if out != nil {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return nil, domain.WrapError(domain.KindInternal, err, "%s %s: decode result", method, path)
			}
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return domain.WrapError(domain.KindExchangeUnreachable, err, "circuit open for %s", path)
		}
		return err
	}
	return nil
}

func (c *BybitClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalQuery renders params in sorted key order, matching resty's
// encoded query for signing
func canonicalQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}

// LoadMarkets fetches instrument specs for the linear category
func (c *BybitClient) LoadMarkets(ctx context.Context) (map[string]domain.MarketSpec, error) {
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			BaseCoin      string `json:"baseCoin"`
			QuoteCoin     string `json:"quoteCoin"`
			ContractType  string `json:"contractType"`
			LotSizeFilter struct {
				QtyStep          string `json:"qtyStep"`
				MinOrderQty      string `json:"minOrderQty"`
				MinNotionalValue string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}

	err := c.get(ctx, "/v5/market/instruments-info", map[string]string{
		"category": bybitCategory,
		"limit":    "1000",
	}, false, &result)
	if err != nil {
		return nil, err
	}

	specs := make(map[string]domain.MarketSpec, len(result.List))
	for _, item := range result.List {
		contractType := "linear_perpetual"
		if item.ContractType == "Spot" {
			contractType = "spot"
		}
		specs[item.Symbol] = domain.MarketSpec{
			Symbol:       item.Symbol,
			Base:         item.BaseCoin,
			Quote:        item.QuoteCoin,
			AmountStep:   parseF(item.LotSizeFilter.QtyStep),
			PriceTick:    parseF(item.PriceFilter.TickSize),
			MinQty:       parseF(item.LotSizeFilter.MinOrderQty),
			MinNotional:  parseF(item.LotSizeFilter.MinNotionalValue),
			ContractType: contractType,
		}
	}
	c.log.Info().Int("markets", len(specs)).Msg("Markets loaded")
	return specs, nil
}

// FetchCandles returns closed candles oldest first
func (c *BybitClient) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	interval, ok := bybitIntervals[timeframe]
	if !ok {
		return nil, domain.NewError(domain.KindInternal, "unsupported timeframe %q", timeframe)
	}

	var result struct {
		List [][]string `json:"list"`
	}
	err := c.get(ctx, "/v5/market/kline", map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, false, &result)
	if err != nil {
		return nil, err
	}

	// Bybit returns newest first
	candles := make([]domain.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, domain.Candle{
			Ts:     ts,
			Open:   parseF(row[1]),
			High:   parseF(row[2]),
			Low:    parseF(row[3]),
			Close:  parseF(row[4]),
			Volume: parseF(row[5]),
		})
	}
	return candles, nil
}

// FetchOrderBook returns an L2 snapshot
func (c *BybitClient) FetchOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBookSnapshot, error) {
	var result struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
		Update int64      `json:"u"`
	}
	err := c.get(ctx, "/v5/market/orderbook", map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
		"limit":    strconv.Itoa(depth),
	}, false, &result)
	if err != nil {
		return nil, err
	}

	return &domain.OrderBookSnapshot{
		Symbol:     result.Symbol,
		Bids:       parseBookSide(result.Bids),
		Asks:       parseBookSide(result.Asks),
		SequenceID: result.Update,
		Ts:         result.Ts,
	}, nil
}

// FetchRecentTrades returns public trades since the given unix ms
func (c *BybitClient) FetchRecentTrades(ctx context.Context, symbol string, since int64) ([]domain.Trade, error) {
	var result struct {
		List []struct {
			ExecID string `json:"execId"`
			Price  string `json:"price"`
			Size   string `json:"size"`
			Side   string `json:"side"`
			Time   string `json:"time"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/market/recent-trade", map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
		"limit":    "1000",
	}, false, &result)
	if err != nil {
		return nil, err
	}

	trades := make([]domain.Trade, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		item := result.List[i]
		ts, _ := strconv.ParseInt(item.Time, 10, 64)
		if ts < since {
			continue
		}
		side := domain.OrderSideBuy
		if item.Side == "Sell" {
			side = domain.OrderSideSell
		}
		trades = append(trades, domain.Trade{
			ID:     item.ExecID,
			Symbol: symbol,
			Ts:     ts,
			Price:  parseF(item.Price),
			Amount: parseF(item.Size),
			Side:   side,
		})
	}
	return trades, nil
}

// FetchTickers returns 24h stats for every linear symbol
func (c *BybitClient) FetchTickers(ctx context.Context) (map[string]TickerStats, error) {
	var result struct {
		List []struct {
			Symbol            string `json:"symbol"`
			LastPrice         string `json:"lastPrice"`
			Turnover24h       string `json:"turnover24h"`
			OpenInterestValue string `json:"openInterestValue"`
			Price24hPcnt      string `json:"price24hPcnt"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/market/tickers", map[string]string{
		"category": bybitCategory,
	}, false, &result)
	if err != nil {
		return nil, err
	}

	tickers := make(map[string]TickerStats, len(result.List))
	for _, item := range result.List {
		tickers[item.Symbol] = TickerStats{
			Symbol:          item.Symbol,
			LastPrice:       parseF(item.LastPrice),
			Volume24hUSD:    parseF(item.Turnover24h),
			OpenInterestUSD: parseF(item.OpenInterestValue),
			PriceChangePct:  parseF(item.Price24hPcnt) * 100,
		}
	}
	return tickers, nil
}

// PlaceOrder submits an order. Replays of a known ClientOrderID return the
// previously acknowledged order instead of placing a duplicate.
func (c *BybitClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error) {
	c.mu.Lock()
	if existing, ok := c.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		c.mu.Unlock()
		c.log.Debug().
			Str("client_order_id", req.ClientOrderID).
			Msg("Duplicate client order id, returning original order")
		return existing, nil
	}
	c.mu.Unlock()

	body := map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      req.Symbol,
		"side":        bybitSide(req.Side),
		"orderType":   bybitOrderType(req.Type),
		"qty":         strconv.FormatFloat(req.Qty, 'f', -1, 64),
		"orderLinkId": req.ClientOrderID,
	}
	if req.Type != domain.OrderTypeMarket {
		body["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	if req.Type == domain.OrderTypePostOnly {
		body["timeInForce"] = "PostOnly"
	}
	if req.Type == domain.OrderTypeStopLimit {
		body["triggerPrice"] = strconv.FormatFloat(req.TriggerPrice, 'f', -1, 64)
		body["triggerDirection"] = triggerDirection(req.Side)
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	err := WithRetry(ctx, c.retry, func() error {
		return c.post(ctx, "/v5/order/create", body, &result)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	order := &domain.Order{
		ID:         uuid.New(),
		ClientID:   req.ClientOrderID,
		ExchangeID: result.OrderID,
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

	c.mu.Lock()
	if req.ClientOrderID != "" {
		c.byClient[req.ClientOrderID] = order
	}
	c.mu.Unlock()

	c.log.Info().
		Str("order_id", result.OrderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Float64("qty", req.Qty).
		Msg("Order placed")
	return order, nil
}

// CancelOrder cancels an open order by exchange id
func (c *BybitClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	err := WithRetry(ctx, c.retry, func() error {
		return c.post(ctx, "/v5/order/cancel", body, nil)
	})
	if err != nil {
		return err
	}
	c.log.Info().Str("order_id", orderID).Str("symbol", symbol).Msg("Order cancelled")
	return nil
}

// FetchOrder returns the current state of one order
func (c *BybitClient) FetchOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error) {
	orders, err := c.fetchRealtime(ctx, map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
		"orderId":  orderID,
	})
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, domain.NewError(domain.KindExchangeRejected, "order %s not found", orderID)
	}
	return &orders[0], nil
}

// FetchOpenOrders lists open orders, optionally scoped to one symbol
func (c *BybitClient) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	params := map[string]string{
		"category": bybitCategory,
		"openOnly": "0",
	}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}
	return c.fetchRealtime(ctx, params)
}

func (c *BybitClient) fetchRealtime(ctx context.Context, params map[string]string) ([]domain.Order, error) {
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Qty         string `json:"qty"`
			Price       string `json:"price"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			CumExecFee  string `json:"cumExecFee"`
			ReduceOnly  bool   `json:"reduceOnly"`
			CreatedTime string `json:"createdTime"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/order/realtime", params, true, &result); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(result.List))
	for _, item := range result.List {
		side := domain.OrderSideBuy
		if item.Side == "Sell" {
			side = domain.OrderSideSell
		}
		createdMs, _ := strconv.ParseInt(item.CreatedTime, 10, 64)
		updatedMs, _ := strconv.ParseInt(item.UpdatedTime, 10, 64)
		orders = append(orders, domain.Order{
			ID:           uuid.New(),
			ClientID:     item.OrderLinkID,
			ExchangeID:   item.OrderID,
			Symbol:       item.Symbol,
			Side:         side,
			Type:         fromBybitOrderType(item.OrderType),
			Qty:          parseF(item.Qty),
			Price:        parseF(item.Price),
			Status:       fromBybitStatus(item.OrderStatus),
			FilledQty:    parseF(item.CumExecQty),
			AvgFillPrice: parseF(item.AvgPrice),
			FeesUSD:      parseF(item.CumExecFee),
			ReduceOnly:   item.ReduceOnly,
			CreatedAt:    time.UnixMilli(createdMs),
			UpdatedAt:    time.UnixMilli(updatedMs),
		})
	}
	return orders, nil
}

// FetchBalance returns unified account equity in USD
func (c *BybitClient) FetchBalance(ctx context.Context) (*Balance, error) {
	var result struct {
		List []struct {
			TotalEquity         string `json:"totalEquity"`
			TotalAvailableMarge string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
	}, true, &result)
	if err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, domain.NewError(domain.KindExchangeRejected, "empty wallet-balance response")
	}

	return &Balance{
		EquityUSD: parseF(result.List[0].TotalEquity),
		FreeUSD:   parseF(result.List[0].TotalAvailableMarge),
	}, nil
}

// mapping helpers

func bybitSide(side domain.OrderSide) string {
	if side == domain.OrderSideBuy {
		return "Buy"
	}
	return "Sell"
}

func bybitOrderType(t domain.OrderType) string {
	if t == domain.OrderTypeMarket {
		return "Market"
	}
	return "Limit"
}

func fromBybitOrderType(t string) domain.OrderType {
	if t == "Market" {
		return domain.OrderTypeMarket
	}
	return domain.OrderTypeLimit
}

func fromBybitStatus(s string) domain.OrderStatus {
	switch s {
	case "New", "Untriggered":
		return domain.OrderStatusOpen
	case "PartiallyFilled":
		return domain.OrderStatusPartiallyFilled
	case "Filled":
		return domain.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return domain.OrderStatusCancelled
	case "Rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusPending
	}
}

// triggerDirection: a buy stop triggers on rise (1), a sell stop on fall (2)
func triggerDirection(side domain.OrderSide) int {
	if side == domain.OrderSideBuy {
		return 1
	}
	return 2
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseBookSide(raw [][]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: parseF(pair[0]), Size: parseF(pair[1])})
	}
	return out
}

// compile-time interface check
var _ Exchange = (*BybitClient)(nil)
