package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangebreak/rangebreak/internal/domain"
)

func bybitOK(result interface{}) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"retCode": 0,
		"retMsg":  "OK",
		"result":  result,
	})
	return raw
}

func newBybitTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *BybitClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewBybitClient(srv.URL, "test-key", "test-secret", zerolog.Nop())
	return srv, client
}

func TestBybitLoadMarkets(t *testing.T) {
	_, client := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/market/instruments-info", r.URL.Path)
		require.Equal(t, "linear", r.URL.Query().Get("category"))
		w.Write(bybitOK(map[string]interface{}{
			"list": []map[string]interface{}{{
				"symbol":       "BTCUSDT",
				"baseCoin":     "BTC",
				"quoteCoin":    "USDT",
				"contractType": "LinearPerpetual",
				"lotSizeFilter": map[string]string{
					"qtyStep":          "0.001",
					"minOrderQty":      "0.001",
					"minNotionalValue": "5",
				},
				"priceFilter": map[string]string{"tickSize": "0.1"},
			}},
		}))
	})

	specs, err := client.LoadMarkets(context.Background())
	require.NoError(t, err)
	require.Contains(t, specs, "BTCUSDT")

	spec := specs["BTCUSDT"]
	assert.Equal(t, 0.001, spec.AmountStep)
	assert.Equal(t, 0.1, spec.PriceTick)
	assert.Equal(t, 5.0, spec.MinNotional)
	assert.Equal(t, "linear_perpetual", spec.ContractType)
}

func TestBybitFetchCandlesReversesToOldestFirst(t *testing.T) {
	_, client := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "5", r.URL.Query().Get("interval"))
		// Bybit lists newest first
		w.Write(bybitOK(map[string]interface{}{
			"list": [][]string{
				{"1700000600000", "101", "102", "100", "101.5", "10", "1015"},
				{"1700000300000", "100", "101", "99", "101", "12", "1212"},
			},
		}))
	})

	candles, err := client.FetchCandles(context.Background(), "BTCUSDT", "5m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1700000300000), candles[0].Ts)
	assert.Equal(t, int64(1700000600000), candles[1].Ts)
	assert.Equal(t, 101.5, candles[1].Close)
}

func TestBybitFetchCandlesUnknownTimeframe(t *testing.T) {
	_, client := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := client.FetchCandles(context.Background(), "BTCUSDT", "7m", 10)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInternal))
}

func TestBybitFetchOrderBook(t *testing.T) {
	_, client := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(bybitOK(map[string]interface{}{
			"s":  "BTCUSDT",
			"b":  [][]string{{"100.0", "2"}},
			"a":  [][]string{{"100.2", "3"}},
			"ts": 1700000000000,
			"u":  42,
		}))
	})

	book, err := client.FetchOrderBook(context.Background(), "BTCUSDT", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(42), book.SequenceID)
	assert.InDelta(t, 100.1, book.Mid(), 1e-9)
}

func TestBybitPlaceOrderSignsAndMaps(t *testing.T) {
	var gotBody map[string]interface{}
	_, client := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/order/create", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-BAPI-API-KEY"))
		assert.NotEmpty(t, r.Header.Get("X-BAPI-TIMESTAMP"))
		assert.NotEmpty(t, r.Header.Get("X-BAPI-SIGN"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write(bybitOK(map[string]string{
			"orderId":     "ex-123",
			"orderLinkId": "cl-1",
		}))
	})

	order, err := client.PlaceOrder(context.Background(), PlaceOrderRequest{
		ClientOrderID: "cl-1",
		Symbol:        "BTCUSDT",
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeLimit,
		Qty:           0.5,
		Price:         43000,
		Intent:        domain.IntentEntry,
	})
	require.NoError(t, err)

	assert.Equal(t, "ex-123", order.ExchangeID)
	assert.Equal(t, "cl-1", order.ClientID)
	assert.Equal(t, domain.OrderStatusOpen, order.Status)
	assert.Equal(t, "Buy", gotBody["side"])
	assert.Equal(t, "Limit", gotBody["orderType"])
	assert.Equal(t, "0.5", gotBody["qty"])
	assert.Equal(t, "cl-1", gotBody["orderLinkId"])
}

func TestBybitPlaceOrderIdempotentOnClientID(t *testing.T) {
	calls := 0
	_, client := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write(bybitOK(map[string]string{"orderId": "ex-9", "orderLinkId": "cl-9"}))
	})

	req := PlaceOrderRequest{
		ClientOrderID: "cl-9", Symbol: "BTCUSDT",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 1,
	}
	first, err := client.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := client.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first.ExchangeID, second.ExchangeID)
}

func TestBybitRejectionMapsToExchangeRejected(t *testing.T) {
	_, client := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := json.Marshal(map[string]interface{}{
			"retCode": 110007,
			"retMsg":  "ab not enough for new order",
			"result":  map[string]string{},
		})
		w.Write(raw)
	})

	_, err := client.PlaceOrder(context.Background(), PlaceOrderRequest{
		ClientOrderID: "cl-r", Symbol: "BTCUSDT",
		Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 100,
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindExchangeRejected))
	assert.Contains(t, err.Error(), "retCode=110007")
}

func TestBybitFetchOrderStatusMapping(t *testing.T) {
	_, client := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/order/realtime", r.URL.Path)
		w.Write(bybitOK(map[string]interface{}{
			"list": []map[string]interface{}{{
				"orderId":     "ex-5",
				"orderLinkId": "cl-5",
				"symbol":      "BTCUSDT",
				"side":        "Sell",
				"orderType":   "Limit",
				"qty":         "2",
				"price":       "44000",
				"orderStatus": "PartiallyFilled",
				"cumExecQty":  "0.5",
				"avgPrice":    "44010",
				"cumExecFee":  "1.21",
				"reduceOnly":  true,
				"createdTime": "1700000000000",
				"updatedTime": "1700000001000",
			}},
		}))
	})

	order, err := client.FetchOrder(context.Background(), "BTCUSDT", "ex-5")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, order.Status)
	assert.Equal(t, domain.OrderSideSell, order.Side)
	assert.Equal(t, 0.5, order.FilledQty)
	assert.Equal(t, 44010.0, order.AvgFillPrice)
	assert.Equal(t, 1.21, order.FeesUSD)
	assert.True(t, order.ReduceOnly)
}

func TestBybitFetchBalance(t *testing.T) {
	_, client := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/account/wallet-balance", r.URL.Path)
		w.Write(bybitOK(map[string]interface{}{
			"list": []map[string]string{{
				"totalEquity":           "10500.25",
				"totalAvailableBalance": "8200.00",
			}},
		}))
	})

	bal, err := client.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10500.25, bal.EquityUSD)
	assert.Equal(t, 8200.0, bal.FreeUSD)
}
