package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rangebreak/rangebreak/internal/domain"
)

// StreamHandler receives parsed stream events. Callbacks run on the stream's
// reader goroutine and must not block.
type StreamHandler interface {
	OnTrade(symbol string, trade domain.Trade)
	OnOrderbook(symbol string, update BookUpdate)
	OnDisconnect(err error)
}

// BookUpdate is one parsed orderbook message, snapshot or delta
type BookUpdate struct {
	Snapshot bool
	Bids     []domain.PriceLevel
	Asks     []domain.PriceLevel
	UpdateID int64
	Seq      int64
	Ts       int64
}

// Stream is a resilient Bybit v5 public WebSocket client. It maintains one
// connection, pings every 20s, reconnects with capped backoff, and replays
// all subscriptions after reconnect.
type Stream struct {
	url     string
	handler StreamHandler
	log     zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	topics map[string]struct{}

	reconnects func() // metrics hook, may be nil

	cancel context.CancelFunc
	done   chan struct{}
}

const (
	pingInterval = 20 * time.Second
	pongWait     = 40 * time.Second
	writeWait    = 10 * time.Second
)

// reconnect backoff schedule, capped at the last entry
var reconnectBackoff = []time.Duration{
	5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second,
}

// NewStream creates a stream client for the given public WS endpoint
func NewStream(url string, handler StreamHandler, logger zerolog.Logger) *Stream {
	return &Stream{
		url:     url,
		handler: handler,
		log:     logger.With().Str("component", "ws_stream").Logger(),
		topics:  make(map[string]struct{}),
	}
}

// SetReconnectHook registers a callback invoked on every reconnect attempt
func (s *Stream) SetReconnectHook(fn func()) { s.reconnects = fn }

// Start connects and runs the read/ping loops until ctx is cancelled
func (s *Stream) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	if err := s.connect(runCtx); err != nil {
		cancel()
		close(s.done)
		return err
	}

	go s.run(runCtx)
	return nil
}

// Stop tears the connection down and waits for the loops to drain
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	if s.done != nil {
		<-s.done
	}
}

// SubscribeTrades subscribes to public trades for the symbols
func (s *Stream) SubscribeTrades(symbols []string) error {
	args := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		args = append(args, "publicTrade."+sym)
	}
	return s.subscribe(args)
}

// SubscribeOrderbook subscribes to the L2 book at the given depth
func (s *Stream) SubscribeOrderbook(symbols []string, depth int) error {
	args := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		args = append(args, fmt.Sprintf("orderbook.%d.%s", depth, sym))
	}
	return s.subscribe(args)
}

// Unsubscribe removes topics; used to force a fresh book snapshot on resync
func (s *Stream) Unsubscribe(topics []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range topics {
		delete(s.topics, t)
	}
	if s.conn == nil {
		return nil
	}
	return s.writeJSON(map[string]interface{}{"op": "unsubscribe", "args": topics})
}

// Resubscribe re-adds topics previously removed by Unsubscribe
func (s *Stream) Resubscribe(topics []string) error {
	return s.subscribe(topics)
}

func (s *Stream) subscribe(topics []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	if s.conn == nil {
		return nil // replayed on connect
	}
	return s.writeJSON(map[string]interface{}{"op": "subscribe", "args": topics})
}

// writeJSON sends one frame; caller holds s.mu (single-writer discipline)
func (s *Stream) writeJSON(v interface{}) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(v); err != nil {
		return domain.WrapError(domain.KindExchangeUnreachable, err, "ws write failed")
	}
	return nil
}

func (s *Stream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return domain.WrapError(domain.KindExchangeUnreachable, err, "ws dial %s", s.url)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	s.mu.Lock()
	s.conn = conn
	// replay every known subscription on the fresh connection
	if len(s.topics) > 0 {
		args := make([]string, 0, len(s.topics))
		for t := range s.topics {
			args = append(args, t)
		}
		if err := s.writeJSON(map[string]interface{}{"op": "subscribe", "args": args}); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	s.log.Info().Str("url", s.url).Int("topics", len(s.topics)).Msg("WebSocket connected")
	return nil
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	// ping loop on its own goroutine; reader loop below
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				s.mu.Lock()
				if s.conn != nil {
					_ = s.writeJSON(map[string]interface{}{"op": "ping"})
				}
				s.mu.Unlock()
			}
		}
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		_, raw, err := s.readMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.handler.OnDisconnect(err)
			s.log.Warn().Err(err).Msg("WebSocket read failed, reconnecting")

			backoff := reconnectBackoff[min(attempt, len(reconnectBackoff)-1)]
			attempt++
			if s.reconnects != nil {
				s.reconnects()
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := s.connect(ctx); err != nil {
				s.log.Error().Err(err).Dur("backoff", backoff).Msg("Reconnect failed")
				continue
			}
			attempt = 0
			continue
		}

		s.dispatch(raw)
	}
}

func (s *Stream) readMessage() (int, []byte, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, nil, fmt.Errorf("no connection")
	}
	return conn.ReadMessage()
}

// wire envelopes for Bybit v5 public streams

type wsEnvelope struct {
	Op      string          `json:"op,omitempty"`
	RetMsg  string          `json:"ret_msg,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Type    string          `json:"type,omitempty"`
	Ts      int64           `json:"ts,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Success *bool           `json:"success,omitempty"`
}

type wsTrade struct {
	ID     string `json:"i"`
	Ts     int64  `json:"T"`
	Price  string `json:"p"`
	Volume string `json:"v"`
	Side   string `json:"S"` // "Buy" or "Sell"
}

type wsOrderbook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

func (s *Stream) dispatch(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Warn().Err(err).Msg("Unparseable stream message")
		return
	}

	// pong and subscription acks carry op/ret_msg, no topic
	if env.Topic == "" {
		if env.Success != nil && !*env.Success {
			s.log.Warn().Str("op", env.Op).Str("ret_msg", env.RetMsg).Msg("Stream operation rejected")
		}
		s.refreshReadDeadline()
		return
	}

	s.refreshReadDeadline()

	switch {
	case len(env.Topic) > 12 && env.Topic[:12] == "publicTrade.":
		symbol := env.Topic[12:]
		var trades []wsTrade
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			s.log.Warn().Err(err).Str("topic", env.Topic).Msg("Bad trade payload")
			return
		}
		for _, t := range trades {
			price, _ := strconv.ParseFloat(t.Price, 64)
			amount, _ := strconv.ParseFloat(t.Volume, 64)
			side := domain.OrderSideBuy
			if t.Side == "Sell" {
				side = domain.OrderSideSell
			}
			s.handler.OnTrade(symbol, domain.Trade{
				ID:     t.ID,
				Symbol: symbol,
				Ts:     t.Ts,
				Price:  price,
				Amount: amount,
				Side:   side,
			})
		}

	case len(env.Topic) > 10 && env.Topic[:10] == "orderbook.":
		var ob wsOrderbook
		if err := json.Unmarshal(env.Data, &ob); err != nil {
			s.log.Warn().Err(err).Str("topic", env.Topic).Msg("Bad orderbook payload")
			return
		}
		update := BookUpdate{
			Snapshot: env.Type == "snapshot",
			Bids:     parseLevels(ob.Bids),
			Asks:     parseLevels(ob.Asks),
			UpdateID: ob.Update,
			Seq:      ob.Seq,
			Ts:       env.Ts,
		}
		s.handler.OnOrderbook(ob.Symbol, update)
	}
}

func (s *Stream) refreshReadDeadline() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
	s.mu.Unlock()
}

func parseLevels(raw [][]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(pair[0], 64)
		size, err2 := strconv.ParseFloat(pair[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out
}
