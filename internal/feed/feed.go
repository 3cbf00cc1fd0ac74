// Package feed streams live mark prices over WebSocket and fans them out to
// tick handlers. The oracle's shared cache and volatility tracker both hang
// off this stream, so a healthy feed keeps most price lookups off the REST
// path entirely.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkarlsen/leverbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message.
	pongWait = 30 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second
)

// Tick is a single mark-price observation from the stream.
type Tick struct {
	Symbol string
	Price  float64
	At     time.Time
}

// TickHandler is called for every tick received on the stream.
type TickHandler func(Tick)

// Stream is a WebSocket client for live ticker data. It re-subscribes and
// reconnects with exponential backoff after a dropped connection.
type Stream struct {
	wsURL  string
	conn   *websocket.Conn
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	// Tracked subscriptions for reconnection.
	symbols []string
	cmdID   int64

	handlerMu sync.RWMutex
	handlers  []TickHandler

	// done is closed when the stream shuts down.
	done chan struct{}
}

// NewStream creates a price stream client.
//
// wsURL is the WebSocket endpoint, e.g. "wss://stream.binance.com:9443/ws".
func NewStream(wsURL string, logger *slog.Logger) *Stream {
	return &Stream{
		wsURL:  wsURL,
		logger: logger.With(slog.String("component", "price_feed")),
		done:   make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and restores subscriptions.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("feed: stream is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}

	s.conn = conn

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readLoop()
	go s.pingLoop()

	if len(s.symbols) > 0 {
		if err := s.sendSubscribe(s.symbols); err != nil {
			return fmt.Errorf("feed: restore subscriptions: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to miniTicker updates for the given symbols.
func (s *Stream) Subscribe(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("feed: not connected")
	}

	if err := s.sendSubscribe(symbols); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	existing := make(map[string]struct{}, len(s.symbols))
	for _, sym := range s.symbols {
		existing[sym] = struct{}{}
	}
	for _, sym := range symbols {
		if _, ok := existing[sym]; !ok {
			s.symbols = append(s.symbols, sym)
		}
	}

	return nil
}

// OnTick registers a handler invoked for every tick.
func (s *Stream) OnTick(handler TickHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Close shuts down the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.done)

	if s.conn != nil {
		_ = s.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return s.conn.Close()
	}

	return nil
}

// subscribeCmd is the stream-API subscription envelope.
type subscribeCmd struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// miniTicker is the per-symbol 24h mini-ticker payload.
type miniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
}

// sendSubscribe sends a SUBSCRIBE command for the miniTicker streams of the
// given symbols. Caller must hold s.mu.
func (s *Stream) sendSubscribe(symbols []string) error {
	s.cmdID++

	params := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		params = append(params, streamName(sym))
	}

	cmd := subscribeCmd{
		Method: "SUBSCRIBE",
		Params: params,
		ID:     s.cmdID,
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}

	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// streamName maps a trading symbol like "BTC/USDT" to its miniTicker stream.
func streamName(symbol string) string {
	return strings.ToLower(domain.WireSymbol(symbol)) + "@miniTicker"
}

// readLoop continuously reads messages and dispatches ticks. On disconnect
// it attempts reconnection.
func (s *Stream) readLoop() {
	defer func() {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			s.logger.Warn("stream disconnected", slog.String("error", err.Error()))
			s.reconnect()
			return
		}

		s.handleMessage(message)
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (s *Stream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw message and routes ticker events to handlers.
// Subscription acks and unknown event types are dropped silently.
func (s *Stream) handleMessage(raw []byte) {
	var mt miniTicker
	if err := json.Unmarshal(raw, &mt); err != nil {
		return
	}
	if mt.EventType != "24hrMiniTicker" || mt.Symbol == "" {
		return
	}

	price, err := strconv.ParseFloat(mt.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	tick := Tick{
		Symbol: mt.Symbol,
		Price:  price,
		At:     time.UnixMilli(mt.EventTime),
	}

	s.handlerMu.RLock()
	handlers := s.handlers
	s.handlerMu.RUnlock()

	for _, h := range handlers {
		h(tick)
	}
}

// reconnect re-establishes the connection with exponential backoff.
func (s *Stream) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-s.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := s.Connect(ctx)
		cancel()

		if err == nil {
			s.logger.Info("stream reconnected")
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
