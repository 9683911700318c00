// stream.go implements the Lighter order book WebSocket feed.
//
// One connection subscribes to the configured market's order_book channel.
// The first message after subscribing is a full snapshot; order_book_update
// diffs follow. Both merge straight into the shared market.Store, so the
// strategy and the aggressive hedge pricing always read current levels. Fills
// on our own orders arrive as order_update events and are surfaced on Orders().
//
// The feed auto-reconnects with exponential backoff (1s → 30s max, reset
// after a successful connect), sends a heartbeat ping every 30s, and answers
// server pings. A read deadline catches connections that die silently.
package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"edgex-lighter-arb/internal/config"
	"edgex-lighter-arb/internal/market"
	"edgex-lighter-arb/pkg/types"
)

const (
	heartbeatInterval = 30 * time.Second // client ping keeping the session alive
	readTimeout       = 90 * time.Second // ~3 missed heartbeats triggers reconnect
	maxReconnectWait  = 30 * time.Second // cap on exponential backoff
	writeTimeout      = 10 * time.Second // deadline for outgoing messages
	orderBufferSize   = 64               // buffer for order update events
)

// OrderEvent is a lifecycle update for one of our Lighter orders.
type OrderEvent struct {
	OrderIndex int64           `json:"order_index"`
	Status     string          `json:"status"`
	FilledSize decimal.Decimal `json:"filled_size"`
	Price      decimal.Decimal `json:"price"`
}

// controlMsg frames outgoing subscribe/ping/pong messages.
type controlMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
}

type bookPayload struct {
	Bids []json.RawMessage `json:"bids"`
	Asks []json.RawMessage `json:"asks"`
}

// Stream maintains the Lighter order book mirror over WebSocket.
type Stream struct {
	url         string
	marketIndex int
	books       *market.Store

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	mu         sync.Mutex
	connected  bool // session live
	bookSeen   bool // at least one snapshot has arrived
	reconnects int  // consecutive failed sessions, reset on connect

	readyOnce sync.Once
	readyCh   chan struct{} // closed on the first successful connect

	orderCh chan OrderEvent

	logger *slog.Logger
}

// NewStream creates the feed for the configured market. Call Run to connect.
func NewStream(cfg config.LighterConfig, books *market.Store, logger *slog.Logger) *Stream {
	return &Stream{
		url:         cfg.WSURL,
		marketIndex: cfg.MarketIndex,
		books:       books,
		readyCh:     make(chan struct{}),
		orderCh:     make(chan OrderEvent, orderBufferSize),
		logger:      logger.With("component", "lighter_ws"),
	}
}

// Orders returns a read-only channel of our order lifecycle events.
func (s *Stream) Orders() <-chan OrderEvent { return s.orderCh }

// Connected reports whether the session is live and a book snapshot has
// arrived, i.e. the mirror is usable for pricing.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.bookSeen
}

// WaitConnected blocks until the first successful connect or ctx expires.
func (s *Stream) WaitConnected(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		s.reconnects++
		attempt := s.reconnects
		s.mu.Unlock()

		backoff := reconnectDelay(attempt)
		s.logger.Warn("lighter stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// reconnectDelay doubles per consecutive failed session: 1s, 2s, 4s, ..., 30s max.
func reconnectDelay(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > maxReconnectWait {
		d = maxReconnectWait
	}
	return d
}

// Close gracefully closes the connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()

		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()

		// The mirror can't be trusted while the feed is down.
		s.books.MarkReady(types.VenueLighter, false)
	}()

	if err := s.writeJSON(controlMsg{
		Method: "subscribe",
		Params: []string{fmt.Sprintf("order_book/%d", s.marketIndex)},
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	s.connected = true
	s.reconnects = 0
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })

	s.logger.Info("lighter stream connected", "market_index", s.marketIndex)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatch(msg)
	}
}

func (s *Stream) dispatch(data []byte) {
	var envelope struct {
		Type      string          `json:"type"`
		Method    string          `json:"method"`
		OrderBook json.RawMessage `json:"order_book"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return
	}

	// Server keepalive: answer and move on.
	if envelope.Method == "ping" || envelope.Type == "ping" {
		if err := s.writeJSON(controlMsg{Method: "pong"}); err != nil {
			s.logger.Warn("pong failed", "error", err)
		}
		return
	}

	// A top-level order_book key is the full snapshot sent after subscribing.
	if len(envelope.OrderBook) > 0 && string(envelope.OrderBook) != "null" {
		var book bookPayload
		if err := json.Unmarshal(envelope.OrderBook, &book); err != nil {
			s.logger.Error("unmarshal book snapshot", "error", err)
			return
		}
		s.books.ApplySnapshot(types.VenueLighter, parseLevels(book.Bids), parseLevels(book.Asks))
		s.mu.Lock()
		s.bookSeen = true
		s.mu.Unlock()
		return
	}

	switch envelope.Type {
	case "order_book_update":
		var book bookPayload
		if err := json.Unmarshal(envelope.Data, &book); err != nil {
			s.logger.Error("unmarshal book update", "error", err)
			return
		}
		s.books.ApplyDiff(types.VenueLighter, parseLevels(book.Bids), parseLevels(book.Asks))

	case "order_update":
		var evt OrderEvent
		if err := json.Unmarshal(envelope.Data, &evt); err != nil {
			s.logger.Error("unmarshal order update", "error", err)
			return
		}
		select {
		case s.orderCh <- evt:
		default:
			s.logger.Warn("order channel full, dropping event", "order_index", evt.OrderIndex)
		}

	case "subscribed", "pong":
		// acks we don't need to process

	default:
		s.logger.Debug("unknown stream message", "type", envelope.Type)
	}
}

func (s *Stream) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSON(controlMsg{Method: "ping"}); err != nil {
				s.logger.Warn("heartbeat failed", "error", err)
				return
			}
		}
	}
}

// parseLevels accepts both wire shapes for a level, [price, size] arrays and
// {price, size} objects, skipping anything malformed.
func parseLevels(raw []json.RawMessage) []types.Level {
	levels := make([]types.Level, 0, len(raw))
	for _, entry := range raw {
		var arr []decimal.Decimal
		if err := json.Unmarshal(entry, &arr); err == nil && len(arr) >= 2 {
			if arr[0].IsPositive() {
				levels = append(levels, types.Level{Price: arr[0], Size: arr[1]})
			}
			continue
		}

		var obj struct {
			Price decimal.Decimal `json:"price"`
			Size  decimal.Decimal `json:"size"`
		}
		if err := json.Unmarshal(entry, &obj); err == nil && obj.Price.IsPositive() {
			levels = append(levels, types.Level{Price: obj.Price, Size: obj.Size})
		}
	}
	return levels
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}
