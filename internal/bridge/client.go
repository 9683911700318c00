package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"edgex-lighter-arb/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	readWait       = 60 * time.Second
	maxMessageSize = 512 * 1024 // 512 KB
	sendBufferSize = 256
)

// client is one front-end WebSocket session.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte   // outbound frames, drained by writePump
	done   chan struct{} // closed when the read side exits
	logger *slog.Logger

	mu         sync.Mutex
	exchange   string
	ticker     string
	contractID string
	ready      bool
	lastSeen   time.Time
}

func newClient(id string, conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		logger:   logger.With("client", id),
		lastSeen: time.Now(),
	}
}

// setReady records the session details from a frontend_ready announcement.
func (c *client) setReady(info types.FrontendReady) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchange = info.Exchange
	c.ticker = info.Ticker
	c.contractID = info.ContractID
	c.ready = true
}

func (c *client) readyState() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready, c.exchange
}

// isReadyFor reports whether the session is ready and serves the exchange.
// An empty exchange matches any ready session.
func (c *client) isReadyFor(exchange string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && (exchange == "" || c.exchange == exchange)
}

// touch records heartbeat activity.
func (c *client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// writePump drains the send queue to the connection. Exits when the read
// side is done. Liveness rides on the application-level ping/pong exchange,
// not WebSocket control frames, so there is no ping ticker here.
func (c *client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump reads messages and hands them to the server's dispatcher. The
// read deadline refreshes on every message, so the front-end's periodic
// ping frames keep the session alive and a session only dies after real
// silence.
func (c *client) readPump(s *Server) {
	defer func() {
		close(c.done)
		s.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		s.dispatch(c, data)
	}
}
