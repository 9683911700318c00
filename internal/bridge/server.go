// Package bridge runs the local WebSocket server the EdgeX front-end
// connects to.
//
// EdgeX has no trading API we can call directly, so the browser front-end
// acts as our execution venue: it streams top-of-book market data down to us
// and accepts order instructions back. The protocol is JSON envelopes with a
// type, payload, epoch-millisecond timestamp, and an optional requestId for
// request/reply pairs.
//
// Inbound messages either map to fixed callbacks (market data, order acks,
// lifecycle updates) or to handlers registered per message type; handler
// results are echoed back tagged with the request's requestId. Outbound
// instructions (execute_order, cancel_order, emergency_close, query_status)
// broadcast to every ready EdgeX session, so a refreshed browser tab picks
// up where the old one left off.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"edgex-lighter-arb/internal/config"
	"edgex-lighter-arb/pkg/types"
)

const welcomeText = "Connected to EdgeX-Lighter Arbitrage Backend"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The bridge only listens on localhost; the front-end runs on a
		// venue origin we can't predict.
		return true
	},
}

// Handler serves a registered request message. The returned value is sent
// back tagged with the request's requestId.
type Handler func(data json.RawMessage) (any, error)

// Callbacks are invoked from client read goroutines; implementations must be
// safe for concurrent use.
type Callbacks struct {
	OnReady       func(clientID string, info types.FrontendReady)
	OnDisconnect  func(clientID, exchange string)
	OnMarketData  func(venue types.Venue, md types.MarketData)
	OnOrderPlaced func(ack types.OrderAck)
	OnOrderUpdate func(update types.OrderUpdate)
}

// Server is the WebSocket bridge between this process and front-end sessions.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger

	mu       sync.RWMutex
	clients  map[string]*client
	handlers map[string]Handler

	callbacks Callbacks
}

// NewServer creates the bridge server. Call SetCallbacks and RegisterHandler
// before Start.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		clients:  make(map[string]*client),
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "bridge"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleWS)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetCallbacks installs the event callbacks. Not safe to call after Start.
func (s *Server) SetCallbacks(cb Callbacks) {
	s.callbacks = cb
}

// RegisterHandler installs a handler for a request message type.
func (s *Server) RegisterHandler(msgType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = h
}

// Start binds the listener and begins serving in the background. Returning
// only after the bind means callers know the port is really ours.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("bridge server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("bridge server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when the port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop closes every client connection and shuts the server down.
// Shutdown alone won't touch hijacked WebSocket connections.
func (s *Server) Stop() error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("bridge server stopped")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
		"ready":   s.ReadyCount(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn, s.logger)

	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()

	s.logger.Info("client connected",
		"client", c.id,
		"remote", r.RemoteAddr,
		"count", count)

	s.sendTo(c, types.Envelope{
		Type:      types.MsgWelcome,
		Message:   welcomeText,
		Timestamp: time.Now().UnixMilli(),
	})

	go c.writePump()
	go c.readPump(s)
}

// unregister removes a client and fires the disconnect callback for sessions
// that had announced themselves ready. A browser tab that never finished
// loading isn't worth an alert.
func (s *Server) unregister(c *client) {
	s.mu.Lock()
	_, known := s.clients[c.id]
	delete(s.clients, c.id)
	count := len(s.clients)
	s.mu.Unlock()

	if !known {
		return
	}
	s.logger.Info("client disconnected", "client", c.id, "count", count)

	ready, exchange := c.readyState()
	if ready {
		if cb := s.callbacks.OnDisconnect; cb != nil {
			cb(c.id, exchange)
		}
	}
}

// dispatch routes one inbound message. Fixed protocol types come first;
// anything else goes through the registered request handlers.
func (s *Server) dispatch(c *client, raw []byte) {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Error("invalid message from front-end", "client", c.id, "error", err)
		return
	}

	switch env.Type {
	case types.MsgPing:
		c.touch()
		// pong echoes the client's timestamp so it can measure the round trip
		s.sendTo(c, types.Envelope{Type: types.MsgPong, Timestamp: env.Timestamp})

	case types.MsgFrontendReady:
		var info types.FrontendReady
		if err := json.Unmarshal(env.Data, &info); err != nil {
			s.logger.Error("bad frontend_ready payload", "client", c.id, "error", err)
			return
		}
		c.setReady(info)
		s.logger.Info("frontend ready",
			"client", c.id,
			"exchange", info.Exchange,
			"ticker", info.Ticker)
		if cb := s.callbacks.OnReady; cb != nil {
			cb(c.id, info)
		}

	case types.MsgMarketData:
		var md types.MarketData
		if err := json.Unmarshal(env.Data, &md); err != nil {
			s.logger.Error("bad market data payload", "client", c.id, "error", err)
			return
		}
		if cb := s.callbacks.OnMarketData; cb != nil {
			cb(types.VenueEdgeX, md)
		}

	case types.MsgOrderPlaced:
		var ack types.OrderAck
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			s.logger.Error("bad order_placed payload", "client", c.id, "error", err)
			return
		}
		s.logger.Info("order placed result",
			"client_order_id", ack.ClientOrderID,
			"success", ack.Success)
		if cb := s.callbacks.OnOrderPlaced; cb != nil {
			cb(ack)
		}

	case types.MsgOrderUpdate:
		var update types.OrderUpdate
		if err := json.Unmarshal(env.Data, &update); err != nil {
			s.logger.Error("bad order_update payload", "client", c.id, "error", err)
			return
		}
		s.logger.Info("order update",
			"client_order_id", update.ClientOrderID,
			"status", update.Status)
		if cb := s.callbacks.OnOrderUpdate; cb != nil {
			cb(update)
		}

	case types.MsgOrderCanceled:
		var ack types.OrderCanceledAck
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			s.logger.Error("bad order_canceled payload", "client", c.id, "error", err)
			return
		}
		s.logger.Info("order canceled", "order_id", ack.OrderID)

	case types.MsgStatusReport:
		s.logger.Debug("status report", "client", c.id)

	default:
		s.serveRequest(c, env)
	}
}

// serveRequest runs a registered handler. Replies carry only the requestId
// plus data or error, which is the shape the front-end correlates on.
func (s *Server) serveRequest(c *client, env types.Envelope) {
	s.mu.RLock()
	handler := s.handlers[env.Type]
	s.mu.RUnlock()

	if handler == nil {
		s.logger.Warn("unknown message type", "type", env.Type)
		return
	}

	result, err := handler(env.Data)
	if err != nil {
		s.logger.Error("handler failed", "type", env.Type, "error", err)
		if env.RequestID != "" {
			s.sendTo(c, types.Envelope{RequestID: env.RequestID, Error: err.Error()})
		}
		return
	}
	if env.RequestID == "" {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("marshal handler result", "type", env.Type, "error", err)
		s.sendTo(c, types.Envelope{RequestID: env.RequestID, Error: err.Error()})
		return
	}
	s.sendTo(c, types.Envelope{RequestID: env.RequestID, Data: data})
}

// sendTo queues an envelope for one client, dropping it if the client's
// write buffer is full.
func (s *Server) sendTo(c *client, env types.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("marshal envelope", "type", env.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		s.logger.Warn("client send buffer full, dropping message",
			"client", c.id,
			"type", env.Type)
	}
}

// Broadcast queues an envelope for every ready client on the given exchange.
// An empty exchange matches all ready clients.
func (s *Server) Broadcast(env types.Envelope, exchange string) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.isReadyFor(exchange) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		s.sendTo(c, env)
	}
}

// SendToEdgeX wraps a payload in the standard envelope and broadcasts it to
// ready EdgeX sessions.
func (s *Server) SendToEdgeX(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	s.Broadcast(types.Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}, "edgex")
	return nil
}

// ExecuteOrder instructs the front-end to place an EdgeX limit order.
func (s *Server) ExecuteOrder(order types.ExecuteOrder) error {
	return s.SendToEdgeX(types.MsgExecuteOrder, order)
}

// CancelOrder instructs the front-end to cancel an EdgeX order.
func (s *Server) CancelOrder(orderID string) error {
	return s.SendToEdgeX(types.MsgCancelOrder, types.CancelOrder{OrderID: orderID})
}

// EmergencyClose instructs the front-end to flatten the EdgeX position.
func (s *Server) EmergencyClose(side types.Side, quantity string) error {
	return s.SendToEdgeX(types.MsgEmergencyClose, types.EmergencyClose{Side: side, Quantity: quantity})
}

// RequestStatus asks the front-end for a status report.
func (s *Server) RequestStatus() error {
	return s.SendToEdgeX(types.MsgQueryStatus, struct{}{})
}

// FrontendReady reports whether any ready session exists for the exchange.
func (s *Server) FrontendReady(exchange string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.isReadyFor(exchange) {
			return true
		}
	}
	return false
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ReadyCount returns the number of clients that announced readiness.
func (s *Server) ReadyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.clients {
		if c.isReadyFor("") {
			n++
		}
	}
	return n
}
