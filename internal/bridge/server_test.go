package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"edgex-lighter-arb/internal/config"
	"edgex-lighter-arb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cb Callbacks) *Server {
	t.Helper()
	s := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, testLogger())
	s.SetCallbacks(cb)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

// dialFrontend connects like the browser front-end and consumes the welcome.
func dialFrontend(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var welcome types.Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Type != types.MsgWelcome || welcome.Message == "" {
		t.Fatalf("first message = %+v, want a welcome with text", welcome)
	}
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env types.Envelope) {
	t.Helper()
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", env.Type, err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) types.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env types.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var env types.Envelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Fatalf("unexpected message: %+v", env)
	}
}

func announceReady(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	data, err := json.Marshal(types.FrontendReady{Exchange: "edgex", Ticker: "BTC", ContractID: "10000001"})
	if err != nil {
		t.Fatalf("marshal ready: %v", err)
	}
	sendEnvelope(t, conn, types.Envelope{
		Type:      types.MsgFrontendReady,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func waitReady(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.FrontendReady("edgex") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("frontend never became ready")
}

func TestPongEchoesClientTimestamp(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Callbacks{})
	conn := dialFrontend(t, s)

	sendEnvelope(t, conn, types.Envelope{Type: types.MsgPing, Timestamp: 12345})

	pong := readEnvelope(t, conn)
	if pong.Type != types.MsgPong {
		t.Fatalf("reply type = %q, want pong", pong.Type)
	}
	if pong.Timestamp != 12345 {
		t.Errorf("Timestamp = %d, want the client's 12345 echoed back", pong.Timestamp)
	}
}

func TestFrontendReadyCallback(t *testing.T) {
	t.Parallel()

	readyCh := make(chan types.FrontendReady, 1)
	s := newTestServer(t, Callbacks{
		OnReady: func(id string, info types.FrontendReady) { readyCh <- info },
	})
	conn := dialFrontend(t, s)
	announceReady(t, conn)

	select {
	case info := <-readyCh:
		if info.Exchange != "edgex" || info.Ticker != "BTC" {
			t.Errorf("ready info = %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ready callback never fired")
	}

	if !s.FrontendReady("edgex") {
		t.Error("FrontendReady(edgex) = false after announcement")
	}
	if s.FrontendReady("lighter") {
		t.Error("FrontendReady(lighter) = true, no such session")
	}
	if s.ReadyCount() != 1 {
		t.Errorf("ReadyCount = %d, want 1", s.ReadyCount())
	}
}

func TestMarketDataCallback(t *testing.T) {
	t.Parallel()

	mdCh := make(chan types.MarketData, 1)
	s := newTestServer(t, Callbacks{
		OnMarketData: func(venue types.Venue, md types.MarketData) {
			if venue != types.VenueEdgeX {
				t.Errorf("venue = %s, want edgex", venue)
			}
			mdCh <- md
		},
	})
	conn := dialFrontend(t, s)

	sendEnvelope(t, conn, types.Envelope{
		Type:      types.MsgMarketData,
		Data:      json.RawMessage(`{"bestBid":"100.1","bestAsk":100.3,"bidSize":2}`),
		Timestamp: time.Now().UnixMilli(),
	})

	select {
	case md := <-mdCh:
		if md.BestBid == nil || !md.BestBid.Equal(decimal.RequireFromString("100.1")) {
			t.Errorf("BestBid = %v, want 100.1", md.BestBid)
		}
		if md.BestAsk == nil || !md.BestAsk.Equal(decimal.RequireFromString("100.3")) {
			t.Errorf("BestAsk = %v, want 100.3 (bare number encoding)", md.BestAsk)
		}
		if md.AskSize != nil {
			t.Errorf("AskSize = %v, want nil for an omitted field", md.AskSize)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("market data callback never fired")
	}
}

func TestExecuteOrderReachesOnlyReadyClients(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Callbacks{})

	ready := dialFrontend(t, s)
	idle := dialFrontend(t, s)
	announceReady(t, ready)
	waitReady(t, s)

	err := s.ExecuteOrder(types.ExecuteOrder{
		Side:          types.Buy,
		Quantity:      "0.001",
		Price:         "50000.0",
		ClientOrderID: "arb_long_1",
	})
	if err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}

	env := readEnvelope(t, ready)
	if env.Type != types.MsgExecuteOrder {
		t.Fatalf("type = %q, want execute_order", env.Type)
	}
	if env.Timestamp == 0 {
		t.Error("envelope is missing its timestamp")
	}
	var order types.ExecuteOrder
	if err := json.Unmarshal(env.Data, &order); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if order.ClientOrderID != "arb_long_1" || order.Side != types.Buy || order.Price != "50000.0" {
		t.Errorf("order = %+v", order)
	}

	expectSilence(t, idle)
}

func TestRequestHandlerReply(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Callbacks{})
	s.RegisterHandler("query_status", func(data json.RawMessage) (any, error) {
		return map[string]any{"running": true}, nil
	})
	conn := dialFrontend(t, s)

	sendEnvelope(t, conn, types.Envelope{Type: "query_status", RequestID: "r1"})

	reply := readEnvelope(t, conn)
	if reply.RequestID != "r1" {
		t.Fatalf("RequestID = %q, want r1", reply.RequestID)
	}
	if reply.Type != "" {
		t.Errorf("reply carries type %q, want none", reply.Type)
	}
	var result struct {
		Running bool `json:"running"`
	}
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if !result.Running {
		t.Error("result.running = false, want true")
	}
}

func TestRequestHandlerError(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Callbacks{})
	s.RegisterHandler("update_config", func(data json.RawMessage) (any, error) {
		return nil, fmt.Errorf("bad quantity")
	})
	conn := dialFrontend(t, s)

	sendEnvelope(t, conn, types.Envelope{Type: "update_config", RequestID: "r2"})

	reply := readEnvelope(t, conn)
	if reply.RequestID != "r2" {
		t.Fatalf("RequestID = %q, want r2", reply.RequestID)
	}
	if reply.Error != "bad quantity" {
		t.Errorf("Error = %q, want bad quantity", reply.Error)
	}
}

func TestUnknownTypeGetsNoReply(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Callbacks{})
	conn := dialFrontend(t, s)

	sendEnvelope(t, conn, types.Envelope{Type: "bogus", RequestID: "r3"})
	expectSilence(t, conn)
}

func TestDisconnectCallbackOnlyWhenReady(t *testing.T) {
	t.Parallel()

	discCh := make(chan string, 2)
	s := newTestServer(t, Callbacks{
		OnDisconnect: func(id, exchange string) { discCh <- exchange },
	})

	idle := dialFrontend(t, s)
	idle.Close()
	select {
	case exchange := <-discCh:
		t.Fatalf("disconnect fired for a session that never went ready: %q", exchange)
	case <-time.After(300 * time.Millisecond):
	}

	ready := dialFrontend(t, s)
	announceReady(t, ready)
	waitReady(t, s)
	ready.Close()

	select {
	case exchange := <-discCh:
		if exchange != "edgex" {
			t.Errorf("exchange = %q, want edgex", exchange)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never fired for the ready session")
	}
}

func TestOrderAckAndUpdateCallbacks(t *testing.T) {
	t.Parallel()

	placedCh := make(chan types.OrderAck, 1)
	updateCh := make(chan types.OrderUpdate, 1)
	s := newTestServer(t, Callbacks{
		OnOrderPlaced: func(ack types.OrderAck) { placedCh <- ack },
		OnOrderUpdate: func(update types.OrderUpdate) { updateCh <- update },
	})
	conn := dialFrontend(t, s)

	sendEnvelope(t, conn, types.Envelope{
		Type: types.MsgOrderPlaced,
		Data: json.RawMessage(`{"clientOrderId":"arb_long_1","success":true,"orderId":"E-77","latency":42.5}`),
	})
	select {
	case ack := <-placedCh:
		if ack.ClientOrderID != "arb_long_1" || !ack.Success || ack.OrderID != "E-77" {
			t.Errorf("ack = %+v", ack)
		}
		if ack.LatencyMs != 42.5 {
			t.Errorf("LatencyMs = %v, want 42.5", ack.LatencyMs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("order placed callback never fired")
	}

	sendEnvelope(t, conn, types.Envelope{
		Type: types.MsgOrderUpdate,
		Data: json.RawMessage(`{"clientOrderId":"arb_long_1","status":"FILLED","filledSize":"0.001","side":"buy","price":"50000.0"}`),
	})
	select {
	case update := <-updateCh:
		if update.Status != types.OrderFilled {
			t.Errorf("Status = %s, want FILLED", update.Status)
		}
		if !update.FilledSize.Equal(decimal.RequireFromString("0.001")) {
			t.Errorf("FilledSize = %s, want 0.001", update.FilledSize)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("order update callback never fired")
	}
}

func TestStopClosesClients(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Callbacks{})
	conn := dialFrontend(t, s)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed after Stop")
	}
}
