package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Bridge message types. Sent by the front-end unless marked backend.
const (
	MsgPing           = "ping"
	MsgPong           = "pong"    // backend
	MsgWelcome        = "welcome" // backend
	MsgFrontendReady  = "frontend_ready"
	MsgMarketData     = "edgex_market_data"
	MsgOrderPlaced    = "order_placed"
	MsgOrderUpdate    = "order_update"
	MsgOrderCanceled  = "order_canceled"
	MsgStatusReport   = "status_report"
	MsgExecuteOrder   = "execute_order"   // backend
	MsgCancelOrder    = "cancel_order"    // backend
	MsgEmergencyClose = "emergency_close" // backend
	MsgQueryStatus    = "query_status"    // backend
)

// Envelope frames every message on the front-end bridge. Timestamp is epoch
// milliseconds. RequestID correlates request/reply pairs for message types
// served by registered handlers; the reply echoes it back without a type.
// Message and Error ride at the top level (welcome frames and handler
// failures respectively), matching what the front-end expects.
type Envelope struct {
	Type      string          `json:"type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// FrontendReady announces that a front-end session is live for an exchange.
type FrontendReady struct {
	Exchange   string `json:"exchange"`
	Ticker     string `json:"ticker"`
	ContractID string `json:"contractId"`
}

// MarketData carries the EdgeX top of book relayed by the front-end.
// All fields are optional; a nil field leaves the previous value in place.
// decimal.Decimal unmarshals both quoted strings and bare JSON numbers, so
// either front-end encoding works.
type MarketData struct {
	BestBid *decimal.Decimal `json:"bestBid"`
	BestAsk *decimal.Decimal `json:"bestAsk"`
	BidSize *decimal.Decimal `json:"bidSize,omitempty"`
	AskSize *decimal.Decimal `json:"askSize,omitempty"`
}

// OrderAck is the front-end's ack for an execute_order instruction.
// LatencyMs is the front-end's own measurement of the venue round trip.
type OrderAck struct {
	ClientOrderID string  `json:"clientOrderId"`
	Success       bool    `json:"success"`
	OrderID       string  `json:"orderId,omitempty"`
	Error         string  `json:"error,omitempty"`
	LatencyMs     float64 `json:"latency"`
}

// OrderUpdate is an EdgeX order lifecycle notification.
type OrderUpdate struct {
	ClientOrderID string          `json:"clientOrderId"`
	Status        OrderStatus     `json:"status"`
	FilledSize    decimal.Decimal `json:"filledSize"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
}

// OrderCanceledAck acks a cancel_order instruction.
type OrderCanceledAck struct {
	OrderID string `json:"orderId"`
}

// ExecuteOrder instructs the front-end to place a passive EdgeX limit order.
// Quantity and price travel as strings so the front-end JS never rounds them.
type ExecuteOrder struct {
	Side          Side   `json:"side"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price"`
	ClientOrderID string `json:"clientOrderId"`
}

// CancelOrder instructs the front-end to cancel an EdgeX order.
type CancelOrder struct {
	OrderID string `json:"orderId"`
}

// EmergencyClose instructs the front-end to flatten the EdgeX position.
type EmergencyClose struct {
	Side     Side   `json:"side"`
	Quantity string `json:"quantity"`
}
