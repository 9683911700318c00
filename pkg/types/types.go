// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the executor: venues, sides,
// arbitrage directions, order lifecycle states, top-of-book quotes, and the
// signal/pending-order types that flow between the strategy and the
// coordinator. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies one of the two exchanges.
type Venue string

const (
	VenueEdgeX   Venue = "edgex"
	VenueLighter Venue = "lighter"
)

// Side is the direction of a single order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side. Used for hedge legs and emergency closes.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Direction identifies which way a two-leg arbitrage trade points.
// Long buys EdgeX and sells Lighter; Short is the mirror.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// OrderStatus is the lifecycle state the front-end reports for an EdgeX order.
type OrderStatus string

const (
	OrderNew      OrderStatus = "NEW"
	OrderPlaced   OrderStatus = "PLACED"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderRejected OrderStatus = "REJECTED"
)

// Level is one price level of a venue order book.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Quote is a venue's top of book. A zero Bid or Ask means that side is
// unknown (no data yet, or the last level was deleted).
type Quote struct {
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
	UpdatedAt time.Time
}

// Complete reports whether both sides of the quote are known.
func (q Quote) Complete() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive()
}

// Mid returns (bid+ask)/2, or false when either side is unknown.
func (q Quote) Mid() (decimal.Decimal, bool) {
	if !q.Complete() {
		return decimal.Decimal{}, false
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2)), true
}

// Signal is an executable arbitrage opportunity produced by the strategy.
// EdgeXPrice is the passive maker price for the EdgeX leg (one tick inside
// the touch); LighterPrice is the reference price of the Lighter side the
// hedge will cross.
type Signal struct {
	Direction     Direction
	EdgeXSide     Side
	LighterSide   Side
	EdgeXPrice    decimal.Decimal
	LighterPrice  decimal.Decimal
	Spread        decimal.Decimal
	Threshold     decimal.Decimal // the adaptive threshold the spread cleared
	Quantity      decimal.Decimal
	Confidence    float64 // 0..1, grows with spread excess over threshold
	ClientOrderID string
	CreatedAt     time.Time
}

// Pending order states between dispatch and the terminal order update.
const (
	PendingSubmitted = "pending" // sent to the front-end, no ack yet
	PendingPlaced    = "placed"  // front-end confirmed placement
)

// PendingOrder tracks an in-flight EdgeX leg by client order ID.
type PendingOrder struct {
	Signal         Signal
	Status         string
	OrderID        string // venue order ID, set once order_placed acks
	PlaceLatencyMs float64
	CreatedAt      time.Time
}
