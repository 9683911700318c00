package types

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RoundToTick floors a price to the tick grid.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Truncate(0).Mul(tick)
}

// FormatQuantity renders a quantity with 8 decimal places, rounding down.
func FormatQuantity(q decimal.Decimal) string {
	return q.Truncate(8).StringFixed(8)
}

// FormatPrice renders a tick-rounded price with the precision the tick implies.
func FormatPrice(price, tick decimal.Decimal) string {
	p := RoundToTick(price, tick)
	var decimals int32
	if s := tick.String(); strings.Contains(s, ".") {
		decimals = int32(len(s) - strings.Index(s, ".") - 1)
	}
	return p.StringFixed(decimals)
}

// CalculatePnL returns the profit of a round trip at the given prices.
func CalculatePnL(entry, exit, quantity decimal.Decimal, isLong bool) decimal.Decimal {
	if isLong {
		return exit.Sub(entry).Mul(quantity)
	}
	return entry.Sub(exit).Mul(quantity)
}

var (
	orderIDMu   sync.Mutex
	lastOrderMs int64
)

// NewOrderID returns "<prefix>_<epoch-ms>". Calls landing in the same
// millisecond bump the timestamp, so issued IDs strictly increase.
func NewOrderID(prefix string) string {
	orderIDMu.Lock()
	defer orderIDMu.Unlock()

	ms := time.Now().UnixMilli()
	if ms <= lastOrderMs {
		ms = lastOrderMs + 1
	}
	lastOrderMs = ms
	return prefix + "_" + strconv.FormatInt(ms, 10)
}
