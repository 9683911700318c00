package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"edgex-lighter-arb/pkg/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestTradeMessageHeaders(t *testing.T) {
	t.Parallel()

	long := tradeMessage("A1", TradeNote{Direction: types.Long, Quantity: dec("0.001")})
	if !strings.Contains(long, "🟢") || !strings.Contains(long, "long") {
		t.Errorf("long header wrong:\n%s", long)
	}

	short := tradeMessage("A1", TradeNote{Direction: types.Short, Quantity: dec("0.001")})
	if !strings.Contains(short, "🔴") || !strings.Contains(short, "short") {
		t.Errorf("short header wrong:\n%s", short)
	}

	partial := tradeMessage("A1", TradeNote{Direction: types.Long, Partial: true})
	if !strings.Contains(partial, "partially hedged") {
		t.Errorf("partial header wrong:\n%s", partial)
	}
	if !strings.Contains(partial, "<code>A1</code>") {
		t.Error("account label missing")
	}
}

func TestErrorMessageSortsFields(t *testing.T) {
	t.Parallel()

	text := errorMessage("A1", "circuit_breaker", "too many errors", map[string]any{
		"window":      60,
		"error_count": 12,
	})

	i := strings.Index(text, "error_count: 12")
	j := strings.Index(text, "window: 60")
	if i < 0 || j < 0 {
		t.Fatalf("fields missing:\n%s", text)
	}
	if i > j {
		t.Error("fields not sorted by key")
	}
}

func TestErrorMessageWithoutFields(t *testing.T) {
	t.Parallel()

	text := errorMessage("A1", "order_failed", "timeout", nil)
	if strings.Contains(text, "Fields:") {
		t.Errorf("empty field block rendered:\n%s", text)
	}
	if !strings.Contains(text, "<code>order_failed</code>") {
		t.Errorf("type missing:\n%s", text)
	}
}

func TestStatusMessageComputesNet(t *testing.T) {
	t.Parallel()

	text := statusMessage("A1", StatusReport{
		Running:         true,
		EdgeXPosition:   dec("0.003"),
		LighterPosition: dec("-0.001"),
		LatencyScore:    88,
	})
	if !strings.Contains(text, "Net: 0.002000") {
		t.Errorf("net position missing:\n%s", text)
	}
	if !strings.Contains(text, "State: running") {
		t.Error("running state missing")
	}
	if !strings.Contains(text, "88/100") {
		t.Error("latency score missing")
	}

	paused := statusMessage("A1", StatusReport{Running: false})
	if !strings.Contains(paused, "State: paused") {
		t.Error("paused state missing")
	}
}

func TestDailySummarySuccessRate(t *testing.T) {
	t.Parallel()

	text := dailySummaryMessage("A1", DailySummary{
		TradeCount:   10,
		SuccessCount: 7,
		TotalPnL:     dec("3.21"),
	})
	if !strings.Contains(text, "70.0%") {
		t.Errorf("success rate missing:\n%s", text)
	}

	empty := dailySummaryMessage("A1", DailySummary{})
	if !strings.Contains(empty, "0.0%") {
		t.Errorf("zero-trade rate wrong:\n%s", empty)
	}
}

func TestImbalanceMessageNet(t *testing.T) {
	t.Parallel()

	text := imbalanceMessage("A1", dec("0.005"), dec("-0.002"))
	if !strings.Contains(text, "<code>0.003</code>") {
		t.Errorf("net missing:\n%s", text)
	}
}

func TestCircuitBreakerMessageWindow(t *testing.T) {
	t.Parallel()

	text := circuitBreakerMessage("A1", 12, 60*time.Second)
	if !strings.Contains(text, "12 in 60s") {
		t.Errorf("breaker counts missing:\n%s", text)
	}
}
