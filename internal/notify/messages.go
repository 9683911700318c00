package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"edgex-lighter-arb/pkg/types"
)

// Telegram messages use HTML parse mode: <b>, <i> and <code> only.

func startupMessage(label string) string {
	return fmt.Sprintf(`🚀 <b>Arbitrage system started</b>

📍 Account: <code>%s</code>
⏰ Time: %s
📊 Status: waiting for frontend connection

<i>EdgeX-Lighter cross-venue arbitrage</i>`,
		label, time.Now().Format("2006-01-02 15:04:05"))
}

func shutdownMessage(label string, sent int) string {
	return fmt.Sprintf(`🛑 <b>Arbitrage system stopped</b>

📍 Account: <code>%s</code>
⏰ Time: %s
📨 Messages this session: %d

<i>System shut down cleanly</i>`,
		label, time.Now().Format("2006-01-02 15:04:05"), sent)
}

func frontendConnectedMessage(label, ticker string) string {
	return fmt.Sprintf(`✅ <b>Frontend connected</b>

📍 Account: <code>%s</code>
💹 Ticker: <code>%s</code>
⏰ Time: %s

<i>Sampling spreads, waiting for signals</i>`,
		label, ticker, time.Now().Format("15:04:05"))
}

func frontendDisconnectedMessage(label string) string {
	return fmt.Sprintf(`⚠️ <b>Frontend disconnected</b>

📍 Account: <code>%s</code>
⏰ Time: %s

<b>EdgeX execution is unavailable until it reconnects</b>`,
		label, time.Now().Format("15:04:05"))
}

func samplingCompleteMessage(label string, samples int, longThreshold, shortThreshold decimal.Decimal) string {
	return fmt.Sprintf(`📊 <b>Sampling complete</b>

📍 Account: <code>%s</code>
📈 Samples: %d
🎯 Long threshold: %s
🎯 Short threshold: %s
⏰ Time: %s

<i>Strategy active, watching for opportunities</i>`,
		label, samples,
		longThreshold.StringFixed(2), shortThreshold.StringFixed(2),
		time.Now().Format("15:04:05"))
}

func tradeMessage(label string, note TradeNote) string {
	header := "🟢 <b>Trade filled - long</b>"
	if note.Direction == types.Short {
		header = "🔴 <b>Trade filled - short</b>"
	}
	if note.Partial {
		header = fmt.Sprintf("⚠️ <b>Trade partially hedged - %s</b>", note.Direction)
	}

	return fmt.Sprintf(`%s

📍 Account: <code>%s</code>
📦 Quantity: <code>%s</code>
💰 EdgeX: <code>%s</code>
💰 Lighter: <code>%s</code>
📊 Spread: <code>%s</code>
⚡ Latency: %dms

📈 EdgeX position: <code>%s</code>
📉 Lighter position: <code>%s</code>
💵 Estimated PnL: <code>%s</code>

⏰ %s`,
		header, label,
		note.Quantity, note.EdgeXPrice, note.LighterPrice, note.Spread,
		note.LatencyMs,
		note.EdgeXPos, note.LighterPos, note.PnLEstimate,
		time.Now().Format("15:04:05"))
}

func errorMessage(label, errorType, detail string, fields map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `⚠️ <b>Error alert</b>

📍 Account: <code>%s</code>
❌ Type: <code>%s</code>
📝 Detail: %s
`, label, errorType, detail)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("📋 Fields:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %v\n", k, fields[k])
		}
	}

	fmt.Fprintf(&sb, `⏰ %s

<i>Check system state</i>`, time.Now().Format("15:04:05"))
	return sb.String()
}

func circuitBreakerMessage(label string, errorCount int, window time.Duration) string {
	return fmt.Sprintf(`🚨 <b>Circuit breaker tripped</b>

📍 Account: <code>%s</code>
❌ Errors: %d in %.0fs
⏰ Time: %s

<b>Trading paused, auto-reset in 5 minutes</b>
<i>Check network and API health</i>`,
		label, errorCount, window.Seconds(), time.Now().Format("15:04:05"))
}

func imbalanceMessage(label string, edgexPos, lighterPos decimal.Decimal) string {
	return fmt.Sprintf(`⚠️ <b>Position imbalance</b>

📍 Account: <code>%s</code>
📈 EdgeX: <code>%s</code>
📉 Lighter: <code>%s</code>
🔢 Net: <code>%s</code>
⏰ %s

<i>Check hedge execution</i>`,
		label, edgexPos, lighterPos, edgexPos.Add(lighterPos),
		time.Now().Format("15:04:05"))
}

func statusMessage(label string, r StatusReport) string {
	state := "running"
	if !r.Running {
		state = "paused"
	}
	return fmt.Sprintf(`📊 <b>Status report</b>

📍 Account: <code>%s</code>
🔄 State: %s

<b>Trading:</b>
  📈 Signals: %d
  ✅ Trades: %d
  ❌ Errors: %d
  💵 Daily PnL: %s

<b>Positions:</b>
  📊 EdgeX: %s
  📊 Lighter: %s
  🔢 Net: %s

<b>Strategy:</b>
  🎯 Long threshold: %s
  🎯 Short threshold: %s
  📊 Spreads: L=%s / S=%s

<b>Latency:</b>
  ⚡ Health: %.0f/100

⏰ %s`,
		label, state,
		r.SignalCount, r.TradeCount, r.ErrorCount, r.DailyPnL.StringFixed(2),
		r.EdgeXPosition.StringFixed(6), r.LighterPosition.StringFixed(6),
		r.EdgeXPosition.Add(r.LighterPosition).StringFixed(6),
		r.LongThreshold.StringFixed(2), r.ShortThreshold.StringFixed(2),
		r.LongSpread.StringFixed(2), r.ShortSpread.StringFixed(2),
		r.LatencyScore,
		time.Now().Format("2006-01-02 15:04:05"))
}

func dailySummaryMessage(label string, sum DailySummary) string {
	successRate := 0.0
	if sum.TradeCount > 0 {
		successRate = float64(sum.SuccessCount) / float64(sum.TradeCount) * 100
	}
	return fmt.Sprintf(`📈 <b>Daily summary</b>

📍 Account: <code>%s</code>
📅 Date: %s

<b>Trading:</b>
  📊 Trades: %d
  ✅ Success rate: %.1f%%
  💵 Total PnL: <code>%s</code>

<b>Performance:</b>
  ⚡ Average latency: %.0fms
  📈 Peak position: %s`,
		label, time.Now().Format("2006-01-02"),
		sum.TradeCount, successRate, sum.TotalPnL,
		sum.AvgLatencyMs, sum.MaxPosition)
}
