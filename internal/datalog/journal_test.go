package datalog

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"edgex-lighter-arb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir(), "BTC", testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return rows
}

func TestOpenCreatesSessionFiles(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)
	files := j.Summary().Files

	for _, name := range []string{"trades", "bbo", "snapshots"} {
		rows := readCSV(t, files[name])
		if len(rows) != 1 {
			t.Fatalf("%s: %d rows, want header only", name, len(rows))
		}
	}
	if got := readCSV(t, files["trades"])[0][0]; got != "timestamp" {
		t.Errorf("trades header starts with %q", got)
	}
	if !strings.Contains(files["trades"], "BTC_") {
		t.Errorf("trades path %q missing ticker prefix", files["trades"])
	}
}

func TestLogTradeWrittenOnClose(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)

	j.LogTrade(TradeRecord{
		Direction:            types.Long,
		EdgeXSide:            types.Buy,
		LighterSide:          types.Sell,
		Quantity:             dec("0.001"),
		EdgeXPrice:           dec("50000.1"),
		LighterPrice:         dec("50012.4"),
		Spread:               dec("12.3"),
		Threshold:            dec("10"),
		EdgeXOrderID:         "arb_long_1",
		LighterOrderID:       "8734",
		TotalLatencyMs:       180,
		PnLEstimate:          dec("0.0123"),
		EdgeXPositionAfter:   dec("0.002"),
		LighterPositionAfter: dec("-0.001"),
		Status:               TradeSuccess,
	})

	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows := readCSV(t, j.Summary().Files["trades"])
	if len(rows) != 2 {
		t.Fatalf("%d rows, want header + 1 trade", len(rows))
	}
	row := rows[1]
	if row[2] != "long" || row[3] != "buy" || row[4] != "sell" {
		t.Errorf("direction/sides = %v %v %v", row[2], row[3], row[4])
	}
	if row[18] != "0.001" {
		t.Errorf("net_position_after = %q, want 0.001", row[18])
	}
	if row[19] != "success" {
		t.Errorf("status = %q", row[19])
	}
}

func TestBBOBlankCellsForUnknownSides(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)

	j.LogBBO(BBORecord{
		EdgeXBid:       dec("50000.0"),
		EdgeXAsk:       dec("50000.2"),
		LongThreshold:  dec("10"),
		ShortThreshold: dec("10"),
	})
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rows := readCSV(t, j.Summary().Files["bbo"])
	if len(rows) != 2 {
		t.Fatalf("%d rows, want header + 1", len(rows))
	}
	row := rows[1]
	if row[2] != "50000" || row[3] != "50000.2" {
		t.Errorf("edgex cells = %q %q", row[2], row[3])
	}
	for i := 4; i <= 7; i++ {
		if row[i] != "" {
			t.Errorf("column %d = %q, want blank for unseen side", i, row[i])
		}
	}
	if row[8] != "10" || row[9] != "10" {
		t.Errorf("thresholds = %q %q, always written", row[8], row[9])
	}
}

func TestBufferFlushesAtCapacity(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)

	for i := 0; i < rowFlushSize-1; i++ {
		j.LogBBO(BBORecord{EdgeXBid: dec("1"), EdgeXAsk: dec("2")})
	}
	if rows := readCSV(t, j.Summary().Files["bbo"]); len(rows) != 1 {
		t.Fatalf("flushed early: %d rows before the buffer filled", len(rows))
	}

	j.LogBBO(BBORecord{EdgeXBid: dec("1"), EdgeXAsk: dec("2")})
	rows := readCSV(t, j.Summary().Files["bbo"])
	if len(rows) != rowFlushSize+1 {
		t.Errorf("%d rows after fill, want %d", len(rows), rowFlushSize+1)
	}
}

func TestSnapshotSuccessCountDerived(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)

	j.LogSnapshot(SnapshotRecord{
		Running:          true,
		Sampling:         false,
		SamplesCollected: 30,
		LongThreshold:    dec("11.5"),
		ShortThreshold:   dec("10.5"),
		EdgeXPosition:    dec("0.003"),
		LighterPosition:  dec("-0.003"),
		SignalCount:      5,
		TradeCount:       10,
		ErrorCount:       3,
		DailyPnL:         dec("-1.2"),
		AvgLatencyMs:     84.5,
		LatencyP95Ms:     190,
	})
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rows := readCSV(t, j.Summary().Files["snapshots"])
	row := rows[1]
	if row[2] != "true" || row[3] != "false" {
		t.Errorf("running/sampling = %q %q", row[2], row[3])
	}
	if row[11] != "0" {
		t.Errorf("net_position = %q, want 0", row[11])
	}
	if row[14] != "7" {
		t.Errorf("success_count = %q, want trade_count - error_count = 7", row[14])
	}
	if row[17] != "84.5" {
		t.Errorf("avg_latency_ms = %q", row[17])
	}
}

func TestEventsWrittenImmediately(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)

	j.LogEvent("circuit_breaker", map[string]any{"error_count": 12})

	// No Flush or Close: the events file is unbuffered.
	data, err := os.ReadFile(j.Summary().Files["events"])
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	line := strings.TrimSpace(string(data))

	var event struct {
		Timestamp int64          `json:"timestamp"`
		Type      string         `json:"type"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.Type != "circuit_breaker" {
		t.Errorf("type = %q", event.Type)
	}
	if event.Timestamp == 0 {
		t.Error("timestamp missing")
	}
	if event.Data["error_count"].(float64) != 12 {
		t.Errorf("data = %v", event.Data)
	}
}

func TestExportForAnalysis(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)

	j.LogTrade(TradeRecord{Direction: types.Short, Quantity: dec("0.002"), Status: TradePartial})
	j.LogBBO(BBORecord{EdgeXBid: dec("50000"), EdgeXAsk: dec("50000.2")})
	j.LogBBO(BBORecord{EdgeXBid: dec("50000.1"), EdgeXAsk: dec("50000.3")})

	path, err := j.ExportForAnalysis()
	if err != nil {
		t.Fatalf("ExportForAnalysis: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var export struct {
		Summary Summary       `json:"summary"`
		Trades  []TradeRecord `json:"sample_trades"`
		BBO     []BBORecord   `json:"sample_bbo"`
	}
	if err := json.Unmarshal(data, &export); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if export.Summary.TotalTrades != 1 || export.Summary.TotalBBO != 2 {
		t.Errorf("summary counts = %d trades, %d bbo", export.Summary.TotalTrades, export.Summary.TotalBBO)
	}
	if len(export.Trades) != 1 || export.Trades[0].Direction != types.Short {
		t.Errorf("sample trades = %+v", export.Trades)
	}
	if len(export.BBO) != 2 {
		t.Errorf("sample bbo = %d records", len(export.BBO))
	}

	// Export also flushes the row buffers.
	if rows := readCSV(t, j.Summary().Files["trades"]); len(rows) != 2 {
		t.Errorf("trades file has %d rows after export, want 2", len(rows))
	}
}

func TestExportKeepsFullRecentRings(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)

	for i := 0; i < recentTradesCap+20; i++ {
		j.LogTrade(TradeRecord{Direction: types.Long, Quantity: dec("0.001"), Status: TradeSuccess})
	}

	path, err := j.ExportForAnalysis()
	if err != nil {
		t.Fatalf("ExportForAnalysis: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var export struct {
		Trades []TradeRecord `json:"sample_trades"`
	}
	if err := json.Unmarshal(data, &export); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	// The export carries the whole capped ring, not a shorter slice of it.
	if len(export.Trades) != recentTradesCap {
		t.Errorf("exported %d trades, want the full ring of %d", len(export.Trades), recentTradesCap)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	j := newTestJournal(t)

	if err := j.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
