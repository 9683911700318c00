// Package datalog journals a trading session to disk for offline analysis.
//
// Each session writes four files under the configured directory, all named
// <ticker>_<YYYYMMDD_HHMMSS>_*: trades.csv (one row per two-leg trade),
// bbo.csv (top-of-book and spread samples), snapshots.csv (periodic engine
// state) and events.jsonl (one JSON object per line, written immediately).
// CSV rows are buffered in memory and flushed when a buffer fills or on a
// periodic timer, so the hot path never waits on disk. ExportForAnalysis
// bundles the session summary and recent records into a single JSON file
// using atomic replacement (write to .tmp, then rename).
package datalog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"edgex-lighter-arb/pkg/types"
)

// Trade outcome recorded in the status column.
const (
	TradeSuccess = "success" // both legs filled
	TradePartial = "partial" // EdgeX filled, hedge failed
	TradeFailed  = "failed"  // entry leg never filled
)

const (
	rowFlushSize      = 100 // trades and bbo rows buffered before a write
	snapshotFlushSize = 10  // snapshots arrive slowly, flush sooner
	flushInterval     = 30 * time.Second

	recentTradesCap = 100
	recentBBOCap    = 1000

	timeLayout = "2006-01-02 15:04:05.000"
)

// TradeRecord is one completed (or attempted) two-leg arbitrage trade.
type TradeRecord struct {
	Timestamp            time.Time       `json:"timestamp"`
	Direction            types.Direction `json:"direction"`
	EdgeXSide            types.Side      `json:"edgex_side"`
	LighterSide          types.Side      `json:"lighter_side"`
	Quantity             decimal.Decimal `json:"quantity"`
	EdgeXPrice           decimal.Decimal `json:"edgex_price"`
	LighterPrice         decimal.Decimal `json:"lighter_price"`
	Spread               decimal.Decimal `json:"spread"`
	Threshold            decimal.Decimal `json:"threshold"`
	EdgeXOrderID         string          `json:"edgex_order_id"`
	LighterOrderID       string          `json:"lighter_order_id"`
	EdgeXFillTimeMs      int64           `json:"edgex_fill_time_ms"`
	LighterFillTimeMs    int64           `json:"lighter_fill_time_ms"`
	TotalLatencyMs       int64           `json:"total_latency_ms"`
	PnLEstimate          decimal.Decimal `json:"pnl_estimate"`
	EdgeXPositionAfter   decimal.Decimal `json:"edgex_position_after"`
	LighterPositionAfter decimal.Decimal `json:"lighter_position_after"`
	Status               string          `json:"status"`
}

// BBORecord is one top-of-book sample across both venues.
// A zero price or spread means that side had not been seen yet; it renders
// as a blank CSV cell.
type BBORecord struct {
	Timestamp      time.Time       `json:"timestamp"`
	EdgeXBid       decimal.Decimal `json:"edgex_bid"`
	EdgeXAsk       decimal.Decimal `json:"edgex_ask"`
	LighterBid     decimal.Decimal `json:"lighter_bid"`
	LighterAsk     decimal.Decimal `json:"lighter_ask"`
	LongSpread     decimal.Decimal `json:"long_spread"`
	ShortSpread    decimal.Decimal `json:"short_spread"`
	LongThreshold  decimal.Decimal `json:"long_threshold"`
	ShortThreshold decimal.Decimal `json:"short_threshold"`
}

// SnapshotRecord is a periodic dump of engine, position and risk state.
type SnapshotRecord struct {
	Timestamp        time.Time       `json:"timestamp"`
	Running          bool            `json:"is_running"`
	Sampling         bool            `json:"is_sampling"`
	SamplesCollected int             `json:"samples_collected"`
	LongThreshold    decimal.Decimal `json:"long_threshold"`
	ShortThreshold   decimal.Decimal `json:"short_threshold"`
	LongSpread       decimal.Decimal `json:"current_long_spread"`
	ShortSpread      decimal.Decimal `json:"current_short_spread"`
	EdgeXPosition    decimal.Decimal `json:"edgex_position"`
	LighterPosition  decimal.Decimal `json:"lighter_position"`
	SignalCount      int             `json:"signal_count"`
	TradeCount       int             `json:"trade_count"`
	ErrorCount       int             `json:"error_count"`
	DailyPnL         decimal.Decimal `json:"daily_pnl"`
	AvgLatencyMs     float64         `json:"avg_latency_ms"`
	LatencyP95Ms     float64         `json:"latency_p95_ms"`
}

// Summary describes the session's files and record counts.
type Summary struct {
	SessionID      string            `json:"session_id"`
	Ticker         string            `json:"ticker"`
	Dir            string            `json:"log_dir"`
	Files          map[string]string `json:"files"`
	TotalTrades    int               `json:"total_trades"`
	TotalBBO       int               `json:"total_bbo_records"`
	TotalSnapshots int               `json:"total_snapshots"`
}

// Journal buffers session records and appends them to per-session files.
// Log* methods never fail the caller; write errors are logged and the
// trading path continues.
type Journal struct {
	dir       string
	ticker    string
	sessionID string

	tradesPath    string
	bboPath       string
	snapshotsPath string
	eventsPath    string

	mu        sync.Mutex
	trades    []TradeRecord
	bbo       []BBORecord
	snapshots []SnapshotRecord

	recentTrades []TradeRecord
	recentBBO    []BBORecord

	totalTrades    int
	totalBBO       int
	totalSnapshots int

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// Open creates the session files under dir and starts the periodic flusher.
func Open(dir, ticker string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	sessionID := time.Now().Format("20060102_150405")
	prefix := ticker + "_" + sessionID

	j := &Journal{
		dir:           dir,
		ticker:        ticker,
		sessionID:     sessionID,
		tradesPath:    filepath.Join(dir, prefix+"_trades.csv"),
		bboPath:       filepath.Join(dir, prefix+"_bbo.csv"),
		snapshotsPath: filepath.Join(dir, prefix+"_snapshots.csv"),
		eventsPath:    filepath.Join(dir, prefix+"_events.jsonl"),
		done:          make(chan struct{}),
		logger:        logger.With("component", "datalog"),
	}

	if err := initCSV(j.tradesPath, tradeHeader); err != nil {
		return nil, err
	}
	if err := initCSV(j.bboPath, bboHeader); err != nil {
		return nil, err
	}
	if err := initCSV(j.snapshotsPath, snapshotHeader); err != nil {
		return nil, err
	}

	go j.flushLoop()

	j.logger.Info("journal opened", "dir", dir, "session", sessionID)
	return j, nil
}

var tradeHeader = []string{
	"timestamp", "datetime", "direction", "edgex_side", "lighter_side",
	"quantity", "edgex_price", "lighter_price", "spread", "threshold",
	"edgex_order_id", "lighter_order_id", "edgex_fill_time_ms",
	"lighter_fill_time_ms", "total_latency_ms", "pnl_estimate",
	"edgex_position_after", "lighter_position_after", "net_position_after",
	"status",
}

var bboHeader = []string{
	"timestamp", "datetime", "edgex_bid", "edgex_ask",
	"lighter_bid", "lighter_ask", "long_spread", "short_spread",
	"long_threshold", "short_threshold",
}

var snapshotHeader = []string{
	"timestamp", "datetime", "is_running", "is_sampling", "samples_collected",
	"long_threshold", "short_threshold", "current_long_spread",
	"current_short_spread", "edgex_position", "lighter_position",
	"net_position", "signal_count", "trade_count", "success_count",
	"error_count", "daily_pnl", "avg_latency_ms", "latency_p95_ms",
}

// LogTrade buffers one trade row. A zero Timestamp is stamped with now.
func (j *Journal) LogTrade(rec TradeRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.trades = append(j.trades, rec)
	j.totalTrades++
	j.recentTrades = append(j.recentTrades, rec)
	if len(j.recentTrades) > recentTradesCap {
		j.recentTrades = j.recentTrades[len(j.recentTrades)-recentTradesCap:]
	}

	if len(j.trades) >= rowFlushSize {
		if err := j.flushTradesLocked(); err != nil {
			j.logger.Error("flush trades", "error", err)
		}
	}
}

// LogBBO buffers one top-of-book sample.
func (j *Journal) LogBBO(rec BBORecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.bbo = append(j.bbo, rec)
	j.totalBBO++
	j.recentBBO = append(j.recentBBO, rec)
	if len(j.recentBBO) > recentBBOCap {
		j.recentBBO = j.recentBBO[len(j.recentBBO)-recentBBOCap:]
	}

	if len(j.bbo) >= rowFlushSize {
		if err := j.flushBBOLocked(); err != nil {
			j.logger.Error("flush bbo", "error", err)
		}
	}
}

// LogSnapshot buffers one engine-state row.
func (j *Journal) LogSnapshot(rec SnapshotRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.snapshots = append(j.snapshots, rec)
	j.totalSnapshots++

	if len(j.snapshots) >= snapshotFlushSize {
		if err := j.flushSnapshotsLocked(); err != nil {
			j.logger.Error("flush snapshots", "error", err)
		}
	}
}

// LogEvent appends one line to the events file immediately, unbuffered, so
// the event trail survives a crash.
func (j *Journal) LogEvent(eventType string, data any) {
	now := time.Now()
	line, err := json.Marshal(struct {
		Timestamp int64  `json:"timestamp"`
		Datetime  string `json:"datetime"`
		Type      string `json:"type"`
		Data      any    `json:"data"`
	}{now.UnixMilli(), now.Format(time.RFC3339Nano), eventType, data})
	if err != nil {
		j.logger.Error("marshal event", "type", eventType, "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.eventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		j.logger.Error("open events file", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		j.logger.Error("write event", "type", eventType, "error", err)
	}
}

// Flush writes all buffered rows to disk.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	if err := j.flushTradesLocked(); err != nil {
		return err
	}
	if err := j.flushBBOLocked(); err != nil {
		return err
	}
	return j.flushSnapshotsLocked()
}

func (j *Journal) flushTradesLocked() error {
	if len(j.trades) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(j.trades))
	for _, rec := range j.trades {
		rows = append(rows, rec.row())
	}
	if err := appendCSV(j.tradesPath, rows); err != nil {
		return err
	}
	j.trades = j.trades[:0]
	return nil
}

func (j *Journal) flushBBOLocked() error {
	if len(j.bbo) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(j.bbo))
	for _, rec := range j.bbo {
		rows = append(rows, rec.row())
	}
	if err := appendCSV(j.bboPath, rows); err != nil {
		return err
	}
	j.bbo = j.bbo[:0]
	return nil
}

func (j *Journal) flushSnapshotsLocked() error {
	if len(j.snapshots) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(j.snapshots))
	for _, rec := range j.snapshots {
		rows = append(rows, rec.row())
	}
	if err := appendCSV(j.snapshotsPath, rows); err != nil {
		return err
	}
	j.snapshots = j.snapshots[:0]
	return nil
}

func (j *Journal) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := j.Flush(); err != nil {
				j.logger.Error("periodic flush", "error", err)
			}
		case <-j.done:
			return
		}
	}
}

// Summary reports the session's file paths and record counts.
func (j *Journal) Summary() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Summary{
		SessionID: j.sessionID,
		Ticker:    j.ticker,
		Dir:       j.dir,
		Files: map[string]string{
			"trades":    j.tradesPath,
			"bbo":       j.bboPath,
			"snapshots": j.snapshotsPath,
			"events":    j.eventsPath,
		},
		TotalTrades:    j.totalTrades,
		TotalBBO:       j.totalBBO,
		TotalSnapshots: j.totalSnapshots,
	}
}

// ExportForAnalysis flushes the buffers and writes a single JSON file with
// the session summary and the most recent trades and bbo samples. Returns
// the path of the written file.
func (j *Journal) ExportForAnalysis() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.flushLocked(); err != nil {
		return "", err
	}

	// The rings are already capped (recentTradesCap / recentBBOCap); the
	// export carries them whole.
	payload := struct {
		Summary Summary       `json:"summary"`
		Trades  []TradeRecord `json:"sample_trades"`
		BBO     []BBORecord   `json:"sample_bbo"`
	}{
		Summary: Summary{
			SessionID: j.sessionID,
			Ticker:    j.ticker,
			Dir:       j.dir,
			Files: map[string]string{
				"trades":    j.tradesPath,
				"bbo":       j.bboPath,
				"snapshots": j.snapshotsPath,
				"events":    j.eventsPath,
			},
			TotalTrades:    j.totalTrades,
			TotalBBO:       j.totalBBO,
			TotalSnapshots: j.totalSnapshots,
		},
		Trades: j.recentTrades,
		BBO:    j.recentBBO,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}

	path := filepath.Join(j.dir, j.ticker+"_"+j.sessionID+"_export.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename export: %w", err)
	}

	j.logger.Info("session exported", "path", path)
	return path, nil
}

// Close stops the flusher and writes everything still buffered.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.done)
		err = j.Flush()
		j.logger.Info("journal closed",
			"trades", j.totalTrades, "bbo", j.totalBBO, "snapshots", j.totalSnapshots)
	})
	return err
}

func (r TradeRecord) row() []string {
	net := r.EdgeXPositionAfter.Add(r.LighterPositionAfter)
	return []string{
		strconv.FormatInt(r.Timestamp.UnixMilli(), 10),
		r.Timestamp.Format(timeLayout),
		string(r.Direction),
		string(r.EdgeXSide),
		string(r.LighterSide),
		r.Quantity.String(),
		r.EdgeXPrice.String(),
		r.LighterPrice.String(),
		r.Spread.String(),
		r.Threshold.String(),
		r.EdgeXOrderID,
		r.LighterOrderID,
		strconv.FormatInt(r.EdgeXFillTimeMs, 10),
		strconv.FormatInt(r.LighterFillTimeMs, 10),
		strconv.FormatInt(r.TotalLatencyMs, 10),
		r.PnLEstimate.String(),
		r.EdgeXPositionAfter.String(),
		r.LighterPositionAfter.String(),
		net.String(),
		r.Status,
	}
}

func (r BBORecord) row() []string {
	return []string{
		strconv.FormatInt(r.Timestamp.UnixMilli(), 10),
		r.Timestamp.Format(timeLayout),
		blankIfZero(r.EdgeXBid),
		blankIfZero(r.EdgeXAsk),
		blankIfZero(r.LighterBid),
		blankIfZero(r.LighterAsk),
		blankIfZero(r.LongSpread),
		blankIfZero(r.ShortSpread),
		r.LongThreshold.String(),
		r.ShortThreshold.String(),
	}
}

func (r SnapshotRecord) row() []string {
	net := r.EdgeXPosition.Add(r.LighterPosition)
	return []string{
		strconv.FormatInt(r.Timestamp.UnixMilli(), 10),
		r.Timestamp.Format(timeLayout),
		strconv.FormatBool(r.Running),
		strconv.FormatBool(r.Sampling),
		strconv.Itoa(r.SamplesCollected),
		r.LongThreshold.String(),
		r.ShortThreshold.String(),
		r.LongSpread.String(),
		r.ShortSpread.String(),
		r.EdgeXPosition.String(),
		r.LighterPosition.String(),
		net.String(),
		strconv.Itoa(r.SignalCount),
		strconv.Itoa(r.TradeCount),
		strconv.Itoa(r.TradeCount - r.ErrorCount),
		strconv.Itoa(r.ErrorCount),
		r.DailyPnL.String(),
		strconv.FormatFloat(r.AvgLatencyMs, 'f', -1, 64),
		strconv.FormatFloat(r.LatencyP95Ms, 'f', -1, 64),
	}
}

func blankIfZero(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func initCSV(path string, header []string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return appendCSV(path, [][]string{header})
}

func appendCSV(path string, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
