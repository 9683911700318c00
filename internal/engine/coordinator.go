// Package engine is the central orchestrator of the arbitrage system.
//
// It wires together all subsystems:
//
//  1. The bridge server accepts the EdgeX browser front-end: market data and
//     order lifecycle events flow in, execution commands flow out.
//  2. The Lighter stream mirrors that venue's book into the shared store;
//     the Lighter client places hedge orders over REST.
//  3. The strategy engine samples cross-venue spreads once a second and
//     emits long/short signals once thresholds are learned.
//  4. The risk manager gates every signal and trips a circuit breaker on
//     error bursts.
//  5. EdgeX fills are hedged on Lighter immediately; both legs land in the
//     position ledger, the session journal, and the Telegram feed.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"edgex-lighter-arb/internal/bridge"
	"edgex-lighter-arb/internal/config"
	"edgex-lighter-arb/internal/datalog"
	"edgex-lighter-arb/internal/latency"
	"edgex-lighter-arb/internal/lighter"
	"edgex-lighter-arb/internal/market"
	"edgex-lighter-arb/internal/notify"
	"edgex-lighter-arb/internal/position"
	"edgex-lighter-arb/internal/risk"
	"edgex-lighter-arb/internal/strategy"
	"edgex-lighter-arb/pkg/types"
)

const (
	cycleInterval     = time.Second
	snapshotInterval  = 60 * time.Second
	statusInterval    = 30 * time.Second
	streamWaitTimeout = 5 * time.Second
	syncTimeout       = 10 * time.Second
)

// flattenEpsilon is the residual position treated as flat during shutdown.
var flattenEpsilon = decimal.RequireFromString("0.0001")

// Status is the aggregate system snapshot served to status requests.
type Status struct {
	Engine           strategy.Status   `json:"engine"`
	Risk             risk.RiskSnapshot `json:"risk"`
	Position         position.Status   `json:"position"`
	Latency          latency.Health    `json:"latency"`
	PendingOrders    int               `json:"pending_orders"`
	FrontendReady    bool              `json:"frontend_ready"`
	LighterConnected bool              `json:"lighter_connected"`
}

// Coordinator owns every subsystem and runs the trading loop.
type Coordinator struct {
	cfg    config.Config
	logger *slog.Logger

	books    *market.Store
	ledger   *position.Ledger
	meter    *latency.Meter
	riskMgr  *risk.Manager
	strat    *strategy.Engine
	lighter  *lighter.Client
	stream   *lighter.Stream
	bridge   *bridge.Server
	journal  *datalog.Journal
	notifier *notify.Notifier

	mu               sync.Mutex
	pending          map[string]*types.PendingOrder
	live             bool // strategy engine armed at least once
	samplingNotified bool
	maxExposure      decimal.Decimal

	// touched only by the trading loop goroutine
	lastSnapshot     time.Time
	lastStatus       time.Time
	dayTag           string
	imbalanceAlerted bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds the full system from config. Nothing is connected yet; Start
// opens the journal's counterpart goroutines, the bridge listener and the
// Lighter stream.
func New(cfg config.Config, logger *slog.Logger) (*Coordinator, error) {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		pending: make(map[string]*types.PendingOrder),
		ctx:     ctx,
		cancel:  cancel,
	}

	c.books = market.NewStore(logger)

	client, err := lighter.NewClient(cfg.Lighter, cfg.Strategy.HedgeSlippage, c.books, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("lighter client: %w", err)
	}
	c.lighter = client

	c.ledger = position.NewLedger(logger, client)
	c.meter = latency.NewMeter(logger)
	c.meter.SetFrontendFallback(cfg.Strategy.FrontendLatencyMs)
	c.riskMgr = risk.NewManager(cfg.Risk, c.ledger, logger)
	c.riskMgr.SetEmergencyCallback(c.onEmergency)
	c.strat = strategy.NewEngine(cfg.Strategy, c.books, c.ledger, logger)
	c.stream = lighter.NewStream(cfg.Lighter, c.books, logger)

	c.bridge = bridge.NewServer(cfg.Server, logger)
	c.bridge.SetCallbacks(bridge.Callbacks{
		OnReady:       c.onFrontendReady,
		OnDisconnect:  c.onFrontendDisconnect,
		OnMarketData:  c.onMarketData,
		OnOrderPlaced: c.onOrderPlaced,
		OnOrderUpdate: c.onOrderUpdate,
	})
	c.bridge.RegisterHandler("get_status", c.handleGetStatus)
	c.bridge.RegisterHandler("update_config", c.handleUpdateConfig)
	c.bridge.RegisterHandler("reset_sampling", c.handleResetSampling)
	c.bridge.RegisterHandler("reset_breaker", c.handleResetBreaker)

	journal, err := datalog.Open(cfg.Logging.Dir, cfg.Strategy.Ticker, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	c.journal = journal

	c.notifier = notify.New(cfg.Telegram, logger)

	return c, nil
}

// Start brings up the notifier, the bridge listener and the Lighter stream,
// then spawns the trading loop. It returns once everything is running; the
// strategy engine itself stays idle until the front-end announces ready.
func (c *Coordinator) Start() error {
	c.logger.Info("starting arbitrage system",
		"ticker", c.cfg.Strategy.Ticker,
		"order_quantity", c.cfg.Strategy.OrderQuantity,
		"max_position", c.cfg.Strategy.MaxPosition)

	c.notifier.Start()

	if err := c.bridge.Start(); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.stream.Run(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("lighter stream error", "error", err)
		}
	}()

	waitCtx, cancelWait := context.WithTimeout(c.ctx, streamWaitTimeout)
	defer cancelWait()
	if err := c.stream.WaitConnected(waitCtx); err != nil {
		c.logger.Warn("lighter stream not ready yet, continuing", "error", err)
	}

	balCtx, cancelBal := context.WithTimeout(c.ctx, syncTimeout)
	defer cancelBal()
	c.checkBalance(balCtx)

	c.journal.LogEvent("system_start", map[string]any{
		"ticker":         c.cfg.Strategy.Ticker,
		"order_quantity": c.cfg.Strategy.OrderQuantity.String(),
		"max_position":   c.cfg.Strategy.MaxPosition.String(),
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeOrderEvents()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runLoop()
	}()

	c.logger.Info("waiting for edgex frontend", "addr", c.bridge.Addr())
	return nil
}

// Stop shuts the system down: strategy first so no new signals fire, then
// the session export and emergency flatten while venue connections are
// still usable, and finally the transports.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("stopping arbitrage system")

		c.strat.Stop()
		c.cancel()
		c.wg.Wait()

		if path, err := c.journal.ExportForAnalysis(); err != nil {
			c.logger.Error("session export failed", "error", err)
		} else {
			c.logger.Info("session exported", "path", path)
		}

		summary := c.journal.Summary()
		c.journal.LogEvent("system_stop", map[string]any{
			"total_trades": summary.TotalTrades,
			"total_bbo":    summary.TotalBBO,
		})

		c.emergencyFlatten()

		if err := c.journal.Close(); err != nil {
			c.logger.Error("journal close failed", "error", err)
		}
		c.notifier.Stop()
		if err := c.stream.Close(); err != nil {
			c.logger.Debug("lighter stream close", "error", err)
		}
		if err := c.bridge.Stop(); err != nil {
			c.logger.Error("bridge stop failed", "error", err)
		}

		c.logger.Info("arbitrage system stopped")
	})
}

// Status aggregates every subsystem's snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	pendingCount := len(c.pending)
	c.mu.Unlock()

	return Status{
		Engine:           c.strat.Snapshot(),
		Risk:             c.riskMgr.Snapshot(),
		Position:         c.ledger.Snapshot(),
		Latency:          c.meter.HealthReport(),
		PendingOrders:    pendingCount,
		FrontendReady:    c.bridge.FrontendReady("edgex"),
		LighterConnected: c.stream.Connected(),
	}
}

// checkBalance warns when the Lighter margin balance sits below the
// configured minimum. Startup proceeds either way; the risk manager keeps
// enforcing the floor per signal.
func (c *Coordinator) checkBalance(ctx context.Context) {
	balance, err := c.lighter.Balance(ctx)
	if err != nil {
		c.logger.Warn("lighter balance query failed", "error", err)
		return
	}
	c.ledger.SetBalance(types.VenueLighter, balance)

	if balance.LessThan(c.cfg.Risk.MinBalance) {
		c.logger.Warn("lighter balance below minimum",
			"balance", balance, "min_balance", c.cfg.Risk.MinBalance)
		c.notifier.Error("low_balance", "lighter balance below configured minimum", map[string]any{
			"balance": balance.String(),
			"minimum": c.cfg.Risk.MinBalance.String(),
		})
	}
}

// runLoop drives one trading cycle per second until shutdown.
func (c *Coordinator) runLoop() {
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.cycle()
		}
	}
}

// cycle is a single pass of the trading loop. A panic in one cycle is
// contained: it counts as an error and the next tick proceeds.
func (c *Coordinator) cycle() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("trading loop panic", "panic", r, "stack", string(debug.Stack()))
			c.riskMgr.RecordError("trading_loop")
			c.journal.LogEvent("error", map[string]any{
				"type":  "trading_loop",
				"panic": fmt.Sprint(r),
			})
		}
	}()

	now := time.Now()
	c.rollDay(now)
	c.checkImbalance()

	if !c.bridge.FrontendReady("edgex") {
		return
	}

	c.logBBO()

	if !c.books.Ready() {
		return
	}

	estimate := c.meter.EstimateFrontend()
	sig, ok := c.strat.Check(estimate)

	c.maybeNotifySampling()

	if ok {
		if c.riskMgr.CheckSignal(sig) {
			c.dispatch(sig)
		} else {
			c.logger.Debug("signal rejected",
				"direction", sig.Direction, "spread", sig.Spread)
			c.journal.LogEvent("signal_rejected", map[string]any{
				"direction": string(sig.Direction),
				"spread":    sig.Spread.String(),
			})
		}
	}

	if now.Sub(c.lastSnapshot) >= snapshotInterval {
		c.lastSnapshot = now
		c.logSnapshot()
	}
	if now.Sub(c.lastStatus) >= statusInterval {
		c.lastStatus = now
		c.logStatus()
	}
}

// rollDay sends yesterday's summary and resets the daily risk counters the
// first cycle after a date change.
func (c *Coordinator) rollDay(now time.Time) {
	day := now.Format("2006-01-02")
	if c.dayTag == "" {
		c.dayTag = day
		return
	}
	if day == c.dayTag {
		return
	}
	c.dayTag = day

	riskSnap := c.riskMgr.Snapshot()
	orderStats := c.meter.StatsFor(latency.EdgeXOrder)

	c.mu.Lock()
	maxExposure := c.maxExposure
	c.maxExposure = decimal.Zero
	c.mu.Unlock()

	success := riskSnap.TradeCount - riskSnap.ErrorCount
	if success < 0 {
		success = 0
	}

	c.logger.Info("daily rollover",
		"trades", riskSnap.TradeCount, "daily_pnl", riskSnap.DailyPnL)
	c.journal.LogEvent("daily_reset", map[string]any{
		"trade_count": riskSnap.TradeCount,
		"error_count": riskSnap.ErrorCount,
		"daily_pnl":   riskSnap.DailyPnL.String(),
	})
	c.notifier.DailySummary(notify.DailySummary{
		TradeCount:   riskSnap.TradeCount,
		SuccessCount: success,
		TotalPnL:     riskSnap.DailyPnL,
		AvgLatencyMs: orderStats.Avg,
		MaxPosition:  maxExposure,
	})
	c.riskMgr.ResetDaily()
}

// checkImbalance alerts once per excursion when the venue legs drift apart,
// re-arming after the ledger returns to balance.
func (c *Coordinator) checkImbalance() {
	if c.ledger.Balanced() {
		c.imbalanceAlerted = false
		return
	}
	if c.imbalanceAlerted {
		return
	}
	c.imbalanceAlerted = true

	posSnap := c.ledger.Snapshot()
	c.logger.Warn("position imbalance",
		"edgex", posSnap.EdgeX.Size,
		"lighter", posSnap.Lighter.Size,
		"net", posSnap.Net)
	c.journal.LogEvent("position_imbalance", map[string]any{
		"edgex_position":   posSnap.EdgeX.Size.String(),
		"lighter_position": posSnap.Lighter.Size.String(),
		"net_position":     posSnap.Net.String(),
	})
	c.notifier.Imbalance(posSnap.EdgeX.Size, posSnap.Lighter.Size)
}

// dispatch records the pending order and sends the EdgeX leg to the
// front-end. The hedge fires later, on the fill notification.
func (c *Coordinator) dispatch(sig types.Signal) {
	c.logger.Info("executing signal",
		"direction", sig.Direction,
		"spread", sig.Spread,
		"quantity", sig.Quantity,
		"edgex_price", sig.EdgeXPrice,
		"confidence", sig.Confidence,
		"client_order_id", sig.ClientOrderID)

	c.mu.Lock()
	c.pending[sig.ClientOrderID] = &types.PendingOrder{
		Signal:    sig,
		Status:    types.PendingSubmitted,
		CreatedAt: sig.CreatedAt,
	}
	c.mu.Unlock()

	c.journal.LogEvent("signal_triggered", map[string]any{
		"client_order_id": sig.ClientOrderID,
		"direction":       string(sig.Direction),
		"spread":          sig.Spread.String(),
		"threshold":       sig.Threshold.String(),
		"edgex_price":     sig.EdgeXPrice.String(),
		"lighter_price":   sig.LighterPrice.String(),
		"quantity":        sig.Quantity.String(),
		"confidence":      sig.Confidence,
	})
	c.meter.StartTimer(sig.ClientOrderID)

	order := types.ExecuteOrder{
		Side:          sig.EdgeXSide,
		Quantity:      types.FormatQuantity(sig.Quantity),
		Price:         types.FormatPrice(sig.EdgeXPrice, c.cfg.Strategy.TickSize),
		ClientOrderID: sig.ClientOrderID,
	}
	if err := c.bridge.ExecuteOrder(order); err != nil {
		c.logger.Error("order dispatch failed", "error", err)
		c.riskMgr.RecordError("order_failed")
		c.mu.Lock()
		delete(c.pending, sig.ClientOrderID)
		c.mu.Unlock()
	}
}

// maybeNotifySampling announces the transition out of the sampling phase
// exactly once per sampling run.
func (c *Coordinator) maybeNotifySampling() {
	if c.strat.IsSampling() {
		return
	}
	c.mu.Lock()
	if c.samplingNotified {
		c.mu.Unlock()
		return
	}
	c.samplingNotified = true
	c.mu.Unlock()

	st := c.strat.Snapshot()
	c.logger.Info("sampling complete",
		"samples", st.SamplesCollected,
		"long_threshold", st.LongThreshold,
		"short_threshold", st.ShortThreshold)
	c.journal.LogEvent("sampling_complete", map[string]any{
		"samples":         st.SamplesCollected,
		"long_threshold":  st.LongThreshold.String(),
		"short_threshold": st.ShortThreshold.String(),
	})
	c.notifier.SamplingComplete(st.SamplesCollected, st.LongThreshold, st.ShortThreshold)
}

// logBBO journals one top-of-book row. Sides a venue has not quoted yet
// stay zero and render as blank cells.
func (c *Coordinator) logBBO() {
	edgex, _ := c.books.Top(types.VenueEdgeX)
	light, _ := c.books.Top(types.VenueLighter)
	long, short, _ := c.books.Spreads()
	st := c.strat.Snapshot()

	c.journal.LogBBO(datalog.BBORecord{
		EdgeXBid:       edgex.Bid,
		EdgeXAsk:       edgex.Ask,
		LighterBid:     light.Bid,
		LighterAsk:     light.Ask,
		LongSpread:     long,
		ShortSpread:    short,
		LongThreshold:  st.LongThreshold,
		ShortThreshold: st.ShortThreshold,
	})
}

func (c *Coordinator) logSnapshot() {
	st := c.strat.Snapshot()
	riskSnap := c.riskMgr.Snapshot()
	posSnap := c.ledger.Snapshot()
	orderStats := c.meter.StatsFor(latency.EdgeXOrder)

	var longSpread, shortSpread decimal.Decimal
	if st.LongSpread != nil {
		longSpread = *st.LongSpread
	}
	if st.ShortSpread != nil {
		shortSpread = *st.ShortSpread
	}

	c.journal.LogSnapshot(datalog.SnapshotRecord{
		Running:          st.Running,
		Sampling:         st.Sampling,
		SamplesCollected: st.SamplesCollected,
		LongThreshold:    st.LongThreshold,
		ShortThreshold:   st.ShortThreshold,
		LongSpread:       longSpread,
		ShortSpread:      shortSpread,
		EdgeXPosition:    posSnap.EdgeX.Size,
		LighterPosition:  posSnap.Lighter.Size,
		SignalCount:      st.SignalCount,
		TradeCount:       riskSnap.TradeCount,
		ErrorCount:       riskSnap.ErrorCount,
		DailyPnL:         riskSnap.DailyPnL,
		AvgLatencyMs:     orderStats.Avg,
		LatencyP95Ms:     orderStats.P95,
	})
}

// logStatus writes the periodic status line and pushes the same snapshot
// to the notifier for its half-hour Telegram report.
func (c *Coordinator) logStatus() {
	st := c.strat.Snapshot()
	riskSnap := c.riskMgr.Snapshot()
	posSnap := c.ledger.Snapshot()
	health := c.meter.HealthReport()

	c.logger.Info("status",
		"samples", fmt.Sprintf("%d/%d", st.SamplesCollected, st.MinSamples),
		"long_threshold", st.LongThreshold,
		"short_threshold", st.ShortThreshold,
		"edgex_pos", posSnap.EdgeX.Size,
		"lighter_pos", posSnap.Lighter.Size,
		"net", posSnap.Net,
		"signals", st.SignalCount,
		"trades", riskSnap.TradeCount,
		"errors", riskSnap.ErrorCount,
		"daily_pnl", riskSnap.DailyPnL,
		"latency_score", health.Score,
		"latency_est_ms", c.meter.EstimateFrontend())

	var longSpread, shortSpread decimal.Decimal
	if st.LongSpread != nil {
		longSpread = *st.LongSpread
	}
	if st.ShortSpread != nil {
		shortSpread = *st.ShortSpread
	}

	c.notifier.PushStatus(notify.StatusReport{
		Running:         st.Running,
		SignalCount:     st.SignalCount,
		TradeCount:      riskSnap.TradeCount,
		ErrorCount:      riskSnap.ErrorCount,
		DailyPnL:        riskSnap.DailyPnL,
		EdgeXPosition:   posSnap.EdgeX.Size,
		LighterPosition: posSnap.Lighter.Size,
		LongThreshold:   st.LongThreshold,
		ShortThreshold:  st.ShortThreshold,
		LongSpread:      longSpread,
		ShortSpread:     shortSpread,
		LatencyScore:    health.Score,
	})
}

// consumeOrderEvents drains Lighter order updates. Position deltas are
// applied when the hedge REST call acks, so these are informational only.
func (c *Coordinator) consumeOrderEvents() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case evt := <-c.stream.Orders():
			c.logger.Debug("lighter order event",
				"order_index", evt.OrderIndex,
				"status", evt.Status,
				"filled", evt.FilledSize,
				"price", evt.Price)
		}
	}
}

// onFrontendReady arms the strategy once the EdgeX execution path exists.
// The position sync runs off the read goroutine so a slow REST call cannot
// stall incoming market data.
func (c *Coordinator) onFrontendReady(clientID string, info types.FrontendReady) {
	if info.Exchange != "edgex" {
		return
	}
	ticker := info.Ticker
	if ticker == "" {
		ticker = c.cfg.Strategy.Ticker
	}

	c.logger.Info("edgex frontend ready",
		"client_id", clientID, "ticker", ticker, "contract_id", info.ContractID)
	c.journal.LogEvent("frontend_connected", map[string]any{
		"client_id":   clientID,
		"ticker":      ticker,
		"contract_id": info.ContractID,
	})
	c.notifier.FrontendConnected(ticker)

	go c.goLive()
}

// goLive re-syncs the Lighter position and starts (or resumes, after a
// reconnect) the strategy engine.
func (c *Coordinator) goLive() {
	syncCtx, cancel := context.WithTimeout(c.ctx, syncTimeout)
	defer cancel()
	if err := c.ledger.SyncLighter(syncCtx); err != nil {
		c.logger.Warn("lighter position sync failed", "error", err)
	}

	c.mu.Lock()
	first := !c.live
	c.live = true
	c.mu.Unlock()

	if first {
		c.strat.Start()
		c.logger.Info("trading loop live")
		return
	}
	if !c.strat.Running() {
		c.strat.Resume()
		c.logger.Info("strategy resumed after reconnect")
	}
}

// onFrontendDisconnect pauses the strategy whenever the execution path
// disappears. The loop keeps ticking; signals resume on reconnect.
func (c *Coordinator) onFrontendDisconnect(clientID, exchange string) {
	if exchange != "edgex" {
		return
	}
	c.logger.Warn("edgex frontend disconnected, pausing strategy", "client_id", clientID)
	c.strat.Pause()
	c.riskMgr.RecordError("frontend_disconnect")
	c.journal.LogEvent("frontend_disconnected", map[string]any{"client_id": clientID})
	c.notifier.FrontendDisconnected()
}

func (c *Coordinator) onMarketData(venue types.Venue, md types.MarketData) {
	c.books.SetTop(venue, md)
}

// onOrderPlaced resolves a pending order's ack. The reported round-trip
// latency feeds the meter whether or not placement succeeded.
func (c *Coordinator) onOrderPlaced(ack types.OrderAck) {
	c.meter.Record(latency.EdgeXOrder, ack.LatencyMs)

	if ack.Success {
		c.logger.Info("edgex order placed",
			"client_order_id", ack.ClientOrderID,
			"order_id", ack.OrderID,
			"latency_ms", ack.LatencyMs)
		c.mu.Lock()
		if p, ok := c.pending[ack.ClientOrderID]; ok {
			p.Status = types.PendingPlaced
			p.OrderID = ack.OrderID
			p.PlaceLatencyMs = ack.LatencyMs
		}
		c.mu.Unlock()
		return
	}

	c.logger.Error("edgex order failed",
		"client_order_id", ack.ClientOrderID, "error", ack.Error)
	c.riskMgr.RecordError("order_failed")
	c.journal.LogEvent("order_failed", map[string]any{
		"client_order_id": ack.ClientOrderID,
		"error":           ack.Error,
		"latency_ms":      ack.LatencyMs,
	})
	c.mu.Lock()
	delete(c.pending, ack.ClientOrderID)
	c.mu.Unlock()
}

// onOrderUpdate reacts to EdgeX order lifecycle notifications. Fills start
// the hedge; terminal non-fills just clear the pending slot.
func (c *Coordinator) onOrderUpdate(update types.OrderUpdate) {
	c.logger.Info("edgex order update",
		"client_order_id", update.ClientOrderID,
		"status", update.Status,
		"filled", update.FilledSize)

	switch update.Status {
	case types.OrderFilled:
		c.handleFill(update)
	case types.OrderCanceled, types.OrderRejected:
		c.logger.Warn("edgex order did not fill",
			"client_order_id", update.ClientOrderID, "status", update.Status)
		c.journal.LogEvent("order_canceled", map[string]any{
			"client_order_id": update.ClientOrderID,
			"status":          string(update.Status),
		})
		c.mu.Lock()
		delete(c.pending, update.ClientOrderID)
		c.mu.Unlock()
	}
}

// handleFill applies the EdgeX leg to the ledger, hedges the opposite side
// on Lighter, then journals and reports the completed round trip. A trade
// counts as successful only when the hedge lands.
func (c *Coordinator) handleFill(update types.OrderUpdate) {
	if ms, ok := c.meter.StopTimer(update.ClientOrderID, latency.SignalToFill); ok {
		c.logger.Debug("signal to fill", "ms", ms)
	}

	c.mu.Lock()
	pending, hasPending := c.pending[update.ClientOrderID]
	delete(c.pending, update.ClientOrderID)
	c.mu.Unlock()

	filled := update.FilledSize
	if !filled.IsPositive() {
		c.logger.Warn("fill without size, ignoring",
			"client_order_id", update.ClientOrderID)
		return
	}

	delta := filled
	if update.Side == types.Sell {
		delta = filled.Neg()
	}
	c.ledger.Apply(types.VenueEdgeX, delta)

	c.meter.StartTimer("lighter_hedge")
	result, hedgeErr := c.hedge(update.Side, filled)
	hedgeMsF, _ := c.meter.StopTimer("lighter_hedge", latency.LighterOrder)
	hedgeMs := int64(hedgeMsF)
	hedged := hedgeErr == nil

	if !hasPending {
		c.logger.Warn("fill for unknown order, hedged without journal entry",
			"client_order_id", update.ClientOrderID, "hedged", hedged)
		c.riskMgr.RecordTrade(hedged, decimal.Zero)
		return
	}

	sig := pending.Signal
	placeMs := int64(pending.PlaceLatencyMs)
	totalMs := placeMs + hedgeMs

	pnl := types.CalculatePnL(update.Price, sig.LighterPrice, filled, sig.Direction == types.Long)

	status := datalog.TradeSuccess
	if !hedged {
		status = datalog.TradePartial
	}

	var lighterOrderID string
	if result != nil {
		lighterOrderID = strconv.FormatInt(result.OrderIndex, 10)
	}

	edgexPos := c.ledger.Position(types.VenueEdgeX)
	lighterPos := c.ledger.Position(types.VenueLighter)

	exposure := c.ledger.Exposure()
	c.mu.Lock()
	if exposure.GreaterThan(c.maxExposure) {
		c.maxExposure = exposure
	}
	c.mu.Unlock()

	c.journal.LogTrade(datalog.TradeRecord{
		Direction:            sig.Direction,
		EdgeXSide:            sig.EdgeXSide,
		LighterSide:          sig.LighterSide,
		Quantity:             filled,
		EdgeXPrice:           update.Price,
		LighterPrice:         sig.LighterPrice,
		Spread:               sig.Spread,
		Threshold:            sig.Threshold,
		EdgeXOrderID:         pending.OrderID,
		LighterOrderID:       lighterOrderID,
		EdgeXFillTimeMs:      placeMs,
		LighterFillTimeMs:    hedgeMs,
		TotalLatencyMs:       totalMs,
		PnLEstimate:          pnl,
		EdgeXPositionAfter:   edgexPos,
		LighterPositionAfter: lighterPos,
		Status:               status,
	})
	c.notifier.Trade(notify.TradeNote{
		Direction:    sig.Direction,
		Quantity:     filled,
		EdgeXPrice:   update.Price,
		LighterPrice: sig.LighterPrice,
		Spread:       sig.Spread,
		LatencyMs:    totalMs,
		PnLEstimate:  pnl,
		EdgeXPos:     edgexPos,
		LighterPos:   lighterPos,
		Partial:      !hedged,
	})
	c.riskMgr.RecordTrade(hedged, pnl)
}

// hedge takes the opposite side on Lighter at an aggressive price and
// applies the resulting delta to the ledger.
func (c *Coordinator) hedge(edgexSide types.Side, qty decimal.Decimal) (*lighter.OrderResult, error) {
	side := edgexSide.Opposite()
	c.logger.Info("hedging on lighter", "side", side, "quantity", qty)

	ctx, cancel := context.WithTimeout(c.ctx, syncTimeout)
	defer cancel()
	result, err := c.lighter.PlaceAggressive(ctx, side, qty)
	if err != nil {
		c.logger.Error("lighter hedge failed", "error", err)
		c.riskMgr.RecordError("hedge_failed")
		c.notifier.Error("hedge_failed", err.Error(), map[string]any{
			"side":     string(side),
			"quantity": qty.String(),
		})
		return nil, err
	}

	delta := qty
	if side == types.Sell {
		delta = qty.Neg()
	}
	c.ledger.Apply(types.VenueLighter, delta)

	c.logger.Info("lighter hedge placed",
		"order_index", result.OrderIndex, "side", side, "quantity", qty)
	return result, nil
}

// onEmergency reacts to a risk manager emergency. Trading halts via the
// tripped breaker; positions are left alone for the operator to unwind.
func (c *Coordinator) onEmergency(reason string, details map[string]any) {
	c.logger.Error("risk emergency", "reason", reason, "details", details)
	c.journal.LogEvent(reason, details)

	if reason == "circuit_breaker" {
		count, _ := details["error_count"].(int)
		window, _ := details["window"].(int)
		c.notifier.CircuitBreaker(count, time.Duration(window)*time.Second)
	}
}

// emergencyFlatten closes residual positions on both venues during
// shutdown. Errors are logged; shutdown proceeds regardless.
func (c *Coordinator) emergencyFlatten() {
	edgexPos := c.ledger.Position(types.VenueEdgeX)
	lighterPos := c.ledger.Position(types.VenueLighter)

	if edgexPos.Abs().LessThanOrEqual(flattenEpsilon) && lighterPos.Abs().LessThanOrEqual(flattenEpsilon) {
		return
	}

	c.logger.Warn("flattening residual positions",
		"edgex", edgexPos, "lighter", lighterPos)
	c.journal.LogEvent("emergency_flatten", map[string]any{
		"edgex_position":   edgexPos.String(),
		"lighter_position": lighterPos.String(),
	})

	if edgexPos.Abs().GreaterThan(flattenEpsilon) {
		side := types.Sell
		if edgexPos.IsNegative() {
			side = types.Buy
		}
		if err := c.bridge.EmergencyClose(side, types.FormatQuantity(edgexPos.Abs())); err != nil {
			c.logger.Error("edgex emergency close failed", "error", err)
		}
	}

	if lighterPos.Abs().GreaterThan(flattenEpsilon) {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()
		if _, err := c.lighter.Flatten(ctx); err != nil {
			c.logger.Error("lighter flatten failed", "error", err)
		}
	}
}

func (c *Coordinator) handleGetStatus(json.RawMessage) (any, error) {
	return c.Status(), nil
}

func (c *Coordinator) handleUpdateConfig(data json.RawMessage) (any, error) {
	var update strategy.ConfigUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("bad config update: %w", err)
	}
	c.strat.UpdateConfig(update)
	return map[string]string{"result": "ok"}, nil
}

func (c *Coordinator) handleResetSampling(json.RawMessage) (any, error) {
	c.strat.ResetSampling()
	c.mu.Lock()
	c.samplingNotified = false
	c.mu.Unlock()
	return map[string]string{"result": "ok"}, nil
}

func (c *Coordinator) handleResetBreaker(json.RawMessage) (any, error) {
	c.riskMgr.ResetBreaker()
	return map[string]string{"result": "ok"}, nil
}
