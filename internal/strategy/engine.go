// Package strategy decides when the cross-venue spread is worth trading.
//
// The engine samples two spreads every evaluation cycle:
//
//	long spread  = lighter.bid - edgex.ask   (buy EdgeX, sell Lighter)
//	short spread = edgex.bid - lighter.ask   (sell EdgeX, buy Lighter)
//
// It first spends a sampling phase learning what "normal" looks like, then
// sets its entry thresholds to the observed mean plus a configured offset, so
// only spreads abnormally wide for this pair of venues trigger entries. The
// thresholds keep following the market: every tenth sample re-derives them
// from the trailing window.
//
// Execution happens through a browser front end whose latency varies, so the
// threshold is also padded at decision time: one tick per 50ms of estimated
// latency. A slow front end needs a wider edge to be worth the race.
package strategy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"edgex-lighter-arb/internal/config"
	"edgex-lighter-arb/internal/market"
	"edgex-lighter-arb/internal/position"
	"edgex-lighter-arb/pkg/types"
)

// thresholdRefreshEvery is how many samples pass between threshold
// recomputations once sampling is done.
const thresholdRefreshEvery = 10

// latencyPenaltyStepMs widens the adaptive threshold by one tick per step
// of estimated front-end latency.
const latencyPenaltyStepMs = 50

// ConfigUpdate carries hot-updatable engine parameters. Nil fields keep
// their current values. MinSignalIntervalS is in seconds to match the wire
// shape of the update_config request.
type ConfigUpdate struct {
	OrderQuantity      *decimal.Decimal `json:"order_quantity,omitempty"`
	MaxPosition        *decimal.Decimal `json:"max_position,omitempty"`
	ThresholdOffset    *decimal.Decimal `json:"threshold_offset,omitempty"`
	MinSignalIntervalS *float64         `json:"min_signal_interval,omitempty"`
}

// Status is the engine state block in status payloads.
type Status struct {
	Running          bool             `json:"is_running"`
	Sampling         bool             `json:"is_sampling"`
	SamplesCollected int              `json:"samples_collected"`
	MinSamples       int              `json:"min_samples"`
	LongThreshold    decimal.Decimal  `json:"long_threshold"`
	ShortThreshold   decimal.Decimal  `json:"short_threshold"`
	LongSpread       *decimal.Decimal `json:"current_long_spread"`
	ShortSpread      *decimal.Decimal `json:"current_short_spread"`
	SignalCount      int              `json:"signal_count"`
	SampleCount      int              `json:"sample_count"`
	OrderQuantity    decimal.Decimal  `json:"order_quantity"`
	MaxPosition      decimal.Decimal  `json:"max_position"`
	CurrentPosition  decimal.Decimal  `json:"current_position"`
	NetPosition      decimal.Decimal  `json:"net_position"`
}

// Engine turns spread observations into trade signals. Thread-safe.
type Engine struct {
	logger *slog.Logger
	books  *market.Store
	ledger *position.Ledger

	mu sync.Mutex

	orderQuantity decimal.Decimal
	maxPosition   decimal.Decimal
	tickSize      decimal.Decimal

	baseLongThreshold  decimal.Decimal
	baseShortThreshold decimal.Decimal
	thresholdOffset    decimal.Decimal
	longThreshold      decimal.Decimal
	shortThreshold     decimal.Decimal

	minSamples   int
	historyLong  []decimal.Decimal
	historyShort []decimal.Decimal

	running           bool
	sampling          bool
	lastSignalAt      time.Time
	minSignalInterval time.Duration

	signalCount int
	sampleCount int

	now func() time.Time
}

// NewEngine creates a stopped engine. It starts in the sampling phase
// unless min samples is zero, in which case the base thresholds apply
// immediately.
func NewEngine(cfg config.StrategyConfig, books *market.Store, ledger *position.Ledger, logger *slog.Logger) *Engine {
	return &Engine{
		logger:             logger.With("component", "strategy"),
		books:              books,
		ledger:             ledger,
		orderQuantity:      cfg.OrderQuantity,
		maxPosition:        cfg.MaxPosition,
		tickSize:           cfg.TickSize,
		baseLongThreshold:  cfg.LongThreshold,
		baseShortThreshold: cfg.ShortThreshold,
		thresholdOffset:    cfg.ThresholdOffset,
		longThreshold:      cfg.LongThreshold,
		shortThreshold:     cfg.ShortThreshold,
		minSamples:         cfg.MinSamples,
		sampling:           cfg.MinSamples > 0,
		minSignalInterval:  cfg.MinSignalInterval,
		now:                time.Now,
	}
}

// Start begins signal generation.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	e.logger.Info("arbitrage engine started")
}

// Stop halts signal generation.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.logger.Info("arbitrage engine stopped")
}

// Pause halts signal generation without losing sampled state.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.logger.Info("arbitrage engine paused")
}

// Resume restarts signal generation after a pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	e.logger.Info("arbitrage engine resumed")
}

// Running reports whether the engine is generating signals.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// IsSampling reports whether the engine is still learning baseline spreads.
func (e *Engine) IsSampling() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampling
}

// SampleSpread records the current spreads into the threshold history.
// Returns ok=false when either book lacks a full top.
func (e *Engine) SampleSpread() (long, short decimal.Decimal, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampleLocked()
}

func (e *Engine) sampleLocked() (long, short decimal.Decimal, ok bool) {
	long, short, ok = e.books.Spreads()
	if !ok {
		return long, short, false
	}

	e.historyLong = append(e.historyLong, long)
	e.historyShort = append(e.historyShort, short)
	if limit := 2 * e.minSamples; len(e.historyLong) > limit {
		e.historyLong = e.historyLong[len(e.historyLong)-limit:]
		e.historyShort = e.historyShort[len(e.historyShort)-limit:]
	}
	e.sampleCount++

	if e.sampling && len(e.historyLong) >= e.minSamples {
		e.sampling = false
		e.updateThresholdsLocked()
		e.logger.Info("sampling complete",
			"long_threshold", e.longThreshold,
			"short_threshold", e.shortThreshold)
	}

	return long, short, true
}

// updateThresholdsLocked re-derives thresholds as history mean plus offset.
// With no history (minSamples of zero) thresholds stay at their base values.
func (e *Engine) updateThresholdsLocked() {
	n := len(e.historyLong)
	if n == 0 || n < e.minSamples {
		return
	}

	var sumLong, sumShort decimal.Decimal
	for i := range e.historyLong {
		sumLong = sumLong.Add(e.historyLong[i])
		sumShort = sumShort.Add(e.historyShort[i])
	}
	count := decimal.NewFromInt(int64(n))
	e.longThreshold = sumLong.Div(count).Add(e.thresholdOffset)
	e.shortThreshold = sumShort.Div(count).Add(e.thresholdOffset)

	e.logger.Debug("thresholds updated",
		"long", e.longThreshold, "short", e.shortThreshold)
}

// AdaptiveThreshold pads a threshold for front-end latency: one tick per
// 50ms, using integer steps.
func (e *Engine) AdaptiveThreshold(base decimal.Decimal, latencyMs int) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adaptiveLocked(base, latencyMs)
}

func (e *Engine) adaptiveLocked(base decimal.Decimal, latencyMs int) decimal.Decimal {
	steps := decimal.NewFromInt(int64(latencyMs / latencyPenaltyStepMs))
	return base.Add(steps.Mul(e.tickSize))
}

// Check samples the spreads and returns a signal when one side clears its
// adaptive threshold. latencyMs is the current front-end execution estimate.
func (e *Engine) Check(latencyMs int) (types.Signal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return types.Signal{}, false
	}

	long, short, ok := e.sampleLocked()
	if !ok {
		return types.Signal{}, false
	}
	if e.sampling {
		return types.Signal{}, false
	}

	if e.sampleCount%thresholdRefreshEvery == 0 {
		e.updateThresholdsLocked()
	}

	now := e.now()
	if now.Sub(e.lastSignalAt) < e.minSignalInterval {
		return types.Signal{}, false
	}

	pos := e.ledger.Position(types.VenueEdgeX)
	edgex, okE := e.books.Top(types.VenueEdgeX)
	lighter, okL := e.books.Top(types.VenueLighter)
	if !okE || !okL {
		return types.Signal{}, false
	}

	adaptiveLong := e.adaptiveLocked(e.longThreshold, latencyMs)
	adaptiveShort := e.adaptiveLocked(e.shortThreshold, latencyMs)

	if long.GreaterThan(adaptiveLong) && pos.LessThan(e.maxPosition) {
		// Rest one tick inside the ask so the post-only bid still crosses
		// nothing by the time the front end places it.
		price := edgex.Ask.Sub(e.tickSize)
		sig := types.Signal{
			Direction:     types.Long,
			EdgeXSide:     types.Buy,
			LighterSide:   types.Sell,
			EdgeXPrice:    price,
			LighterPrice:  lighter.Bid,
			Spread:        long,
			Threshold:     adaptiveLong,
			Quantity:      e.orderQuantity,
			Confidence:    confidence(long, adaptiveLong),
			ClientOrderID: types.NewOrderID("arb_long"),
			CreatedAt:     now,
		}
		e.lastSignalAt = now
		e.signalCount++
		e.logger.Info("long signal",
			"spread", long,
			"threshold", adaptiveLong,
			"edgex_price", price,
			"lighter_price", lighter.Bid)
		return sig, true
	}

	if short.GreaterThan(adaptiveShort) && pos.GreaterThan(e.maxPosition.Neg()) {
		price := edgex.Bid.Add(e.tickSize)
		sig := types.Signal{
			Direction:     types.Short,
			EdgeXSide:     types.Sell,
			LighterSide:   types.Buy,
			EdgeXPrice:    price,
			LighterPrice:  lighter.Ask,
			Spread:        short,
			Threshold:     adaptiveShort,
			Quantity:      e.orderQuantity,
			Confidence:    confidence(short, adaptiveShort),
			ClientOrderID: types.NewOrderID("arb_short"),
			CreatedAt:     now,
		}
		e.lastSignalAt = now
		e.signalCount++
		e.logger.Info("short signal",
			"spread", short,
			"threshold", adaptiveShort,
			"edgex_price", price,
			"lighter_price", lighter.Ask)
		return sig, true
	}

	return types.Signal{}, false
}

// confidence scales with how far the spread clears the threshold, saturating
// at 1.0 ten price units past it.
func confidence(spread, threshold decimal.Decimal) float64 {
	c := spread.Sub(threshold).InexactFloat64() / 10
	if c > 1.0 {
		return 1.0
	}
	return c
}

// ResetSampling discards history and re-enters the sampling phase with base
// thresholds. Used after config changes that invalidate the baseline.
func (e *Engine) ResetSampling() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.historyLong = nil
	e.historyShort = nil
	e.sampling = e.minSamples > 0
	e.sampleCount = 0
	e.longThreshold = e.baseLongThreshold
	e.shortThreshold = e.baseShortThreshold
	e.logger.Info("sampling reset")
}

// UpdateConfig applies a hot parameter change. A new threshold offset
// recomputes thresholds immediately.
func (e *Engine) UpdateConfig(update ConfigUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if update.OrderQuantity != nil {
		e.orderQuantity = *update.OrderQuantity
	}
	if update.MaxPosition != nil {
		e.maxPosition = *update.MaxPosition
	}
	if update.ThresholdOffset != nil {
		e.thresholdOffset = *update.ThresholdOffset
		e.updateThresholdsLocked()
	}
	if update.MinSignalIntervalS != nil {
		e.minSignalInterval = time.Duration(*update.MinSignalIntervalS * float64(time.Second))
	}

	e.logger.Info("config updated",
		"order_quantity", e.orderQuantity,
		"max_position", e.maxPosition,
		"threshold_offset", e.thresholdOffset,
		"min_signal_interval", e.minSignalInterval)
}

// Snapshot returns engine state for status reporting.
func (e *Engine) Snapshot() Status {
	long, short, ok := e.books.Spreads()

	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Running:          e.running,
		Sampling:         e.sampling,
		SamplesCollected: len(e.historyLong),
		MinSamples:       e.minSamples,
		LongThreshold:    e.longThreshold,
		ShortThreshold:   e.shortThreshold,
		SignalCount:      e.signalCount,
		SampleCount:      e.sampleCount,
		OrderQuantity:    e.orderQuantity,
		MaxPosition:      e.maxPosition,
		CurrentPosition:  e.ledger.Position(types.VenueEdgeX),
		NetPosition:      e.ledger.Net(),
	}
	if ok {
		st.LongSpread = &long
		st.ShortSpread = &short
	}
	return st
}
