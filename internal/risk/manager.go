// Package risk gates order flow behind hard limits.
//
// Every signal passes through Manager.CheckSignal before reaching the
// venues. The checks run in a fixed order and the first failure rejects:
//
//   - Circuit breaker: too many errors in a short window halts entries
//     until a cooldown passes or an operator resets it
//   - Position limit:  the post-trade EdgeX position must stay inside
//     [-MaxPosition, MaxPosition]
//   - Imbalance:       the unhedged net across venues must stay small
//   - Daily loss:      cumulative session PnL past the limit stops trading
//   - Error rate:      once enough trades exist, a high failure ratio stops
//     trading
//
// The breaker trips itself from RecordError/RecordTrade bookkeeping and
// fires the emergency callback so the coordinator can alert the operator.
// Open positions are left alone; only shutdown flattens.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"edgex-lighter-arb/internal/config"
	"edgex-lighter-arb/internal/position"
	"edgex-lighter-arb/pkg/types"
)

const (
	breakerThreshold = 10
	breakerWindow    = 60 * time.Second
	breakerCooldown  = 300 * time.Second
	errorHistoryMax  = 100

	// minTradesForErrorRate keeps the error-rate check quiet until the
	// sample is meaningful.
	minTradesForErrorRate = 10
)

// EmergencyFunc is invoked when the circuit breaker trips.
type EmergencyFunc func(reason string, details map[string]any)

// Manager tracks session risk state and answers go/no-go questions.
// Thread-safe.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger
	ledger *position.Ledger

	mu          sync.Mutex
	dailyPnL    decimal.Decimal
	tradeCount  int
	errorCount  int
	lastErrorAt time.Time
	errors      []time.Time // trip window, newest last
	tripped     bool
	trippedAt   time.Time

	onEmergency EmergencyFunc
	now         func() time.Time
}

// NewManager creates a risk manager reading positions from ledger.
func NewManager(cfg config.RiskConfig, ledger *position.Ledger, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
		ledger: ledger,
		now:    time.Now,
	}
}

// SetEmergencyCallback installs the breaker-trip handler. Must be called
// before trading starts.
func (m *Manager) SetEmergencyCallback(fn EmergencyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEmergency = fn
}

// CheckSignal reports whether a signal may be sent to the venues. Rejections
// are logged with their reason.
func (m *Manager) CheckSignal(sig types.Signal) bool {
	if m.BreakerActive() {
		m.logger.Warn("signal rejected: circuit breaker active")
		return false
	}

	pos := m.ledger.Position(types.VenueEdgeX)
	if sig.EdgeXSide == types.Buy {
		after := pos.Add(sig.Quantity)
		if after.GreaterThan(m.cfg.MaxPosition) {
			m.logger.Warn("signal rejected: would exceed max position",
				"after", after, "max", m.cfg.MaxPosition)
			return false
		}
	} else {
		after := pos.Sub(sig.Quantity)
		if after.LessThan(m.cfg.MaxPosition.Neg()) {
			m.logger.Warn("signal rejected: would exceed max short position",
				"after", after, "max", m.cfg.MaxPosition)
			return false
		}
	}

	if imbalance := m.ledger.Imbalance(); imbalance.GreaterThan(m.cfg.MaxPositionImbalance) {
		m.logger.Warn("signal rejected: position imbalance too high",
			"imbalance", imbalance, "max", m.cfg.MaxPositionImbalance)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dailyPnL.LessThan(m.cfg.MaxDailyLoss.Neg()) {
		m.logger.Warn("signal rejected: daily loss limit exceeded",
			"daily_pnl", m.dailyPnL, "max_loss", m.cfg.MaxDailyLoss)
		return false
	}

	if m.tradeCount > minTradesForErrorRate {
		rate := float64(m.errorCount) / float64(m.tradeCount)
		if rate > m.cfg.MaxErrorRate {
			m.logger.Warn("signal rejected: error rate too high",
				"rate", rate, "max", m.cfg.MaxErrorRate)
			return false
		}
	}

	return true
}

// BreakerActive reports whether the circuit breaker currently blocks
// trading, clearing it when the cooldown has lapsed.
func (m *Manager) BreakerActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.tripped {
		return false
	}
	if m.now().Sub(m.trippedAt) > breakerCooldown {
		m.tripped = false
		m.logger.Info("circuit breaker reset")
		return false
	}
	return true
}

// CheckLatency reports whether an execution-latency estimate is tradeable.
func (m *Manager) CheckLatency(latencyMs int) bool {
	if latencyMs > m.cfg.MaxLatencyMs {
		m.logger.Warn("latency too high",
			"latency_ms", latencyMs, "max_ms", m.cfg.MaxLatencyMs)
		return false
	}
	return true
}

// CheckBalance reports whether both venues hold at least the minimum
// balance.
func (m *Manager) CheckBalance(edgex, lighter decimal.Decimal) bool {
	if edgex.LessThan(m.cfg.MinBalance) {
		m.logger.Warn("edgex balance too low", "balance", edgex)
		return false
	}
	if lighter.LessThan(m.cfg.MinBalance) {
		m.logger.Warn("lighter balance too low", "balance", lighter)
		return false
	}
	return true
}

// RecordTrade tallies a completed round trip. Failed trades count toward
// the breaker window.
func (m *Manager) RecordTrade(success bool, pnl decimal.Decimal) {
	m.mu.Lock()
	m.tradeCount++
	m.dailyPnL = m.dailyPnL.Add(pnl)

	var fire func()
	if !success {
		m.errorCount++
		fire = m.recordErrorLocked()
	}
	m.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// RecordError tallies an operational error (failed placement, hedge miss,
// loop fault) toward the error rate and the breaker window.
func (m *Manager) RecordError(errType string) {
	m.mu.Lock()
	m.errorCount++
	m.logger.Debug("error recorded", "type", errType, "count", m.errorCount)
	fire := m.recordErrorLocked()
	m.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// recordErrorLocked appends to the trip window and evaluates the breaker.
// It returns a callback invocation to run after the lock is released, or
// nil. Re-trips while already tripped keep extending the cooldown.
func (m *Manager) recordErrorLocked() func() {
	now := m.now()
	m.lastErrorAt = now
	m.errors = append(m.errors, now)
	if len(m.errors) > errorHistoryMax {
		m.errors = m.errors[len(m.errors)-errorHistoryMax:]
	}

	recent := m.recentErrorsLocked(now)
	if recent < breakerThreshold {
		return nil
	}

	m.tripped = true
	m.trippedAt = now
	m.logger.Error("circuit breaker triggered",
		"errors", recent, "window_s", int(breakerWindow.Seconds()))

	cb := m.onEmergency
	if cb == nil {
		return nil
	}
	return func() {
		cb("circuit_breaker", map[string]any{
			"error_count": recent,
			"window":      int(breakerWindow.Seconds()),
		})
	}
}

func (m *Manager) recentErrorsLocked(now time.Time) int {
	cutoff := now.Add(-breakerWindow)
	n := 0
	for _, t := range m.errors {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// ResetDaily clears the session counters at a day boundary.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyPnL = decimal.Zero
	m.tradeCount = 0
	m.errorCount = 0
	m.errors = nil
	m.logger.Info("daily stats reset")
}

// ResetBreaker clears the breaker by operator request.
func (m *Manager) ResetBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tripped = false
	m.trippedAt = time.Time{}
	m.errors = nil
	m.logger.Info("circuit breaker manually reset")
}

// RiskSnapshot is the state block reported under "risk" in status payloads.
type RiskSnapshot struct {
	BreakerTripped bool            `json:"circuit_breaker_triggered"`
	DailyPnL       decimal.Decimal `json:"daily_pnl"`
	TradeCount     int             `json:"trade_count"`
	ErrorCount     int             `json:"error_count"`
	ErrorRate      float64         `json:"error_rate"`
	RecentErrors   int             `json:"recent_errors"`

	MaxPosition  decimal.Decimal `json:"max_position"`
	MaxDailyLoss decimal.Decimal `json:"max_daily_loss"`
	MaxLatencyMs int             `json:"max_latency_ms"`
	MaxErrorRate float64         `json:"max_error_rate"`
}

// Snapshot returns current risk state for status reporting.
func (m *Manager) Snapshot() RiskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rate float64
	if m.tradeCount > 0 {
		rate = float64(m.errorCount) / float64(m.tradeCount)
	}

	return RiskSnapshot{
		BreakerTripped: m.tripped,
		DailyPnL:       m.dailyPnL,
		TradeCount:     m.tradeCount,
		ErrorCount:     m.errorCount,
		ErrorRate:      rate,
		RecentErrors:   m.recentErrorsLocked(m.now()),
		MaxPosition:    m.cfg.MaxPosition,
		MaxDailyLoss:   m.cfg.MaxDailyLoss,
		MaxLatencyMs:   m.cfg.MaxLatencyMs,
		MaxErrorRate:   m.cfg.MaxErrorRate,
	}
}
