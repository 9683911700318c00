// Package latency measures per-stage latencies across the trade path.
//
// The executor cannot see inside the browser front end, so it infers EdgeX
// execution speed from what it can measure: bridge round trips, order
// acknowledgement times, and signal-to-fill spans. The strategy folds the
// frontend estimate into its adaptive thresholds; the risk gate refuses to
// trade when recent samples blow past the configured ceiling.
//
// Latency values are diagnostics, never trade quantities, so plain float64
// milliseconds are fine here.
package latency

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Measurement categories. Record accepts other strings too; these are the
// ones the executor emits.
const (
	FrontendWS   = "frontend_ws"    // bridge ping round trip
	EdgeXOrder   = "edgex_order"    // execute_order to order_placed ack
	LighterOrder = "lighter_order"  // hedge submit to API response
	SignalToFill = "signal_to_fill" // signal creation to EdgeX fill
	MarketData   = "market_data"    // venue timestamp to local receipt
)

const (
	maxSamples = 100
	// recentWindow is how many trailing samples health checks look at.
	recentWindow = 10
	// defaultAcceptableMs is the ceiling applied when no explicit limit is
	// given.
	defaultAcceptableMs = 500
	// defaultFrontendMs is the frontend estimate before any measurements.
	defaultFrontendMs = 100
)

type sample struct {
	ms float64
	at time.Time
}

// Stats summarizes one category's samples.
type Stats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Health is the meter's aggregate view for status reporting. Score is
// 0-100, 100 meaning no stage shows elevated tails.
type Health struct {
	Score      float64          `json:"score"`
	Acceptable bool             `json:"is_acceptable"`
	Stats      map[string]Stats `json:"stats"`
}

// Meter keeps a bounded sample ring per category plus open timers for
// in-flight spans. Thread-safe.
type Meter struct {
	mu         sync.RWMutex
	logger     *slog.Logger
	samples    map[string][]sample
	timers     map[string]time.Time
	fallbackMs int
	now        func() time.Time
}

func NewMeter(logger *slog.Logger) *Meter {
	return &Meter{
		logger:     logger.With("component", "latency"),
		fallbackMs: defaultFrontendMs,
		samples: map[string][]sample{
			FrontendWS:   nil,
			EdgeXOrder:   nil,
			LighterOrder: nil,
			SignalToFill: nil,
			MarketData:   nil,
		},
		timers: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Record adds one sample. Unknown categories get their own ring.
func (m *Meter) Record(category string, ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := append(m.samples[category], sample{ms: ms, at: m.now()})
	if len(ring) > maxSamples {
		ring = ring[len(ring)-maxSamples:]
	}
	m.samples[category] = ring
}

// StartTimer opens a named span.
func (m *Meter) StartTimer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[id] = m.now()
}

// StopTimer closes a span and records it under category. Returns false when
// no matching StartTimer exists (duplicate stop, or restart mid-span).
func (m *Meter) StopTimer(id, category string) (float64, bool) {
	m.mu.Lock()
	start, ok := m.timers[id]
	if !ok {
		m.mu.Unlock()
		return 0, false
	}
	delete(m.timers, id)
	ms := float64(m.now().Sub(start)) / float64(time.Millisecond)
	m.mu.Unlock()

	m.Record(category, ms)
	return ms, true
}

// StatsFor summarizes one category. Empty categories return zero stats.
func (m *Meter) StatsFor(category string) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return statsOf(m.samples[category])
}

func statsOf(ring []sample) Stats {
	n := len(ring)
	if n == 0 {
		return Stats{}
	}

	sorted := make([]float64, n)
	var sum float64
	for i, s := range ring {
		sorted[i] = s.ms
		sum += s.ms
	}
	sort.Float64s(sorted)

	st := Stats{
		Count: n,
		Avg:   sum / float64(n),
		Min:   sorted[0],
		Max:   sorted[n-1],
		P50:   sorted[n/2],
	}
	if n > 1 {
		st.P95 = sorted[int(float64(n)*0.95)]
		st.P99 = sorted[int(float64(n)*0.99)]
	} else {
		st.P95 = sorted[n-1]
		st.P99 = sorted[n-1]
	}
	return st
}

// AllStats summarizes every category, including empty ones.
func (m *Meter) AllStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.samples))
	for category, ring := range m.samples {
		out[category] = statsOf(ring)
	}
	return out
}

// RecentAvg returns the mean of the last n samples, 0 when empty.
func (m *Meter) RecentAvg(category string, n int) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recent := recentOf(m.samples[category], n)
	if len(recent) == 0 {
		return 0
	}
	var sum float64
	for _, s := range recent {
		sum += s.ms
	}
	return sum / float64(len(recent))
}

// RecentMax returns the max of the last n samples, 0 when empty.
func (m *Meter) RecentMax(category string, n int) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recent := recentOf(m.samples[category], n)
	if len(recent) == 0 {
		return 0
	}
	max := recent[0].ms
	for _, s := range recent[1:] {
		if s.ms > max {
			max = s.ms
		}
	}
	return max
}

func recentOf(ring []sample, n int) []sample {
	if len(ring) > n {
		return ring[len(ring)-n:]
	}
	return ring
}

// Acceptable reports whether every category's recent window stays under
// maxMs.
func (m *Meter) Acceptable(maxMs float64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for category, ring := range m.samples {
		recent := recentOf(ring, recentWindow)
		for _, s := range recent {
			if s.ms > maxMs {
				m.logger.Warn("high latency detected",
					"category", category,
					"latency_ms", s.ms,
					"max_ms", maxMs)
				return false
			}
		}
	}
	return true
}

// SetFrontendFallback overrides the estimate returned before any
// measurements exist. Non-positive values keep the default.
func (m *Meter) SetFrontendFallback(ms int) {
	if ms <= 0 {
		return
	}
	m.mu.Lock()
	m.fallbackMs = ms
	m.mu.Unlock()
}

// EstimateFrontend guesses the current front-end execution latency in
// milliseconds: recent order acks when available, twice the bridge RTT
// otherwise, the configured fallback before any data.
func (m *Meter) EstimateFrontend() int {
	orderAvg := m.RecentAvg(EdgeXOrder, 5)
	if orderAvg > 0 {
		return int(orderAvg)
	}
	wsAvg := m.RecentAvg(FrontendWS, 5)
	if wsAvg > 0 {
		return int(wsAvg * 2)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fallbackMs
}

// HealthReport scores the meter 0-100. Each category with an elevated p95
// (over 200ms) or max (over 500ms) deducts points, capped per category.
func (m *Meter) HealthReport() Health {
	all := m.AllStats()

	score := 100.0
	for _, st := range all {
		if st.Count == 0 {
			continue
		}
		if st.P95 > 200 {
			deduct := (st.P95 - 200) / 10
			if deduct > 20 {
				deduct = 20
			}
			score -= deduct
		}
		if st.Max > 500 {
			deduct := (st.Max - 500) / 20
			if deduct > 30 {
				deduct = 30
			}
			score -= deduct
		}
	}
	if score < 0 {
		score = 0
	}

	return Health{
		Score:      score,
		Acceptable: m.Acceptable(defaultAcceptableMs),
		Stats:      all,
	}
}

// Clear drops all samples and open timers.
func (m *Meter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for category := range m.samples {
		m.samples[category] = nil
	}
	clear(m.timers)
}
