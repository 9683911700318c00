// Package position tracks per-venue positions and balances.
//
// The executor holds the EdgeX leg and its Lighter hedge at the same time;
// the two sizes should sum to roughly zero. Ledger keeps both sides, the
// venue balances, and a short history of changes so runaway drift is
// auditable after the fact.
package position

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"edgex-lighter-arb/pkg/types"
)

// Position is one venue's holding. Positive size is long, negative short.
type Position struct {
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Change records one position move for the audit trail.
type Change struct {
	Venue   types.Venue     `json:"venue"`
	OldSize decimal.Decimal `json:"old_size"`
	NewSize decimal.Decimal `json:"new_size"`
	At      time.Time       `json:"at"`
}

// VenueStatus is one venue's slice of a Snapshot.
type VenueStatus struct {
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Balance    decimal.Decimal `json:"balance"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Status is a point-in-time view of both venues.
type Status struct {
	EdgeX     VenueStatus     `json:"edgex"`
	Lighter   VenueStatus     `json:"lighter"`
	Net       decimal.Decimal `json:"net_position"`
	Imbalance decimal.Decimal `json:"position_imbalance"`
	Balanced  bool            `json:"is_balanced"`
}

// LighterSource supplies the authoritative Lighter position for resyncs.
type LighterSource interface {
	Position(ctx context.Context) (decimal.Decimal, error)
}

const maxHistory = 100

// balanceTolerance is the residual net position still considered flat;
// venue quantity rounding leaves dust below this.
var balanceTolerance = decimal.RequireFromString("0.001")

// Ledger tracks positions and balances on both venues. Thread-safe.
type Ledger struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	source  LighterSource
	edgex   Position
	lighter Position

	edgexBalance   decimal.Decimal
	lighterBalance decimal.Decimal

	history []Change
}

// NewLedger creates a ledger. source may be nil when no Lighter resync is
// available (tests, dry runs).
func NewLedger(logger *slog.Logger, source LighterSource) *Ledger {
	return &Ledger{
		logger: logger.With("component", "position"),
		source: source,
	}
}

func (l *Ledger) pos(venue types.Venue) *Position {
	if venue == types.VenueLighter {
		return &l.lighter
	}
	return &l.edgex
}

// Apply adds a fill delta to a venue's position.
func (l *Ledger) Apply(venue types.Venue, delta decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.pos(venue)
	old := p.Size
	p.Size = p.Size.Add(delta)
	p.UpdatedAt = time.Now()
	l.recordLocked(venue, old, p.Size)

	l.logger.Info("position updated",
		"venue", venue,
		"old", old,
		"new", p.Size,
		"delta", delta)
}

// Set overwrites a venue's position with an absolute size.
func (l *Ledger) Set(venue types.Venue, size decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.pos(venue)
	old := p.Size
	p.Size = size
	p.UpdatedAt = time.Now()
	l.recordLocked(venue, old, p.Size)
}

// SetEntryPrice records a venue's average entry price.
func (l *Ledger) SetEntryPrice(venue types.Venue, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pos(venue).EntryPrice = price
}

// SetBalance records a venue's available balance.
func (l *Ledger) SetBalance(venue types.Venue, balance decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if venue == types.VenueLighter {
		l.lighterBalance = balance
	} else {
		l.edgexBalance = balance
	}
}

// Position returns a venue's current size.
func (l *Ledger) Position(venue types.Venue) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pos(venue).Size
}

// Balance returns a venue's available balance.
func (l *Ledger) Balance(venue types.Venue) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if venue == types.VenueLighter {
		return l.lighterBalance
	}
	return l.edgexBalance
}

// Net returns the sum of both venue positions. Near zero when hedged.
func (l *Ledger) Net() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.netLocked()
}

func (l *Ledger) netLocked() decimal.Decimal {
	return l.edgex.Size.Add(l.lighter.Size)
}

// Imbalance returns the absolute net position.
func (l *Ledger) Imbalance() decimal.Decimal {
	return l.Net().Abs()
}

// Balanced reports whether the net position is within tolerance of flat.
func (l *Ledger) Balanced() bool {
	return l.Imbalance().LessThanOrEqual(balanceTolerance)
}

// Exposure returns half the sum of absolute venue sizes, the size of the
// hedged pair.
func (l *Ledger) Exposure() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	two := decimal.NewFromInt(2)
	return l.edgex.Size.Abs().Add(l.lighter.Size.Abs()).Div(two)
}

func (l *Ledger) recordLocked(venue types.Venue, old, size decimal.Decimal) {
	l.history = append(l.history, Change{
		Venue:   venue,
		OldSize: old,
		NewSize: size,
		At:      time.Now(),
	})
	if len(l.history) > maxHistory {
		l.history = l.history[len(l.history)-maxHistory:]
	}
}

// RecentChanges returns up to limit of the most recent position moves,
// oldest first.
func (l *Ledger) RecentChanges(limit int) []Change {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := len(l.history) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Change, len(l.history)-start)
	copy(out, l.history[start:])
	return out
}

// SyncLighter replaces the cached Lighter position with the venue's own
// number. On error the cached value is kept; a stale position beats a
// zeroed one mid-session.
func (l *Ledger) SyncLighter(ctx context.Context) error {
	if l.source == nil {
		return nil
	}

	size, err := l.source.Position(ctx)
	if err != nil {
		l.logger.Error("lighter position sync failed", "error", err)
		return err
	}

	l.Set(types.VenueLighter, size)
	l.logger.Info("synced lighter position", "size", size)
	return nil
}

// Snapshot returns a consistent view of both venues.
func (l *Ledger) Snapshot() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	net := l.netLocked()
	return Status{
		EdgeX: VenueStatus{
			Size:       l.edgex.Size,
			EntryPrice: l.edgex.EntryPrice,
			Balance:    l.edgexBalance,
			UpdatedAt:  l.edgex.UpdatedAt,
		},
		Lighter: VenueStatus{
			Size:       l.lighter.Size,
			EntryPrice: l.lighter.EntryPrice,
			Balance:    l.lighterBalance,
			UpdatedAt:  l.lighter.UpdatedAt,
		},
		Net:       net,
		Imbalance: net.Abs(),
		Balanced:  net.Abs().LessThanOrEqual(balanceTolerance),
	}
}

// Reset zeroes both positions and the change history. Emergency use only.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.edgex = Position{}
	l.lighter = Position{}
	l.history = nil
	l.logger.Warn("position ledger reset")
}
