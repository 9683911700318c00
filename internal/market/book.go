// Package market maintains local order book mirrors for both venues.
//
// Each venue gets a Book: a top-of-book quote plus depth maps. EdgeX is fed
// top-of-book updates directly by the front-end bridge (SetTop); Lighter is
// fed snapshots and diffs from its WebSocket stream (ApplySnapshot and
// ApplyDiff), with the top recomputed from depth after every update. Store
// wraps the two books and derives the cross-venue spreads the strategy
// samples.
package market

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"edgex-lighter-arb/pkg/types"
)

// Book is one venue's order book. Depth maps are keyed by the canonical
// price string so 0.10 and 0.1 land on the same level.
type Book struct {
	mu        sync.RWMutex
	top       types.Quote
	bids      map[string]types.Level
	asks      map[string]types.Level
	ready     bool
	updatedAt time.Time
}

func newBook() *Book {
	return &Book{
		bids: make(map[string]types.Level),
		asks: make(map[string]types.Level),
	}
}

// SetTop applies a direct top-of-book update. Nil fields keep their previous
// values, so venues that stream one side at a time never wipe the other
// side. Returns false without applying anything when the resulting quote
// would cross (bid >= ask).
func (b *Book) SetTop(md types.MarketData) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bid, ask := b.top.Bid, b.top.Ask
	if md.BestBid != nil {
		bid = *md.BestBid
	}
	if md.BestAsk != nil {
		ask = *md.BestAsk
	}
	if bid.IsPositive() && ask.IsPositive() && bid.GreaterThanOrEqual(ask) {
		return false
	}

	b.top.Bid, b.top.Ask = bid, ask
	if md.BidSize != nil {
		b.top.BidSize = *md.BidSize
	}
	if md.AskSize != nil {
		b.top.AskSize = *md.AskSize
	}
	b.top.UpdatedAt = time.Now()
	b.ready = true
	b.updatedAt = b.top.UpdatedAt
	return true
}

// Apply merges depth levels into the book. A snapshot clears existing depth
// first. Zero-size levels are deletions. The top of book is recomputed from
// whatever depth remains.
func (b *Book) Apply(bids, asks []types.Level, snapshot bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if snapshot {
		clear(b.bids)
		clear(b.asks)
	}
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	b.refreshTopLocked()
	b.ready = true
	b.updatedAt = b.top.UpdatedAt
}

func applyLevels(side map[string]types.Level, levels []types.Level) {
	for _, lvl := range levels {
		key := lvl.Price.String()
		if lvl.Size.IsPositive() {
			side[key] = lvl
		} else {
			delete(side, key)
		}
	}
}

// refreshTopLocked recomputes best bid/ask from depth. A side with no levels
// keeps its previous top; diffs may only carry one side's changes.
func (b *Book) refreshTopLocked() {
	if len(b.bids) > 0 {
		var best types.Level
		first := true
		for _, lvl := range b.bids {
			if first || lvl.Price.GreaterThan(best.Price) {
				best = lvl
				first = false
			}
		}
		b.top.Bid, b.top.BidSize = best.Price, best.Size
	}
	if len(b.asks) > 0 {
		var best types.Level
		first := true
		for _, lvl := range b.asks {
			if first || lvl.Price.LessThan(best.Price) {
				best = lvl
				first = false
			}
		}
		b.top.Ask, b.top.AskSize = best.Price, best.Size
	}
	b.top.UpdatedAt = time.Now()
}

// Top returns the current top of book. ok is false until both sides are
// known, and false again if the sides cross (stale one-sided depth).
func (b *Book) Top() (types.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.top.Complete() {
		return b.top, false
	}
	if b.top.Bid.GreaterThanOrEqual(b.top.Ask) {
		return b.top, false
	}
	return b.top, true
}

// Depth returns the number of live bid and ask levels.
func (b *Book) Depth() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids), len(b.asks)
}

// Ready reports whether the book has received at least one update.
func (b *Book) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// MarkReady overrides the ready flag, used when a feed disconnects and the
// mirror should no longer be trusted.
func (b *Book) MarkReady(ready bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = ready
}

// IsStale reports whether the book has gone maxAge without an update.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updatedAt.IsZero() {
		return true
	}
	return time.Since(b.updatedAt) > maxAge
}

// LastUpdate returns the time of the most recent update.
func (b *Book) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updatedAt
}

// Store holds the two venue books and answers cross-venue questions.
type Store struct {
	logger  *slog.Logger
	edgex   *Book
	lighter *Book
}

func NewStore(logger *slog.Logger) *Store {
	return &Store{
		logger:  logger.With("component", "market"),
		edgex:   newBook(),
		lighter: newBook(),
	}
}

func (s *Store) book(venue types.Venue) *Book {
	if venue == types.VenueLighter {
		return s.lighter
	}
	return s.edgex
}

// SetTop applies a direct top-of-book update to a venue, warning and
// dropping updates that would cross the book.
func (s *Store) SetTop(venue types.Venue, md types.MarketData) bool {
	if !s.book(venue).SetTop(md) {
		s.logger.Warn("rejected crossed quote",
			"venue", venue,
			"bid", md.BestBid,
			"ask", md.BestAsk)
		return false
	}
	return true
}

// ApplySnapshot replaces a venue's depth with the given levels.
func (s *Store) ApplySnapshot(venue types.Venue, bids, asks []types.Level) {
	s.book(venue).Apply(bids, asks, true)
}

// ApplyDiff merges incremental depth changes into a venue's book.
func (s *Store) ApplyDiff(venue types.Venue, bids, asks []types.Level) {
	s.book(venue).Apply(bids, asks, false)
}

// Top returns a venue's top of book.
func (s *Store) Top(venue types.Venue) (types.Quote, bool) {
	return s.book(venue).Top()
}

// VenueReady reports whether one venue's book has data.
func (s *Store) VenueReady(venue types.Venue) bool {
	return s.book(venue).Ready()
}

// Ready reports whether both venue books have data.
func (s *Store) Ready() bool {
	return s.edgex.Ready() && s.lighter.Ready()
}

// MarkReady overrides one venue's ready flag.
func (s *Store) MarkReady(venue types.Venue, ready bool) {
	s.book(venue).MarkReady(ready)
}

// IsStale reports whether a venue's book has gone maxAge without an update.
func (s *Store) IsStale(venue types.Venue, maxAge time.Duration) bool {
	return s.book(venue).IsStale(maxAge)
}

// LastUpdate returns the time of a venue's most recent update.
func (s *Store) LastUpdate(venue types.Venue) time.Time {
	return s.book(venue).LastUpdate()
}

// Spreads returns the cross-venue entry spreads. A long entry buys EdgeX and
// sells Lighter, so its edge is lighter.bid - edgex.ask; short is the
// mirror, edgex.bid - lighter.ask. ok is false unless all four sides are
// known.
func (s *Store) Spreads() (long, short decimal.Decimal, ok bool) {
	e, eok := s.edgex.Top()
	l, lok := s.lighter.Top()
	if !eok || !lok {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
	return l.Bid.Sub(e.Ask), e.Bid.Sub(l.Ask), true
}
