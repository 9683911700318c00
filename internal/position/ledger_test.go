package position

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"edgex-lighter-arb/pkg/types"
)

func newTestLedger(source LighterSource) *Ledger {
	return NewLedger(slog.New(slog.NewTextHandler(io.Discard, nil)), source)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeSource struct {
	size decimal.Decimal
	err  error
}

func (f *fakeSource) Position(ctx context.Context) (decimal.Decimal, error) {
	return f.size, f.err
}

func TestApplyAndNet(t *testing.T) {
	t.Parallel()
	l := newTestLedger(nil)

	l.Apply(types.VenueEdgeX, dec("0.001"))
	l.Apply(types.VenueLighter, dec("-0.001"))

	if !l.Position(types.VenueEdgeX).Equal(dec("0.001")) {
		t.Errorf("edgex = %s, want 0.001", l.Position(types.VenueEdgeX))
	}
	if !l.Position(types.VenueLighter).Equal(dec("-0.001")) {
		t.Errorf("lighter = %s, want -0.001", l.Position(types.VenueLighter))
	}
	if !l.Net().IsZero() {
		t.Errorf("net = %s, want 0", l.Net())
	}
	if !l.Balanced() {
		t.Error("hedged book should be balanced")
	}
}

func TestImbalance(t *testing.T) {
	t.Parallel()
	l := newTestLedger(nil)

	l.Apply(types.VenueEdgeX, dec("0.005"))
	l.Apply(types.VenueLighter, dec("-0.002"))

	if !l.Imbalance().Equal(dec("0.003")) {
		t.Errorf("imbalance = %s, want 0.003", l.Imbalance())
	}
	if l.Balanced() {
		t.Error("0.003 net should not be balanced")
	}

	// Hedge catches up to within tolerance.
	l.Apply(types.VenueLighter, dec("-0.002"))
	if !l.Balanced() {
		t.Errorf("0.001 net should be balanced, imbalance = %s", l.Imbalance())
	}
}

func TestExposure(t *testing.T) {
	t.Parallel()
	l := newTestLedger(nil)

	l.Apply(types.VenueEdgeX, dec("0.004"))
	l.Apply(types.VenueLighter, dec("-0.004"))

	if !l.Exposure().Equal(dec("0.004")) {
		t.Errorf("exposure = %s, want 0.004", l.Exposure())
	}
}

func TestSetRecordsChange(t *testing.T) {
	t.Parallel()
	l := newTestLedger(nil)

	l.Apply(types.VenueEdgeX, dec("0.002"))
	l.Set(types.VenueEdgeX, dec("0.005"))

	changes := l.RecentChanges(10)
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	last := changes[1]
	if !last.OldSize.Equal(dec("0.002")) || !last.NewSize.Equal(dec("0.005")) {
		t.Errorf("last change = %s -> %s, want 0.002 -> 0.005", last.OldSize, last.NewSize)
	}
}

func TestChangeHistoryCapped(t *testing.T) {
	t.Parallel()
	l := newTestLedger(nil)

	for i := 0; i < 150; i++ {
		l.Apply(types.VenueEdgeX, dec("0.001"))
	}

	if got := len(l.RecentChanges(1000)); got != 100 {
		t.Errorf("history length = %d, want 100", got)
	}
	recent := l.RecentChanges(10)
	if len(recent) != 10 {
		t.Fatalf("got %d recent changes, want 10", len(recent))
	}
	// Newest entry last.
	if !recent[9].NewSize.Equal(dec("0.15")) {
		t.Errorf("newest size = %s, want 0.15", recent[9].NewSize)
	}
}

func TestSyncLighter(t *testing.T) {
	t.Parallel()
	src := &fakeSource{size: dec("-0.003")}
	l := newTestLedger(src)

	if err := l.SyncLighter(context.Background()); err != nil {
		t.Fatalf("SyncLighter: %v", err)
	}
	if !l.Position(types.VenueLighter).Equal(dec("-0.003")) {
		t.Errorf("lighter = %s, want -0.003", l.Position(types.VenueLighter))
	}
}

func TestSyncLighterErrorKeepsCache(t *testing.T) {
	t.Parallel()
	src := &fakeSource{size: dec("-0.003")}
	l := newTestLedger(src)

	l.Set(types.VenueLighter, dec("-0.002"))
	src.err = errors.New("api down")

	if err := l.SyncLighter(context.Background()); err == nil {
		t.Fatal("SyncLighter should return the source error")
	}
	if !l.Position(types.VenueLighter).Equal(dec("-0.002")) {
		t.Errorf("lighter = %s, want cached -0.002", l.Position(types.VenueLighter))
	}
}

func TestSyncLighterNoSource(t *testing.T) {
	t.Parallel()
	l := newTestLedger(nil)

	if err := l.SyncLighter(context.Background()); err != nil {
		t.Errorf("SyncLighter without source: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	l := newTestLedger(nil)

	l.Apply(types.VenueEdgeX, dec("0.002"))
	l.Apply(types.VenueLighter, dec("-0.002"))
	l.SetEntryPrice(types.VenueEdgeX, dec("100.1"))
	l.SetBalance(types.VenueEdgeX, dec("1000"))
	l.SetBalance(types.VenueLighter, dec("500"))

	s := l.Snapshot()
	if !s.EdgeX.Size.Equal(dec("0.002")) {
		t.Errorf("edgex size = %s, want 0.002", s.EdgeX.Size)
	}
	if !s.EdgeX.EntryPrice.Equal(dec("100.1")) {
		t.Errorf("edgex entry = %s, want 100.1", s.EdgeX.EntryPrice)
	}
	if !s.EdgeX.Balance.Equal(dec("1000")) {
		t.Errorf("edgex balance = %s, want 1000", s.EdgeX.Balance)
	}
	if !s.Lighter.Balance.Equal(dec("500")) {
		t.Errorf("lighter balance = %s, want 500", s.Lighter.Balance)
	}
	if !s.Net.IsZero() {
		t.Errorf("net = %s, want 0", s.Net)
	}
	if !s.Balanced {
		t.Error("snapshot should report balanced")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	l := newTestLedger(nil)

	l.Apply(types.VenueEdgeX, dec("0.002"))
	l.Apply(types.VenueLighter, dec("-0.002"))
	l.Reset()

	if !l.Position(types.VenueEdgeX).IsZero() || !l.Position(types.VenueLighter).IsZero() {
		t.Error("positions should be zero after reset")
	}
	if got := len(l.RecentChanges(10)); got != 0 {
		t.Errorf("history length = %d, want 0 after reset", got)
	}
}
