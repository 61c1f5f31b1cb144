package pnl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
	"marketpulse/internal/store"
)

type recordingNotifier struct {
	mu        sync.Mutex
	snapshots []domain.PortfolioSnapshot
}

func (r *recordingNotifier) NotifyPortfolio(_ domain.UserId, snap domain.PortfolioSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snap)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

// fakePriceSource is an in-memory PriceSource double so the engine can be
// exercised without a Redis-backed PriceCache.
type fakePriceSource struct {
	mu      sync.RWMutex
	entries map[domain.Symbol]domain.PriceEntry
}

func newFakePriceSource() *fakePriceSource {
	return &fakePriceSource{entries: make(map[domain.Symbol]domain.PriceEntry)}
}

func (f *fakePriceSource) set(symbol domain.Symbol, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[symbol] = domain.PriceEntry{Symbol: symbol, Price: price, Timestamp: time.Now()}
}

func (f *fakePriceSource) GetBulk(_ context.Context, symbols []domain.Symbol) (map[domain.Symbol]domain.PriceEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[domain.Symbol]domain.PriceEntry, len(symbols))
	for _, s := range symbols {
		if e, ok := f.entries[s]; ok {
			out[s] = e
		}
	}
	return out, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// S1: LONG 1.0 @ 100.0, current 110.0 -> unrealized_pnl=10.0, pnl_pct=10.00.
func TestRecomputeSingleUserSingleSymbol(t *testing.T) {
	prices := newFakePriceSource()
	prices.set("BTCUSDT", dec("110.0"))

	positions := store.NewMemoryPositionStore()
	positions.SetPositions("u1", []domain.Position{
		{UserID: "u1", Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: dec("1.0"), EntryPrice: dec("100.0"), Status: domain.StatusOpen},
	})

	notifier := &recordingNotifier{}
	engine := New(positions, prices, notifier, 10*time.Millisecond, 5*time.Second, 2)
	defer engine.Close()

	engine.Recompute([]domain.UserId{"u1"})
	deadline := time.Now().Add(time.Second)
	for notifier.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if notifier.count() != 1 {
		t.Fatalf("expected exactly one notification, got %d", notifier.count())
	}
	snap := notifier.snapshots[0]
	if !snap.UnrealizedPnL.Equal(dec("10.0000")) {
		t.Fatalf("unexpected unrealized pnl: %s", snap.UnrealizedPnL)
	}
	if !snap.PnLPct.Equal(dec("10.00")) {
		t.Fatalf("unexpected pnl pct: %s", snap.PnLPct)
	}
}

// Debounce: repeated requests for the same user within the window coalesce
// into a single recomputation.
func TestRecomputeDebouncesRepeatedRequests(t *testing.T) {
	prices := newFakePriceSource()
	prices.set("BTCUSDT", dec("110.0"))

	positions := store.NewMemoryPositionStore()
	positions.SetPositions("u1", []domain.Position{
		{UserID: "u1", Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: dec("1.0"), EntryPrice: dec("100.0"), Status: domain.StatusOpen},
	})

	notifier := &recordingNotifier{}
	engine := New(positions, prices, notifier, 50*time.Millisecond, 5*time.Second, 2)
	defer engine.Close()

	for i := 0; i < 10; i++ {
		engine.Recompute([]domain.UserId{"u1"})
	}

	time.Sleep(200 * time.Millisecond)

	if got := notifier.count(); got != 1 {
		t.Fatalf("expected exactly one coalesced recomputation, got %d", got)
	}
}

// Missing price falls back to entry_price, yielding zero pnl.
func TestRecomputeFallsBackToEntryPriceWhenPriceMissing(t *testing.T) {
	prices := newFakePriceSource()

	positions := store.NewMemoryPositionStore()
	positions.SetPositions("u1", []domain.Position{
		{UserID: "u1", Symbol: "ETHUSDT", Side: domain.SideLong, Quantity: dec("2.0"), EntryPrice: dec("50.0"), Status: domain.StatusOpen},
	})

	notifier := &recordingNotifier{}
	engine := New(positions, prices, notifier, 5*time.Millisecond, 5*time.Second, 1)
	defer engine.Close()

	snap, err := engine.Snapshot(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.UnrealizedPnL.IsZero() {
		t.Fatalf("expected zero pnl with entry-price fallback, got %s", snap.UnrealizedPnL)
	}
}
