package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

type fakeCache struct {
	mu    sync.Mutex
	calls int
	last  map[domain.Symbol]domain.Tick
}

func (f *fakeCache) SetBulk(_ context.Context, ticks map[domain.Symbol]domain.Tick, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = ticks
	return nil
}

type fakeIndex struct {
	subs map[domain.Symbol][]domain.UserId
}

func (f *fakeIndex) SubscribersOf(symbol domain.Symbol) []domain.UserId {
	return f.subs[symbol]
}

type fakePusher struct {
	mu     sync.Mutex
	pushes map[domain.UserId]int
}

func newFakePusher() *fakePusher { return &fakePusher{pushes: make(map[domain.UserId]int)} }

func (f *fakePusher) PushPriceUpdate(user domain.UserId, _ domain.Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes[user]++
}

type fakeRecomputer struct {
	mu    sync.Mutex
	calls [][]domain.UserId
}

func (f *fakeRecomputer) Recompute(userIDs []domain.UserId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userIDs)
}

// S3: U1, U2 both subscribed to ETHUSDT; U1 also to BTCUSDT; a flush with
// both symbols delivers 2 frames to U1 and 1 to U2; affected = {U1, U2}.
func TestFanOutScenarioS3(t *testing.T) {
	index := &fakeIndex{subs: map[domain.Symbol][]domain.UserId{
		"ETHUSDT": {"u1", "u2"},
		"BTCUSDT": {"u1"},
	}}
	cache := &fakeCache{}
	pusher := newFakePusher()
	recomputer := &fakeRecomputer{}

	b := New(cache, time.Minute, index, pusher, recomputer, nil)

	batch := map[domain.Symbol]domain.Tick{
		"ETHUSDT": {Symbol: "ETHUSDT", Price: decimal.NewFromInt(2000), Timestamp: time.Now()},
		"BTCUSDT": {Symbol: "BTCUSDT", Price: decimal.NewFromInt(30000), Timestamp: time.Now()},
	}
	b.HandleFlush(batch)

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	if pusher.pushes["u1"] != 2 {
		t.Fatalf("expected u1 to receive 2 frames, got %d", pusher.pushes["u1"])
	}
	if pusher.pushes["u2"] != 1 {
		t.Fatalf("expected u2 to receive 1 frame, got %d", pusher.pushes["u2"])
	}

	if cache.calls != 1 {
		t.Fatalf("expected exactly one bulk cache write, got %d", cache.calls)
	}

	recomputer.mu.Lock()
	defer recomputer.mu.Unlock()
	if len(recomputer.calls) != 1 {
		t.Fatalf("expected exactly one recompute call, got %d", len(recomputer.calls))
	}
	got := map[domain.UserId]bool{}
	for _, u := range recomputer.calls[0] {
		got[u] = true
	}
	if !got["u1"] || !got["u2"] || len(got) != 2 {
		t.Fatalf("expected affected users {u1,u2}, got %v", recomputer.calls[0])
	}
}

func TestHandleFlushWithNoSubscribersSkipsRecompute(t *testing.T) {
	index := &fakeIndex{subs: map[domain.Symbol][]domain.UserId{}}
	cache := &fakeCache{}
	pusher := newFakePusher()
	recomputer := &fakeRecomputer{}

	b := New(cache, time.Minute, index, pusher, recomputer, nil)
	b.HandleFlush(map[domain.Symbol]domain.Tick{
		"BTCUSDT": {Symbol: "BTCUSDT", Price: decimal.NewFromInt(1), Timestamp: time.Now()},
	})

	recomputer.mu.Lock()
	defer recomputer.mu.Unlock()
	if len(recomputer.calls) != 0 {
		t.Fatalf("expected no recompute call when no one is subscribed")
	}
}
