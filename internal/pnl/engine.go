// Package pnl implements the debounced portfolio recomputation that joins
// live prices against each user's open positions.
package pnl

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
	"marketpulse/internal/store"
)

// Notifier is pushed a freshly computed snapshot for delivery to a user's
// live sessions. Implemented by the gateway.
type Notifier interface {
	NotifyPortfolio(user domain.UserId, snapshot domain.PortfolioSnapshot)
}

// PriceSource resolves the latest known price for a set of symbols.
// Satisfied by *pricecache.Cache; kept as an interface here so the engine
// can be tested without a Redis-backed cache.
type PriceSource interface {
	GetBulk(ctx context.Context, symbols []domain.Symbol) (map[domain.Symbol]domain.PriceEntry, error)
}

type cachedSnapshot struct {
	snapshot  domain.PortfolioSnapshot
	expiresAt time.Time
}

// Engine recomputes a PortfolioSnapshot per affected user, debouncing
// repeated requests within a short window and running on a small fixed
// worker pool rather than one goroutine per user.
type Engine struct {
	positions store.PositionStore
	prices    PriceSource
	notifier  Notifier

	debounce time.Duration
	cacheTTL time.Duration

	mu      sync.Mutex
	pending map[domain.UserId]*time.Timer
	cache   map[domain.UserId]cachedSnapshot

	jobs chan domain.UserId
	wg   sync.WaitGroup
}

// New builds an Engine with workerCount debounce workers.
func New(positions store.PositionStore, prices PriceSource, notifier Notifier, debounce, cacheTTL time.Duration, workerCount int) *Engine {
	if workerCount < 1 {
		workerCount = 1
	}
	e := &Engine{
		positions: positions,
		prices:    prices,
		notifier:  notifier,
		debounce:  debounce,
		cacheTTL:  cacheTTL,
		pending:   make(map[domain.UserId]*time.Timer),
		cache:     make(map[domain.UserId]cachedSnapshot),
		jobs:      make(chan domain.UserId, 1024),
	}
	for i := 0; i < workerCount; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for user := range e.jobs {
		e.recomputeOne(context.Background(), user)
	}
}

// Recompute schedules a debounced recomputation for each user in userIDs.
// Repeated requests for the same user within the debounce window coalesce
// into a single run that reads state at fire time, not at request time.
func (e *Engine) Recompute(userIDs []domain.UserId) {
	for _, user := range userIDs {
		e.scheduleDebounced(user)
	}
}

func (e *Engine) scheduleDebounced(user domain.UserId) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, already := e.pending[user]; already {
		return
	}
	e.pending[user] = time.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		delete(e.pending, user)
		e.mu.Unlock()
		e.jobs <- user
	})
}

// InvalidateCache drops any cached snapshot for user; any position
// open/close should call this.
func (e *Engine) InvalidateCache(user domain.UserId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, user)
}

// Snapshot returns user's cached PortfolioSnapshot while it is within the
// cache TTL; otherwise it computes a fresh one, bypassing the debounce
// window, and caches it. Used for preload and get_portfolio requests.
func (e *Engine) Snapshot(ctx context.Context, user domain.UserId) (domain.PortfolioSnapshot, error) {
	e.mu.Lock()
	if cached, ok := e.cache[user]; ok && time.Now().Before(cached.expiresAt) {
		e.mu.Unlock()
		return cached.snapshot, nil
	}
	e.mu.Unlock()

	return e.compute(ctx, user)
}

func (e *Engine) recomputeOne(ctx context.Context, user domain.UserId) {
	snapshot, err := e.compute(ctx, user)
	if err != nil {
		log.Printf("[PnLEngine] recompute failed for user %s: %v\n", user, err)
		return
	}
	e.notifier.NotifyPortfolio(user, snapshot)
}

func (e *Engine) compute(ctx context.Context, user domain.UserId) (domain.PortfolioSnapshot, error) {
	positions, err := e.positions.OpenPositionsOf(ctx, user)
	if err != nil {
		return domain.PortfolioSnapshot{}, err
	}

	symbols := make([]domain.Symbol, 0, len(positions))
	seen := make(map[domain.Symbol]struct{})
	for _, p := range positions {
		if _, ok := seen[p.Symbol]; ok {
			continue
		}
		seen[p.Symbol] = struct{}{}
		symbols = append(symbols, p.Symbol)
	}

	prices, err := e.prices.GetBulk(ctx, symbols)
	if err != nil {
		return domain.PortfolioSnapshot{}, err
	}

	views := make([]domain.PositionView, 0, len(positions))
	invested := decimal.Zero
	currentValue := decimal.Zero
	totalPnL := decimal.Zero

	for _, p := range positions {
		current := p.EntryPrice
		if entry, ok := prices[p.Symbol]; ok {
			current = entry.Price
		}

		pnl := domain.UnrealizedPnL(p.Side, p.Quantity, p.EntryPrice, current)
		pct := domain.PnLPercent(pnl, p.Quantity, p.EntryPrice)

		views = append(views, domain.PositionView{
			Symbol:        p.Symbol,
			Quantity:      p.Quantity,
			EntryPrice:    p.EntryPrice,
			CurrentPrice:  current,
			UnrealizedPnL: domain.RoundValue(pnl),
			PnLPct:        domain.RoundPct(pct),
		})

		invested = invested.Add(p.Quantity.Mul(p.EntryPrice))
		currentValue = currentValue.Add(p.Quantity.Mul(current))
		totalPnL = totalPnL.Add(pnl)
	}

	totalPct := domain.PctOfInvested(totalPnL, invested)

	snapshot := domain.PortfolioSnapshot{
		UserID:        user,
		Positions:     views,
		Invested:      domain.RoundValue(invested),
		CurrentValue:  domain.RoundValue(currentValue),
		UnrealizedPnL: domain.RoundValue(totalPnL),
		PnLPct:        domain.RoundPct(totalPct),
		Timestamp:     time.Now(),
	}

	e.mu.Lock()
	e.cache[user] = cachedSnapshot{snapshot: snapshot, expiresAt: time.Now().Add(e.cacheTTL)}
	e.mu.Unlock()

	return snapshot, nil
}

// Close drains in-flight work and stops the worker pool.
func (e *Engine) Close() {
	close(e.jobs)
	e.wg.Wait()
}
