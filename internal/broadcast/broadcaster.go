// Package broadcast implements the per-flush fan-out: cache write, price
// delivery to subscribers, and scheduling the P&L recomputation job.
package broadcast

import (
	"context"
	"log"
	"sync"
	"time"

	"marketpulse/internal/domain"
)

// SubscriberIndex is the read surface the broadcaster needs from the
// SubscriptionIndex.
type SubscriberIndex interface {
	SubscribersOf(symbol domain.Symbol) []domain.UserId
}

// PriceCache is the write surface the broadcaster needs from the
// PriceCache.
type PriceCache interface {
	SetBulk(ctx context.Context, ticks map[domain.Symbol]domain.Tick, ttl time.Duration) error
}

// PricePusher delivers a price_update frame to every live session of user.
// Implemented by the gateway.
type PricePusher interface {
	PushPriceUpdate(user domain.UserId, tick domain.Tick)
}

// Recomputer schedules a (debounced) P&L recomputation for the given users.
// Implemented by the PnLEngine.
type Recomputer interface {
	Recompute(userIDs []domain.UserId)
}

// AuditSink receives a best-effort, non-blocking copy of each flush batch
// for downstream analytics. Never on the critical path.
type AuditSink interface {
	PublishFlush(batch map[domain.Symbol]domain.Tick)
}

// Broadcaster implements the Broadcaster component (§4.5): given a flush
// batch it writes the PriceCache, fans out price_update frames, and
// schedules a P&L job for affected users.
type Broadcaster struct {
	cache      PriceCache
	cacheTTL   time.Duration
	index      SubscriberIndex
	pusher     PricePusher
	recomputer Recomputer
	audit      AuditSink // optional; nil disables audit publishing
}

// New builds a Broadcaster. audit may be nil.
func New(cache PriceCache, cacheTTL time.Duration, index SubscriberIndex, pusher PricePusher, recomputer Recomputer, audit AuditSink) *Broadcaster {
	return &Broadcaster{
		cache:      cache,
		cacheTTL:   cacheTTL,
		index:      index,
		pusher:     pusher,
		recomputer: recomputer,
		audit:      audit,
	}
}

// HandleFlush is the FlushFunc wired to the PriceBuffer. It is never
// called with an empty batch (B1).
func (b *Broadcaster) HandleFlush(batch map[domain.Symbol]domain.Tick) {
	ctx := context.Background()
	if err := b.cache.SetBulk(ctx, batch, b.cacheTTL); err != nil {
		log.Printf("[Broadcaster] price cache write failed: %v\n", err)
	}

	var (
		mu       sync.Mutex
		affected = make(map[domain.UserId]struct{})
		wg       sync.WaitGroup
	)

	// Fan-out is concurrent across symbols. HandleFlush runs on the
	// PriceBuffer's timer goroutine, so the next flush starts only after
	// this WaitGroup is done; per-session delivery is a non-blocking
	// enqueue, so a slow session never holds it up.
	for symbol, tick := range batch {
		wg.Add(1)
		go func(symbol domain.Symbol, tick domain.Tick) {
			defer wg.Done()
			users := b.index.SubscribersOf(symbol)

			mu.Lock()
			for _, u := range users {
				affected[u] = struct{}{}
			}
			mu.Unlock()

			for _, u := range users {
				b.pusher.PushPriceUpdate(u, tick)
			}
		}(symbol, tick)
	}
	wg.Wait()

	if len(affected) > 0 {
		userIDs := make([]domain.UserId, 0, len(affected))
		for u := range affected {
			userIDs = append(userIDs, u)
		}
		b.recomputer.Recompute(userIDs)
	}

	if b.audit != nil {
		b.audit.PublishFlush(batch)
	}
}
