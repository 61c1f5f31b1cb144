// Package pricecache holds the latest known price per symbol, backed by
// Redis with a local mirror so hot reads never wait on a round trip.
package pricecache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

const keyPrefix = "marketpulse:price:"

// Cache is the PriceCache contract: bulk writes are atomic with respect to
// readers, and expiry is checked against the stored timestamp rather than
// relying solely on Redis TTL, so a stalled EXPIRE cannot wedge a stale
// value into "fresh" forever.
type Cache struct {
	client *redis.Client
	ttl    time.Duration

	// mirror holds the latest bulk-swapped snapshot for lock-free reads.
	// version increases on every SetBulk; readers never block on Redis.
	mirror  atomic.Pointer[map[domain.Symbol]domain.PriceEntry]
	version uint64
	mu      sync.Mutex // serializes SetBulk's mirror copy-and-swap and version bookkeeping
}

// New builds a Cache with the given default entry TTL.
func New(client *redis.Client, ttl time.Duration) *Cache {
	c := &Cache{client: client, ttl: ttl}
	empty := make(map[domain.Symbol]domain.PriceEntry)
	c.mirror.Store(&empty)
	return c
}

// SetBulk writes every (symbol, tick) pair in one Redis pipeline, then
// swaps the local mirror atomically so readers see either all new values
// or all prior values for any given key -- never a torn pair.
func (c *Cache) SetBulk(ctx context.Context, ticks map[domain.Symbol]domain.Tick, ttl time.Duration) error {
	if len(ticks) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	pipe := c.client.Pipeline()
	for sym, tick := range ticks {
		key := keyPrefix + string(sym)
		pipe.HSet(ctx, key, map[string]interface{}{
			"price":     tick.Price.String(),
			"timestamp": tick.Timestamp.UnixMilli(),
		})
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pricecache: bulk set failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prev := *c.mirror.Load()
	next := make(map[domain.Symbol]domain.PriceEntry, len(prev)+len(ticks))
	for k, v := range prev {
		next[k] = v
	}
	for sym, tick := range ticks {
		next[sym] = domain.PriceEntry{Symbol: sym, Price: tick.Price, Timestamp: tick.Timestamp}
	}
	c.mirror.Store(&next)
	c.version++
	return nil
}

// Get returns the cached entry for symbol, or false if absent or expired.
// A Get on an unknown symbol returns absent, never an error.
func (c *Cache) Get(ctx context.Context, symbol domain.Symbol) (domain.PriceEntry, bool, error) {
	mirror := *c.mirror.Load()
	if entry, ok := mirror[symbol]; ok {
		if entry.ExpiredAt(time.Now(), c.ttl) {
			return domain.PriceEntry{}, false, nil
		}
		return entry, true, nil
	}

	// Mirror miss: this instance may have just started. Fall back to Redis
	// once, lazily, rather than blocking every Get behind a round trip.
	key := keyPrefix + string(symbol)
	data, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return domain.PriceEntry{}, false, fmt.Errorf("pricecache: get %s: %w", symbol, err)
	}
	if len(data) == 0 {
		return domain.PriceEntry{}, false, nil
	}
	entry, ok := parseEntry(symbol, data)
	if !ok || entry.ExpiredAt(time.Now(), c.ttl) {
		return domain.PriceEntry{}, false, nil
	}
	return entry, true, nil
}

// GetBulk resolves many symbols in one call, omitting absent or expired ones.
func (c *Cache) GetBulk(ctx context.Context, symbols []domain.Symbol) (map[domain.Symbol]domain.PriceEntry, error) {
	out := make(map[domain.Symbol]domain.PriceEntry, len(symbols))
	for _, sym := range symbols {
		entry, ok, err := c.Get(ctx, sym)
		if err != nil {
			return nil, err
		}
		if ok {
			out[sym] = entry
		}
	}
	return out, nil
}

func parseEntry(symbol domain.Symbol, data map[string]string) (domain.PriceEntry, bool) {
	priceStr, ok := data["price"]
	if !ok {
		return domain.PriceEntry{}, false
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.PriceEntry{}, false
	}
	tsStr, ok := data["timestamp"]
	if !ok {
		return domain.PriceEntry{}, false
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.PriceEntry{}, false
	}
	return domain.PriceEntry{
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.UnixMilli(ts),
	}, true
}
