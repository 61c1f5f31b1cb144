// Package svc composes the pipeline's components into a single running
// process: one PriceCache, one SubscriptionIndex, one UpstreamConsumer,
// one PriceBuffer, one Broadcaster, one PnLEngine and one ClientGateway,
// replacing the collector/processor/api service split with a single
// wired value.
package svc

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"marketpulse/internal/audit"
	"marketpulse/internal/broadcast"
	"marketpulse/internal/buffer"
	"marketpulse/internal/config"
	"marketpulse/internal/domain"
	"marketpulse/internal/gateway"
	"marketpulse/internal/pnl"
	"marketpulse/internal/pricecache"
	"marketpulse/internal/store"
	"marketpulse/internal/subsindex"
	"marketpulse/internal/upstream"
)

// Core is the single composed value holding every running component.
type Core struct {
	Config config.Config

	Redis     *redis.Client
	Cache     *pricecache.Cache
	Index     *subsindex.Index
	Upstream  *upstream.Consumer
	Buffer    *buffer.Buffer
	Broadcast *broadcast.Broadcaster
	PnL       *pnl.Engine
	Gateway   *gateway.Gateway
	Audit     *audit.Publisher // nil when no Kafka brokers are configured

	Sessions  store.SessionStore
	Positions store.PositionStore
}

// New wires every component per the config. sessions and positions are
// the external collaborators (durable session/position stores); this
// module only reads them, so callers supply a concrete implementation
// appropriate to their deployment.
func New(c config.Config, sessions store.SessionStore, positions store.PositionStore) *Core {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port),
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     100,
		MinIdleConns: 10,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		panic(fmt.Sprintf("[Core] failed to connect to Redis: %v", err))
	}

	cache := pricecache.New(rdb, c.Redis.EntryTTL())
	index := subsindex.New(c.Tuning.SessionCap)

	var auditPublisher *audit.Publisher
	if len(c.Kafka.Brokers) > 0 {
		auditPublisher = audit.New(c.Kafka.Brokers, c.Kafka.Topic)
	}

	core := &Core{
		Config:    c,
		Redis:     rdb,
		Cache:     cache,
		Index:     index,
		Sessions:  sessions,
		Positions: positions,
		Audit:     auditPublisher,
	}

	pnlEngine := pnl.New(positions, cache, core, c.Tuning.Debounce(), c.Tuning.PnLCacheTTL(), c.Tuning.PnLWorkerCount)
	core.PnL = pnlEngine

	var auditSink broadcast.AuditSink
	if auditPublisher != nil {
		auditSink = auditPublisher
	}
	bcast := broadcast.New(cache, c.Redis.EntryTTL(), index, core, pnlEngine, auditSink)
	core.Broadcast = bcast

	priceBuf := buffer.New(c.Tuning.FlushInterval(), bcast.HandleFlush)
	core.Buffer = priceBuf

	upstreamConsumer := upstream.New(upstream.Config{
		URL:           c.Upstream.URL,
		PingInterval:  c.Upstream.PingInterval(),
		PongTimeout:   c.Upstream.PongTimeout(),
		MaxReconnect:  c.Upstream.MaxReconnect,
		HandshakeWait: c.Upstream.HandshakeWait(),
	}, priceBuf.Ingest, func(err error) {
		log.Printf("[Core] upstream consumer failed permanently: %v\n", err)
	})
	core.Upstream = upstreamConsumer

	core.Gateway = gateway.New(index, sessions, positions, pnlEngine, upstreamConsumer, c.Tuning.OutboundQueueCap)

	return core
}

// PushPriceUpdate implements broadcast.PricePusher by delegating to the
// gateway. Defined on Core so the Broadcaster can be constructed before
// the Gateway exists during wiring, via the forward reference below.
func (c *Core) PushPriceUpdate(user domain.UserId, tick domain.Tick) {
	if c.Gateway == nil {
		return
	}
	c.Gateway.PushPriceUpdate(user, tick)
}

// NotifyPortfolio implements pnl.Notifier by delegating to the gateway,
// and, when configured, mirrors the snapshot to the audit stream.
func (c *Core) NotifyPortfolio(user domain.UserId, snapshot domain.PortfolioSnapshot) {
	if c.Gateway != nil {
		c.Gateway.NotifyPortfolio(user, snapshot)
	}
	if c.Audit != nil {
		c.Audit.PublishPnL(user, snapshot)
	}
}

// Run starts the background components and blocks until ctx is canceled.
func (c *Core) Run(ctx context.Context) {
	go c.Buffer.Run()
	go c.Upstream.Run(ctx)

	<-ctx.Done()

	c.Upstream.Stop()
	c.Buffer.Stop()
	c.PnL.Close()
	if c.Audit != nil {
		if err := c.Audit.Close(); err != nil {
			log.Printf("[Core] audit publisher close: %v\n", err)
		}
	}
}
