// Package upstream maintains the long-lived connection to the exchange
// streaming endpoint and keeps its subscribed-symbol set in sync with the
// SubscriptionIndex.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

// State is the UpstreamConsumer's connection state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Stopped
)

const tickerEventType = "24hrTicker"

// Config tunes the consumer's reconnect and keepalive behavior.
type Config struct {
	URL           string
	PingInterval  time.Duration // default 20s
	PongTimeout   time.Duration // default 10s
	MaxReconnect  int           // default 10
	HandshakeWait time.Duration // default 10s
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = 10
	}
	if c.HandshakeWait <= 0 {
		c.HandshakeWait = 10 * time.Second
	}
}

// Consumer is the UpstreamConsumer component.
type Consumer struct {
	cfg Config

	onTick  func(domain.Tick)
	onFatal func(error)

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	subscribed map[domain.Symbol]struct{}
	lastPong   time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a Consumer. onTick is invoked for every well-formed ticker
// frame; onFatal is invoked once if the reconnect cap is exceeded.
func New(cfg Config, onTick func(domain.Tick), onFatal func(error)) *Consumer {
	cfg.setDefaults()
	return &Consumer{
		cfg:        cfg,
		onTick:     onTick,
		onFatal:    onFatal,
		state:      Disconnected,
		subscribed: make(map[domain.Symbol]struct{}),
		stop:       make(chan struct{}),
	}
}

// Run drives the connect/reconnect loop until Stop is called or the
// reconnect cap is exceeded. Intended to run in its own goroutine.
func (c *Consumer) Run(ctx context.Context) {
	attempts := 0
	for {
		select {
		case <-c.stop:
			c.setState(Stopped)
			return
		case <-ctx.Done():
			c.setState(Stopped)
			return
		default:
		}

		err := c.connectAndServe(ctx)
		if err == nil {
			// connectAndServe returns nil only once Stop has fired.
			c.setState(Stopped)
			return
		}

		if c.State() == Connected {
			// The connection was established before this failure, so the
			// run of consecutive failed attempts starts over.
			attempts = 0
		}
		c.setState(Disconnected)
		attempts++
		if attempts >= c.cfg.MaxReconnect {
			log.Printf("[UpstreamConsumer] max reconnect attempts (%d) reached, giving up\n", c.cfg.MaxReconnect)
			if c.onFatal != nil {
				c.onFatal(fmt.Errorf("upstream: exceeded %d reconnect attempts: %w", c.cfg.MaxReconnect, err))
			}
			c.setState(Stopped)
			return
		}

		wait := backoff(attempts)
		log.Printf("[UpstreamConsumer] disconnected (%v), reconnecting in %s (attempt %d/%d)\n", err, wait, attempts, c.cfg.MaxReconnect)
		select {
		case <-time.After(wait):
		case <-c.stop:
			c.setState(Stopped)
			return
		case <-ctx.Done():
			c.setState(Stopped)
			return
		}
	}
}

// backoff implements wait = min(30s, 2^attempts).
func backoff(attempts int) time.Duration {
	wait := time.Duration(1) << uint(attempts) * time.Second
	if wait > 30*time.Second || wait <= 0 {
		wait = 30 * time.Second
	}
	return wait
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the consumer's current connection state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) connectAndServe(ctx context.Context) error {
	c.setState(Connecting)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = c.cfg.HandshakeWait

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(512 * 1024)

	c.mu.Lock()
	c.conn = conn
	c.lastPong = time.Now()
	c.state = Connected
	symbols := c.snapshotSubscribed()
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	if len(symbols) > 0 {
		if err := c.sendSubscribe(symbols); err != nil {
			conn.Close()
			return fmt.Errorf("resubscribe: %w", err)
		}
		log.Printf("[UpstreamConsumer] resubscribed to %d symbols after reconnect\n", len(symbols))
	}

	readErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		readErr <- c.readLoop(conn)
		close(done)
	}()

	keepaliveErr := c.keepAlive(conn, done)

	select {
	case err := <-readErr:
		conn.Close()
		if err == nil {
			return nil
		}
		return err
	case err := <-keepaliveErr:
		conn.Close()
		<-done
		if err == nil {
			// keepAlive also returns nil when the read loop ended first;
			// only a Stop counts as a clean exit.
			select {
			case <-c.stop:
			default:
				err = <-readErr
			}
		}
		return err
	}
}

func (c *Consumer) readLoop(conn *websocket.Conn) error {
	for {
		select {
		case <-c.stop:
			return nil
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(message)
	}
}

func (c *Consumer) keepAlive(conn *websocket.Conn, done <-chan struct{}) <-chan error {
	out := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				out <- nil
				return
			case <-c.stop:
				out <- nil
				return
			case <-ticker.C:
				c.mu.Lock()
				sincePong := time.Since(c.lastPong)
				if sincePong > c.cfg.PingInterval+c.cfg.PongTimeout {
					c.mu.Unlock()
					out <- fmt.Errorf("pong timeout after %s", sincePong)
					return
				}
				err := conn.WriteMessage(websocket.PingMessage, nil)
				c.mu.Unlock()
				if err != nil {
					out <- fmt.Errorf("ping: %w", err)
					return
				}
			}
		}
	}()
	return out
}

func (c *Consumer) handleMessage(message []byte) {
	var raw map[string]interface{}
	if err := json.Unmarshal(message, &raw); err != nil {
		log.Printf("[UpstreamConsumer] dropping unparseable frame: %v\n", err)
		return
	}

	if _, isAck := raw["result"]; isAck {
		return
	}

	eventType, _ := raw["e"].(string)
	if eventType != tickerEventType {
		return
	}

	tick, ok := parseTick(raw)
	if !ok {
		log.Printf("[UpstreamConsumer] dropping ticker frame with missing fields\n")
		return
	}
	if c.onTick != nil {
		c.onTick(tick)
	}
}

func parseTick(raw map[string]interface{}) (domain.Tick, bool) {
	symbolRaw, ok := raw["s"].(string)
	if !ok {
		return domain.Tick{}, false
	}
	priceRaw, ok := raw["c"]
	if !ok {
		return domain.Tick{}, false
	}
	price, ok := parseDecimal(priceRaw)
	if !ok {
		return domain.Tick{}, false
	}

	tick := domain.Tick{
		Symbol:    domain.NormalizeSymbol(symbolRaw),
		Price:     price,
		Timestamp: time.Now(),
	}
	if v, ok := parseDecimal(raw["v"]); ok {
		tick.Volume24h = &v
	}
	if v, ok := parseDecimal(raw["P"]); ok {
		tick.ChangePct24h = &v
	}
	if v, ok := parseDecimal(raw["h"]); ok {
		tick.High24h = &v
	}
	if v, ok := parseDecimal(raw["l"]); ok {
		tick.Low24h = &v
	}
	return tick, true
}

func parseDecimal(v interface{}) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(val), true
	default:
		return decimal.Decimal{}, false
	}
}

// Subscribe adds symbols to the consumer's desired set and, if connected,
// sends the subscribe frame immediately.
func (c *Consumer) Subscribe(symbols []domain.Symbol) error {
	if len(symbols) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, s := range symbols {
		c.subscribed[s] = struct{}{}
	}
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}
	return c.sendSubscribe(symbols)
}

// Unsubscribe removes symbols from the consumer's desired set and, if
// connected, sends the unsubscribe frame immediately.
func (c *Consumer) Unsubscribe(symbols []domain.Symbol) error {
	if len(symbols) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, s := range symbols {
		delete(c.subscribed, s)
	}
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}
	return c.sendControlFrame("UNSUBSCRIBE", symbols)
}

func (c *Consumer) sendSubscribe(symbols []domain.Symbol) error {
	return c.sendControlFrame("SUBSCRIBE", symbols)
}

func (c *Consumer) sendControlFrame(method string, symbols []domain.Symbol) error {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, fmt.Sprintf("%s@ticker", strings.ToLower(string(s))))
	}

	frame := map[string]interface{}{
		"method": method,
		"params": streams,
		"id":     time.Now().UnixNano(),
	}

	// conn and the write itself share c.mu, as the teacher's binance.go
	// does for subscribe/ping writes, so a resubscribe never races the
	// keepalive ping on the same connection.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *Consumer) snapshotSubscribed() []domain.Symbol {
	out := make([]domain.Symbol, 0, len(c.subscribed))
	for s := range c.subscribed {
		out = append(out, s)
	}
	return out
}

// Stop signals the consumer to close its connection and stop reconnecting.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}
