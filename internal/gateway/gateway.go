// Package gateway implements the ClientGateway component: the websocket
// front door that authenticates sessions, tracks subscriptions, and
// delivers price and portfolio updates to connected clients.
package gateway

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/core/logx"

	"marketpulse/internal/domain"
	"marketpulse/internal/store"
	"marketpulse/internal/subsindex"
)

// SubscriptionIndex is the read/write surface the gateway needs from the
// subsindex.Index.
type SubscriptionIndex interface {
	AddSession(user domain.UserId, session domain.SessionId) subsindex.Outcome
	RemoveSession(user domain.UserId, session domain.SessionId) []domain.Symbol
	Subscribe(user domain.UserId, symbols []domain.Symbol) []domain.Symbol
	Unsubscribe(user domain.UserId, symbols []domain.Symbol) []domain.Symbol
	TrackedSymbols() []domain.Symbol
}

// PnLEngine is the read surface the gateway needs from the pnl.Engine.
type PnLEngine interface {
	Snapshot(ctx context.Context, user domain.UserId) (domain.PortfolioSnapshot, error)
}

// UpstreamSubscriber lets the gateway tell the upstream feed which
// symbols have gained or lost their last subscriber.
type UpstreamSubscriber interface {
	Subscribe(symbols []domain.Symbol) error
	Unsubscribe(symbols []domain.Symbol) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway is the ClientGateway component (§4.7).
type Gateway struct {
	index     SubscriptionIndex
	sessions  store.SessionStore
	positions store.PositionStore
	pnl       PnLEngine
	upstream  UpstreamSubscriber
	queueSize int

	mu     sync.RWMutex
	byID   map[domain.SessionId]*session
	byUser map[domain.UserId]map[domain.SessionId]*session
}

// New builds a Gateway. queueSize is each session's bounded outbound
// queue capacity (§5); 0 falls back to the default of 256.
func New(index SubscriptionIndex, sessions store.SessionStore, positions store.PositionStore, pnlEngine PnLEngine, upstreamConsumer UpstreamSubscriber, queueSize int) *Gateway {
	return &Gateway{
		index:     index,
		sessions:  sessions,
		positions: positions,
		pnl:       pnlEngine,
		upstream:  upstreamConsumer,
		queueSize: queueSize,
		byID:      make(map[domain.SessionId]*session),
		byUser:    make(map[domain.UserId]map[domain.SessionId]*session),
	}
}

// ServeHTTP upgrades the connection and runs the session lifecycle:
// validate the session_id credential, enforce the per-user session cap,
// preload the user's tracked symbols and portfolio snapshot, then hand off
// to the read/write pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rawSessionID := r.URL.Query().Get("session_id")
	if rawSessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	sessionID := domain.SessionId(rawSessionID)

	userID, ok, err := g.sessions.Validate(ctx, sessionID)
	if err != nil || !ok {
		http.Error(w, "invalid session", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.Errorf("[ClientGateway] upgrade failed: %v", err)
		return
	}

	if outcome := g.index.AddSession(userID, sessionID); outcome == subsindex.RejectedMaxReached {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4000, "max sessions exceeded"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	sess := newSession(sessionID, userID, conn, g, g.queueSize)
	g.addSession(sess)
	sess.start()

	g.preload(ctx, sess)
}

// preload subscribes the session to the user's already-open symbols and
// pushes an initial portfolio snapshot, mirroring the semantics of a
// get_portfolio request issued implicitly on connect.
func (g *Gateway) preload(ctx context.Context, sess *session) {
	symbols, err := g.positions.OpenSymbolsOf(ctx, sess.userID)
	if err != nil {
		log.Printf("[ClientGateway] preload: failed to load open symbols for %s: %v\n", sess.userID, err)
		return
	}
	if len(symbols) > 0 {
		newlyTracked := g.index.Subscribe(sess.userID, symbols)
		if len(newlyTracked) > 0 && g.upstream != nil {
			if err := g.upstream.Subscribe(newlyTracked); err != nil {
				log.Printf("[ClientGateway] preload: upstream subscribe failed: %v\n", err)
			}
		}
	}

	g.handleGetPortfolio(sess)
}

func (g *Gateway) addSession(sess *session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byID[sess.id] = sess
	set, ok := g.byUser[sess.userID]
	if !ok {
		set = make(map[domain.SessionId]*session)
		g.byUser[sess.userID] = set
	}
	set[sess.id] = sess
}

// removeSession tears down sess: closes its connection (if requested),
// removes it from the gateway's tracking tables, and releases any
// symbols whose last subscriber was this user back to the upstream feed.
func (g *Gateway) removeSession(sess *session, closeConn bool) {
	g.mu.Lock()
	_, present := g.byID[sess.id]
	if !present {
		g.mu.Unlock()
		return
	}
	delete(g.byID, sess.id)
	if set, ok := g.byUser[sess.userID]; ok {
		delete(set, sess.id)
		if len(set) == 0 {
			delete(g.byUser, sess.userID)
		}
	}
	g.mu.Unlock()

	select {
	case <-sess.closed:
	default:
		close(sess.closed)
	}
	if closeConn {
		sess.conn.Close()
	}

	nowEmpty := g.index.RemoveSession(sess.userID, sess.id)
	if len(nowEmpty) > 0 && g.upstream != nil {
		if err := g.upstream.Unsubscribe(nowEmpty); err != nil {
			log.Printf("[ClientGateway] unsubscribe from orphaned symbols failed: %v\n", err)
		}
	}
}

func (g *Gateway) handleSubscribe(sess *session, symbols []domain.Symbol) {
	if len(symbols) == 0 {
		return
	}
	newlyTracked := g.index.Subscribe(sess.userID, symbols)
	if len(newlyTracked) > 0 && g.upstream != nil {
		if err := g.upstream.Subscribe(newlyTracked); err != nil {
			log.Printf("[ClientGateway] upstream subscribe failed: %v\n", err)
		}
	}
	sess.enqueue(symbolsEnvelope("subscribed", symbols))
}

func (g *Gateway) handleUnsubscribe(sess *session, symbols []domain.Symbol) {
	if len(symbols) == 0 {
		return
	}
	nowEmpty := g.index.Unsubscribe(sess.userID, symbols)
	if len(nowEmpty) > 0 && g.upstream != nil {
		if err := g.upstream.Unsubscribe(nowEmpty); err != nil {
			log.Printf("[ClientGateway] upstream unsubscribe failed: %v\n", err)
		}
	}
	sess.enqueue(symbolsEnvelope("unsubscribed", symbols))
}

func (g *Gateway) handleGetPortfolio(sess *session) {
	snapshot, err := g.pnl.Snapshot(context.Background(), sess.userID)
	if err != nil {
		sess.enqueue(envelope{Type: "error", Message: "failed to load portfolio"})
		return
	}
	sess.enqueue(envelope{Type: "portfolio_snapshot", Data: snapshot})
}

// PushPriceUpdate implements broadcast.PricePusher: deliver a price_update
// frame to every live session belonging to user. Non-blocking per
// session; a session whose outbound queue is full is dropped rather than
// stalling the broadcaster.
func (g *Gateway) PushPriceUpdate(user domain.UserId, tick domain.Tick) {
	frame := envelope{Type: "price_update", Data: tickToPayload(tick)}
	for _, sess := range g.sessionsOf(user) {
		sess.enqueue(frame)
	}
}

// NotifyPortfolio implements pnl.Notifier: deliver a fresh snapshot to
// every live session belonging to user.
func (g *Gateway) NotifyPortfolio(user domain.UserId, snapshot domain.PortfolioSnapshot) {
	frame := envelope{Type: "pnl_update", Data: snapshot}
	for _, sess := range g.sessionsOf(user) {
		sess.enqueue(frame)
	}
}

func (g *Gateway) sessionsOf(user domain.UserId) []*session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := g.byUser[user]
	out := make([]*session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}
