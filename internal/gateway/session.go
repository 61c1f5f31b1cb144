package gateway

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"marketpulse/internal/domain"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	// defaultSendQueueSize is used when the Gateway was not given an
	// explicit outbound queue capacity (§5 "default 256").
	defaultSendQueueSize = 256
)

// session is the ClientGateway's SessionState: one authenticated client
// connection with its own single writer goroutine and bounded outbound
// queue.
type session struct {
	id     domain.SessionId
	userID domain.UserId
	conn   *websocket.Conn
	gw     *Gateway

	send   chan envelope
	closed chan struct{}
}

func newSession(id domain.SessionId, userID domain.UserId, conn *websocket.Conn, gw *Gateway, queueSize int) *session {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &session{
		id:     id,
		userID: userID,
		conn:   conn,
		gw:     gw,
		send:   make(chan envelope, queueSize),
		closed: make(chan struct{}),
	}
}

// start launches the read and write pumps. Returns immediately; the
// session runs until the connection drops or the gateway closes it.
func (s *session) start() {
	go s.writePump()
	go s.readPump()
}

// enqueue delivers frame to the session's outbound queue without blocking.
// On overflow the session is marked failed and removed, per the
// backpressure policy in §5 -- a slow session never backs up the pipeline.
func (s *session) enqueue(frame envelope) {
	select {
	case s.send <- frame:
	default:
		log.Printf("[ClientGateway] session %s outbound queue full, dropping session\n", s.id)
		s.gw.removeSession(s, true)
	}
}

func (s *session) readPump() {
	defer s.gw.removeSession(s, true)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ClientGateway] session %s read error: %v\n", s.id, err)
			}
			return
		}
		s.handleInbound(message)
	}
}

func (s *session) handleInbound(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.enqueue(envelope{Type: "error", Message: "invalid JSON"})
		return
	}

	symbols := make([]domain.Symbol, 0, len(frame.Symbols))
	for _, sym := range frame.Symbols {
		symbols = append(symbols, domain.NormalizeSymbol(sym))
	}

	switch frame.Type {
	case "subscribe":
		s.gw.handleSubscribe(s, symbols)
	case "unsubscribe":
		s.gw.handleUnsubscribe(s, symbols)
	case "get_portfolio":
		s.gw.handleGetPortfolio(s)
	case "ping":
		s.enqueue(envelope{Type: "pong"})
	default:
		s.enqueue(envelope{Type: "error", Message: "unknown type: " + frame.Type})
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				log.Printf("[ClientGateway] session %s write error: %v\n", s.id, err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.closed:
			return
		}
	}
}
