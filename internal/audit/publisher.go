// Package audit implements a best-effort, non-blocking publisher of flush
// batches and P&L events to an external stream for downstream analytics.
// It is never on the critical fan-out path: publish failures are logged
// and dropped, never surfaced to the broadcaster or the P&L engine.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"marketpulse/internal/domain"
)

// Kind identifies the shape of an audit record.
type Kind string

const (
	KindFlush Kind = "flush"
	KindPnL   Kind = "pnl"
)

// Event is the wire record published to the audit stream. It is never
// read back by the core.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Publisher fans out Events to a Kafka topic, fire-and-forget.
type Publisher struct {
	writer *kafka.Writer
}

// New builds a Publisher writing to topic on brokers.
func New(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			Async:        true,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// PublishFlush implements broadcast.AuditSink.
func (p *Publisher) PublishFlush(batch map[domain.Symbol]domain.Tick) {
	p.publish(KindFlush, flushSummary(batch))
}

// PublishPnL implements pnl.Notifier-style hooks for audit purposes;
// svc.Core.NotifyPortfolio calls this alongside the gateway's
// NotifyPortfolio.
func (p *Publisher) PublishPnL(user domain.UserId, snapshot domain.PortfolioSnapshot) {
	p.publish(KindPnL, map[string]any{"user_id": user, "snapshot": snapshot})
}

func (p *Publisher) publish(kind Kind, payload any) {
	event := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		EmittedAt: time.Now(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		log.Printf("[AuditPublisher] failed to marshal %s event: %v\n", kind, err)
		return
	}

	msg := kafka.Message{Key: []byte(kind), Value: value}
	if err := p.writer.WriteMessages(context.Background(), msg); err != nil {
		log.Printf("[AuditPublisher] failed to publish %s event: %v\n", kind, err)
	}
}

func flushSummary(batch map[domain.Symbol]domain.Tick) map[string]any {
	symbols := make([]domain.Symbol, 0, len(batch))
	for s := range batch {
		symbols = append(symbols, s)
	}
	return map[string]any{"symbols": symbols, "count": len(batch)}
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
