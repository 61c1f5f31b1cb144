package gateway

import "marketpulse/internal/domain"

// envelope is the canonical outbound wire format: every server->client
// frame is wrapped as {"type":..., "data":...}. Plain "pong" and "error"
// frames omit data (error carries "message" instead).
type envelope struct {
	Type    string      `json:"type"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// inboundFrame is the typed shape of every client->server control message.
type inboundFrame struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

// priceUpdatePayload is the "data" field of an outbound price_update frame.
type priceUpdatePayload struct {
	Symbol    domain.Symbol `json:"symbol"`
	Price     string        `json:"price"`
	Volume    *string       `json:"volume,omitempty"`
	Change24h *string       `json:"change_24h,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

func tickToPayload(tick domain.Tick) priceUpdatePayload {
	p := priceUpdatePayload{
		Symbol:    tick.Symbol,
		Price:     tick.Price.String(),
		Timestamp: tick.Timestamp.UnixMilli(),
	}
	if tick.Volume24h != nil {
		v := tick.Volume24h.String()
		p.Volume = &v
	}
	if tick.ChangePct24h != nil {
		v := tick.ChangePct24h.String()
		p.Change24h = &v
	}
	return p
}

func symbolsEnvelope(typ string, symbols []domain.Symbol) envelope {
	raw := make([]string, len(symbols))
	for i, s := range symbols {
		raw[i] = string(s)
	}
	return envelope{Type: typ, Data: map[string]interface{}{"symbols": raw}}
}
