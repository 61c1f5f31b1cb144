package upstream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

func TestBackoffCapsAtThirtySeconds(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestHandleMessageUsesCorrectedEventType(t *testing.T) {
	var got []domain.Tick
	c := New(Config{URL: "wss://example.invalid"}, func(tick domain.Tick) {
		got = append(got, tick)
	}, nil)

	frame, _ := json.Marshal(map[string]interface{}{
		"e": "24hrTicker",
		"s": "btcusdt",
		"c": "27000.50",
		"v": "1234.5",
	})
	c.handleMessage(frame)

	if len(got) != 1 {
		t.Fatalf("expected one tick, got %d", len(got))
	}
	if got[0].Symbol != "BTCUSDT" {
		t.Fatalf("expected normalized symbol BTCUSDT, got %s", got[0].Symbol)
	}
	if !got[0].Price.Equal(decimal.RequireFromString("27000.50")) {
		t.Fatalf("unexpected price: %s", got[0].Price)
	}
}

func TestHandleMessageIgnoresBuggyEventTypeSpelling(t *testing.T) {
	called := false
	c := New(Config{URL: "wss://example.invalid"}, func(tick domain.Tick) {
		called = true
	}, nil)

	frame, _ := json.Marshal(map[string]interface{}{
		"e": "24htTicker", // the corrected spec uses 24hrTicker; this must not match
		"s": "btcusdt",
		"c": "1",
	})
	c.handleMessage(frame)

	if called {
		t.Fatalf("expected the misspelled event type to be ignored")
	}
}

func TestHandleMessageIgnoresAcks(t *testing.T) {
	called := false
	c := New(Config{URL: "wss://example.invalid"}, func(tick domain.Tick) {
		called = true
	}, nil)

	frame, _ := json.Marshal(map[string]interface{}{"result": nil, "id": 1})
	c.handleMessage(frame)

	if called {
		t.Fatalf("expected ack frame to be ignored for data purposes")
	}
}

func TestHandleMessageDropsMissingFields(t *testing.T) {
	called := false
	c := New(Config{URL: "wss://example.invalid"}, func(tick domain.Tick) {
		called = true
	}, nil)

	frame, _ := json.Marshal(map[string]interface{}{"e": "24hrTicker", "s": "BTCUSDT"})
	c.handleMessage(frame)

	if called {
		t.Fatalf("expected tick missing price to be dropped")
	}
}

