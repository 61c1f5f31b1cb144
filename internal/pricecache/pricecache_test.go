package pricecache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

func TestParseEntryRoundTrip(t *testing.T) {
	data := map[string]string{
		"price":     "123.45000000",
		"timestamp": "1700000000000",
	}
	entry, ok := parseEntry("BTCUSDT", data)
	if !ok {
		t.Fatalf("expected parseEntry to succeed")
	}
	if entry.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected symbol: %s", entry.Symbol)
	}
	if !entry.Price.Equal(mustDecimal("123.45")) {
		t.Fatalf("unexpected price: %s", entry.Price)
	}
}

func TestParseEntryMissingField(t *testing.T) {
	if _, ok := parseEntry("BTCUSDT", map[string]string{"timestamp": "1"}); ok {
		t.Fatalf("expected parseEntry to fail without price")
	}
	if _, ok := parseEntry("BTCUSDT", map[string]string{"price": "1"}); ok {
		t.Fatalf("expected parseEntry to fail without timestamp")
	}
}

func TestPriceEntryExpiry(t *testing.T) {
	now := time.Now()
	entry := domain.PriceEntry{Symbol: "BTCUSDT", Price: mustDecimal("1"), Timestamp: now.Add(-90 * time.Second)}
	if !entry.ExpiredAt(now, 60*time.Second) {
		t.Fatalf("expected entry to be expired past TTL")
	}
	fresh := domain.PriceEntry{Symbol: "BTCUSDT", Price: mustDecimal("1"), Timestamp: now.Add(-10 * time.Second)}
	if fresh.ExpiredAt(now, 60*time.Second) {
		t.Fatalf("expected fresh entry to not be expired")
	}
}

func mustDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}
