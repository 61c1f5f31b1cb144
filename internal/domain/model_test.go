package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// R3: unrealized_pnl(entry=p, exit=p) = 0 for LONG; sign flips when current
// crosses entry.
func TestUnrealizedPnLLongRoundTrip(t *testing.T) {
	qty, entry := dec("1.0"), dec("100.0")

	if got := UnrealizedPnL(SideLong, qty, entry, entry); !got.IsZero() {
		t.Fatalf("expected zero pnl at entry==current, got %s", got)
	}
	if got := UnrealizedPnL(SideLong, qty, entry, dec("110.0")); !got.Equal(dec("10.0")) {
		t.Fatalf("expected +10.0, got %s", got)
	}
	if got := UnrealizedPnL(SideLong, qty, entry, dec("90.0")); !got.Equal(dec("-10.0")) {
		t.Fatalf("expected -10.0, got %s", got)
	}
}

// S1: LONG 1.0 @ 100.0, current 110.0 -> unrealized_pnl=10.0, pnl_pct=10.00.
func TestScenarioS1(t *testing.T) {
	qty, entry, current := dec("1.0"), dec("100.0"), dec("110.0")
	pnl := UnrealizedPnL(SideLong, qty, entry, current)
	pct := PnLPercent(pnl, qty, entry)

	if !RoundValue(pnl).Equal(dec("10.0000")) {
		t.Fatalf("unexpected pnl: %s", pnl)
	}
	if !RoundPct(pct).Equal(dec("10.00")) {
		t.Fatalf("unexpected pnl_pct: %s", pct)
	}
}

// S4: SHORT 2.0 @ 200.0, current 180.0 -> unrealized_pnl=40.0, pnl_pct=10.00.
func TestScenarioS4(t *testing.T) {
	qty, entry, current := dec("2.0"), dec("200.0"), dec("180.0")
	pnl := UnrealizedPnL(SideShort, qty, entry, current)
	pct := PnLPercent(pnl, qty, entry)

	if !RoundValue(pnl).Equal(dec("40.0000")) {
		t.Fatalf("unexpected pnl: %s", pnl)
	}
	if !RoundPct(pct).Equal(dec("10.00")) {
		t.Fatalf("unexpected pnl_pct: %s", pct)
	}
}

func TestPnLPercentZeroInvested(t *testing.T) {
	pct := PnLPercent(dec("5"), decimal.Zero, dec("0"))
	if !pct.IsZero() {
		t.Fatalf("expected zero pct when invested is zero, got %s", pct)
	}
}
