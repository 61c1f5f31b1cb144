// Package domain holds the shared value types that flow between the
// fan-out pipeline components: symbols, users, sessions, ticks and the
// derived portfolio snapshot.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is the normalized uppercase identifier of a tradable pair.
type Symbol string

// NormalizeSymbol uppercases and trims a raw symbol string.
func NormalizeSymbol(raw string) Symbol {
	return Symbol(strings.ToUpper(strings.TrimSpace(raw)))
}

// UserId is an opaque stable identifier for a user.
type UserId string

// SessionId is an opaque identifier for a single authenticated client session.
type SessionId string

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Status is the lifecycle state of a position. Only OPEN and CLOSED exist;
// there is no PARTIAL variant.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Position is owned by the external PositionStore; the core only reads
// OPEN positions and never mutates this type.
type Position struct {
	ID         string
	UserID     UserId
	Symbol     Symbol
	Side       Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Status     Status
	RealizedPnL decimal.Decimal
	ExitPrice  *decimal.Decimal
	OpenedAt   time.Time
	ClosedAt   *time.Time
}

// Tick is one upstream price update for one symbol at one instant.
// Ephemeral: its lifetime runs from arrival to the next flush.
type Tick struct {
	Symbol        Symbol
	Price         decimal.Decimal
	Volume24h     *decimal.Decimal
	ChangePct24h  *decimal.Decimal
	High24h       *decimal.Decimal
	Low24h        *decimal.Decimal
	Timestamp     time.Time
}

// PriceEntry is the PriceCache's resident record for a symbol.
type PriceEntry struct {
	Symbol    Symbol
	Price     decimal.Decimal
	Timestamp time.Time
}

// ExpiredAt reports whether the entry is older than ttl as of now.
func (e PriceEntry) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.Timestamp) > ttl
}

// PositionView is one line of a PortfolioSnapshot.
type PositionView struct {
	Symbol        Symbol          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PnLPct        decimal.Decimal `json:"pnl_pct"`
}

// PortfolioSnapshot is derived on demand and never stored as authoritative
// state.
type PortfolioSnapshot struct {
	UserID        UserId          `json:"user_id"`
	Positions     []PositionView  `json:"positions"`
	Invested      decimal.Decimal `json:"invested"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PnLPct        decimal.Decimal `json:"pnl_pct"`
	Timestamp     time.Time       `json:"timestamp"`
}

var (
	decimalRoundingValue  int32 = 4
	decimalRoundingPct    int32 = 2
	hundred                     = decimal.NewFromInt(100)
)

// UnrealizedPnL computes quantity*(current-entry) for LONG and
// quantity*(entry-current) for SHORT.
func UnrealizedPnL(side Side, quantity, entry, current decimal.Decimal) decimal.Decimal {
	if side == SideShort {
		return quantity.Mul(entry.Sub(current))
	}
	return quantity.Mul(current.Sub(entry))
}

// PnLPercent computes unrealizedPnL / (quantity*entry) * 100, zero when
// invested is zero.
func PnLPercent(unrealizedPnL, quantity, entry decimal.Decimal) decimal.Decimal {
	return PctOfInvested(unrealizedPnL, quantity.Mul(entry))
}

// PctOfInvested computes unrealizedPnL / invested * 100, zero when
// invested is zero.
func PctOfInvested(unrealizedPnL, invested decimal.Decimal) decimal.Decimal {
	if invested.IsZero() {
		return decimal.Zero
	}
	return unrealizedPnL.Div(invested).Mul(hundred)
}

// RoundValue rounds a monetary value to the display precision (4 places).
func RoundValue(d decimal.Decimal) decimal.Decimal {
	return d.Round(decimalRoundingValue)
}

// RoundPct rounds a percentage to the display precision (2 places).
func RoundPct(d decimal.Decimal) decimal.Decimal {
	return d.Round(decimalRoundingPct)
}
