// Package core defines the domain types and interfaces for the live trading engine
package core

import (
	"github.com/shopspring/decimal"
)

// Side is the direction of a position
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide normalizes a direction string, defaulting to long
func ParseSide(s string) Side {
	if s == string(SideShort) {
		return SideShort
	}
	return SideLong
}

// Opposite returns the closing order side for this position side
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Mode selects whether control commands route to the simulated or the real path
type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModeReal      Mode = "real"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeSimulated || m == ModeReal
}

// PositionPhase tracks the single-position lifecycle.
// The simulated path moves None -> Open -> None synchronously; Opening and
// Closing exist only while a real order is in flight.
type PositionPhase int

const (
	PhaseNone PositionPhase = iota
	PhaseOpening
	PhaseOpen
	PhaseClosing
)

func (p PositionPhase) String() string {
	switch p {
	case PhaseOpening:
		return "opening"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	default:
		return "none"
	}
}

// Position is the single open position. At most one exists at a time,
// enforced by the engine.
type Position struct {
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Notional   decimal.Decimal `json:"notional"`
	MarginUsed decimal.Decimal `json:"marginUsed"`
	// Quantity is zero until an exchange fill confirms size. Simulated
	// positions never set it.
	Quantity decimal.Decimal `json:"quantity"`
}

// TradingState is the singleton mutable state owned by the engine. Callers
// only ever see copies produced by Snapshot.
type TradingState struct {
	Equity    decimal.Decimal `json:"equity"`
	Price     decimal.Decimal `json:"price"`
	Leverage  int             `json:"leverage"`
	MarginPct decimal.Decimal `json:"initialMarginPct"`
	Mode      Mode            `json:"mode"`
	Position  *Position       `json:"position"`
	PnL       decimal.Decimal `json:"pnl"`
}

// OrderRequest is a market-order submission to the exchange
type OrderRequest struct {
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	ReduceOnly bool
}

// OrderResult is the exchange's structured response to a placed order
type OrderResult struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Status        string          `json:"status"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
}

// PositionRisk is the exchange-reported live position for a symbol
type PositionRisk struct {
	Symbol        string          `json:"symbol"`
	PositionAmt   decimal.Decimal `json:"positionAmt"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealizedPnL decimal.Decimal `json:"unRealizedProfit"`
	Leverage      decimal.Decimal `json:"leverage"`
}
