package core

import "github.com/shopspring/decimal"

// Outbound event types. Broadcast events go to every subscriber; orderResult
// and orderError go only to the requester.
const (
	EventInit           = "init"
	EventPrice          = "price"
	EventEquity         = "equity"
	EventPosition       = "position"
	EventPositionClosed = "positionClosed"
	EventOrderResult    = "orderResult"
	EventOrderError     = "orderError"
)

// PriceEvent is broadcast on every applied tick
type PriceEvent struct {
	Price  decimal.Decimal `json:"price"`
	Equity decimal.Decimal `json:"equity"`
	PnL    decimal.Decimal `json:"pnl"`
}

// EquityEvent is broadcast when the reconciler overwrites equity
type EquityEvent struct {
	Equity decimal.Decimal `json:"equity"`
}

// PositionClosedEvent is broadcast after a close settles into equity
type PositionClosedEvent struct {
	Equity decimal.Decimal `json:"equity"`
}

// OrderErrorEvent is sent to the requester when a real-order path fails
type OrderErrorEvent struct {
	Error string `json:"error"`
}
