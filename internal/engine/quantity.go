package engine

import (
	"github.com/shopspring/decimal"

	"livetrader/internal/core"
)

var hundred = decimal.NewFromInt(100)

// QuantityResult is the outcome of an order sizing computation
type QuantityResult struct {
	Quantity decimal.Decimal `json:"qty"`
	Notional decimal.Decimal `json:"notional"`
}

// ComputeOrderQuantity derives an order quantity from margin and leverage
// settings. With no valid price there is nothing to divide by: the result is
// zero rather than a guessed denominator. A notional below minNotional is
// raised so the exchange's minimum-notional rule is satisfied.
func ComputeOrderQuantity(
	equity decimal.Decimal,
	marginPct decimal.Decimal,
	leverage int,
	price decimal.Decimal,
	minNotional decimal.Decimal,
	quantityDecimals int32,
) QuantityResult {
	if leverage < 1 {
		leverage = 1
	}

	notional := equity.Mul(marginPct).Div(hundred).Mul(decimal.NewFromInt(int64(leverage)))
	if !price.IsPositive() {
		return QuantityResult{Quantity: decimal.Zero, Notional: decimal.Zero}
	}

	qty := notional.Div(price)
	if qty.Mul(price).LessThan(minNotional) {
		qty = minNotional.Div(price)
	}

	qty = qty.Round(quantityDecimals)
	return QuantityResult{
		Quantity: qty,
		Notional: qty.Mul(price).Round(4),
	}
}

// computePnL recomputes unrealized PnL from scratch. A zero entry price means
// the position was opened before the first tick; PnL stays zero until a real
// reference exists.
func computePnL(side core.Side, entry, notional, price decimal.Decimal, leverage int) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}

	change := price.Sub(entry).Div(entry)
	pnl := change.Mul(notional).Mul(decimal.NewFromInt(int64(leverage)))
	if side == core.SideShort {
		pnl = pnl.Neg()
	}
	return pnl
}
