// Package engine owns the single mutable trading state. Every mutation runs
// under one lock, so price ticks, control commands and exchange-call
// completions never interleave mid-update.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"livetrader/internal/core"
	"livetrader/pkg/concurrency"
	apperrors "livetrader/pkg/errors"
)

// Config holds the engine's trading parameters
type Config struct {
	Symbol           string
	MinQuantity      decimal.Decimal
	MinNotional      decimal.Decimal
	QuantityDecimals int32
	OrderTimeout     time.Duration
}

// Engine is the position/equity state-reconciliation core. It merges the
// price stream, control commands and asynchronous exchange responses into one
// consistent TradingState and fans updates out through the broadcaster.
type Engine struct {
	cfg Config

	mu    sync.Mutex
	state core.TradingState
	phase core.PositionPhase

	exchange    core.IExchange // nil when credentials are not configured
	broadcaster core.IBroadcaster
	pool        *concurrency.WorkerPool
	logger      core.ILogger
}

// New creates an engine. exchange may be nil; real-order operations then fail
// with ErrExchangeUnavailable.
func New(
	cfg Config,
	initial core.TradingState,
	exchange core.IExchange,
	broadcaster core.IBroadcaster,
	pool *concurrency.WorkerPool,
	logger core.ILogger,
) *Engine {
	if cfg.OrderTimeout == 0 {
		cfg.OrderTimeout = 15 * time.Second
	}
	if initial.Leverage < 1 {
		initial.Leverage = 1
	}
	if !initial.Mode.Valid() {
		initial.Mode = core.ModeSimulated
	}
	initial.MarginPct = clampMarginPct(initial.MarginPct)

	return &Engine{
		cfg:         cfg,
		state:       initial,
		phase:       core.PhaseNone,
		exchange:    exchange,
		broadcaster: broadcaster,
		pool:        pool,
		logger:      logger.WithField("component", "engine"),
	}
}

// Snapshot returns a copy of the current trading state
func (e *Engine) Snapshot() core.TradingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() core.TradingState {
	s := e.state
	if e.state.Position != nil {
		pos := *e.state.Position
		s.Position = &pos
	}
	return s
}

// ApplyPriceTick records a new mark price and recomputes unrealized PnL from
// scratch. It never fails; a non-positive price is stored as-is and PnL falls
// back to the zero-entry policy.
func (e *Engine) ApplyPriceTick(price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Price = price
	if e.state.Position != nil {
		pos := e.state.Position
		e.state.PnL = computePnL(pos.Side, pos.EntryPrice, pos.Notional, price, e.state.Leverage)
	}

	e.broadcast(core.EventPrice, core.PriceEvent{
		Price:  e.state.Price,
		Equity: e.state.Equity,
		PnL:    e.state.PnL,
	})
}

// SetMargin clamps and stores the margin percentage. Pure state set, no
// broadcast.
func (e *Engine) SetMargin(pct decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.MarginPct = clampMarginPct(pct)
}

// SetLeverage coerces to an integer >= 1 and stores it
func (e *Engine) SetLeverage(leverage int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if leverage < 1 {
		leverage = 1
	}
	e.state.Leverage = leverage
}

// SetMode switches the advisory mode flag. Switching while a position is open
// or an order is pending is rejected so the simulated and real paths cannot
// diverge mid-lifecycle.
func (e *Engine) SetMode(mode core.Mode) error {
	if !mode.Valid() {
		return apperrors.ErrInvalidCommand
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Position != nil || e.phase != core.PhaseNone {
		return apperrors.ErrModeLocked
	}
	e.state.Mode = mode
	return nil
}

// Mode returns the current advisory mode
func (e *Engine) Mode() core.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Mode
}

// OpenSimulated opens a paper position sized from equity, margin percentage
// and leverage. A second open while one exists is a no-op signaled by
// ErrPositionExists, never a state change.
func (e *Engine) OpenSimulated(side core.Side) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Mode == core.ModeReal {
		return apperrors.ErrWrongMode
	}
	if e.state.Position != nil || e.phase != core.PhaseNone {
		return apperrors.ErrPositionExists
	}

	marginAmount := e.state.Equity.Mul(e.state.MarginPct).Div(hundred)
	notional := marginAmount.Mul(decimal.NewFromInt(int64(e.state.Leverage)))

	// EntryPrice stays 0 when no tick has arrived yet; the position is
	// provisional until the first tick and PnL holds at zero.
	e.state.Position = &core.Position{
		Side:       side,
		EntryPrice: e.state.Price,
		Notional:   notional,
		MarginUsed: marginAmount,
	}
	e.state.PnL = decimal.Zero
	e.phase = core.PhaseOpen

	e.broadcast(core.EventPosition, e.state.Position)
	return nil
}

// CloseSimulated settles the open paper position into equity. With nothing
// open it leaves state unchanged and emits nothing.
func (e *Engine) CloseSimulated() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Mode == core.ModeReal {
		return apperrors.ErrWrongMode
	}
	if e.state.Position == nil || e.phase != core.PhaseOpen {
		return apperrors.ErrNoPosition
	}

	e.settleLocked()
	e.broadcast(core.EventPositionClosed, core.PositionClosedEvent{Equity: e.state.Equity})
	return nil
}

// settleLocked folds unrealized PnL into equity and clears the position.
// Equity is floored at zero.
func (e *Engine) settleLocked() {
	e.state.Equity = e.state.Equity.Add(e.state.PnL)
	if e.state.Equity.IsNegative() {
		e.state.Equity = decimal.Zero
	}
	e.state.Position = nil
	e.state.PnL = decimal.Zero
	e.phase = core.PhaseNone
}

// OpenReal submits a market order and materializes the position from the
// exchange response. The engine lock is released for the call's duration; the
// OPENING phase rejects contradictory commands until the call resolves. A
// failed order leaves state exactly as it was.
func (e *Engine) OpenReal(side core.Side, reply core.ReplyFunc) {
	e.mu.Lock()

	if err := e.realPathAllowedLocked(); err != nil {
		e.mu.Unlock()
		e.replyError(reply, err)
		return
	}
	if e.state.Position != nil || e.phase != core.PhaseNone {
		err := apperrors.ErrPositionExists
		if e.phase == core.PhaseOpening || e.phase == core.PhaseClosing {
			err = apperrors.ErrOrderPending
		}
		e.mu.Unlock()
		e.replyError(reply, err)
		return
	}

	marginAmount := e.state.Equity.Mul(e.state.MarginPct).Div(hundred)
	notional := marginAmount.Mul(decimal.NewFromInt(int64(e.state.Leverage)))

	sized := ComputeOrderQuantity(
		e.state.Equity, e.state.MarginPct, e.state.Leverage, e.state.Price,
		e.cfg.MinNotional, e.cfg.QuantityDecimals,
	)
	qty := sized.Quantity
	if qty.LessThan(e.cfg.MinQuantity) {
		qty = e.cfg.MinQuantity
	}

	e.phase = core.PhaseOpening
	req := core.OrderRequest{
		Symbol:   e.cfg.Symbol,
		Side:     side,
		Quantity: qty,
	}
	e.mu.Unlock()

	e.logger.Info("Submitting real open order",
		"side", side, "quantity", qty, "notional", notional)

	e.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OrderTimeout)
		defer cancel()

		result, err := e.exchange.PlaceOrder(ctx, req)

		e.mu.Lock()
		defer e.mu.Unlock()

		if err != nil {
			// No partial position may survive a failed order.
			e.phase = core.PhaseNone
			e.logger.Warn("Real open order failed", "error", err)
			e.replyError(reply, err)
			return
		}

		entryPrice := result.AvgPrice
		if !entryPrice.IsPositive() {
			entryPrice = e.state.Price
		}
		filledQty := result.ExecutedQty
		if !filledQty.IsPositive() {
			filledQty = req.Quantity
		}

		e.state.Position = &core.Position{
			Side:       side,
			EntryPrice: entryPrice,
			Notional:   notional,
			MarginUsed: marginAmount,
			Quantity:   filledQty,
		}
		e.state.PnL = decimal.Zero
		e.phase = core.PhaseOpen

		e.logger.Info("Real position opened",
			"order_id", result.OrderID, "entry", entryPrice, "quantity", filledQty)

		if reply != nil {
			reply(core.EventOrderResult, result)
		}
		e.broadcast(core.EventPosition, e.state.Position)
	})
}

// CloseReal issues a reduce-only market order sized to the open position, or
// to the exchange-reported position when the local quantity is missing. On
// success it settles exactly like CloseSimulated; on failure the position
// stays open.
func (e *Engine) CloseReal(reply core.ReplyFunc) {
	e.mu.Lock()

	if err := e.realPathAllowedLocked(); err != nil {
		e.mu.Unlock()
		e.replyError(reply, err)
		return
	}
	if e.phase == core.PhaseOpening || e.phase == core.PhaseClosing {
		e.mu.Unlock()
		e.replyError(reply, apperrors.ErrOrderPending)
		return
	}

	prevPhase := e.phase
	var side core.Side
	var qty decimal.Decimal
	haveLocal := e.state.Position != nil && e.phase == core.PhaseOpen
	if haveLocal {
		side = e.state.Position.Side.Opposite()
		qty = e.state.Position.Quantity
	}

	e.phase = core.PhaseClosing
	e.mu.Unlock()

	e.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OrderTimeout)
		defer cancel()

		// Local quantity can be missing when the open predates this
		// process or the fill never reported size. The exchange is the
		// source of truth then.
		if !qty.IsPositive() {
			risk, err := e.exchange.GetPositionRisk(ctx, e.cfg.Symbol)
			if err != nil {
				e.failClose(reply, prevPhase, err)
				return
			}
			amt := risk.PositionAmt
			if amt.IsZero() {
				e.failClose(reply, prevPhase, apperrors.ErrNoPosition)
				return
			}
			qty = amt.Abs()
			if amt.IsPositive() {
				side = core.SideShort
			} else {
				side = core.SideLong
			}
		}

		result, err := e.exchange.PlaceOrder(ctx, core.OrderRequest{
			Symbol:     e.cfg.Symbol,
			Side:       side,
			Quantity:   qty,
			ReduceOnly: true,
		})
		if err != nil {
			e.failClose(reply, prevPhase, err)
			return
		}

		e.mu.Lock()
		defer e.mu.Unlock()

		e.settleLocked()
		e.logger.Info("Real position closed", "order_id", result.OrderID, "equity", e.state.Equity)

		if reply != nil {
			reply(core.EventOrderResult, result)
		}
		e.broadcast(core.EventPositionClosed, core.PositionClosedEvent{Equity: e.state.Equity})
	})
}

func (e *Engine) failClose(reply core.ReplyFunc, prevPhase core.PositionPhase, err error) {
	e.mu.Lock()
	e.phase = prevPhase
	e.mu.Unlock()
	e.logger.Warn("Real close order failed", "error", err)
	e.replyError(reply, err)
}

// SetEquity overwrites equity with the exchange-reported wallet balance.
// Applied only in real mode and only for positive balances; simulated equity
// is never clobbered by reconciliation.
func (e *Engine) SetEquity(balance decimal.Decimal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Mode != core.ModeReal || !balance.IsPositive() {
		return false
	}

	e.state.Equity = balance
	e.broadcast(core.EventEquity, core.EquityEvent{Equity: e.state.Equity})
	return true
}

// Phase returns the current position lifecycle phase
func (e *Engine) Phase() core.PositionPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// SizeOrder exposes the sizing computation with the engine's configured
// minimum notional, for the hypothetical-quantity query surface.
func (e *Engine) SizeOrder(equity, marginPct decimal.Decimal, leverage int, price decimal.Decimal) QuantityResult {
	return ComputeOrderQuantity(equity, marginPct, leverage, price, e.cfg.MinNotional, e.cfg.QuantityDecimals)
}

func (e *Engine) realPathAllowedLocked() error {
	if e.exchange == nil {
		return apperrors.ErrExchangeUnavailable
	}
	if e.state.Mode != core.ModeReal {
		return apperrors.ErrWrongMode
	}
	return nil
}

func (e *Engine) replyError(reply core.ReplyFunc, err error) {
	if reply == nil {
		return
	}

	detail := err.Error()
	var callErr *apperrors.ExchangeCallError
	if errors.As(err, &callErr) && callErr.Detail != "" {
		detail = callErr.Detail
	}
	reply(core.EventOrderError, core.OrderErrorEvent{Error: detail})
}

func (e *Engine) broadcast(eventType string, data interface{}) {
	if e.broadcaster != nil {
		e.broadcaster.BroadcastEvent(eventType, data)
	}
}

func clampMarginPct(pct decimal.Decimal) decimal.Decimal {
	if pct.IsNegative() {
		return decimal.Zero
	}
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}
