package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livetrader/internal/core"
	"livetrader/internal/mock"
	"livetrader/pkg/concurrency"
	apperrors "livetrader/pkg/errors"
)

func newTestEngine(exchange core.IExchange, broadcaster core.IBroadcaster) *Engine {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "TestPool",
		MaxWorkers:  2,
		MaxCapacity: 16,
	}, mock.NopLogger{})

	return New(
		Config{
			Symbol:           "BTCUSDT",
			MinQuantity:      decimal.NewFromFloat(0.01),
			MinNotional:      decimal.NewFromInt(17),
			QuantityDecimals: 3,
			OrderTimeout:     time.Second,
		},
		core.TradingState{
			Equity:    decimal.NewFromInt(10000),
			Leverage:  5,
			MarginPct: decimal.NewFromInt(10),
			Mode:      core.ModeSimulated,
		},
		exchange, broadcaster, pool, mock.NopLogger{},
	)
}

func captureReply() (core.ReplyFunc, chan mock.BroadcastEventRecord) {
	ch := make(chan mock.BroadcastEventRecord, 4)
	return func(eventType string, data interface{}) {
		ch <- mock.BroadcastEventRecord{Type: eventType, Data: data}
	}, ch
}

func awaitReply(t *testing.T, ch chan mock.BroadcastEventRecord) mock.BroadcastEventRecord {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("No reply received")
		return mock.BroadcastEventRecord{}
	}
}

// TestOpenSimulatedSizesFromEquity verifies position sizing from equity,
// margin percentage and leverage
func TestOpenSimulatedSizesFromEquity(t *testing.T) {
	broadcaster := mock.NewBroadcaster()
	eng := newTestEngine(nil, broadcaster)

	eng.ApplyPriceTick(decimal.NewFromInt(50000))
	require.NoError(t, eng.OpenSimulated(core.SideLong))

	snap := eng.Snapshot()
	require.NotNil(t, snap.Position)
	assert.True(t, snap.Position.MarginUsed.Equal(decimal.NewFromInt(1000)), "margin: %s", snap.Position.MarginUsed)
	assert.True(t, snap.Position.Notional.Equal(decimal.NewFromInt(5000)), "notional: %s", snap.Position.Notional)
	assert.True(t, snap.Position.EntryPrice.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, core.SideLong, snap.Position.Side)
	assert.Equal(t, core.PhaseOpen, eng.Phase())

	ev, ok := broadcaster.LastOfType(core.EventPosition)
	require.True(t, ok, "position event should be broadcast")
	assert.NotNil(t, ev.Data)
}

// TestApplyPriceTickRecomputesPnL verifies the PnL formula: price change
// fraction times notional times leverage
func TestApplyPriceTickRecomputesPnL(t *testing.T) {
	broadcaster := mock.NewBroadcaster()
	eng := newTestEngine(nil, broadcaster)

	eng.ApplyPriceTick(decimal.NewFromInt(50000))
	require.NoError(t, eng.OpenSimulated(core.SideLong))
	eng.ApplyPriceTick(decimal.NewFromInt(51000))

	// change = 1000/50000 = 2%; pnl = 0.02 * 5000 * 5 = 500
	snap := eng.Snapshot()
	assert.True(t, snap.PnL.Equal(decimal.NewFromInt(500)), "pnl: %s", snap.PnL)

	ev, ok := broadcaster.LastOfType(core.EventPrice)
	require.True(t, ok)
	priceEv := ev.Data.(core.PriceEvent)
	assert.True(t, priceEv.PnL.Equal(decimal.NewFromInt(500)))
	assert.True(t, priceEv.Price.Equal(decimal.NewFromInt(51000)))
}

// TestShortPositionPnLInverted verifies the short side negates PnL
func TestShortPositionPnLInverted(t *testing.T) {
	eng := newTestEngine(nil, mock.NewBroadcaster())

	eng.ApplyPriceTick(decimal.NewFromInt(50000))
	require.NoError(t, eng.OpenSimulated(core.SideShort))
	eng.ApplyPriceTick(decimal.NewFromInt(51000))

	snap := eng.Snapshot()
	assert.True(t, snap.PnL.Equal(decimal.NewFromInt(-500)), "pnl: %s", snap.PnL)
}

// TestPnLDeterministicFromTick verifies PnL depends only on the latest price,
// not on the tick path taken to reach it
func TestPnLDeterministicFromTick(t *testing.T) {
	eng := newTestEngine(nil, mock.NewBroadcaster())

	eng.ApplyPriceTick(decimal.NewFromInt(50000))
	require.NoError(t, eng.OpenSimulated(core.SideLong))

	eng.ApplyPriceTick(decimal.NewFromInt(48000))
	eng.ApplyPriceTick(decimal.NewFromInt(53000))
	eng.ApplyPriceTick(decimal.NewFromInt(51000))
	first := eng.Snapshot().PnL

	eng.ApplyPriceTick(decimal.NewFromInt(51000))
	assert.True(t, eng.Snapshot().PnL.Equal(first))
}

// TestCloseSimulatedSettlesEquity verifies the full open/tick/close round trip
func TestCloseSimulatedSettlesEquity(t *testing.T) {
	broadcaster := mock.NewBroadcaster()
	eng := newTestEngine(nil, broadcaster)

	eng.ApplyPriceTick(decimal.NewFromInt(50000))
	require.NoError(t, eng.OpenSimulated(core.SideLong))
	eng.ApplyPriceTick(decimal.NewFromInt(51000))
	require.NoError(t, eng.CloseSimulated())

	snap := eng.Snapshot()
	assert.True(t, snap.Equity.Equal(decimal.NewFromInt(10500)), "equity: %s", snap.Equity)
	assert.Nil(t, snap.Position)
	assert.True(t, snap.PnL.IsZero())
	assert.Equal(t, core.PhaseNone, eng.Phase())

	ev, ok := broadcaster.LastOfType(core.EventPositionClosed)
	require.True(t, ok)
	closed := ev.Data.(core.PositionClosedEvent)
	assert.True(t, closed.Equity.Equal(decimal.NewFromInt(10500)))
}

// TestZeroMovementRoundTripKeepsEquity verifies open immediately followed by
// close leaves equity unchanged
func TestZeroMovementRoundTripKeepsEquity(t *testing.T) {
	eng := newTestEngine(nil, mock.NewBroadcaster())

	eng.ApplyPriceTick(decimal.NewFromInt(50000))
	require.NoError(t, eng.OpenSimulated(core.SideLong))
	require.NoError(t, eng.CloseSimulated())

	assert.True(t, eng.Snapshot().Equity.Equal(decimal.NewFromInt(10000)))
}

// TestDoubleOpenRejected verifies a second open is a no-op
func TestDoubleOpenRejected(t *testing.T) {
	eng := newTestEngine(nil, mock.NewBroadcaster())

	eng.ApplyPriceTick(decimal.NewFromInt(50000))
	require.NoError(t, eng.OpenSimulated(core.SideLong))
	before := eng.Snapshot()

	err := eng.OpenSimulated(core.SideShort)
	assert.ErrorIs(t, err, apperrors.ErrPositionExists)

	after := eng.Snapshot()
	assert.Equal(t, before.Position.Side, after.Position.Side)
	assert.True(t, before.Position.Notional.Equal(after.Position.Notional))
}

// TestCloseWithoutPositionIsNoOp verifies closing with nothing open changes
// nothing and emits nothing
func TestCloseWithoutPositionIsNoOp(t *testing.T) {
	broadcaster := mock.NewBroadcaster()
	eng := newTestEngine(nil, broadcaster)

	err := eng.CloseSimulated()
	assert.ErrorIs(t, err, apperrors.ErrNoPosition)
	assert.True(t, eng.Snapshot().Equity.Equal(decimal.NewFromInt(10000)))

	_, ok := broadcaster.LastOfType(core.EventPositionClosed)
	assert.False(t, ok)
}

// TestEquityFlooredAtZero verifies a losing close can never drive equity
// negative
func TestEquityFlooredAtZero(t *testing.T) {
	eng := newTestEngine(nil, mock.NewBroadcaster())
	eng.SetMargin(decimal.NewFromInt(100))

	eng.ApplyPriceTick(decimal.NewFromInt(50000))
	require.NoError(t, eng.OpenSimulated(core.SideLong))
	// -50% move: pnl = -0.5 * 50000 * 5 = -125000, far below equity
	eng.ApplyPriceTick(decimal.NewFromInt(25000))
	require.NoError(t, eng.CloseSimulated())

	assert.True(t, eng.Snapshot().Equity.IsZero())
}

// TestOpenBeforeFirstTick verifies a position opened with no price yet has a
// zero entry and holds PnL at zero
func TestOpenBeforeFirstTick(t *testing.T) {
	eng := newTestEngine(nil, mock.NewBroadcaster())

	require.NoError(t, eng.OpenSimulated(core.SideLong))
	snap := eng.Snapshot()
	require.NotNil(t, snap.Position)
	assert.True(t, snap.Position.EntryPrice.IsZero())

	eng.ApplyPriceTick(decimal.NewFromInt(50000))
	assert.True(t, eng.Snapshot().PnL.IsZero())
}

// TestSetMarginClamped verifies margin percentage is clamped to [0, 100]
func TestSetMarginClamped(t *testing.T) {
	eng := newTestEngine(nil, mock.NewBroadcaster())

	eng.SetMargin(decimal.NewFromInt(-5))
	assert.True(t, eng.Snapshot().MarginPct.IsZero())

	eng.SetMargin(decimal.NewFromInt(150))
	assert.True(t, eng.Snapshot().MarginPct.Equal(decimal.NewFromInt(100)))
}

// TestSetLeverageCoerced verifies leverage is coerced to an integer >= 1
func TestSetLeverageCoerced(t *testing.T) {
	eng := newTestEngine(nil, mock.NewBroadcaster())

	eng.SetLeverage(0)
	assert.Equal(t, 1, eng.Snapshot().Leverage)

	eng.SetLeverage(20)
	assert.Equal(t, 20, eng.Snapshot().Leverage)
}

// TestSetModeRejectedWhileOpen verifies the mode is locked for the lifetime of
// a position
func TestSetModeRejectedWhileOpen(t *testing.T) {
	eng := newTestEngine(mock.NewExchange(), mock.NewBroadcaster())

	eng.ApplyPriceTick(decimal.NewFromInt(50000))
	require.NoError(t, eng.OpenSimulated(core.SideLong))

	err := eng.SetMode(core.ModeReal)
	assert.ErrorIs(t, err, apperrors.ErrModeLocked)
	assert.Equal(t, core.ModeSimulated, eng.Mode())

	require.NoError(t, eng.CloseSimulated())
	assert.NoError(t, eng.SetMode(core.ModeReal))
}

// TestSetModeRejectsUnknown verifies unknown modes are invalid
func TestSetModeRejectsUnknown(t *testing.T) {
	eng := newTestEngine(nil, mock.NewBroadcaster())
	assert.ErrorIs(t, eng.SetMode(core.Mode("paper")), apperrors.ErrInvalidCommand)
}

// TestSimulatedOpsRejectedInRealMode verifies mode gating of the paper path
func TestSimulatedOpsRejectedInRealMode(t *testing.T) {
	eng := newTestEngine(mock.NewExchange(), mock.NewBroadcaster())
	require.NoError(t, eng.SetMode(core.ModeReal))

	assert.ErrorIs(t, eng.OpenSimulated(core.SideLong), apperrors.ErrWrongMode)
	assert.ErrorIs(t, eng.CloseSimulated(), apperrors.ErrWrongMode)
}

// TestOpenRealPlacesMarketOrder verifies the real open path: sizing, order
// submission and position materialization from the fill
func TestOpenRealPlacesMarketOrder(t *testing.T) {
	exchange := mock.NewExchange()
	exchange.SetFillPrice(decimal.NewFromInt(50010))
	broadcaster := mock.NewBroadcaster()
	eng := newTestEngine(exchange, broadcaster)
	require.NoError(t, eng.SetMode(core.ModeReal))

	eng.ApplyPriceTick(decimal.NewFromInt(50000))

	reply, replies := captureReply()
	eng.OpenReal(core.SideLong, reply)

	ev := awaitReply(t, replies)
	require.Equal(t, core.EventOrderResult, ev.Type)

	orders := exchange.PlacedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "BTCUSDT", orders[0].Symbol)
	assert.Equal(t, core.SideLong, orders[0].Side)
	assert.False(t, orders[0].ReduceOnly)
	// notional 5000 at 50000 -> 0.1
	assert.True(t, orders[0].Quantity.Equal(decimal.RequireFromString("0.1")), "qty: %s", orders[0].Quantity)

	snap := eng.Snapshot()
	require.NotNil(t, snap.Position)
	assert.True(t, snap.Position.EntryPrice.Equal(decimal.NewFromInt(50010)), "entry from fill price")
	assert.Equal(t, core.PhaseOpen, eng.Phase())

	_, ok := broadcaster.LastOfType(core.EventPosition)
	assert.True(t, ok)
}

// TestOpenRealFailureLeavesStateUntouched verifies a failed order leaves no
// partial position behind
func TestOpenRealFailureLeavesStateUntouched(t *testing.T) {
	exchange := mock.NewExchange()
	exchange.FailPlaceOrder(apperrors.NewExchangeCallError("placeOrder", "code=-2019 msg=Margin is insufficient.", nil))
	eng := newTestEngine(exchange, mock.NewBroadcaster())
	require.NoError(t, eng.SetMode(core.ModeReal))

	eng.ApplyPriceTick(decimal.NewFromInt(50000))

	reply, replies := captureReply()
	eng.OpenReal(core.SideLong, reply)

	ev := awaitReply(t, replies)
	require.Equal(t, core.EventOrderError, ev.Type)
	errEv := ev.Data.(core.OrderErrorEvent)
	assert.Contains(t, errEv.Error, "Margin is insufficient")

	snap := eng.Snapshot()
	assert.Nil(t, snap.Position)
	assert.True(t, snap.Equity.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, core.PhaseNone, eng.Phase())
}

// TestOpenRealWithoutExchange verifies the real path is rejected when no
// credentials were configured
func TestOpenRealWithoutExchange(t *testing.T) {
	eng := newTestEngine(nil, mock.NewBroadcaster())
	require.NoError(t, eng.SetMode(core.ModeReal))

	reply, replies := captureReply()
	eng.OpenReal(core.SideLong, reply)

	ev := awaitReply(t, replies)
	assert.Equal(t, core.EventOrderError, ev.Type)
}

// TestOpenRealRejectedInSimulatedMode verifies mode gating of the real path
func TestOpenRealRejectedInSimulatedMode(t *testing.T) {
	eng := newTestEngine(mock.NewExchange(), mock.NewBroadcaster())

	reply, replies := captureReply()
	eng.OpenReal(core.SideLong, reply)

	ev := awaitReply(t, replies)
	assert.Equal(t, core.EventOrderError, ev.Type)
}

// TestOpenRealMinQuantityFloor verifies tiny computed sizes are raised to the
// exchange minimum
func TestOpenRealMinQuantityFloor(t *testing.T) {
	exchange := mock.NewExchange()
	eng := newTestEngine(exchange, mock.NewBroadcaster())
	require.NoError(t, eng.SetMode(core.ModeReal))
	eng.SetMargin(decimal.NewFromInt(1))
	eng.SetLeverage(1)

	// notional = 10000 * 1% = 100; qty = 100/500000 = 0.0002, rounds to 0
	eng.ApplyPriceTick(decimal.NewFromInt(500000))

	reply, replies := captureReply()
	eng.OpenReal(core.SideLong, reply)
	awaitReply(t, replies)

	orders := exchange.PlacedOrders()
	require.Len(t, orders, 1)
	assert.True(t, orders[0].Quantity.Equal(decimal.RequireFromString("0.01")), "qty: %s", orders[0].Quantity)
}

// TestOrderPendingRejectsSecondOpen verifies commands are rejected while an
// order is in flight
func TestOrderPendingRejectsSecondOpen(t *testing.T) {
	exchange := mock.NewExchange()
	exchange.SetOrderDelay(200 * time.Millisecond)
	eng := newTestEngine(exchange, mock.NewBroadcaster())
	require.NoError(t, eng.SetMode(core.ModeReal))
	eng.ApplyPriceTick(decimal.NewFromInt(50000))

	reply1, replies1 := captureReply()
	eng.OpenReal(core.SideLong, reply1)
	assert.Equal(t, core.PhaseOpening, eng.Phase())

	reply2, replies2 := captureReply()
	eng.OpenReal(core.SideLong, reply2)

	ev := awaitReply(t, replies2)
	require.Equal(t, core.EventOrderError, ev.Type)
	errEv := ev.Data.(core.OrderErrorEvent)
	assert.Equal(t, apperrors.ErrOrderPending.Error(), errEv.Error)

	// First order still completes
	first := awaitReply(t, replies1)
	assert.Equal(t, core.EventOrderResult, first.Type)
	assert.Len(t, exchange.PlacedOrders(), 1)
}

// TestCloseRealReduceOnly verifies the close order is reduce-only on the
// opposite side and settles equity
func TestCloseRealReduceOnly(t *testing.T) {
	exchange := mock.NewExchange()
	broadcaster := mock.NewBroadcaster()
	eng := newTestEngine(exchange, broadcaster)
	require.NoError(t, eng.SetMode(core.ModeReal))
	eng.ApplyPriceTick(decimal.NewFromInt(50000))

	reply, replies := captureReply()
	eng.OpenReal(core.SideLong, reply)
	awaitReply(t, replies)

	eng.ApplyPriceTick(decimal.NewFromInt(51000))

	closeReply, closeReplies := captureReply()
	eng.CloseReal(closeReply)
	ev := awaitReply(t, closeReplies)
	require.Equal(t, core.EventOrderResult, ev.Type)

	orders := exchange.PlacedOrders()
	require.Len(t, orders, 2)
	assert.Equal(t, core.SideShort, orders[1].Side)
	assert.True(t, orders[1].ReduceOnly)
	assert.True(t, orders[1].Quantity.Equal(orders[0].Quantity))

	snap := eng.Snapshot()
	assert.Nil(t, snap.Position)
	assert.True(t, snap.Equity.Equal(decimal.NewFromInt(10500)), "equity: %s", snap.Equity)

	_, ok := broadcaster.LastOfType(core.EventPositionClosed)
	assert.True(t, ok)
}

// TestCloseRealFallsBackToExchangePosition verifies the exchange-reported
// position is used when no local quantity exists
func TestCloseRealFallsBackToExchangePosition(t *testing.T) {
	exchange := mock.NewExchange()
	exchange.SetPosition(decimal.RequireFromString("0.25"), decimal.NewFromInt(50000))
	eng := newTestEngine(exchange, mock.NewBroadcaster())
	require.NoError(t, eng.SetMode(core.ModeReal))

	reply, replies := captureReply()
	eng.CloseReal(reply)
	ev := awaitReply(t, replies)
	require.Equal(t, core.EventOrderResult, ev.Type)

	orders := exchange.PlacedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, core.SideShort, orders[0].Side)
	assert.True(t, orders[0].ReduceOnly)
	assert.True(t, orders[0].Quantity.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 1, exchange.PositionRiskQueries())
}

// TestCloseRealNoPositionAnywhere verifies the close is rejected when neither
// local nor exchange state has a position
func TestCloseRealNoPositionAnywhere(t *testing.T) {
	exchange := mock.NewExchange()
	eng := newTestEngine(exchange, mock.NewBroadcaster())
	require.NoError(t, eng.SetMode(core.ModeReal))

	reply, replies := captureReply()
	eng.CloseReal(reply)

	ev := awaitReply(t, replies)
	require.Equal(t, core.EventOrderError, ev.Type)
	assert.Equal(t, core.PhaseNone, eng.Phase())
	assert.Empty(t, exchange.PlacedOrders())
}

// TestCloseRealFailureKeepsPositionOpen verifies a failed close restores the
// open phase and keeps the position
func TestCloseRealFailureKeepsPositionOpen(t *testing.T) {
	exchange := mock.NewExchange()
	eng := newTestEngine(exchange, mock.NewBroadcaster())
	require.NoError(t, eng.SetMode(core.ModeReal))
	eng.ApplyPriceTick(decimal.NewFromInt(50000))

	reply, replies := captureReply()
	eng.OpenReal(core.SideLong, reply)
	awaitReply(t, replies)

	exchange.FailPlaceOrder(apperrors.NewExchangeCallError("placeOrder", "code=-1021 msg=Timestamp out of recv window.", nil))

	closeReply, closeReplies := captureReply()
	eng.CloseReal(closeReply)
	ev := awaitReply(t, closeReplies)
	require.Equal(t, core.EventOrderError, ev.Type)

	snap := eng.Snapshot()
	require.NotNil(t, snap.Position)
	assert.Equal(t, core.PhaseOpen, eng.Phase())
}

// TestSetEquityOnlyAppliesInRealMode verifies reconciled balances never
// clobber simulated equity
func TestSetEquityOnlyAppliesInRealMode(t *testing.T) {
	broadcaster := mock.NewBroadcaster()
	eng := newTestEngine(mock.NewExchange(), broadcaster)

	assert.False(t, eng.SetEquity(decimal.NewFromInt(777)))
	assert.True(t, eng.Snapshot().Equity.Equal(decimal.NewFromInt(10000)))

	require.NoError(t, eng.SetMode(core.ModeReal))
	assert.True(t, eng.SetEquity(decimal.NewFromInt(777)))
	assert.True(t, eng.Snapshot().Equity.Equal(decimal.NewFromInt(777)))

	ev, ok := broadcaster.LastOfType(core.EventEquity)
	require.True(t, ok)
	assert.True(t, ev.Data.(core.EquityEvent).Equity.Equal(decimal.NewFromInt(777)))
}

// TestSetEquityIgnoresNonPositive verifies zero and negative balances are
// dropped
func TestSetEquityIgnoresNonPositive(t *testing.T) {
	eng := newTestEngine(mock.NewExchange(), mock.NewBroadcaster())
	require.NoError(t, eng.SetMode(core.ModeReal))

	assert.False(t, eng.SetEquity(decimal.Zero))
	assert.False(t, eng.SetEquity(decimal.NewFromInt(-5)))
	assert.True(t, eng.Snapshot().Equity.Equal(decimal.NewFromInt(10000)))
}

// TestSnapshotIsDeepCopy verifies mutating a snapshot cannot touch engine
// state
func TestSnapshotIsDeepCopy(t *testing.T) {
	eng := newTestEngine(nil, mock.NewBroadcaster())

	eng.ApplyPriceTick(decimal.NewFromInt(50000))
	require.NoError(t, eng.OpenSimulated(core.SideLong))

	snap := eng.Snapshot()
	snap.Position.Notional = decimal.NewFromInt(-1)

	assert.True(t, eng.Snapshot().Position.Notional.Equal(decimal.NewFromInt(5000)))
}
