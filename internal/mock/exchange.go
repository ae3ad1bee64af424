// Package mock provides an in-memory IExchange implementation for tests
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"livetrader/internal/core"
)

// Exchange implements core.IExchange with injectable failures and canned
// responses.
type Exchange struct {
	mu sync.Mutex

	orderIDCounter int64
	balance        decimal.Decimal
	markPrice      decimal.Decimal
	positionAmt    decimal.Decimal
	entryPrice     decimal.Decimal

	fillPrice  decimal.Decimal // AvgPrice reported on fills; zero means absent
	orderDelay time.Duration

	placeOrderErr      error
	positionRiskErr    error
	balanceErr         error
	placedOrders       []core.OrderRequest
	balanceQueries     int
	positionRiskCalled int
}

// NewExchange creates a mock exchange with a default balance
func NewExchange() *Exchange {
	return &Exchange{
		orderIDCounter: 1000,
		balance:        decimal.NewFromInt(10000),
	}
}

// FailPlaceOrder injects an error for subsequent PlaceOrder calls
func (m *Exchange) FailPlaceOrder(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeOrderErr = err
}

// FailPositionRisk injects an error for subsequent GetPositionRisk calls
func (m *Exchange) FailPositionRisk(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionRiskErr = err
}

// FailBalance injects an error for subsequent GetBalance calls
func (m *Exchange) FailBalance(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceErr = err
}

// SetBalance sets the wallet balance returned by GetBalance
func (m *Exchange) SetBalance(balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = balance
}

// SetFillPrice sets the AvgPrice reported on order fills
func (m *Exchange) SetFillPrice(price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillPrice = price
}

// SetOrderDelay makes PlaceOrder block for d before resolving, to hold the
// order in flight deterministically
func (m *Exchange) SetOrderDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderDelay = d
}

// SetPosition sets the exchange-side position returned by GetPositionRisk
func (m *Exchange) SetPosition(amt, entry decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionAmt = amt
	m.entryPrice = entry
}

// SetMarkPrice sets the mark price returned by GetMarkPrice
func (m *Exchange) SetMarkPrice(price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markPrice = price
}

// PlacedOrders returns a copy of every order submitted so far
func (m *Exchange) PlacedOrders() []core.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.OrderRequest, len(m.placedOrders))
	copy(out, m.placedOrders)
	return out
}

// BalanceQueries returns how many times GetBalance was called
func (m *Exchange) BalanceQueries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceQueries
}

// PositionRiskQueries returns how many times GetPositionRisk was called
func (m *Exchange) PositionRiskQueries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionRiskCalled
}

func (m *Exchange) GetName() string {
	return "mock"
}

func (m *Exchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	m.mu.Lock()
	delay := m.orderDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.placeOrderErr != nil {
		return nil, m.placeOrderErr
	}

	m.orderIDCounter++
	m.placedOrders = append(m.placedOrders, req)

	side := "BUY"
	if req.Side == core.SideShort {
		side = "SELL"
	}

	return &core.OrderResult{
		OrderID:     m.orderIDCounter,
		Symbol:      req.Symbol,
		Side:        side,
		Status:      "FILLED",
		AvgPrice:    m.fillPrice,
		ExecutedQty: req.Quantity,
	}, nil
}

func (m *Exchange) GetPositionRisk(ctx context.Context, symbol string) (*core.PositionRisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positionRiskCalled++
	if m.positionRiskErr != nil {
		return nil, m.positionRiskErr
	}

	return &core.PositionRisk{
		Symbol:      symbol,
		PositionAmt: m.positionAmt,
		EntryPrice:  m.entryPrice,
		MarkPrice:   m.markPrice,
	}, nil
}

func (m *Exchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balanceQueries++
	if m.balanceErr != nil {
		return decimal.Zero, m.balanceErr
	}
	return m.balance, nil
}

func (m *Exchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markPrice, nil
}
