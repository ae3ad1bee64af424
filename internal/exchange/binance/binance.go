// Package binance provides Binance USDT-M futures connectivity for order
// placement, position risk and wallet balance queries.
package binance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/timeout"
	"github.com/shopspring/decimal"

	"livetrader/internal/core"
	apperrors "livetrader/pkg/errors"
)

// Exchange implements core.IExchange against Binance futures. Every call is
// bounded by a timeout policy; orders are never retried automatically.
type Exchange struct {
	client      *futures.Client
	callTimeout time.Duration
	logger      core.ILogger
}

// New creates a Binance futures exchange client
func New(apiKey, secretKey string, testnet bool, callTimeout time.Duration, logger core.ILogger) *Exchange {
	futures.UseTestnet = testnet
	if callTimeout == 0 {
		callTimeout = 15 * time.Second
	}

	return &Exchange{
		client:      binance.NewFuturesClient(apiKey, secretKey),
		callTimeout: callTimeout,
		logger:      logger.WithField("component", "binance"),
	}
}

// GetName returns the exchange name
func (e *Exchange) GetName() string {
	return "binance"
}

// PlaceOrder submits a market order and returns the structured fill response
func (e *Exchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	side := futures.SideTypeBuy
	if req.Side == core.SideShort {
		side = futures.SideTypeSell
	}

	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(req.Quantity.String())
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := call(e, ctx, "placeOrder", func(ctx context.Context) (*futures.CreateOrderResponse, error) {
		return svc.Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Order placed",
		"order_id", resp.OrderID, "symbol", resp.Symbol, "side", resp.Side, "status", resp.Status)

	return &core.OrderResult{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          string(resp.Side),
		Status:        string(resp.Status),
		AvgPrice:      parseDecimal(resp.AvgPrice),
		ExecutedQty:   parseDecimal(resp.ExecutedQuantity),
	}, nil
}

// GetPositionRisk returns the live exchange-side position for the symbol
func (e *Exchange) GetPositionRisk(ctx context.Context, symbol string) (*core.PositionRisk, error) {
	risks, err := call(e, ctx, "getPositionRisk", func(ctx context.Context) ([]*futures.PositionRisk, error) {
		return e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	for _, r := range risks {
		if r.Symbol == symbol {
			return &core.PositionRisk{
				Symbol:        r.Symbol,
				PositionAmt:   parseDecimal(r.PositionAmt),
				EntryPrice:    parseDecimal(r.EntryPrice),
				MarkPrice:     parseDecimal(r.MarkPrice),
				UnrealizedPnL: parseDecimal(r.UnRealizedProfit),
				Leverage:      parseDecimal(r.Leverage),
			}, nil
		}
	}

	// No entry means no position on this symbol.
	return &core.PositionRisk{Symbol: symbol, PositionAmt: decimal.Zero}, nil
}

// GetBalance returns the futures wallet balance for the given asset
func (e *Exchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := call(e, ctx, "getBalance", func(ctx context.Context) ([]*futures.Balance, error) {
		return e.client.NewGetBalanceService().Do(ctx)
	})
	if err != nil {
		return decimal.Zero, err
	}

	for _, b := range balances {
		if b.Asset == asset {
			return parseDecimal(b.Balance), nil
		}
	}
	return decimal.Zero, apperrors.NewExchangeCallError("getBalance", fmt.Sprintf("no balance entry for asset %s", asset), nil)
}

// GetMarkPrice returns the exchange-reported mark price for the symbol
func (e *Exchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	risk, err := e.GetPositionRisk(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return risk.MarkPrice, nil
}

// call runs fn under the exchange's timeout policy and maps failures to the
// standard taxonomy, preserving Binance-provided detail.
func call[T any](e *Exchange, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	timeoutPolicy := timeout.New[T](e.callTimeout)

	result, err := failsafe.With[T](timeoutPolicy).
		WithContext(ctx).
		GetWithExecution(func(exec failsafe.Execution[T]) (T, error) {
			return fn(exec.Context())
		})
	if err != nil {
		var zero T
		return zero, mapError(op, err)
	}
	return result, nil
}

func mapError(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apperrors.NewExchangeCallError(op, fmt.Sprintf("code=%d msg=%s", apiErr.Code, apiErr.Message), err)
	}
	if errors.Is(err, timeout.ErrExceeded) {
		return apperrors.NewExchangeCallError(op, "call deadline exceeded", err)
	}
	return apperrors.NewExchangeCallError(op, "", err)
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
