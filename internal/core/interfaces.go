package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IExchange is the external collaborator that signs and issues order,
// position-risk and balance queries against the exchange.
type IExchange interface {
	GetName() string
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetPositionRisk(ctx context.Context, symbol string) (*PositionRisk, error)
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// IBroadcaster fans a serialized event out to every live subscriber
type IBroadcaster interface {
	BroadcastEvent(eventType string, data interface{})
}

// ReplyFunc delivers an event to the single requester that triggered an
// operation, never to the whole subscriber set.
type ReplyFunc func(eventType string, data interface{})

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
