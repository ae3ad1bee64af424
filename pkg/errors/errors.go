// Package apperrors defines the standardized error taxonomy for the trading engine
package apperrors

import (
	"errors"
	"fmt"
)

// Standardized engine errors
var (
	// ErrExchangeUnavailable indicates the exchange client is not configured
	// or credentials are missing.
	ErrExchangeUnavailable = errors.New("exchange client not available")

	// ErrNoPosition indicates a close was requested with nothing open,
	// locally or on the exchange.
	ErrNoPosition = errors.New("no open position")

	// ErrPositionExists indicates an open was requested while a position
	// already exists. Treated as a no-op signal, not a failure.
	ErrPositionExists = errors.New("position already exists")

	// ErrOrderPending indicates an order is already in flight for this
	// position (OPENING or CLOSING phase).
	ErrOrderPending = errors.New("order already pending")

	// ErrWrongMode indicates a real-path command was issued in simulated
	// mode, or vice versa.
	ErrWrongMode = errors.New("operation not allowed in current mode")

	// ErrModeLocked indicates a mode switch was attempted while a position
	// is open or pending.
	ErrModeLocked = errors.New("cannot switch mode with a position open")

	// ErrInvalidCommand indicates a malformed control message. These are
	// dropped, never surfaced to subscribers.
	ErrInvalidCommand = errors.New("invalid command")
)

// ExchangeCallError wraps a failed exchange call with the operation name and
// the exchange-provided detail when present.
type ExchangeCallError struct {
	Op     string // "placeOrder", "getPositionRisk", "getBalance"
	Detail string // exchange-provided message, if any
	Err    error
}

func (e *ExchangeCallError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("exchange call %s failed: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("exchange call %s failed: %v", e.Op, e.Err)
}

func (e *ExchangeCallError) Unwrap() error {
	return e.Err
}

// NewExchangeCallError creates an ExchangeCallError for the given operation
func NewExchangeCallError(op string, detail string, err error) *ExchangeCallError {
	return &ExchangeCallError{Op: op, Detail: detail, Err: err}
}
