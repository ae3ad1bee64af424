// Package reconciler polls the exchange wallet balance and folds it back into
// the engine's equity.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"livetrader/internal/core"
)

// EquitySink accepts a reconciled wallet balance. The sink decides whether
// the value applies (the engine ignores it outside real mode).
type EquitySink interface {
	SetEquity(balance decimal.Decimal) bool
}

// EquityReconciler periodically queries the quote-asset wallet balance.
// Reconciliation is best-effort: any failure skips the cycle silently and
// never blocks other operations.
type EquityReconciler struct {
	exchange core.IExchange
	sink     EquitySink
	asset    string
	interval time.Duration
	timeout  time.Duration
	logger   core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an equity reconciler
func New(
	exchange core.IExchange,
	sink EquitySink,
	asset string,
	interval time.Duration,
	timeout time.Duration,
	logger core.ILogger,
) *EquityReconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &EquityReconciler{
		exchange: exchange,
		sink:     sink,
		asset:    asset,
		interval: interval,
		timeout:  timeout,
		logger:   logger.WithField("component", "equity_reconciler"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the reconciliation loop
func (r *EquityReconciler) Start() {
	r.logger.Info("Starting equity reconciler", "interval", r.interval, "asset", r.asset)
	r.wg.Add(1)
	go r.runLoop()
}

// Stop stops the reconciler
func (r *EquityReconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *EquityReconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// First pass immediately so equity converges without waiting a full
	// interval after startup.
	r.Reconcile()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile()
		}
	}
}

// Reconcile performs a single balance query and applies a positive result
func (r *EquityReconciler) Reconcile() {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	balance, err := r.exchange.GetBalance(ctx, r.asset)
	if err != nil {
		// Best-effort: skip this cycle, the next tick retries.
		r.logger.Debug("Balance query failed, skipping cycle", "error", err)
		return
	}

	if r.sink.SetEquity(balance) {
		r.logger.Debug("Equity reconciled", "balance", balance)
	}
}
