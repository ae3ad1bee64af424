// Package feed consumes the exchange trade stream and applies normalized
// price ticks to the engine.
package feed

import (
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"livetrader/internal/core"
	"livetrader/pkg/websocket"
)

var priceTicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "feed_price_ticks_total",
	Help: "Total number of price ticks applied from the market data stream",
})

func init() {
	prometheus.MustRegister(priceTicksTotal)
}

// TickSink receives normalized price ticks
type TickSink interface {
	ApplyPriceTick(price decimal.Decimal)
}

// tradeEvent is the subset of the Binance trade stream payload we care about
type tradeEvent struct {
	Price string `json:"p"`
}

// PriceFeed maintains one streaming connection for a single fixed symbol.
// Disconnects reconnect after a fixed delay forever; failures never reach
// subscribers, the last price simply goes stale.
type PriceFeed struct {
	client *websocket.Client
	sink   TickSink
	logger core.ILogger
}

// New creates a price feed for the given stream URL
func New(url string, reconnectWait time.Duration, sink TickSink, logger core.ILogger) *PriceFeed {
	f := &PriceFeed{
		sink:   sink,
		logger: logger.WithField("component", "feed"),
	}
	f.client = websocket.NewClient(url, reconnectWait, f.handleMessage, f.logger)
	return f
}

// Start begins consuming the stream
func (f *PriceFeed) Start() {
	f.client.Start()
}

// Stop closes the stream connection
func (f *PriceFeed) Stop() {
	f.client.Stop()
}

// handleMessage parses a raw frame. Frames without a numeric price field are
// dropped silently.
func (f *PriceFeed) handleMessage(message []byte) {
	var event tradeEvent
	if err := json.Unmarshal(message, &event); err != nil {
		return
	}
	if event.Price == "" {
		return
	}

	price, err := decimal.NewFromString(event.Price)
	if err != nil {
		return
	}

	priceTicksTotal.Inc()
	f.sink.ApplyPriceTick(price)
}
