package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"livetrader/internal/bootstrap"
	"livetrader/internal/core"
	"livetrader/internal/engine"
	binanceexchange "livetrader/internal/exchange/binance"
	"livetrader/internal/feed"
	"livetrader/internal/reconciler"
	"livetrader/pkg/concurrency"
	"livetrader/pkg/liveserver"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/live_server.yaml", "Path to configuration file")
	port := flag.Int("port", 0, "Server port (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("live_server version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Cfg
	logger := app.ILogger()
	defer app.Logger.Sync()

	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger.Info("Starting live_server",
		"version", version,
		"symbol", cfg.Trading.Symbol,
		"port", cfg.Server.Port,
	)

	// Exchange connectivity is optional; without credentials only the
	// simulated path is available.
	var exchange core.IExchange
	if cfg.Binance.Configured() {
		exchange = binanceexchange.New(
			string(cfg.Binance.APIKey),
			string(cfg.Binance.SecretKey),
			cfg.Binance.Testnet,
			time.Duration(cfg.Timing.ExchangeCallTimeout)*time.Second,
			logger,
		)
		logger.Info("Exchange client configured", "testnet", cfg.Binance.Testnet)
	} else {
		logger.Warn("No exchange credentials configured, real orders disabled")
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "OrderPool",
		MaxWorkers:  4,
		MaxCapacity: 64,
	}, logger)
	defer pool.Stop()

	hub := liveserver.NewHub(logger)

	eng := engine.New(
		engine.Config{
			Symbol:           cfg.Trading.Symbol,
			MinQuantity:      decimal.NewFromFloat(cfg.Trading.MinQuantity),
			MinNotional:      decimal.NewFromFloat(cfg.Trading.MinNotional),
			QuantityDecimals: int32(cfg.Trading.QuantityDecimals),
			OrderTimeout:     time.Duration(cfg.Timing.ExchangeCallTimeout) * time.Second,
		},
		core.TradingState{
			Equity:    decimal.NewFromFloat(cfg.Trading.InitialEquity),
			Leverage:  cfg.Trading.Leverage,
			MarginPct: decimal.NewFromFloat(cfg.Trading.InitialMarginPct),
			Mode:      core.ModeSimulated,
		},
		exchange,
		hub,
		pool,
		logger,
	)

	streamURL := fmt.Sprintf("%s/%s", cfg.Feed.WSBase, cfg.Feed.Stream)
	priceFeed := feed.New(
		streamURL,
		time.Duration(cfg.Timing.FeedReconnectDelay)*time.Second,
		eng,
		logger,
	)

	server := liveserver.NewServer(hub, eng, exchange, cfg.Trading.Symbol, liveserver.Config{
		StaticDir:      cfg.Server.StaticDir,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxConnections: cfg.Server.MaxConnections,
		WriteWait:      time.Duration(cfg.Timing.WebsocketWriteWait) * time.Second,
		PingInterval:   time.Duration(cfg.Timing.WebsocketPingInterval) * time.Second,
	}, logger)

	runners := []bootstrap.Runner{
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			hub.Run(ctx)
			return nil
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			priceFeed.Start()
			defer priceFeed.Stop()
			<-ctx.Done()
			return nil
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			return server.Start(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
		}),
	}

	if exchange != nil {
		equityReconciler := reconciler.New(
			exchange,
			eng,
			cfg.Trading.QuoteAsset,
			time.Duration(cfg.Timing.EquityPollInterval)*time.Second,
			time.Duration(cfg.Timing.ExchangeCallTimeout)*time.Second,
			logger,
		)
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			equityReconciler.Start()
			defer equityReconciler.Stop()
			<-ctx.Done()
			return nil
		}))
	}

	logger.Info("live_server is running",
		"websocket_url", fmt.Sprintf("ws://localhost:%d/ws", cfg.Server.Port),
		"web_url", fmt.Sprintf("http://localhost:%d/", cfg.Server.Port),
	)

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}
