// Command price_engine simulates stock prices and serves them over gRPC as
// stock.StockService.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"pricestream/internal/bootstrap"
	"pricestream/internal/config"
	"pricestream/internal/core"
	"pricestream/internal/engine"
	"pricestream/internal/infrastructure/server"
	"pricestream/internal/pricefeed"
	apperrors "pricestream/pkg/errors"
	"pricestream/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/price_engine.yaml", "Path to configuration file")
	addr := flag.String("addr", "", "gRPC listen address (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("price_engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath, "price-engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		app.Cfg.Engine.GRPCAddr = *addr
	}

	if err := run(app); err != nil {
		os.Exit(1)
	}
}

func run(app *bootstrap.App) error {
	cfg := app.Cfg.Engine
	logger := app.Logger

	logger.Info("Starting price_engine",
		"version", version,
		"grpc_addr", cfg.GRPCAddr,
		"tick_interval", cfg.TickInterval.String(),
	)

	eng := engine.NewPriceEngine(engine.Config{
		TickInterval: cfg.TickInterval,
		State:        stateConfig(cfg),
	}, rand.New(rand.NewSource(time.Now().UnixNano())), logger)

	srv, err := pricefeed.NewServer(eng, pricefeed.ServerConfig{
		APIKeys:      cfg.APIKeyList(),
		RateLimit:    cfg.RateLimit,
		TLSCertFile:  cfg.TLSCertFile,
		TLSKeyFile:   cfg.TLSKeyFile,
		StreamBuffer: cfg.StreamBuffer,
	}, logger)
	if err != nil {
		logger.Error("Failed to create gRPC server", "error", err)
		return err
	}

	app.Health.Register("engine", func() error {
		if eng.Stopped() {
			return apperrors.ErrEngineStopped
		}
		return nil
	})

	status := server.NewHealthServer(cfg.StatusAddr, logger, app.Health)
	status.UpdateStatus("version", version)
	status.AddSource("engine", func() interface{} {
		prices := make(map[string]int64)
		for _, sym := range core.KnownSymbols() {
			prices[sym.String()] = eng.CurrentPrice(sym)
		}
		return map[string]interface{}{
			"subscribers": eng.SubscriberCount(),
			"prices":      prices,
		}
	})
	status.AddSource("metrics", func() interface{} {
		return telemetry.GetGlobalMetrics().Snapshot()
	})

	return app.Run(
		eng,
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			return srv.Run(ctx, cfg.GRPCAddr)
		}),
		status,
	)
}

// stateConfig maps configured seeds onto known symbols. Config validation
// already rejected unknown tickers.
func stateConfig(cfg config.EngineConfig) engine.StateConfig {
	state := engine.DefaultStateConfig()
	state.Floor = cfg.Floor
	state.MaxStep = cfg.MaxStep
	state.DefaultPrice = cfg.DefaultPrice
	for ticker, price := range cfg.Seeds {
		if sym := core.ParseSymbol(ticker); sym.IsKnown() {
			state.Seeds[sym] = price
		}
	}
	return state
}
