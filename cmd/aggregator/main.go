// Command aggregator subscribes to the price engine, keeps the latest price
// per ticker, and fans updates out to HTTP, WebSocket and Kafka consumers.
// It also prices trades against the cache.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"pricestream/internal/alert"
	"pricestream/internal/bootstrap"
	"pricestream/internal/bridge"
	"pricestream/internal/cache"
	"pricestream/internal/config"
	"pricestream/internal/core"
	"pricestream/internal/pricefeed"
	"pricestream/internal/subscription"
	"pricestream/internal/trade"
	"pricestream/pkg/concurrency"
	httpclient "pricestream/pkg/http"
	"pricestream/pkg/liveserver"

	"github.com/redis/go-redis/v9"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/aggregator.yaml", "Path to configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("aggregator version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath, "aggregator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		app.Cfg.HTTP.Addr = *addr
	}

	if err := run(app); err != nil {
		os.Exit(1)
	}
}

func run(app *bootstrap.App) error {
	cfg := app.Cfg
	logger := app.Logger

	logger.Info("Starting aggregator",
		"version", version,
		"upstream", cfg.Upstream.Address,
		"http_addr", cfg.HTTP.Addr,
	)

	client, err := pricefeed.Dial(pricefeed.ClientConfig{
		Address:     cfg.Upstream.Address,
		APIKey:      cfg.Upstream.APIKey.Reveal(),
		ClientID:    cfg.Upstream.ClientID,
		TLSCertFile: cfg.Upstream.TLSCertFile,
		ServerName:  cfg.Upstream.ServerName,
	}, logger)
	if err != nil {
		logger.Error("Failed to create price feed client", "error", err, "addr", cfg.Upstream.Address)
		return err
	}
	defer client.Close()

	priceCache, closeCache := buildCache(app)
	defer closeCache()

	br := bridge.New(priceCache, bridge.Config{
		IdleTimeout:      cfg.Bridge.IdleTimeout,
		ConnectionBuffer: cfg.Bridge.ConnectionBuffer,
		QueueSize:        cfg.Bridge.QueueSize,
	}, logger)

	driver := subscription.NewDriver(client, br, logger, subscription.WithPolicy(subscription.Policy{
		TransientBase: cfg.Backoff.TransientBase,
		PermanentBase: cfg.Backoff.PermanentBase,
		CompletedBase: cfg.Backoff.CompletedBase,
		MaxDelay:      cfg.Backoff.MaxDelay,
		CapExponent:   cfg.Backoff.CapExponent,
		JitterMax:     cfg.Backoff.JitterMax,
	}))

	app.Health.Register("upstream", func() error {
		if st := driver.Stats(); st.State != subscription.StateStreaming {
			return fmt.Errorf("subscription %s after %d failures", st.State, st.ConsecutiveFailures)
		}
		return nil
	})

	trader, closeTrader, err := buildTrader(app, priceCache)
	if err != nil {
		logger.Error("Failed to create trade executor", "error", err)
		return err
	}
	defer closeTrader()

	live := liveserver.NewServer(br, priceCache, trader, app.Health, liveserver.Config{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Production:     cfg.HTTP.Production,
		MaxConnections: cfg.HTTP.MaxConnections,
		RateLimit:      cfg.HTTP.RateLimit,
		RateBurst:      cfg.HTTP.RateBurst,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
	}, logger)
	live.UsePriceSource(client, cfg.Upstream.LookupTimeout)

	runners := []bootstrap.Runner{
		br,
		driver,
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			return live.Start(ctx, cfg.HTTP.Addr)
		}),
	}

	if url := cfg.Alerts.SlackWebhookURL.Reveal(); url != "" {
		alerts := alert.NewManager("aggregator", logger)
		alerts.AddChannel(alert.NewSlackChannel(url, "pricestream aggregator"))
		runners = append(runners, alert.NewUpstreamWatch(driver, alerts, cfg.Alerts.FailureThreshold, cfg.Alerts.CheckInterval))
		defer alerts.Wait()
	}

	if cfg.Kafka.Enabled {
		writer := bridge.NewKafkaWriter(bridge.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
		defer writer.Close()
		runners = append(runners, bridge.NewKafkaSink(br, writer, logger))
		logger.Info("Kafka export enabled", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	}

	return app.Run(runners...)
}

// buildCache creates the price cache, mirrored to Redis when enabled
func buildCache(app *bootstrap.App) (*cache.PriceCache, func()) {
	cfg := app.Cfg
	logger := app.Logger
	opts := []cache.Option{cache.WithDefaultPrice(cfg.Engine.DefaultPrice)}

	if !cfg.Redis.Enabled {
		return cache.New(logger, opts...), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password.Reveal(),
		DB:       cfg.Redis.DB,
	})
	mirror := cache.NewRedisMirror(rdb, cache.RedisConfig{
		TTL:              cfg.Redis.TTL,
		Publish:          cfg.Redis.Publish,
		FailureThreshold: cfg.Redis.FailureThreshold,
		BreakerDelay:     cfg.Redis.BreakerDelay,
	}, logger)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "redis_mirror",
		MaxWorkers:  cfg.Redis.MirrorWorkers,
		MaxCapacity: cfg.Redis.MirrorBuffer,
		NonBlocking: true,
	}, logger)

	c := cache.New(logger, append(opts, cache.WithMirror(mirror, pool, cfg.Redis.MirrorTimeout))...)

	// Serve last known prices until the first tick arrives
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := mirror.Warm(ctx, c); err != nil {
		logger.Warn("Failed to warm cache from redis", "error", err)
	} else {
		logger.Info("Cache warmed from redis", "tickers", n)
	}

	app.Health.Register("redis", func() error {
		if mirror.BreakerOpen() {
			return fmt.Errorf("redis circuit breaker open")
		}
		return nil
	})

	return c, func() {
		pool.Stop()
		_ = mirror.Close()
	}
}

// buildTrader selects the trade executor. A nil Trader disables POST /trade.
func buildTrader(app *bootstrap.App, prices core.PriceLookup) (liveserver.Trader, func(), error) {
	cfg := app.Cfg.Trade
	logger := app.Logger

	switch cfg.Executor {
	case config.ExecutorLedger:
		ledger, err := trade.NewLedgerExecutor(cfg.LedgerPath)
		if err != nil {
			return nil, nil, err
		}
		app.Health.Register("ledger", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return ledger.Ping(ctx)
		})
		return trade.NewService(prices, ledger, logger), func() { _ = ledger.Close() }, nil

	case config.ExecutorHTTP:
		hc := httpclient.DefaultConfig()
		hc.Timeout = cfg.Timeout
		hc.MaxRetries = cfg.MaxRetries
		var signer httpclient.Signer
		if key := cfg.UserServiceKey.Reveal(); key != "" {
			signer = httpclient.StaticHeaders{"x-api-key": key}
		}
		client := httpclient.NewClient(cfg.UserServiceURL, hc, signer)
		app.Health.Register("user_service", func() error {
			if client.BreakerOpen() {
				return fmt.Errorf("user service circuit breaker open")
			}
			return nil
		})
		return trade.NewService(prices, trade.NewHTTPExecutor(client), logger), func() {}, nil

	default:
		logger.Info("Trading disabled")
		return nil, func() {}, nil
	}
}
