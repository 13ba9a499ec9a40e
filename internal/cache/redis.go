package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pricestream/internal/core"
	"pricestream/pkg/retry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "latest:"
	channelPrefix = "prices."
)

// RedisConfig configures a RedisMirror
type RedisConfig struct {
	TTL              time.Duration
	Publish          bool
	FailureThreshold uint
	BreakerDelay     time.Duration
}

// RedisMirror persists the latest price per ticker to Redis and optionally
// publishes each update on prices.<ticker>.
type RedisMirror struct {
	client   *redis.Client
	cfg      RedisConfig
	breaker  circuitbreaker.CircuitBreaker[any]
	executor failsafe.Executor[any]
	logger   core.ILogger
}

var _ Mirror = (*RedisMirror)(nil)

// NewRedisMirror wraps client. Consecutive failures open the breaker so a dead
// Redis costs nothing on the hot path.
func NewRedisMirror(client *redis.Client, cfg RedisConfig, logger core.ILogger) *RedisMirror {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 10 * time.Second
	}

	log := logger.WithField("component", "redis_mirror")
	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(cfg.FailureThreshold).
		WithDelay(cfg.BreakerDelay).
		OnOpen(func(circuitbreaker.StateChangedEvent) {
			log.Warn("Redis mirror circuit opened")
		}).
		OnClose(func(circuitbreaker.StateChangedEvent) {
			log.Info("Redis mirror circuit closed")
		}).
		Build()

	return &RedisMirror{
		client:   client,
		cfg:      cfg,
		breaker:  breaker,
		executor: failsafe.With[any](breaker),
		logger:   log,
	}
}

// Key returns the Redis key holding ticker's latest price
func Key(ticker string) string {
	return keyPrefix + normalize(ticker)
}

// Store implements Mirror
func (m *RedisMirror) Store(ctx context.Context, update core.PriceUpdate) error {
	dto := update.DTO()
	data, err := json.Marshal(dto)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}

	return m.executor.WithContext(ctx).Run(func() error {
		pipe := m.client.Pipeline()
		pipe.Set(ctx, Key(dto.Ticker), data, m.cfg.TTL)
		if m.cfg.Publish {
			pipe.Publish(ctx, channelPrefix+dto.Ticker, data)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to set latest price in redis: %w", err)
		}
		return nil
	})
}

// BreakerOpen reports whether writes are currently short-circuited
func (m *RedisMirror) BreakerOpen() bool {
	return m.breaker.IsOpen()
}

// Warm loads the last persisted price of every known symbol into c. Missing
// keys are skipped. Transient Redis errors are retried.
func (m *RedisMirror) Warm(ctx context.Context, c *PriceCache) (int, error) {
	symbols := core.KnownSymbols()
	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = Key(sym.String())
	}

	var values []interface{}
	err := retry.Do(ctx, retry.DefaultPolicy, isTransientRedis, func() error {
		var err error
		values, err = m.client.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load latest prices from redis: %w", err)
	}

	loaded := 0
	for i, val := range values {
		payload, ok := val.(string)
		if !ok || payload == "" {
			continue
		}
		var dto core.PriceUpdateDTO
		if err := json.Unmarshal([]byte(payload), &dto); err != nil {
			m.logger.Warn("Skipping malformed cached price", "key", keys[i], "error", err)
			continue
		}
		c.Set(dto.Ticker, dto.Price)
		loaded++
	}

	m.logger.Info("Price cache warmed from redis", "loaded", loaded)
	return loaded, nil
}

// Ping checks connectivity, for health reporting
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close releases the client
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func isTransientRedis(err error) bool {
	return !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
}
