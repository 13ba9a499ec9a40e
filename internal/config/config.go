// Package config handles configuration management with validation
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is shared by the price engine and the aggregator. Each binary reads
// the sections it needs.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	HTTP      HTTPConfig      `yaml:"http"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Trade     TradeConfig     `yaml:"trade"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig configures the price engine process
type EngineConfig struct {
	GRPCAddr     string           `yaml:"grpc_addr"`
	StatusAddr   string           `yaml:"status_addr"` // /health, /status and /metrics
	TickInterval time.Duration    `yaml:"tick_interval"`
	Seeds        map[string]int64 `yaml:"seeds"`
	Floor        int64            `yaml:"floor"`
	MaxStep      int64            `yaml:"max_step"`
	DefaultPrice int64            `yaml:"default_price"`
	StreamBuffer int              `yaml:"stream_buffer"`
	APIKeys      Secret           `yaml:"api_keys"` // comma-separated
	RateLimit    int              `yaml:"rate_limit"`
	TLSCertFile  string           `yaml:"tls_cert_file"`
	TLSKeyFile   string           `yaml:"tls_key_file"`
}

// UpstreamConfig is the aggregator's connection to the price engine
type UpstreamConfig struct {
	Address     string `yaml:"address"`
	APIKey      Secret `yaml:"api_key"`
	ClientID    string `yaml:"client_id"`
	TLSCertFile string `yaml:"tls_cert_file"`
	ServerName  string `yaml:"tls_server_name"`
	// LookupTimeout bounds unary price lookups for tickers not yet cached
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// BackoffConfig tunes resubscription delays
type BackoffConfig struct {
	TransientBase time.Duration `yaml:"transient_base"`
	PermanentBase time.Duration `yaml:"permanent_base"`
	CompletedBase time.Duration `yaml:"completed_base"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	CapExponent   int           `yaml:"cap_exponent"`
	JitterMax     time.Duration `yaml:"jitter_max"`
}

// BridgeConfig configures downstream fan-out
type BridgeConfig struct {
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ConnectionBuffer int           `yaml:"connection_buffer"`
	QueueSize        int           `yaml:"queue_size"`
}

// HTTPConfig configures the downstream HTTP surface
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	Production     bool     `yaml:"production"`
	MaxConnections int      `yaml:"max_connections"`
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
	// WriteTimeout bounds each stream write to a downstream client
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisConfig configures the optional cache mirror
type RedisConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Addr             string        `yaml:"addr"`
	Password         Secret        `yaml:"password"`
	DB               int           `yaml:"db"`
	TTL              time.Duration `yaml:"ttl"`
	Publish          bool          `yaml:"publish"`
	FailureThreshold uint          `yaml:"failure_threshold"`
	BreakerDelay     time.Duration `yaml:"breaker_delay"`
	MirrorWorkers    int           `yaml:"mirror_workers"`
	MirrorBuffer     int           `yaml:"mirror_buffer"`
	MirrorTimeout    time.Duration `yaml:"mirror_timeout"`
}

// KafkaConfig configures the optional export sink
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// TradeConfig selects how priced trades are booked
type TradeConfig struct {
	Executor       string        `yaml:"executor"` // ledger, http or none
	LedgerPath     string        `yaml:"ledger_path"`
	UserServiceURL string        `yaml:"user_service_url"`
	UserServiceKey Secret        `yaml:"user_service_api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// AlertsConfig configures upstream outage alerts
type AlertsConfig struct {
	SlackWebhookURL  Secret        `yaml:"slack_webhook_url"` // empty disables alerting
	FailureThreshold int           `yaml:"failure_threshold"`
	CheckInterval    time.Duration `yaml:"check_interval"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	EnableTracing bool   `yaml:"enable_tracing"` // also exports logs through otel
}

const (
	ExecutorLedger = "ledger"
	ExecutorHTTP   = "http"
	ExecutorNone   = "none"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// ValidationErrors collects every failed check
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("configuration validation failed:\n%s", strings.Join(msgs, "\n"))
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. A .env file in the working directory is loaded first when present.
// Fields missing from the file keep their DefaultConfig values.
func LoadConfig(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs ValidationErrors
	check := func(ok bool, field string, value interface{}, msg string) {
		if !ok {
			errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
		}
	}

	// engine
	check(c.Engine.TickInterval > 0, "engine.tick_interval", c.Engine.TickInterval, "must be positive")
	check(c.Engine.Floor >= 0, "engine.floor", c.Engine.Floor, "must not be negative")
	check(c.Engine.MaxStep >= 0, "engine.max_step", c.Engine.MaxStep, "must not be negative")
	check(c.Engine.DefaultPrice >= 0, "engine.default_price", c.Engine.DefaultPrice, "must not be negative")
	for ticker, price := range c.Engine.Seeds {
		check(isKnownTicker(ticker), "engine.seeds", ticker, "unknown ticker")
		check(price > 0, "engine.seeds."+ticker, price, "must be positive")
	}
	check(c.Engine.RateLimit >= 0, "engine.rate_limit", c.Engine.RateLimit, "must not be negative")
	check((c.Engine.TLSCertFile == "") == (c.Engine.TLSKeyFile == ""), "engine.tls_key_file", c.Engine.TLSKeyFile,
		"tls_cert_file and tls_key_file must be set together")

	// upstream
	check(c.Upstream.Address != "", "upstream.address", c.Upstream.Address, "is required")

	// backoff
	b := c.Backoff
	check(b.TransientBase > 0 && b.PermanentBase > 0 && b.CompletedBase > 0, "backoff", nil, "base delays must be positive")
	check(b.MaxDelay >= b.TransientBase && b.MaxDelay >= b.PermanentBase && b.MaxDelay >= b.CompletedBase,
		"backoff.max_delay", b.MaxDelay, "must not be below any base delay")
	check(b.CapExponent >= 0 && b.CapExponent <= 30, "backoff.cap_exponent", b.CapExponent, "must be between 0 and 30")
	check(b.JitterMax >= 0, "backoff.jitter_max", b.JitterMax, "must not be negative")

	// bridge
	check(c.Bridge.IdleTimeout > 0, "bridge.idle_timeout", c.Bridge.IdleTimeout, "must be positive")
	check(c.Bridge.ConnectionBuffer > 0, "bridge.connection_buffer", c.Bridge.ConnectionBuffer, "must be positive")
	check(c.Bridge.QueueSize > 0, "bridge.queue_size", c.Bridge.QueueSize, "must be positive")

	// http
	check(c.HTTP.Addr != "", "http.addr", c.HTTP.Addr, "is required")
	check(c.HTTP.MaxConnections > 0, "http.max_connections", c.HTTP.MaxConnections, "must be positive")
	check(c.HTTP.RateLimit > 0 && c.HTTP.RateBurst > 0, "http.rate_limit", c.HTTP.RateLimit, "rate_limit and rate_burst must be positive")
	check(c.HTTP.WriteTimeout > 0, "http.write_timeout", c.HTTP.WriteTimeout, "must be positive")
	if c.HTTP.Production {
		check(!contains(c.HTTP.AllowedOrigins, "*"), "http.allowed_origins", c.HTTP.AllowedOrigins, "wildcard origin not allowed in production")
	}

	// redis
	if c.Redis.Enabled {
		check(c.Redis.Addr != "", "redis.addr", c.Redis.Addr, "is required when redis is enabled")
		check(c.Redis.TTL >= 0, "redis.ttl", c.Redis.TTL, "must not be negative")
		check(c.Redis.MirrorWorkers > 0, "redis.mirror_workers", c.Redis.MirrorWorkers, "must be positive")
	}

	// kafka
	if c.Kafka.Enabled {
		check(len(c.Kafka.Brokers) > 0, "kafka.brokers", c.Kafka.Brokers, "at least one broker is required")
		check(c.Kafka.Topic != "", "kafka.topic", c.Kafka.Topic, "is required when kafka is enabled")
	}

	// trade
	switch c.Trade.Executor {
	case ExecutorLedger:
		check(c.Trade.LedgerPath != "", "trade.ledger_path", c.Trade.LedgerPath, "is required for the ledger executor")
	case ExecutorHTTP:
		check(c.Trade.UserServiceURL != "", "trade.user_service_url", c.Trade.UserServiceURL, "is required for the http executor")
	case ExecutorNone:
	default:
		check(false, "trade.executor", c.Trade.Executor, "must be one of: ledger, http, none")
	}

	// alerts
	check(c.Alerts.FailureThreshold > 0, "alerts.failure_threshold", c.Alerts.FailureThreshold, "must be positive")
	check(c.Alerts.CheckInterval > 0, "alerts.check_interval", c.Alerts.CheckInterval, "must be positive")

	// logging
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	check(contains(validLevels, strings.ToUpper(c.Logging.Level)), "logging.level", c.Logging.Level,
		fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")))
	check(contains([]string{"", "console", "json"}, c.Logging.Format), "logging.format", c.Logging.Format, "must be console or json")

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// APIKeyList splits the comma-separated engine API keys
func (c EngineConfig) APIKeyList() []string {
	var keys []string
	for _, k := range strings.Split(string(c.APIKeys), ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// String renders the config with secrets redacted
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}

// expandEnvVars expands ${VAR} references. Unset variables expand to "".
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func isKnownTicker(t string) bool {
	return contains([]string{"APPLE", "AMAZON", "GOOGLE", "MICROSOFT"}, strings.ToUpper(t))
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the defaults for both binaries
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			GRPCAddr:     ":6565",
			StatusAddr:   ":9090",
			TickInterval: 2 * time.Second,
			Seeds: map[string]int64{
				"APPLE":     150,
				"AMAZON":    160,
				"GOOGLE":    140,
				"MICROSOFT": 180,
			},
			Floor:        100,
			MaxStep:      5,
			DefaultPrice: 100,
			StreamBuffer: 256,
			RateLimit:    100,
		},
		Upstream: UpstreamConfig{
			Address:       "localhost:6565",
			ClientID:      "aggregator-service",
			LookupTimeout: time.Second,
		},
		Backoff: BackoffConfig{
			TransientBase: 500 * time.Millisecond,
			PermanentBase: 1000 * time.Millisecond,
			CompletedBase: 500 * time.Millisecond,
			MaxDelay:      30 * time.Second,
			CapExponent:   10,
			JitterMax:     250 * time.Millisecond,
		},
		Bridge: BridgeConfig{
			IdleTimeout:      300000 * time.Millisecond,
			ConnectionBuffer: 256,
			QueueSize:        1024,
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
			MaxConnections: 1000,
			RateLimit:      10,
			RateBurst:      20,
			WriteTimeout:   10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:             "localhost:6379",
			TTL:              time.Hour,
			FailureThreshold: 5,
			BreakerDelay:     10 * time.Second,
			MirrorWorkers:    4,
			MirrorBuffer:     1024,
			MirrorTimeout:    time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "price_updates",
			BatchTimeout: 10 * time.Millisecond,
		},
		Trade: TradeConfig{
			Executor:   ExecutorLedger,
			LedgerPath: "trades.db",
			Timeout:    5 * time.Second,
			MaxRetries: 3,
		},
		Alerts: AlertsConfig{
			FailureThreshold: 5,
			CheckInterval:    5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "pricestream",
			EnableMetrics: true,
		},
	}
}
