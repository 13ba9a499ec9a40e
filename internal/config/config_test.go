package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_keys: ${ENGINE_KEYS}\npassword: ${REDIS_PASSWORD}",
			envVars: map[string]string{
				"ENGINE_KEYS":    "a,b",
				"REDIS_PASSWORD": "secret_value",
			},
			expected: "api_keys: a,b\npassword: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "tick_interval: 2s\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "tick_interval: 2s\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, int64(150), cfg.Engine.Seeds["APPLE"])
	assert.Equal(t, int64(180), cfg.Engine.Seeds["MICROSOFT"])
	assert.Equal(t, 5*time.Minute, cfg.Bridge.IdleTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff.TransientBase)
	assert.Equal(t, time.Second, cfg.Backoff.PermanentBase)
	assert.Equal(t, 30*time.Second, cfg.Backoff.MaxDelay)
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggregator.yaml")
	content := `engine:
  api_keys: "${TEST_ENGINE_KEYS}"
  tick_interval: 250ms

upstream:
  address: "engine:6565"
  api_key: "${TEST_UPSTREAM_KEY}"

bridge:
  idle_timeout: 1m

redis:
  enabled: true
  addr: "redis:6379"
  password: "${TEST_REDIS_PASSWORD}"

trade:
  executor: http
  user_service_url: "http://user-service:8080"

logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("TEST_ENGINE_KEYS", "key-one, key-two,")
	t.Setenv("TEST_UPSTREAM_KEY", "upstream_secret")
	t.Setenv("TEST_REDIS_PASSWORD", "redis_secret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, []string{"key-one", "key-two"}, cfg.Engine.APIKeyList())
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.TickInterval)
	assert.Equal(t, "engine:6565", cfg.Upstream.Address)
	assert.Equal(t, Secret("upstream_secret"), cfg.Upstream.APIKey)
	assert.Equal(t, Secret("redis_secret"), cfg.Redis.Password)
	assert.Equal(t, time.Minute, cfg.Bridge.IdleTimeout)
	assert.Equal(t, ExecutorHTTP, cfg.Trade.Executor)

	// untouched sections keep their defaults
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, int64(140), cfg.Engine.Seeds["GOOGLE"])
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("engine: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero tick interval", func(c *Config) { c.Engine.TickInterval = 0 }, "engine.tick_interval"},
		{"unknown seed ticker", func(c *Config) { c.Engine.Seeds["NETFLIX"] = 100 }, "engine.seeds"},
		{"cert without key", func(c *Config) { c.Engine.TLSCertFile = "server.crt" }, "engine.tls_key_file"},
		{"missing upstream", func(c *Config) { c.Upstream.Address = "" }, "upstream.address"},
		{"max delay below base", func(c *Config) { c.Backoff.MaxDelay = 100 * time.Millisecond }, "backoff.max_delay"},
		{"zero idle timeout", func(c *Config) { c.Bridge.IdleTimeout = 0 }, "bridge.idle_timeout"},
		{"wildcard in production", func(c *Config) { c.HTTP.Production = true }, "http.allowed_origins"},
		{"zero write timeout", func(c *Config) { c.HTTP.WriteTimeout = 0 }, "http.write_timeout"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }, "kafka.brokers"},
		{"unknown executor", func(c *Config) { c.Trade.Executor = "paper" }, "trade.executor"},
		{"http executor without url", func(c *Config) { c.Trade.Executor = ExecutorHTTP }, "trade.user_service_url"},
		{"zero alert threshold", func(c *Config) { c.Alerts.FailureThreshold = 0 }, "alerts.failure_threshold"},
		{"bad log level", func(c *Config) { c.Logging.Level = "VERBOSE" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			fields := make([]string, len(verrs))
			for i, v := range verrs {
				fields[i] = v.Field
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.TickInterval = 0
	cfg.HTTP.Addr = ""

	var verrs ValidationErrors
	require.ErrorAs(t, cfg.Validate(), &verrs)
	assert.Len(t, verrs, 2)
	assert.Contains(t, verrs.Error(), "engine.tick_interval")
	assert.Contains(t, verrs.Error(), "http.addr")
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.APIKeys = Secret("my_super_secret_grpc_keys")
	cfg.Upstream.APIKey = Secret("my_super_secret_upstream_key")
	cfg.Redis.Password = Secret("my_super_secret_password")
	cfg.Trade.UserServiceKey = Secret("my_super_secret_user_key")
	cfg.Alerts.SlackWebhookURL = Secret("https://hooks.slack.com/services/my_super_secret_hook")

	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]")
	assert.NotContains(t, output, "my_super_secret_grpc_keys")
	assert.NotContains(t, output, "my_super_secret_upstream_key")
	assert.NotContains(t, output, "my_super_secret_password")
	assert.NotContains(t, output, "my_super_secret_user_key")
	assert.NotContains(t, output, "hooks.slack.com")
	assert.NotContains(t, output, "my_s", "output should NOT contain partial secret parts")
	assert.Contains(t, output, "tick_interval: 2s")
}
