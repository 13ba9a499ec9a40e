package bootstrap

import (
	"pricestream/pkg/logging"
)

// InitLogger builds the process logger from configuration
func InitLogger(cfg *Config) (*logging.ZapLogger, error) {
	return logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: cfg.Telemetry.ServiceName,
	})
}
