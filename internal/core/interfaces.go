// Package core defines the core interfaces for the price stream pipeline
package core

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor aggregates component health checks
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// PriceLookup is a synchronous last-known price read. It always succeeds.
type PriceLookup interface {
	Get(ticker string) int64
}

// UpdateListener receives upstream price updates. Implementations must not fail the caller.
type UpdateListener interface {
	OnUpdate(update PriceUpdate)
}
