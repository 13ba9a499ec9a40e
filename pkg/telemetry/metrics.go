package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricEngineTicksTotal        = "pricestream_engine_ticks_total"
	MetricEngineSubscribers       = "pricestream_engine_subscribers"
	MetricEnginePrunedTotal       = "pricestream_engine_subscribers_pruned_total"
	MetricBridgeUpdatesTotal      = "pricestream_bridge_updates_total"
	MetricBridgeConnections       = "pricestream_bridge_connections"
	MetricBridgeRemovedTotal      = "pricestream_bridge_connections_removed_total"
	MetricUpstreamReconnectsTotal = "pricestream_upstream_reconnects_total"
	MetricUpstreamBackoff         = "pricestream_upstream_backoff_ms"
	MetricTradesPricedTotal       = "pricestream_trades_priced_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	mu sync.RWMutex

	engineTicks        metric.Int64Counter
	enginePruned       metric.Int64Counter
	bridgeUpdates      metric.Int64Counter
	bridgeRemoved      metric.Int64Counter
	upstreamReconnects metric.Int64Counter
	upstreamBackoff    metric.Float64Histogram
	tradesPriced       metric.Int64Counter

	// State for observable gauges
	gaugeMu           sync.RWMutex
	engineSubscribers int64
	bridgeConnections int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Until InitMetrics is
// called with a real meter every instrument is a no-op.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("pricestream"))
	})
	return globalMetrics
}

// InitMetrics (re)creates all instruments on the given meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	engineTicks, err := meter.Int64Counter(MetricEngineTicksTotal, metric.WithDescription("Price engine ticks executed"))
	if err != nil {
		return err
	}
	enginePruned, err := meter.Int64Counter(MetricEnginePrunedTotal, metric.WithDescription("Engine subscribers removed after cancellation or send failure"))
	if err != nil {
		return err
	}
	bridgeUpdates, err := meter.Int64Counter(MetricBridgeUpdatesTotal, metric.WithDescription("Updates fanned out by the stream bridge"))
	if err != nil {
		return err
	}
	bridgeRemoved, err := meter.Int64Counter(MetricBridgeRemovedTotal, metric.WithDescription("Downstream connections removed"))
	if err != nil {
		return err
	}
	upstreamReconnects, err := meter.Int64Counter(MetricUpstreamReconnectsTotal, metric.WithDescription("Upstream subscription retries scheduled"))
	if err != nil {
		return err
	}
	upstreamBackoff, err := meter.Float64Histogram(MetricUpstreamBackoff, metric.WithDescription("Scheduled upstream retry delay"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	tradesPriced, err := meter.Int64Counter(MetricTradesPricedTotal, metric.WithDescription("Trade requests priced from the cache"))
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(MetricEngineSubscribers, metric.WithDescription("Currently registered engine subscribers"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.gaugeMu.RLock()
			defer m.gaugeMu.RUnlock()
			obs.Observe(m.engineSubscribers)
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(MetricBridgeConnections, metric.WithDescription("Currently registered downstream connections"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.gaugeMu.RLock()
			defer m.gaugeMu.RUnlock()
			obs.Observe(m.bridgeConnections)
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.engineTicks = engineTicks
	m.enginePruned = enginePruned
	m.bridgeUpdates = bridgeUpdates
	m.bridgeRemoved = bridgeRemoved
	m.upstreamReconnects = upstreamReconnects
	m.upstreamBackoff = upstreamBackoff
	m.tradesPriced = tradesPriced
	return nil
}

func (m *MetricsHolder) RecordTick(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.engineTicks.Add(ctx, 1)
}

func (m *MetricsHolder) RecordSubscriberPruned(ctx context.Context, reason string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.enginePruned.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *MetricsHolder) RecordFanOut(ctx context.Context, ticker string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.bridgeUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("ticker", ticker)))
}

func (m *MetricsHolder) RecordConnectionRemoved(ctx context.Context, reason string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.bridgeRemoved.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *MetricsHolder) RecordReconnect(ctx context.Context, class string, delayMs float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.upstreamReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
	m.upstreamBackoff.Record(ctx, delayMs, metric.WithAttributes(attribute.String("class", class)))
}

func (m *MetricsHolder) RecordTradePriced(ctx context.Context, ticker, action string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tradesPriced.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ticker", ticker),
		attribute.String("action", action),
	))
}

// SetEngineSubscribers updates the engine subscriber gauge
func (m *MetricsHolder) SetEngineSubscribers(n int) {
	m.gaugeMu.Lock()
	defer m.gaugeMu.Unlock()
	m.engineSubscribers = int64(n)
}

// SetBridgeConnections updates the downstream connection gauge
func (m *MetricsHolder) SetBridgeConnections(n int) {
	m.gaugeMu.Lock()
	defer m.gaugeMu.Unlock()
	m.bridgeConnections = int64(n)
}

// Snapshot returns the gauge values for status endpoints
func (m *MetricsHolder) Snapshot() map[string]int64 {
	m.gaugeMu.RLock()
	defer m.gaugeMu.RUnlock()
	return map[string]int64{
		"engine_subscribers": m.engineSubscribers,
		"bridge_connections": m.bridgeConnections,
	}
}
