// Package bridge fans upstream price updates out to downstream connections.
package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"pricestream/internal/core"
	apperrors "pricestream/pkg/errors"
	"pricestream/pkg/telemetry"
)

// DefaultQueueSize bounds updates accepted but not yet fanned out
const DefaultQueueSize = 1024

// PriceWriter is the cache write path. Set takes a raw ticker so updates
// outside the symbol universe still land in the cache.
type PriceWriter interface {
	Put(update core.PriceUpdate)
	Set(ticker string, price int64)
}

// Config configures a StreamBridge
type Config struct {
	IdleTimeout      time.Duration
	ConnectionBuffer int
	QueueSize        int
}

type removal struct {
	conn   *Connection
	reason string
}

// item is one entry of the fan-out queue: an update or a terminal upstream error
type item struct {
	update core.PriceUpdate
	err    error
}

// StreamBridge writes every update to the cache and then fans it out. The
// connection set is owned by the Run goroutine; everything else talks to it
// over channels.
type StreamBridge struct {
	cache   PriceWriter
	cfg     Config
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	register   chan *Connection
	unregister chan removal
	queue      chan item
	stopped    chan struct{}

	count atomic.Int64

	// owned by Run
	conns map[string]*Connection
}

// New creates a bridge writing to cache. Run must be started before use.
func New(cache PriceWriter, cfg Config, logger core.ILogger) *StreamBridge {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ConnectionBuffer <= 0 {
		cfg.ConnectionBuffer = DefaultConnectionBuffer
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &StreamBridge{
		cache:      cache,
		cfg:        cfg,
		logger:     logger.WithField("component", "stream_bridge"),
		metrics:    telemetry.GetGlobalMetrics(),
		register:   make(chan *Connection),
		unregister: make(chan removal, 64),
		queue:      make(chan item, cfg.QueueSize),
		stopped:    make(chan struct{}),
		conns:      make(map[string]*Connection),
	}
}

// Run owns the connection set until ctx is done. Remaining connections are
// closed on exit.
func (b *StreamBridge) Run(ctx context.Context) error {
	defer close(b.stopped)
	defer b.closeAll(apperrors.ErrConnectionClosed, reasonShutdown)

	b.logger.Info("Stream bridge started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Stream bridge stopped")
			return nil

		case conn := <-b.register:
			b.conns[conn.id] = conn
			conn.startIdleTimer()
			b.setCount()
			b.logger.Debug("Downstream connected", "connection_id", conn.id, "total", len(b.conns))

		case r := <-b.unregister:
			if _, ok := b.conns[r.conn.id]; !ok {
				continue
			}
			var err error
			if r.reason == reasonIdle {
				err = fmt.Errorf("%w: idle timeout", apperrors.ErrConnectionClosed)
			}
			b.drop(ctx, r.conn, err, r.reason)

		case it := <-b.queue:
			if it.err != nil {
				b.logger.Warn("Upstream terminated, closing downstream connections", "connections", len(b.conns), "error", it.err)
				b.closeAll(it.err, reasonUpstream)
				continue
			}
			b.fanOut(ctx, it.update)
		}
	}
}

// Connect registers a downstream connection with the configured idle timeout
func (b *StreamBridge) Connect() (*Connection, error) {
	return b.ConnectWithTimeout(b.cfg.IdleTimeout)
}

// ConnectWithTimeout registers a downstream connection that is dropped after
// idleTimeout without a delivered event
func (b *StreamBridge) ConnectWithTimeout(idleTimeout time.Duration) (*Connection, error) {
	conn := newConnection(idleTimeout, b.cfg.ConnectionBuffer, b.remove)
	select {
	case b.register <- conn:
		return conn, nil
	case <-b.stopped:
		return nil, apperrors.ErrConnectionClosed
	}
}

// OnUpdate writes update to the cache and queues it for fan-out. It never
// fails; it only waits while the queue is full.
func (b *StreamBridge) OnUpdate(update core.PriceUpdate) {
	b.cache.Put(update)
	b.enqueue(item{update: update})
}

// SendUpdate injects an update from a local source. It behaves like OnUpdate
// for known tickers. Any other ticker is written to the cache but not fanned
// out, since downstream events only carry known symbols.
func (b *StreamBridge) SendUpdate(dto core.PriceUpdateDTO) {
	sym := core.ParseSymbol(dto.Ticker)
	if !sym.IsKnown() {
		b.cache.Set(dto.Ticker, dto.Price)
		b.logger.Warn("Cached update for unknown ticker without fan-out", "ticker", dto.Ticker)
		return
	}
	b.OnUpdate(core.PriceUpdate{Symbol: sym, Price: dto.Price})
}

// OnUpstreamError ends every connection with err and clears the set. Updates
// queued before the call are delivered first.
func (b *StreamBridge) OnUpstreamError(err error) {
	if err == nil {
		err = apperrors.ErrUpstreamTerminated
	}
	b.enqueue(item{err: err})
}

// ConnectionCount returns the number of live downstream connections
func (b *StreamBridge) ConnectionCount() int {
	return int(b.count.Load())
}

func (b *StreamBridge) enqueue(it item) {
	select {
	case b.queue <- it:
	case <-b.stopped:
	}
}

func (b *StreamBridge) remove(conn *Connection, reason string) {
	select {
	case b.unregister <- removal{conn: conn, reason: reason}:
	case <-b.stopped:
	}
}

func (b *StreamBridge) fanOut(ctx context.Context, update core.PriceUpdate) {
	dto := update.DTO()
	b.metrics.RecordFanOut(ctx, dto.Ticker)
	for _, conn := range b.conns {
		if !conn.send(dto) {
			b.logger.Debug("Downstream send failed", "connection_id", conn.id)
			b.drop(ctx, conn, fmt.Errorf("%w: send failed", apperrors.ErrConnectionClosed), reasonSendFailed)
		}
	}
}

func (b *StreamBridge) drop(ctx context.Context, conn *Connection, err error, reason string) {
	delete(b.conns, conn.id)
	conn.finish(err)
	b.metrics.RecordConnectionRemoved(ctx, reason)
	b.setCount()
}

func (b *StreamBridge) closeAll(err error, reason string) {
	ctx := context.Background()
	for _, conn := range b.conns {
		b.drop(ctx, conn, err, reason)
	}
	b.setCount()
}

func (b *StreamBridge) setCount() {
	b.count.Store(int64(len(b.conns)))
	b.metrics.SetBridgeConnections(len(b.conns))
}

var _ core.UpdateListener = (*StreamBridge)(nil)
