package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pricestream/internal/core"
	apperrors "pricestream/pkg/errors"
	"pricestream/pkg/telemetry"
)

const (
	DefaultTickInterval = 2 * time.Second
	// DefaultSubscriptionBuffer bounds how far a channel subscriber may lag
	DefaultSubscriptionBuffer = 256
)

// Config configures a PriceEngine
type Config struct {
	TickInterval time.Duration
	State        StateConfig
}

// PriceEngine mutates PriceState on a fixed interval and pushes every update to
// the registered sinks. All ticks run on a single goroutine.
type PriceEngine struct {
	state    *PriceState
	interval time.Duration
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	mu      sync.Mutex
	sinks   map[uint64]Sink
	nextID  uint64
	stopped bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPriceEngine creates an engine. rnd drives the random walk.
func NewPriceEngine(cfg Config, rnd Rand, logger core.ILogger) *PriceEngine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &PriceEngine{
		state:    NewPriceState(cfg.State, rnd),
		interval: cfg.TickInterval,
		logger:   logger.WithField("component", "price_engine"),
		metrics:  telemetry.GetGlobalMetrics(),
		sinks:    make(map[uint64]Sink),
	}
}

// CurrentPrice returns the authoritative price for sym
func (e *PriceEngine) CurrentPrice(sym core.Symbol) int64 {
	return e.state.Get(sym)
}

// SubscriberCount returns the number of registered sinks
func (e *PriceEngine) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sinks)
}

// Register pushes a snapshot of every known symbol to sink and then adds it to
// the live set. The snapshot is sent while holding the set lock so no tick can
// interleave with it. If the sink is cancelled or fails mid-snapshot it is not
// registered. The returned func removes the sink.
func (e *PriceEngine) Register(sink Sink) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil, apperrors.ErrEngineStopped
	}

	for _, sym := range e.state.Symbols() {
		if isDone(sink) {
			e.logger.Debug("Subscriber cancelled during snapshot", "symbol", sym.String())
			return nil, apperrors.ErrSubscriberCancelled
		}
		update := core.PriceUpdate{Symbol: sym, Price: e.state.Get(sym)}
		if err := safeSend(sink, update); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", sym, err)
		}
	}

	id := e.nextID
	e.nextID++
	e.sinks[id] = sink
	e.metrics.SetEngineSubscribers(len(e.sinks))

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}, nil
}

// Subscribe registers a channel-backed subscription that ends when ctx is done
func (e *PriceEngine) Subscribe(ctx context.Context, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	// the snapshot alone must fit
	buffer = max(buffer, len(e.state.Symbols()))

	sub := newSubscription(ctx, buffer)
	unregister, err := e.Register(sub)
	if err != nil {
		sub.terminate()
		return nil, err
	}
	sub.unregister = unregister
	sub.stopWatch = context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

// Start runs the tick loop on a background goroutine
func (e *PriceEngine) Start() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.cancel != nil {
		return errors.New("price engine already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		_ = e.Run(ctx)
	}()
	return nil
}

// Stop halts the tick loop and waits for it to exit
func (e *PriceEngine) Stop() {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.runMu.Unlock()

	if cancel == nil {
		e.shutdown()
		return
	}
	cancel()
	<-done
}

// Run seeds the state, ticks once immediately and then every interval until ctx
// is done. On exit every remaining subscriber is terminated.
func (e *PriceEngine) Run(ctx context.Context) error {
	defer e.shutdown()

	e.state.Seed()
	e.logger.Info("Price engine started", "interval", e.interval.String(), "symbols", len(e.state.Symbols()))

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Price engine stopped")
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick advances every symbol in stable order and broadcasts each new price
func (e *PriceEngine) tick(ctx context.Context) {
	e.metrics.RecordTick(ctx)
	for _, sym := range e.state.Symbols() {
		price := e.state.Step(sym)
		e.broadcast(ctx, core.PriceUpdate{Symbol: sym, Price: price})
	}
}

func (e *PriceEngine) broadcast(ctx context.Context, update core.PriceUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, sink := range e.sinks {
		if isDone(sink) {
			e.drop(ctx, id, sink, "cancelled")
			continue
		}
		if err := safeSend(sink, update); err != nil {
			e.logger.Warn("Failed to push price update", "symbol", update.Symbol.String(), "error", err)
			e.drop(ctx, id, sink, "send_failed")
		}
	}
	e.metrics.SetEngineSubscribers(len(e.sinks))
}

// drop must be called with e.mu held
func (e *PriceEngine) drop(ctx context.Context, id uint64, sink Sink, reason string) {
	delete(e.sinks, id)
	if t, ok := sink.(terminator); ok {
		t.terminate()
	}
	e.metrics.RecordSubscriberPruned(ctx, reason)
}

// Stopped reports whether the engine has shut down
func (e *PriceEngine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *PriceEngine) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sinks, id)
	e.metrics.SetEngineSubscribers(len(e.sinks))
}

func (e *PriceEngine) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	for id, sink := range e.sinks {
		delete(e.sinks, id)
		if t, ok := sink.(terminator); ok {
			t.terminate()
		}
	}
	e.metrics.SetEngineSubscribers(0)
}

func isDone(sink Sink) bool {
	done := sink.Done()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// safeSend isolates a panicking sink from the tick loop
func safeSend(sink Sink, update core.PriceUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.Send(update)
}
