// Package subscription keeps exactly one upstream price stream alive and
// forwards its updates, reconnecting with backoff after every termination.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"pricestream/internal/core"
	apperrors "pricestream/pkg/errors"
	"pricestream/pkg/retry"
	"pricestream/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stream yields upstream updates until it fails or completes with io.EOF
type Stream interface {
	Recv() (core.PriceUpdate, error)
}

// Upstream opens a price update stream
type Upstream interface {
	Subscribe(ctx context.Context) (Stream, error)
}

// terminalListener is implemented by listeners that must learn the feed ended
type terminalListener interface {
	OnUpstreamError(err error)
}

// State of the driver
type State int32

const (
	StateNotStarted State = iota
	StateSubscribing
	StateStreaming
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of the driver
type Stats struct {
	State               State
	ConsecutiveFailures int
	Attempts            int
	LastDelay           time.Duration
	LastClass           ErrorClass
}

// Option configures a Driver
type Option func(*Driver)

// WithPolicy overrides the backoff policy
func WithPolicy(p Policy) Option {
	return func(d *Driver) { d.policy = p }
}

// WithJitter overrides the jitter source. It receives the policy's JitterMax.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(d *Driver) { d.jitter = fn }
}

// Driver runs the subscribe, receive, back off, resubscribe loop on a single
// goroutine, so at most one subscription attempt exists at any time.
type Driver struct {
	upstream Upstream
	listener core.UpdateListener
	policy   Policy
	jitter   func(time.Duration) time.Duration
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	tracer   trace.Tracer

	started  atomic.Bool
	state    atomic.Int32
	failures atomic.Int64
	attempts atomic.Int64
	delay    atomic.Int64
	class    atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDriver creates a driver that forwards upstream updates to listener
func NewDriver(upstream Upstream, listener core.UpdateListener, logger core.ILogger, opts ...Option) *Driver {
	d := &Driver{
		upstream: upstream,
		listener: listener,
		policy:   DefaultPolicy(),
		jitter:   retry.Jitter,
		logger:   logger.WithField("component", "subscription_driver"),
		metrics:  telemetry.GetGlobalMetrics(),
		tracer:   telemetry.GetTracer("subscription-driver"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start begins the first subscription attempt. Only the first call has any effect.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.state.Store(int32(StateSubscribing))
	go d.loop(ctx, d.done)
}

// Stop cancels any in-flight attempt or pending retry and waits for the loop
// to exit. Listeners implementing OnUpstreamError are then told the feed ended.
func (d *Driver) Stop() {
	d.mu.Lock()
	// a driver that never started cannot start afterwards
	d.started.Store(true)
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		if tl, ok := d.listener.(terminalListener); ok {
			tl.OnUpstreamError(apperrors.ErrUpstreamTerminated)
		}
	}
	d.state.Store(int32(StateStopped))
}

// Run starts the driver and stops it when ctx is done
func (d *Driver) Run(ctx context.Context) error {
	d.Start()
	<-ctx.Done()
	d.Stop()
	return nil
}

// Stats returns the current counters
func (d *Driver) Stats() Stats {
	return Stats{
		State:               State(d.state.Load()),
		ConsecutiveFailures: int(d.failures.Load()),
		Attempts:            int(d.attempts.Load()),
		LastDelay:           time.Duration(d.delay.Load()),
		LastClass:           ErrorClass(d.class.Load()),
	}
}

func (d *Driver) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		d.state.Store(int32(StateSubscribing))
		err := d.attempt(ctx)
		if ctx.Err() != nil {
			return
		}

		// only this goroutine writes failures
		failures := int(d.failures.Load()) + 1
		class := Classify(err)
		delay := d.policy.Delay(class, failures) + d.jitter(d.policy.JitterMax)
		d.delay.Store(int64(delay))
		d.class.Store(int32(class))
		d.failures.Store(int64(failures))

		reason := "stream completed"
		if class != ClassCompleted {
			reason = err.Error()
		}
		d.logger.Warn(fmt.Sprintf("Price update stream ended (%s). Retrying in %dms", reason, delay.Milliseconds()),
			"class", class.String(), "consecutive_failures", failures)
		d.metrics.RecordReconnect(ctx, class.String(), float64(delay.Milliseconds()))

		d.state.Store(int32(StateBackoff))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// attempt runs one subscription until it terminates. Returns io.EOF on clean completion.
func (d *Driver) attempt(ctx context.Context) (err error) {
	ctx, span := d.tracer.Start(ctx, "PriceStream Subscribe",
		trace.WithAttributes(attribute.Int("attempt", int(d.attempts.Add(1)))))
	defer func() {
		if err != nil && !errors.Is(err, io.EOF) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	stream, err := d.upstream.Subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		update, err := stream.Recv()
		if err != nil {
			return err
		}
		if d.failures.Swap(0) > 0 {
			d.logger.Info("Price update stream recovered")
		}
		d.state.Store(int32(StateStreaming))
		d.listener.OnUpdate(update)
	}
}
