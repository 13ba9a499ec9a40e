package engine

import (
	"context"
	"sync"

	"pricestream/internal/core"
	apperrors "pricestream/pkg/errors"

	"github.com/google/uuid"
)

// Subscription is a channel-backed Sink returned by PriceEngine.Subscribe.
// An overflowing buffer terminates the subscription; readers see the channel close.
type Subscription struct {
	id      string
	ctx     context.Context
	updates chan core.PriceUpdate

	mu     sync.Mutex
	closed bool

	unregister func()
	stopWatch  func() bool
}

func newSubscription(ctx context.Context, buffer int) *Subscription {
	return &Subscription{
		id:      uuid.New().String(),
		ctx:     ctx,
		updates: make(chan core.PriceUpdate, buffer),
	}
}

// ID identifies the subscription in logs
func (s *Subscription) ID() string {
	return s.id
}

// Updates delivers snapshot then live updates. It closes when the subscription ends.
func (s *Subscription) Updates() <-chan core.PriceUpdate {
	return s.updates
}

// Done implements Sink
func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Send implements Sink
func (s *Subscription) Send(update core.PriceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperrors.ErrSubscriberCancelled
	}
	select {
	case s.updates <- update:
		return nil
	default:
		s.closed = true
		close(s.updates)
		return apperrors.ErrSlowSubscriber
	}
}

// Close unregisters the subscription and closes its channel. Safe to call more than once.
func (s *Subscription) Close() {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	if s.unregister != nil {
		s.unregister()
	}
	s.terminate()
}

func (s *Subscription) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
}

// DefaultListenerBuffer bounds updates waiting for an in-process listener
const DefaultListenerBuffer = 256

// listenerSink hands updates to an in-process UpdateListener on its own
// goroutine, so Send never runs listener code under the engine lock.
type listenerSink struct {
	listener core.UpdateListener
	done     <-chan struct{}
	queue    chan core.PriceUpdate

	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}
}

// ListenerSink wraps listener as a Sink with DefaultListenerBuffer. The sink is
// cancelled when done closes; a nil done never cancels.
func ListenerSink(listener core.UpdateListener, done <-chan struct{}) Sink {
	return ListenerSinkWithBuffer(listener, done, DefaultListenerBuffer)
}

// ListenerSinkWithBuffer is ListenerSink with an explicit queue size. A
// listener that falls more than buffer updates behind is dropped like a slow
// Subscription.
func ListenerSinkWithBuffer(listener core.UpdateListener, done <-chan struct{}, buffer int) Sink {
	if buffer <= 0 {
		buffer = DefaultListenerBuffer
	}
	l := &listenerSink{
		listener: listener,
		done:     done,
		queue:    make(chan core.PriceUpdate, buffer),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go l.deliver()
	return l
}

func (l *listenerSink) deliver() {
	defer close(l.finished)
	for {
		select {
		case update := <-l.queue:
			l.listener.OnUpdate(update)
		case <-l.done:
			return
		case <-l.stop:
			// updates accepted before termination are still delivered
			for {
				select {
				case update := <-l.queue:
					l.listener.OnUpdate(update)
				default:
					return
				}
			}
		}
	}
}

func (l *listenerSink) Send(update core.PriceUpdate) error {
	select {
	case <-l.stop:
		return apperrors.ErrSubscriberCancelled
	default:
	}
	select {
	case l.queue <- update:
		return nil
	default:
		return apperrors.ErrSlowSubscriber
	}
}

func (l *listenerSink) Done() <-chan struct{} {
	return l.done
}

func (l *listenerSink) terminate() {
	l.stopOnce.Do(func() { close(l.stop) })
}
