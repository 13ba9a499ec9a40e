package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"pricestream/internal/core"
	apperrors "pricestream/pkg/errors"
	"pricestream/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedRand always returns the top of the range, i.e. delta = +MaxStep
type fixedRand struct{}

func (fixedRand) Int63n(n int64) int64 { return n - 1 }

// lowRand always returns zero, i.e. delta = -MaxStep
type lowRand struct{}

func (lowRand) Int63n(int64) int64 { return 0 }

type recordingSink struct {
	mu        sync.Mutex
	updates   []core.PriceUpdate
	done      chan struct{}
	failAfter int // fail every send after this many; 0 never fails
	cancelAt  int // close done after this many sends; 0 never
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{})}
}

func (r *recordingSink) Send(u core.PriceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.updates) >= r.failAfter {
		return errors.New("broken pipe")
	}
	r.updates = append(r.updates, u)
	if r.cancelAt > 0 && len(r.updates) == r.cancelAt {
		close(r.done)
	}
	return nil
}

func (r *recordingSink) Done() <-chan struct{} { return r.done }

func (r *recordingSink) received() []core.PriceUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.PriceUpdate(nil), r.updates...)
}

func newTestEngine(rnd Rand) *PriceEngine {
	return NewPriceEngine(Config{TickInterval: 10 * time.Millisecond, State: DefaultStateConfig()}, rnd, logging.NewNop())
}

func TestPriceState_SeedsAndDefault(t *testing.T) {
	s := NewPriceState(DefaultStateConfig(), fixedRand{})

	assert.Equal(t, int64(150), s.Get(core.SymbolApple))
	assert.Equal(t, int64(160), s.Get(core.SymbolAmazon))
	assert.Equal(t, int64(140), s.Get(core.SymbolGoogle))
	assert.Equal(t, int64(180), s.Get(core.SymbolMicrosoft))
	assert.Equal(t, int64(100), s.Get(core.SymbolUnknown))
}

func TestPriceState_BoundedDrift(t *testing.T) {
	cfg := DefaultStateConfig()
	s := NewPriceState(cfg, rand.New(rand.NewSource(42)))

	for i := 0; i < 10000; i++ {
		for _, sym := range s.Symbols() {
			before := s.Get(sym)
			after := s.Step(sym)
			assert.GreaterOrEqual(t, after, cfg.Floor)
			diff := after - before
			if diff < 0 {
				diff = -diff
			}
			assert.LessOrEqual(t, diff, cfg.MaxStep)
		}
	}
}

func TestPriceState_FloorClamp(t *testing.T) {
	cfg := DefaultStateConfig()
	cfg.Seeds = map[core.Symbol]int64{core.SymbolApple: 102}
	s := NewPriceState(cfg, lowRand{})

	assert.Equal(t, int64(100), s.Step(core.SymbolApple))
	assert.Equal(t, int64(100), s.Step(core.SymbolApple))
	// unseeded symbols start at the default price
	assert.Equal(t, int64(100), s.Get(core.SymbolGoogle))
}

func TestPriceState_SeedBelowFloorIsRaised(t *testing.T) {
	cfg := DefaultStateConfig()
	cfg.Seeds = map[core.Symbol]int64{core.SymbolApple: 20}
	s := NewPriceState(cfg, fixedRand{})
	assert.Equal(t, int64(100), s.Get(core.SymbolApple))
}

func TestRegister_SnapshotThenLive(t *testing.T) {
	e := newTestEngine(fixedRand{})
	sink := newRecordingSink()

	unregister, err := e.Register(sink)
	require.NoError(t, err)
	defer unregister()

	snap := sink.received()
	require.Len(t, snap, 4)
	for i, sym := range core.KnownSymbols() {
		assert.Equal(t, sym, snap[i].Symbol)
		assert.Equal(t, e.CurrentPrice(sym), snap[i].Price)
	}

	e.tick(context.Background())

	all := sink.received()
	require.Len(t, all, 8)
	assert.Equal(t, core.PriceUpdate{Symbol: core.SymbolApple, Price: 155}, all[4])
	assert.Equal(t, core.PriceUpdate{Symbol: core.SymbolMicrosoft, Price: 185}, all[7])
}

func TestRegister_CancelledMidSnapshot(t *testing.T) {
	e := newTestEngine(fixedRand{})
	sink := newRecordingSink()
	sink.cancelAt = 2

	_, err := e.Register(sink)
	assert.ErrorIs(t, err, apperrors.ErrSubscriberCancelled)
	assert.Len(t, sink.received(), 2)
	assert.Equal(t, 0, e.SubscriberCount())

	e.tick(context.Background())
	assert.Len(t, sink.received(), 2)
}

func TestRegister_FailedSnapshotNotRegistered(t *testing.T) {
	e := newTestEngine(fixedRand{})
	sink := newRecordingSink()
	sink.failAfter = 1

	_, err := e.Register(sink)
	assert.Error(t, err)
	assert.Equal(t, 0, e.SubscriberCount())
}

func TestTick_IsolatesFailingSubscriber(t *testing.T) {
	e := newTestEngine(fixedRand{})

	healthy := make([]*recordingSink, 3)
	for i := range healthy {
		healthy[i] = newRecordingSink()
		_, err := e.Register(healthy[i])
		require.NoError(t, err)
	}
	failing := newRecordingSink()
	failing.failAfter = 4 // accept the snapshot only
	_, err := e.Register(failing)
	require.NoError(t, err)
	require.Equal(t, 4, e.SubscriberCount())

	e.tick(context.Background())

	assert.Equal(t, 3, e.SubscriberCount())
	for _, h := range healthy {
		assert.Len(t, h.received(), 8)
	}

	e.tick(context.Background())
	for _, h := range healthy {
		assert.Len(t, h.received(), 12)
	}
}

type panickingSink struct{ calls int }

func (p *panickingSink) Send(core.PriceUpdate) error {
	p.calls++
	if p.calls > 4 {
		panic("boom")
	}
	return nil
}

func (p *panickingSink) Done() <-chan struct{} { return nil }

func TestTick_RecoversPanickingSink(t *testing.T) {
	e := newTestEngine(fixedRand{})
	healthy := newRecordingSink()
	_, err := e.Register(&panickingSink{})
	require.NoError(t, err)
	_, err = e.Register(healthy)
	require.NoError(t, err)

	assert.NotPanics(t, func() { e.tick(context.Background()) })
	assert.Equal(t, 1, e.SubscriberCount())
	assert.Len(t, healthy.received(), 8)
}

func TestTick_PrunesCancelledSink(t *testing.T) {
	e := newTestEngine(fixedRand{})
	sink := newRecordingSink()
	_, err := e.Register(sink)
	require.NoError(t, err)

	close(sink.done)
	e.tick(context.Background())

	assert.Equal(t, 0, e.SubscriberCount())
	assert.Len(t, sink.received(), 4)
}

func TestUnregister_Idempotent(t *testing.T) {
	e := newTestEngine(fixedRand{})
	unregister, err := e.Register(newRecordingSink())
	require.NoError(t, err)

	unregister()
	unregister()
	assert.Equal(t, 0, e.SubscriberCount())
}

func TestSubscribe_ChannelDelivery(t *testing.T) {
	e := newTestEngine(fixedRand{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := e.Subscribe(ctx, 16)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID())

	for _, sym := range core.KnownSymbols() {
		u := <-sub.Updates()
		assert.Equal(t, sym, u.Symbol)
	}

	e.tick(context.Background())
	u := <-sub.Updates()
	assert.Equal(t, core.PriceUpdate{Symbol: core.SymbolApple, Price: 155}, u)
}

func TestSubscribe_ContextCancelRemoves(t *testing.T) {
	e := newTestEngine(fixedRand{})
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := e.Subscribe(ctx, 16)
	require.NoError(t, err)
	require.Equal(t, 1, e.SubscriberCount())

	cancel()
	assert.Eventually(t, func() bool { return e.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)

	// drain the snapshot, then the channel must be closed
	for range sub.Updates() {
	}
}

func TestSubscribe_SlowSubscriberTerminated(t *testing.T) {
	e := newTestEngine(fixedRand{})
	// a buffer of 4 holds exactly the snapshot
	sub, err := e.Subscribe(context.Background(), 4)
	require.NoError(t, err)

	e.tick(context.Background())

	assert.Equal(t, 0, e.SubscriberCount())
	n := 0
	for range sub.Updates() {
		n++
	}
	assert.Equal(t, 4, n)
}

func TestSubscribe_BufferLowerBound(t *testing.T) {
	e := newTestEngine(fixedRand{})
	sub, err := e.Subscribe(context.Background(), 1)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, 4, cap(sub.updates))
	assert.Equal(t, 1, e.SubscriberCount())
}

func TestStartStop(t *testing.T) {
	e := newTestEngine(fixedRand{})
	sink := newRecordingSink()
	_, err := e.Register(sink)
	require.NoError(t, err)

	assert.False(t, e.Stopped())
	require.NoError(t, e.Start())
	assert.Error(t, e.Start())

	assert.Eventually(t, func() bool { return len(sink.received()) >= 12 }, time.Second, 5*time.Millisecond)
	e.Stop()

	n := len(sink.received())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(sink.received()))
	assert.Equal(t, 0, e.SubscriberCount())
	assert.True(t, e.Stopped())

	_, err = e.Register(newRecordingSink())
	assert.ErrorIs(t, err, apperrors.ErrEngineStopped)
}

func TestStop_TerminatesSubscriptions(t *testing.T) {
	e := newTestEngine(fixedRand{})
	require.NoError(t, e.Start())

	sub, err := e.Subscribe(context.Background(), 64)
	require.NoError(t, err)

	e.Stop()

	done := make(chan struct{})
	go func() {
		for range sub.Updates() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed after stop")
	}
}

type collectingListener struct {
	mu      sync.Mutex
	updates []core.PriceUpdate
}

func (c *collectingListener) OnUpdate(u core.PriceUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func TestListenerSink(t *testing.T) {
	e := newTestEngine(fixedRand{})
	l := &collectingListener{}
	sink := ListenerSink(l, nil).(*listenerSink)
	_, err := e.Register(sink)
	require.NoError(t, err)

	e.tick(context.Background())
	e.shutdown()

	select {
	case <-sink.finished:
	case <-time.After(time.Second):
		t.Fatal("listener goroutine did not exit")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.updates, 8)
	assert.Equal(t, int64(155), l.updates[4].Price)
}

// blockingListener parks in OnUpdate until release closes
type blockingListener struct {
	release chan struct{}
}

func (b *blockingListener) OnUpdate(core.PriceUpdate) {
	<-b.release
}

func TestListenerSink_BlockedListenerDoesNotStallEngine(t *testing.T) {
	e := newTestEngine(fixedRand{})
	l := &blockingListener{release: make(chan struct{})}
	defer close(l.release)

	_, err := e.Register(ListenerSinkWithBuffer(l, nil, 8))
	require.NoError(t, err)

	ticked := make(chan struct{})
	go func() {
		defer close(ticked)
		for i := 0; i < 3; i++ {
			e.tick(context.Background())
		}
	}()

	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("tick blocked on a stalled listener")
	}
	assert.Equal(t, 0, e.SubscriberCount(), "overflowing listener should be dropped")
}
