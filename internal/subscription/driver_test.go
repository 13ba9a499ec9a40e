package subscription

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"pricestream/internal/core"
	apperrors "pricestream/pkg/errors"
	"pricestream/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// scriptedStream replays updates, then ends with err. A nil err blocks until ctx is done.
type scriptedStream struct {
	ctx     context.Context
	updates []core.PriceUpdate
	err     error
}

func (s *scriptedStream) Recv() (core.PriceUpdate, error) {
	if len(s.updates) > 0 {
		u := s.updates[0]
		s.updates = s.updates[1:]
		return u, nil
	}
	if s.err != nil {
		return core.PriceUpdate{}, s.err
	}
	<-s.ctx.Done()
	return core.PriceUpdate{}, status.Error(codes.Canceled, "context canceled")
}

type attemptScript struct {
	dialErr error
	updates []core.PriceUpdate
	err     error
}

// fakeUpstream serves one script entry per Subscribe call; the last entry repeats
type fakeUpstream struct {
	mu     sync.Mutex
	calls  int
	script []attemptScript
}

func (f *fakeUpstream) Subscribe(ctx context.Context) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step := f.script[min(f.calls, len(f.script)-1)]
	f.calls++
	if step.dialErr != nil {
		return nil, step.dialErr
	}
	return &scriptedStream{ctx: ctx, updates: append([]core.PriceUpdate(nil), step.updates...), err: step.err}, nil
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingListener struct {
	mu       sync.Mutex
	updates  []core.PriceUpdate
	terminal []error
}

func (r *recordingListener) OnUpdate(u core.PriceUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingListener) OnUpstreamError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminal = append(r.terminal, err)
}

func (r *recordingListener) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func fastPolicy() Policy {
	return Policy{
		TransientBase: time.Millisecond,
		PermanentBase: 2 * time.Millisecond,
		CompletedBase: time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		CapExponent:   10,
	}
}

func noJitter(time.Duration) time.Duration { return 0 }

var apple = core.PriceUpdate{Symbol: core.SymbolApple, Price: 155}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"eof", io.EOF, ClassCompleted},
		{"nil", nil, ClassCompleted},
		{"unavailable", status.Error(codes.Unavailable, "down"), ClassTransient},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), ClassTransient},
		{"exhausted", status.Error(codes.ResourceExhausted, "busy"), ClassTransient},
		{"ctx deadline", context.DeadlineExceeded, ClassTransient},
		{"internal", status.Error(codes.Internal, "bug"), ClassPermanent},
		{"unauthenticated", status.Error(codes.Unauthenticated, "key"), ClassPermanent},
		{"plain", errors.New("boom"), ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPolicy_Bases(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 500*time.Millisecond, p.Base(ClassTransient))
	assert.Equal(t, 1000*time.Millisecond, p.Base(ClassPermanent))
	assert.Equal(t, 500*time.Millisecond, p.Base(ClassCompleted))
}

func TestPolicy_DelayNonDecreasingAndBounded(t *testing.T) {
	p := DefaultPolicy()
	for _, class := range []ErrorClass{ClassTransient, ClassPermanent, ClassCompleted} {
		prev := time.Duration(0)
		for f := 1; f <= 20; f++ {
			d := p.Delay(class, f)
			assert.GreaterOrEqual(t, d, prev, "class %s failures %d", class, f)
			assert.LessOrEqual(t, d, p.MaxDelay)
			prev = d
		}
		for f := p.CapExponent + 1; f <= 50; f++ {
			assert.Equal(t, p.MaxDelay, p.Delay(class, f))
		}
	}
	assert.Equal(t, 500*time.Millisecond, p.Delay(ClassTransient, 1))
	assert.Equal(t, 2*time.Second, p.Delay(ClassPermanent, 2))
}

func TestDriver_TransientFailureThenRecovery(t *testing.T) {
	up := &fakeUpstream{script: []attemptScript{
		{err: status.Error(codes.Unavailable, "connection refused")},
		{updates: []core.PriceUpdate{apple}},
	}}
	l := &recordingListener{}
	d := NewDriver(up, l, logging.NewNop())
	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool { return d.Stats().ConsecutiveFailures == 1 }, time.Second, time.Millisecond)
	st := d.Stats()
	assert.Equal(t, ClassTransient, st.LastClass)
	assert.GreaterOrEqual(t, st.LastDelay, 500*time.Millisecond)
	assert.LessOrEqual(t, st.LastDelay, 750*time.Millisecond)

	require.Eventually(t, func() bool { return l.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	st = d.Stats()
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, StateStreaming, st.State)
}

func TestDriver_ConcurrentStartSubscribesOnce(t *testing.T) {
	up := &fakeUpstream{script: []attemptScript{{}}}
	d := NewDriver(up, &recordingListener{}, logging.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Start()
		}()
	}
	wg.Wait()
	defer d.Stop()

	require.Eventually(t, func() bool { return up.callCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, up.callCount())
	assert.Equal(t, 1, d.Stats().Attempts)
}

func TestDriver_CompletionIsRecoverable(t *testing.T) {
	up := &fakeUpstream{script: []attemptScript{
		{updates: []core.PriceUpdate{apple}, err: io.EOF},
		{updates: []core.PriceUpdate{apple}},
	}}
	l := &recordingListener{}
	d := NewDriver(up, l, logging.NewNop(), WithPolicy(fastPolicy()), WithJitter(noJitter))
	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool { return l.count() == 2 }, time.Second, time.Millisecond)
	st := d.Stats()
	assert.Equal(t, ClassCompleted, st.LastClass)
	assert.Equal(t, time.Millisecond, st.LastDelay)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestDriver_FailuresGrowBackoff(t *testing.T) {
	up := &fakeUpstream{script: []attemptScript{{dialErr: errors.New("no route")}}}
	d := NewDriver(up, &recordingListener{}, logging.NewNop(), WithPolicy(fastPolicy()), WithJitter(noJitter))
	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool { return d.Stats().ConsecutiveFailures >= 6 }, 2*time.Second, time.Millisecond)
	st := d.Stats()
	assert.Equal(t, ClassPermanent, st.LastClass)
	assert.Equal(t, 20*time.Millisecond, d.policy.Delay(ClassPermanent, st.ConsecutiveFailures))
	assert.GreaterOrEqual(t, st.Attempts, st.ConsecutiveFailures)
}

func TestDriver_StopCancelsPendingRetry(t *testing.T) {
	p := fastPolicy()
	p.TransientBase = time.Hour
	p.MaxDelay = time.Hour
	up := &fakeUpstream{script: []attemptScript{{err: status.Error(codes.Unavailable, "down")}}}
	l := &recordingListener{}
	d := NewDriver(up, l, logging.NewNop(), WithPolicy(p), WithJitter(noJitter))
	d.Start()

	require.Eventually(t, func() bool { return d.Stats().State == StateBackoff }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}

	assert.Equal(t, StateStopped, d.Stats().State)
	assert.Equal(t, 1, up.callCount())
	require.Len(t, l.terminal, 1)
	assert.ErrorIs(t, l.terminal[0], apperrors.ErrUpstreamTerminated)

	// no resurrection
	d.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, up.callCount())
}

func TestDriver_StopCancelsInFlightStream(t *testing.T) {
	up := &fakeUpstream{script: []attemptScript{{updates: []core.PriceUpdate{apple}}}}
	l := &recordingListener{}
	d := NewDriver(up, l, logging.NewNop())
	d.Start()

	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, time.Millisecond)
	d.Stop()
	assert.Equal(t, StateStopped, d.Stats().State)
	assert.Equal(t, 1, up.callCount())
}

func TestDriver_StopBeforeStart(t *testing.T) {
	up := &fakeUpstream{script: []attemptScript{{}}}
	l := &recordingListener{}
	d := NewDriver(up, l, logging.NewNop())

	d.Stop()
	d.Start()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, up.callCount())
	assert.Equal(t, StateStopped, d.Stats().State)
	assert.Empty(t, l.terminal)
}

func TestDriver_Run(t *testing.T) {
	up := &fakeUpstream{script: []attemptScript{{updates: []core.PriceUpdate{apple}}}}
	l := &recordingListener{}
	d := NewDriver(up, l, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, StateStopped, d.Stats().State)
}
