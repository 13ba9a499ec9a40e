package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"

	"pricestream/internal/core"
	apperrors "pricestream/pkg/errors"

	"github.com/stretchr/testify/assert"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 4, MaxCapacity: 100}, &noopLogger{})

	var counter int64
	for i := 0; i < 50; i++ {
		assert.NoError(t, pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
		}))
	}
	pool.Stop()

	assert.Equal(t, int64(50), atomic.LoadInt64(&counter))
}

func TestWorkerPool_NonBlockingRejectsWhenFull(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "tiny", MaxWorkers: 1, MaxCapacity: 1, NonBlocking: true}, &noopLogger{})
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)

	assert.NoError(t, pool.Submit(func() {
		started.Done()
		<-release
	}))
	started.Wait()

	// One task queued fills the buffer, the next must be refused
	var rejectErr error
	for i := 0; i < 5; i++ {
		if err := pool.Submit(func() {}); err != nil {
			rejectErr = err
			break
		}
	}
	close(release)
	pool.Stop()

	assert.ErrorIs(t, rejectErr, apperrors.ErrSystemOverload)
	assert.GreaterOrEqual(t, pool.Stats()["dropped_tasks"], uint64(1))
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "closed"}, &noopLogger{})
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(func() {}), ErrPoolStopped)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "panicky"}, &noopLogger{})
	assert.NoError(t, pool.Submit(func() { panic("boom") }))
	pool.Stop()

	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats["failed_tasks"])
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(PoolConfig{Name: "bench", MaxWorkers: 10, MaxCapacity: 1000}, &noopLogger{})
	defer pool.Stop()

	var counter int64
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
		})
	}
}
