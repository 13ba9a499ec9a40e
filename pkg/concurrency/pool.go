// Package concurrency provides the bounded worker pool used for side work
// that must never stall the price path, such as cache mirroring.
package concurrency

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pricestream/internal/core"
	apperrors "pricestream/pkg/errors"

	"github.com/alitto/pond"
)

// ErrPoolStopped is returned by Submit after Stop
var ErrPoolStopped = errors.New("worker pool stopped")

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // If true, Submit returns an error instead of blocking when full
}

// WorkerPool wraps alitto/pond with standardized config and panic logging
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger

	// stopMu orders Submit against Stop so pond never sees a late task
	stopMu  sync.RWMutex
	stopped bool
	dropped atomic.Uint64
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 256
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}

	log := logger.WithFields(map[string]interface{}{
		"component": "worker_pool",
		"pool":      cfg.Name,
	})

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			log.Error("Worker pool panic recovered", "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: log,
	}
}

// Submit adds a task to the pool. A full non-blocking pool drops the task and
// returns an error wrapping apperrors.ErrSystemOverload.
func (wp *WorkerPool) Submit(task func()) error {
	wp.stopMu.RLock()
	defer wp.stopMu.RUnlock()

	if wp.stopped {
		return ErrPoolStopped
	}

	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			wp.dropped.Add(1)
			return fmt.Errorf("%w: worker pool '%s' is full (capacity: %d)",
				apperrors.ErrSystemOverload, wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}

	wp.pool.Submit(task)
	return nil
}

// Stop waits for queued tasks and stops the pool. Later submits fail.
func (wp *WorkerPool) Stop() {
	wp.stopMu.Lock()
	if wp.stopped {
		wp.stopMu.Unlock()
		return
	}
	wp.stopped = true
	wp.stopMu.Unlock()

	wp.pool.StopAndWait()
	if n := wp.dropped.Load(); n > 0 {
		wp.logger.Warn("Worker pool dropped tasks while saturated", "dropped", n)
	}
}

// Stats returns pool statistics
func (wp *WorkerPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running_workers":  wp.pool.RunningWorkers(),
		"waiting_tasks":    wp.pool.WaitingTasks(),
		"successful_tasks": wp.pool.SuccessfulTasks(),
		"failed_tasks":     wp.pool.FailedTasks(),
		"dropped_tasks":    wp.dropped.Load(),
	}
}
