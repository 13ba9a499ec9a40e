package bridge

import (
	"sync"
	"time"

	"pricestream/internal/core"
	apperrors "pricestream/pkg/errors"

	"github.com/google/uuid"
)

const (
	// DefaultIdleTimeout drops a connection that received no event for this long
	DefaultIdleTimeout = 300000 * time.Millisecond
	// DefaultConnectionBuffer is the per-connection event buffer
	DefaultConnectionBuffer = 256
)

// Removal reasons reported in metrics
const (
	reasonClosed     = "closed"
	reasonIdle       = "idle_timeout"
	reasonSendFailed = "send_failed"
	reasonUpstream   = "upstream_terminated"
	reasonShutdown   = "shutdown"
)

// Connection is one downstream consumer of the fan-out. The transport reads
// Events until Done closes, then checks Err.
type Connection struct {
	id          string
	events      chan core.PriceUpdateDTO
	done        chan struct{}
	idleTimeout time.Duration
	createdAt   time.Time

	// only the bridge goroutine touches timer
	timer *time.Timer

	mu  sync.Mutex
	err error

	finishOnce sync.Once
	remove     func(c *Connection, reason string)
}

func newConnection(idleTimeout time.Duration, buffer int, remove func(*Connection, string)) *Connection {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if buffer <= 0 {
		buffer = DefaultConnectionBuffer
	}
	return &Connection{
		id:          uuid.New().String(),
		events:      make(chan core.PriceUpdateDTO, buffer),
		done:        make(chan struct{}),
		idleTimeout: idleTimeout,
		createdAt:   time.Now(),
		remove:      remove,
	}
}

// ID returns the connection id
func (c *Connection) ID() string { return c.id }

// Events delivers price events. It is never closed; select on Done as well.
func (c *Connection) Events() <-chan core.PriceUpdateDTO { return c.events }

// Done closes when the connection is removed from the bridge
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended. It is nil while the connection is live.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close removes the connection. Transports call it when the client goes away.
func (c *Connection) Close() {
	c.remove(c, reasonClosed)
}

// send is non-blocking. A delivered event resets the idle timer.
func (c *Connection) send(dto core.PriceUpdateDTO) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- dto:
		if c.timer != nil {
			c.timer.Reset(c.idleTimeout)
		}
		return true
	default:
		return false
	}
}

func (c *Connection) startIdleTimer() {
	c.timer = time.AfterFunc(c.idleTimeout, func() {
		c.remove(c, reasonIdle)
	})
}

// finish records err and closes Done exactly once
func (c *Connection) finish(err error) {
	c.finishOnce.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		if err == nil {
			err = apperrors.ErrConnectionClosed
		}
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}
