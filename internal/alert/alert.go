// Package alert delivers operational alerts, such as a lost upstream price
// feed, to external channels.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pricestream/internal/core"
	"pricestream/internal/subscription"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

const sendTimeout = 10 * time.Second

// Payload is one alert as handed to a Channel
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers payloads to one destination
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager turns upstream feed events into payloads and fans them out to
// every channel in the background.
type Manager struct {
	service string
	logger  core.ILogger
	now     func() time.Time

	mu       sync.RWMutex
	channels []Channel
	inflight sync.WaitGroup
}

// NewManager stamps every payload with service
func NewManager(service string, logger core.ILogger) *Manager {
	return &Manager{
		service: service,
		logger:  logger.WithField("component", "alert_manager"),
		now:     time.Now,
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// UpstreamLost reports a subscription that keeps failing
func (m *Manager) UpstreamLost(ctx context.Context, st subscription.Stats) {
	m.Notify(ctx, Payload{
		Level:   Critical,
		Title:   "Upstream price feed lost",
		Message: fmt.Sprintf("subscription failed %d times in a row", st.ConsecutiveFailures),
		Fields: map[string]string{
			"state":      st.State.String(),
			"last_error": st.LastClass.String(),
			"next_retry": st.LastDelay.String(),
		},
	})
}

// UpstreamRecovered reports a subscription streaming again after an outage
func (m *Manager) UpstreamRecovered(ctx context.Context, st subscription.Stats) {
	m.Notify(ctx, Payload{
		Level:   Info,
		Title:   "Upstream price feed recovered",
		Message: fmt.Sprintf("streaming again after %d attempts", st.Attempts),
	})
}

// Notify sends p to every channel without blocking the caller. Delivery
// outlives ctx cancellation but is bounded by sendTimeout.
func (m *Manager) Notify(ctx context.Context, p Payload) {
	if p.Timestamp.IsZero() {
		p.Timestamp = m.now()
	}
	fields := make(map[string]string, len(p.Fields)+1)
	for k, v := range p.Fields {
		fields[k] = v
	}
	if m.service != "" {
		fields["service"] = m.service
	}
	p.Fields = fields

	m.mu.RLock()
	channels := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	m.logger.Info("Triggering alert", "title", p.Title, "level", p.Level, "channels", len(channels))

	sendCtx := context.WithoutCancel(ctx)
	for _, ch := range channels {
		m.inflight.Add(1)
		go func(c Channel) {
			defer m.inflight.Done()
			ctx, cancel := context.WithTimeout(sendCtx, sendTimeout)
			defer cancel()
			if err := c.Send(ctx, p); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "title", p.Title, "error", err)
			}
		}(ch)
	}
}

// Wait blocks until every in-flight send has finished
func (m *Manager) Wait() {
	m.inflight.Wait()
}
