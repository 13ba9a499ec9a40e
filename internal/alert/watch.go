package alert

import (
	"context"
	"time"

	"pricestream/internal/subscription"
)

// StatsSource reports subscription driver state. *subscription.Driver
// implements it.
type StatsSource interface {
	Stats() subscription.Stats
}

// UpstreamWatch raises one alert when the upstream subscription keeps failing
// and one when it recovers.
type UpstreamWatch struct {
	source    StatsSource
	alerts    *Manager
	threshold int
	interval  time.Duration
	down      bool
}

// NewUpstreamWatch alerts after threshold consecutive failures, checking every interval
func NewUpstreamWatch(source StatsSource, alerts *Manager, threshold int, interval time.Duration) *UpstreamWatch {
	if threshold <= 0 {
		threshold = 5
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &UpstreamWatch{source: source, alerts: alerts, threshold: threshold, interval: interval}
}

// Run checks until ctx is done
func (w *UpstreamWatch) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *UpstreamWatch) check(ctx context.Context) {
	st := w.source.Stats()
	switch {
	case !w.down && st.ConsecutiveFailures >= w.threshold:
		w.down = true
		w.alerts.UpstreamLost(ctx, st)
	case w.down && st.State == subscription.StateStreaming:
		w.down = false
		w.alerts.UpstreamRecovered(ctx, st)
	}
}
