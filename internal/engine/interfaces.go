package engine

import (
	"context"

	"pricestream/internal/core"
)

// Rand is the source of random-walk deltas. *math/rand.Rand satisfies it.
type Rand interface {
	Int63n(n int64) int64
}

// Sink is a registered consumer of engine updates.
// Send must not block. Done reports cancellation by the consumer.
type Sink interface {
	Send(update core.PriceUpdate) error
	Done() <-chan struct{}
}

// terminator is implemented by sinks that must be told when the engine drops them
type terminator interface {
	terminate()
}

// Source is the read side of the engine used by transports
type Source interface {
	CurrentPrice(sym core.Symbol) int64
	Subscribe(ctx context.Context, buffer int) (*Subscription, error)
}

var _ Source = (*PriceEngine)(nil)
