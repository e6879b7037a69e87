package ports

import (
	"context"
	"time"

	"partyline/internal/core/domain"
)

// SignalStore is the append-only, eventually-visible, expiring log shared
// across peer processes: the only channel available before a direct link
// exists. Writers never need mutual exclusion; readers tolerate concurrent
// writers interleaving arbitrarily between polls.
type SignalStore interface {
	Append(ctx context.Context, env domain.SignalEnvelope) error
	// Read returns every entry currently visible, in no particular order.
	Read(ctx context.Context) ([]domain.SignalEnvelope, error)
	// Purge drops entries stamped before the cutoff. Invoked lazily from
	// the poll path, never by a background task of the core.
	Purge(ctx context.Context, olderThan time.Time) error
	Close() error
}

// SignalBus is the fast same-origin broadcast channel. Delivery is
// best-effort; the store remains the durable path. Publish must not block
// on slow subscribers.
type SignalBus interface {
	Publish(env domain.SignalEnvelope)
	// Subscribe returns a receive channel and a cancel func. The channel
	// is closed after cancel or bus close.
	Subscribe() (<-chan domain.SignalEnvelope, func())
	Close() error
}
