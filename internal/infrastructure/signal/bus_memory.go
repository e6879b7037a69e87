package signal

import (
	"sync"

	"go.uber.org/zap"

	"partyline/internal/core/domain"
)

const defaultBusBuffer = 64

// MemoryBus is an in-process fan-out of signal envelopes. Peers sharing a
// store in the same process (tests, the local example) hear each other
// immediately instead of waiting for the next poll.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.SignalEnvelope
	nextID int
	closed bool
	logger *zap.Logger
}

func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		subs:   make(map[int]chan domain.SignalEnvelope),
		logger: logger,
	}
}

// Publish delivers the envelope to every subscriber. Slow subscribers are
// skipped rather than blocked on: the store remains the source of truth and
// the next poll picks up anything dropped here.
func (b *MemoryBus) Publish(env domain.SignalEnvelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.logger.Debug("bus subscriber full, dropping envelope",
				zap.Int("subscriber", id),
				zap.String("signal_id", env.ID))
		}
	}
}

// Subscribe registers a new listener and returns its channel together with a
// cancel function. Cancel is idempotent and closes the channel.
func (b *MemoryBus) Subscribe() (<-chan domain.SignalEnvelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan domain.SignalEnvelope)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan domain.SignalEnvelope, defaultBusBuffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
