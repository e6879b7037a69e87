package redis

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
)

const publishTimeout = 2 * time.Second

// Bus fans signal envelopes out over a Redis pub/sub channel so peers hear
// each other within the same tick instead of a poll later. Delivery is
// best-effort: the sorted-set log remains the durable path.
//
// The Bus borrows the client; the Store owns and closes it.
type Bus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	mu     sync.RWMutex
	subs   map[int]chan domain.SignalEnvelope
	nextID int
	buffer int
	closed bool

	pubsub *redis.PubSub
	done   chan struct{}
}

func NewBus(client *redis.Client, keyPrefix string, buffer int, logger *zap.Logger) ports.SignalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	b := &Bus{
		client:  client,
		channel: keyPrefix + "bus",
		logger:  logger,
		subs:    make(map[int]chan domain.SignalEnvelope),
		buffer:  buffer,
		done:    make(chan struct{}),
	}
	b.pubsub = client.Subscribe(context.Background(), b.channel)
	go b.pump()
	return b
}

func (b *Bus) Publish(env domain.SignalEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn("failed to marshal envelope for bus", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Warn("bus publish failed", zap.Error(err))
	}
}

func (b *Bus) Subscribe() (<-chan domain.SignalEnvelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan domain.SignalEnvelope)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan domain.SignalEnvelope, b.buffer)
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

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	// Stop the pump before closing subscriber channels.
	err := b.pubsub.Close()
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return err
}

func (b *Bus) pump() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		var env domain.SignalEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Warn("failed to unmarshal bus envelope", zap.Error(err))
			continue
		}
		b.fanOut(env)
	}
}

func (b *Bus) fanOut(env domain.SignalEnvelope) {
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
