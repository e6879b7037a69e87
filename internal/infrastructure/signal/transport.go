package signal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/pkg/utils"
)

const purgeTimeout = 2 * time.Second

// reorderLagMillis is how far behind the watermark an envelope may still be
// admitted. Mirrored stores absorb local writes immediately but deliver
// remote ones with transit delay, so a same-millisecond answer or a trickled
// candidate can land behind a fresher local timestamp; inside the window the
// id ring deduplicates instead of the watermark dropping them.
const reorderLagMillis = int64(3000)

// Transport moves signal envelopes between peers through a shared store,
// with an optional bus for low-latency delivery between peers that share a
// process or a broker.
//
// The store is append-only and polled: every envelope stays visible until it
// expires, so admission filters by a lagged timestamp watermark, sender,
// target, and finally the id ring before an envelope reaches the node. Store
// failures degrade to an empty batch; the transport never takes the node
// down.
//
// Not safe for concurrent use except Send, which only touches the store and
// the bus.
type Transport struct {
	local  domain.PeerID
	store  ports.SignalStore
	bus    ports.SignalBus
	dedup  *Dedup
	logger *zap.Logger

	signalTTL     time.Duration
	lastProcessed int64
	lastPurge     time.Time

	fast      <-chan domain.SignalEnvelope
	cancelSub func()
}

// NewTransport wires a store and an optional bus into a transport for one
// peer. The transport takes ownership of both and closes them with Close.
func NewTransport(local domain.PeerID, store ports.SignalStore, bus ports.SignalBus, dedupCapacity int, signalTTL time.Duration, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		local:     local,
		store:     store,
		bus:       bus,
		dedup:     NewDedup(dedupCapacity),
		logger:    logger,
		signalTTL: signalTTL,
	}
	if bus != nil {
		t.fast, t.cancelSub = bus.Subscribe()
	}
	return t
}

// Send appends the envelope to the store and, when a bus is attached,
// publishes it for immediate delivery.
func (t *Transport) Send(ctx context.Context, env domain.SignalEnvelope) error {
	if err := t.store.Append(ctx, env); err != nil {
		return fmt.Errorf("append signal: %w", err)
	}
	if t.bus != nil {
		t.bus.Publish(env)
	}
	return nil
}

// Poll reads the store and returns the decoded signals addressed to this
// peer that it has not processed before, oldest first. The timestamp
// watermark advances over everything read, processed or not; envelopes that
// arrive out of order behind it are still admitted within the reorder lag,
// where the id ring catches repeats. Anything older than the lag is dropped.
func (t *Transport) Poll(ctx context.Context) []domain.Signal {
	t.maybePurge(ctx)

	envs, err := t.store.Read(ctx)
	if err != nil {
		t.logger.Warn("signal store read failed, skipping poll",
			zap.String("peer_id", string(t.local)),
			zap.Error(err))
		return nil
	}
	if len(envs) == 0 {
		return nil
	}

	sort.SliceStable(envs, func(i, j int) bool {
		return envs[i].Timestamp < envs[j].Timestamp
	})

	cutoff := t.lastProcessed - reorderLagMillis
	var out []domain.Signal
	maxSeen := t.lastProcessed
	for _, env := range envs {
		if env.Timestamp > maxSeen {
			maxSeen = env.Timestamp
		}
		if env.Timestamp <= cutoff {
			continue
		}
		if sig, ok := t.admit(env); ok {
			out = append(out, sig)
		}
	}
	t.lastProcessed = maxSeen
	return out
}

// Fast returns the bus delivery channel, or nil when no bus is attached.
// Envelopes received on it must go through Ingest.
func (t *Transport) Fast() <-chan domain.SignalEnvelope {
	return t.fast
}

// Ingest admits a bus-delivered envelope. Bus delivery is push, so the poll
// watermark does not apply; the id ring still ensures the same envelope is
// not handed over twice when it later shows up in a store read.
func (t *Transport) Ingest(env domain.SignalEnvelope) (domain.Signal, bool) {
	return t.admit(env)
}

// Close tears down the bus subscription and closes the bus and the store.
func (t *Transport) Close() error {
	if t.cancelSub != nil {
		t.cancelSub()
	}
	var busErr error
	if t.bus != nil {
		busErr = t.bus.Close()
	}
	if err := t.store.Close(); err != nil {
		return err
	}
	return busErr
}

func (t *Transport) admit(env domain.SignalEnvelope) (domain.Signal, bool) {
	if env.SourcePeer == t.local {
		return domain.Signal{}, false
	}
	targeted := env.TargetPeer == t.local
	broadcast := env.Broadcast() && env.Kind.Broadcast()
	if !targeted && !broadcast {
		return domain.Signal{}, false
	}
	if t.dedup.Seen(env.ID) {
		return domain.Signal{}, false
	}

	sig, err := domain.DecodeSignal(env)
	if err != nil {
		t.logger.Debug("dropping malformed signal",
			zap.String("signal_id", env.ID),
			zap.String("source_peer", string(env.SourcePeer)),
			zap.Error(err))
		return domain.Signal{}, false
	}
	t.dedup.Observe(env.ID)
	return sig, true
}

func (t *Transport) maybePurge(ctx context.Context) {
	now := utils.Now()
	if !t.lastPurge.IsZero() && now.Sub(t.lastPurge) < t.signalTTL {
		return
	}
	t.lastPurge = now

	purgeCtx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()
	if err := t.store.Purge(purgeCtx, now.Add(-t.signalTTL)); err != nil {
		t.logger.Warn("signal store purge failed", zap.Error(err))
	}
}
