package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/pkg/retry"
	"partyline/pkg/utils"
)

type recoveryState struct {
	attempts int
	nextAt   time.Time
}

// Recovery supervises peers whose established links dropped. Each tracked
// peer gets reconnection attempts on an exponential backoff schedule; when
// the attempts run out the peer is reported lost exactly once. Attempts are
// scheduled, never slept on, so the manager can live on the node loop.
//
// Not safe for concurrent use. The owning node serializes all calls.
type Recovery struct {
	cfg       retry.Config
	initiator ports.Initiator
	lost      ports.PeerLostSink
	events    ports.EventSink
	logger    *zap.Logger
	tracked   map[domain.PeerID]*recoveryState
}

func NewRecovery(cfg retry.Config, initiator ports.Initiator, lost ports.PeerLostSink, events ports.EventSink, logger *zap.Logger) *Recovery {
	return &Recovery{
		cfg:       cfg,
		initiator: initiator,
		lost:      lost,
		events:    events,
		logger:    logger,
		tracked:   make(map[domain.PeerID]*recoveryState),
	}
}

// Watch starts supervising a dropped peer. With recovery disabled the peer
// is reported lost immediately.
func (r *Recovery) Watch(peer domain.PeerID) {
	if !r.cfg.Enabled {
		r.lost.PeerLost(peer)
		return
	}
	if _, ok := r.tracked[peer]; ok {
		return
	}
	r.tracked[peer] = &recoveryState{
		nextAt: utils.Now().Add(retry.Delay(r.cfg, 0)),
	}
	r.logger.Info("supervising dropped peer", zap.String("peer", string(peer)))
}

// Resolve stops supervising a peer whose link came back.
func (r *Recovery) Resolve(peer domain.PeerID) {
	if _, ok := r.tracked[peer]; !ok {
		return
	}
	delete(r.tracked, peer)
	r.logger.Info("peer recovered", zap.String("peer", string(peer)))
}

// Abort stops supervising a peer without reporting it lost, for graceful
// departures and shutdown.
func (r *Recovery) Abort(peer domain.PeerID) {
	delete(r.tracked, peer)
}

func (r *Recovery) AbortAll() {
	r.tracked = make(map[domain.PeerID]*recoveryState)
}

// Recovering reports whether peer is currently supervised.
func (r *Recovery) Recovering(peer domain.PeerID) bool {
	_, ok := r.tracked[peer]
	return ok
}

// Tick fires due reconnection attempts. A peer whose budget is exhausted is
// dropped from supervision and reported to the lost sink.
func (r *Recovery) Tick(ctx context.Context, now time.Time) {
	for peer, st := range r.tracked {
		if now.Before(st.nextAt) {
			continue
		}

		// A redial still handshaking keeps its attempt: Initiate would
		// no-op, so check back after another backoff interval instead of
		// burning budget. The negotiation timeout bounds the wait.
		if r.initiator.Negotiating(peer) {
			st.nextAt = now.Add(retry.Delay(r.cfg, st.attempts))
			continue
		}

		st.attempts++
		if st.attempts > r.cfg.MaxAttempts {
			delete(r.tracked, peer)
			r.logger.Warn("recovery exhausted, peer lost",
				zap.String("peer", string(peer)),
				zap.Int("attempts", st.attempts-1))
			r.lost.PeerLost(peer)
			continue
		}

		r.events.PeerRecovering(peer, st.attempts)
		r.logger.Info("reconnection attempt",
			zap.String("peer", string(peer)),
			zap.Int("attempt", st.attempts),
			zap.Int("max_attempts", r.cfg.MaxAttempts))

		if err := r.initiator.Initiate(ctx, peer); err != nil {
			r.logger.Warn("reconnection attempt failed",
				zap.String("peer", string(peer)),
				zap.Int("attempt", st.attempts),
				zap.Error(err))
		}

		st.nextAt = now.Add(retry.Delay(r.cfg, st.attempts))
	}
}
