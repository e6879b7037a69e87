package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/pkg/utils"
)

// maxBufferedCandidates bounds candidates held for a peer whose remote
// description has not been applied yet.
const maxBufferedCandidates = 64

type negotiation struct {
	phase           domain.NegotiationPhase
	initiator       bool
	remoteDescribed bool
	buffered        []string
	startedAt       time.Time
	lastActivity    time.Time
}

// Negotiator drives the per-peer connection handshake over the signal
// channel: offers and answers establish descriptions, candidates trickle
// until the transport reports the link open. One negotiation per remote
// peer; a stalled handshake fails after the inactivity timeout.
//
// Not safe for concurrent use. The owning node serializes all calls.
type Negotiator struct {
	local     domain.PeerID
	transport ports.PeerTransport
	sender    ports.SignalSender
	timeout   time.Duration
	logger    *zap.Logger
	sessions  map[domain.PeerID]*negotiation
}

func NewNegotiator(local domain.PeerID, transport ports.PeerTransport, sender ports.SignalSender, timeout time.Duration, logger *zap.Logger) *Negotiator {
	return &Negotiator{
		local:     local,
		transport: transport,
		sender:    sender,
		timeout:   timeout,
		logger:    logger,
		sessions:  make(map[domain.PeerID]*negotiation),
	}
}

// Initiate starts a handshake toward remote: create an offer and publish it
// on the signal channel. A handshake already in flight is left alone.
func (n *Negotiator) Initiate(ctx context.Context, remote domain.PeerID) error {
	if s, ok := n.sessions[remote]; ok && !s.phase.Terminal() {
		return nil
	}

	offer, err := n.transport.CreateOffer(ctx, remote)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", remote, err)
	}

	env, err := domain.NewEnvelope(utils.GenerateSignalID(), domain.KindOffer, n.local, remote,
		domain.DescriptionPayload{SDPLike: offer})
	if err != nil {
		return err
	}
	if err := n.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("send offer to %s: %w", remote, err)
	}

	now := utils.Now()
	n.sessions[remote] = &negotiation{
		phase:        domain.PhaseOfferSent,
		initiator:    true,
		startedAt:    now,
		lastActivity: now,
	}
	n.logger.Info("offer sent", zap.String("peer", string(remote)))
	return nil
}

// HandleOffer answers an inbound offer. When both sides offered at once the
// lower peer id wins: its offer survives, the other side answers.
func (n *Negotiator) HandleOffer(ctx context.Context, sig domain.Signal) error {
	remote := sig.SourcePeer
	if s, ok := n.sessions[remote]; ok && !s.phase.Terminal() {
		switch {
		case s.phase == domain.PhaseOfferSent && n.local < remote:
			n.logger.Debug("ignoring crossed offer from higher peer id",
				zap.String("peer", string(remote)))
			return nil
		case s.phase == domain.PhaseOfferSent:
			// Our attempt loses. Tear it down and answer theirs instead.
			_ = n.transport.CloseLink(remote)
		case s.phase == domain.PhaseOpen:
			// An established link outranks any replayed offer.
			n.logger.Debug("discarding offer for open link", zap.String("peer", string(remote)))
			return nil
		default:
			n.touch(remote)
			return nil
		}
	}

	now := utils.Now()
	s := &negotiation{
		phase:        domain.PhaseOfferReceived,
		startedAt:    now,
		lastActivity: now,
	}
	n.sessions[remote] = s

	answer, err := n.transport.AcceptOffer(ctx, remote, sig.Description.SDPLike)
	if err != nil {
		n.fail(remote, "accept offer", err)
		return fmt.Errorf("accept offer from %s: %w", remote, err)
	}
	s.remoteDescribed = true
	n.flushBuffered(ctx, remote, s)

	env, err := domain.NewEnvelope(utils.GenerateSignalID(), domain.KindAnswer, n.local, remote,
		domain.DescriptionPayload{SDPLike: answer})
	if err != nil {
		return err
	}
	if err := n.sender.Send(ctx, env); err != nil {
		n.fail(remote, "send answer", err)
		return fmt.Errorf("send answer to %s: %w", remote, err)
	}

	s.phase = domain.PhaseAnswerExchanged
	s.lastActivity = utils.Now()
	n.logger.Info("answer sent", zap.String("peer", string(remote)))
	return nil
}

// HandleAnswer completes the initiator side of the description exchange.
// Answers for handshakes not in offer-sent are stale and dropped.
func (n *Negotiator) HandleAnswer(ctx context.Context, sig domain.Signal) error {
	remote := sig.SourcePeer
	s, ok := n.sessions[remote]
	if !ok || s.phase != domain.PhaseOfferSent {
		n.logger.Debug("dropping unexpected answer", zap.String("peer", string(remote)))
		return nil
	}

	if err := n.transport.AcceptAnswer(ctx, remote, sig.Description.SDPLike); err != nil {
		n.fail(remote, "accept answer", err)
		return fmt.Errorf("accept answer from %s: %w", remote, err)
	}
	s.phase = domain.PhaseAnswerExchanged
	s.remoteDescribed = true
	s.lastActivity = utils.Now()
	n.flushBuffered(ctx, remote, s)
	n.logger.Info("answer applied", zap.String("peer", string(remote)))
	return nil
}

// HandleCandidate feeds one remote candidate to the transport, buffering it
// while the remote description is still outstanding. Candidates for unknown
// peers are stale leftovers and dropped.
func (n *Negotiator) HandleCandidate(ctx context.Context, sig domain.Signal) error {
	remote := sig.SourcePeer
	s, ok := n.sessions[remote]
	if !ok || s.phase.Terminal() {
		n.logger.Debug("dropping candidate without negotiation",
			zap.String("peer", string(remote)))
		return nil
	}
	s.lastActivity = utils.Now()

	if !s.remoteDescribed {
		if len(s.buffered) >= maxBufferedCandidates {
			n.logger.Warn("candidate buffer full, dropping",
				zap.String("peer", string(remote)))
			return nil
		}
		s.buffered = append(s.buffered, sig.Candidate.Candidate)
		return nil
	}

	if err := n.transport.AddCandidate(ctx, remote, sig.Candidate.Candidate); err != nil {
		n.logger.Warn("transport rejected candidate",
			zap.String("peer", string(remote)), zap.Error(err))
		return nil
	}
	if s.phase == domain.PhaseAnswerExchanged {
		s.phase = domain.PhaseCandidatesExchanging
	}
	return nil
}

// SendLocalCandidate publishes one locally discovered candidate for remote.
func (n *Negotiator) SendLocalCandidate(ctx context.Context, remote domain.PeerID, candidate string) error {
	s, ok := n.sessions[remote]
	if !ok || s.phase.Terminal() {
		return nil
	}
	env, err := domain.NewEnvelope(utils.GenerateSignalID(), domain.KindCandidate, n.local, remote,
		domain.CandidatePayload{Candidate: candidate})
	if err != nil {
		return err
	}
	if err := n.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("send candidate to %s: %w", remote, err)
	}
	if s.phase == domain.PhaseAnswerExchanged {
		s.phase = domain.PhaseCandidatesExchanging
	}
	s.lastActivity = utils.Now()
	return nil
}

// OnLinkOpen marks the handshake complete. Returns false for links this
// negotiator was not tracking.
func (n *Negotiator) OnLinkOpen(remote domain.PeerID) bool {
	s, ok := n.sessions[remote]
	if !ok {
		return false
	}
	s.phase = domain.PhaseOpen
	s.buffered = nil
	s.lastActivity = utils.Now()
	n.logger.Info("link open",
		zap.String("peer", string(remote)),
		zap.Duration("handshake", utils.Now().Sub(s.startedAt)))
	return true
}

// OnLinkClosed records a deliberate remote close.
func (n *Negotiator) OnLinkClosed(remote domain.PeerID) {
	if s, ok := n.sessions[remote]; ok {
		s.phase = domain.PhaseClosed
		s.buffered = nil
	}
}

// OnLinkFailed records a transport-level failure.
func (n *Negotiator) OnLinkFailed(remote domain.PeerID) {
	if s, ok := n.sessions[remote]; ok {
		s.phase = domain.PhaseFailed
		s.buffered = nil
	}
}

// Tick fails handshakes that have been inactive past the timeout and
// returns the peers that just failed.
func (n *Negotiator) Tick(now time.Time) []domain.PeerID {
	var failed []domain.PeerID
	for remote, s := range n.sessions {
		if s.phase == domain.PhaseOpen || s.phase.Terminal() {
			continue
		}
		if now.Sub(s.lastActivity) < n.timeout {
			continue
		}
		s.phase = domain.PhaseFailed
		s.buffered = nil
		_ = n.transport.CloseLink(remote)
		n.logger.Warn("negotiation timed out",
			zap.String("peer", string(remote)),
			zap.Duration("inactive", now.Sub(s.lastActivity)))
		failed = append(failed, remote)
	}
	return failed
}

// Phase reports the handshake phase for remote, PhaseIdle when untracked.
func (n *Negotiator) Phase(remote domain.PeerID) domain.NegotiationPhase {
	if s, ok := n.sessions[remote]; ok {
		return s.phase
	}
	return domain.PhaseIdle
}

// Open reports whether the link to remote is established.
func (n *Negotiator) Open(remote domain.PeerID) bool {
	return n.Phase(remote) == domain.PhaseOpen
}

// Negotiating reports whether a handshake with remote is still in flight:
// tracked, not yet open, not yet failed or closed.
func (n *Negotiator) Negotiating(remote domain.PeerID) bool {
	s, ok := n.sessions[remote]
	return ok && s.phase != domain.PhaseOpen && !s.phase.Terminal()
}

// Drop forgets the negotiation for remote and closes its link.
func (n *Negotiator) Drop(remote domain.PeerID) {
	if _, ok := n.sessions[remote]; !ok {
		return
	}
	delete(n.sessions, remote)
	_ = n.transport.CloseLink(remote)
}

// Infos returns the introspection view of every tracked negotiation.
func (n *Negotiator) Infos() map[domain.PeerID]domain.NegotiationPhase {
	out := make(map[domain.PeerID]domain.NegotiationPhase, len(n.sessions))
	for remote, s := range n.sessions {
		out[remote] = s.phase
	}
	return out
}

func (n *Negotiator) touch(remote domain.PeerID) {
	if s, ok := n.sessions[remote]; ok {
		s.lastActivity = utils.Now()
	}
}

func (n *Negotiator) fail(remote domain.PeerID, op string, err error) {
	if s, ok := n.sessions[remote]; ok {
		s.phase = domain.PhaseFailed
		s.buffered = nil
	}
	n.logger.Warn("negotiation failed",
		zap.String("peer", string(remote)),
		zap.String("op", op),
		zap.Error(err))
}

func (n *Negotiator) flushBuffered(ctx context.Context, remote domain.PeerID, s *negotiation) {
	for _, c := range s.buffered {
		if err := n.transport.AddCandidate(ctx, remote, c); err != nil {
			n.logger.Warn("transport rejected buffered candidate",
				zap.String("peer", string(remote)), zap.Error(err))
		}
	}
	s.buffered = nil
}
