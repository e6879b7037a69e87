package ports

import (
	"context"

	"partyline/internal/core/domain"
)

// Initiator is the slice of the negotiator the recovery manager re-runs on
// each reconnection attempt. Negotiating lets it hold an attempt while a
// prior redial is still handshaking.
type Initiator interface {
	Initiate(ctx context.Context, remote domain.PeerID) error
	Negotiating(remote domain.PeerID) bool
}

// PeerLostSink is notified exactly once when recovery gives a peer up for
// good. The synchronizer uses it to run its host-migration check.
type PeerLostSink interface {
	PeerLost(peer domain.PeerID)
}

// NodeAPI is what the status handlers see of the local node.
type NodeAPI interface {
	ID() domain.PeerID
	Role() domain.Role
	GameCode() domain.GameCode
	Snapshot() *domain.SessionState
	Peers() []domain.LinkInfo
	Games() []domain.Advertisement
	Healthy(ctx context.Context) error
}
