package node

import "partyline/internal/core/domain"

// EventType classifies node events delivered to the embedding game layer.
type EventType uint8

const (
	// EventJoined fires once when a join completes: the link to the host
	// is open and its first snapshot has been applied.
	EventJoined EventType = iota
	// EventJoinFailed fires once when a join attempt gives up.
	EventJoinFailed
	// EventPlayerJoined and EventPlayerLeft track the session roster.
	EventPlayerJoined
	EventPlayerLeft
	// EventStateApplied carries a fresh snapshot after every state change.
	EventStateApplied
	// EventHostMigrated reports the elected host after the old one was lost.
	EventHostMigrated
	// EventConnectionLost reports a dropped established link. Recovery may
	// still bring the peer back; EventPlayerLeft is the definitive goodbye.
	EventConnectionLost
	// EventPeerRecovering reports one reconnection attempt for a dropped peer.
	EventPeerRecovering
)

func (t EventType) String() string {
	switch t {
	case EventJoined:
		return "joined"
	case EventJoinFailed:
		return "join-failed"
	case EventPlayerJoined:
		return "player-joined"
	case EventPlayerLeft:
		return "player-left"
	case EventStateApplied:
		return "state-applied"
	case EventHostMigrated:
		return "host-migrated"
	case EventConnectionLost:
		return "connection-lost"
	case EventPeerRecovering:
		return "peer-recovering"
	}
	return "unknown"
}

// Event is one notification from the node to the game layer. Peer is set for
// peer-scoped events, Snapshot for state events, Err for failures.
type Event struct {
	Type     EventType
	Peer     domain.PeerID
	Attempt  int
	Snapshot *domain.SessionState
	Err      error
}
