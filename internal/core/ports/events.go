package ports

import "partyline/internal/core/domain"

// EventSink receives the terminal, user-meaningful outcomes this core
// exposes. Raw transport and protocol errors never reach it. Implemented
// by the node facade, which fans events out to external collaborators.
type EventSink interface {
	PlayerJoined(peer domain.PeerID)
	PlayerLeft(peer domain.PeerID)
	StateApplied(snapshot *domain.SessionState)
	HostMigrated(newHost domain.PeerID)
	ConnectionLost(peer domain.PeerID)
	PeerRecovering(peer domain.PeerID, attempt int)
}
