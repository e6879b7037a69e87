package domain

import "time"

type PeerID string

// Role determines who produces authoritative state increments. Only the
// session synchronizer consults it; no other component branches on role.
type Role uint8

const (
	RoleClient Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "client"
}

type LinkState string

const (
	LinkPending LinkState = "pending"
	LinkOpen    LinkState = "open"
	LinkClosed  LinkState = "closed"
	LinkFailed  LinkState = "failed"
)

// Link is an open bidirectional channel to one remote peer. Created by the
// negotiator, used by the synchronizer, supervised by the recovery manager.
type Link struct {
	Peer     PeerID
	State    LinkState
	OpenedAt time.Time
	LastSeen time.Time
}

// LinkInfo is the introspection view served by the status API.
type LinkInfo struct {
	Peer     PeerID    `json:"peer"`
	State    LinkState `json:"state"`
	Phase    string    `json:"phase,omitempty"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}
