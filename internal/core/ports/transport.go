package ports

import (
	"context"

	"partyline/internal/core/domain"
)

type TransportEventType uint8

const (
	TransportCandidate TransportEventType = iota
	TransportLinkOpen
	TransportLinkClosed
	TransportLinkFailed
	TransportMessage
)

func (t TransportEventType) String() string {
	switch t {
	case TransportCandidate:
		return "candidate"
	case TransportLinkOpen:
		return "link-open"
	case TransportLinkClosed:
		return "link-closed"
	case TransportLinkFailed:
		return "link-failed"
	case TransportMessage:
		return "message"
	}
	return "unknown"
}

// TransportEvent is one asynchronous notification from the point-to-point
// transport. Candidate carries an opaque blob; Data is set for messages.
type TransportEvent struct {
	Type      TransportEventType
	Peer      domain.PeerID
	Candidate string
	Data      []byte
}

// PeerTransport is the external point-to-point capability this core builds
// on. Description and candidate blobs are opaque; how the transport
// achieves connectivity (NAT traversal etc.) is out of scope. All link
// state changes and inbound traffic surface on Events.
type PeerTransport interface {
	// CreateOffer starts a link attempt and returns the local description.
	CreateOffer(ctx context.Context, remote domain.PeerID) (string, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, remote domain.PeerID, offer string) (string, error)
	// AcceptAnswer applies the remote answer on the initiating side.
	AcceptAnswer(ctx context.Context, remote domain.PeerID, answer string) error
	AddCandidate(ctx context.Context, remote domain.PeerID, candidate string) error
	Send(remote domain.PeerID, data []byte) error
	CloseLink(remote domain.PeerID) error
	Events() <-chan TransportEvent
	Close() error
}

// SignalSender is the slice of the signaling transport the services need.
type SignalSender interface {
	Send(ctx context.Context, env domain.SignalEnvelope) error
}
