package domain

import (
	"encoding/json"
	"fmt"
)

// PacketType tags messages exchanged over an open link. This is the sync
// protocol's own wire, distinct from signal envelopes.
type PacketType string

const (
	PacketState           PacketType = "state"
	PacketInput           PacketType = "input"
	PacketSnapshotRequest PacketType = "snapshot_request"
)

type Packet struct {
	Type PacketType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StateMessage carries authoritative state from the host. Full snapshots
// replace everything; deltas carry only entries changed since BaseVersion,
// which must equal the receiver's last applied version or the receiver
// requests a snapshot instead of guessing. AckSeq is the highest input
// sequence the host has consumed from this specific recipient.
type StateMessage struct {
	Version        uint64                 `json:"version"`
	BaseVersion    uint64                 `json:"base_version"`
	Full           bool                   `json:"full"`
	HostID         PeerID                 `json:"host_id"`
	AckSeq         uint64                 `json:"ack_seq"`
	Players        map[PeerID]PlayerState `json:"players,omitempty"`
	RemovedPlayers []PeerID               `json:"removed_players,omitempty"`
	Objects        map[string]WorldObject `json:"objects,omitempty"`
	RemovedObjects []string               `json:"removed_objects,omitempty"`
}

// InputMessage is one client intent sent to the host. Seq is assigned
// locally, strictly increasing per sender.
type InputMessage struct {
	Seq     uint64  `json:"seq"`
	MoveX   float64 `json:"move_x"`
	MoveY   float64 `json:"move_y"`
	Actions uint32  `json:"actions"`
	SentAt  int64   `json:"sent_at"`
}

func (m InputMessage) Input() Input {
	return Input{MoveX: m.MoveX, MoveY: m.MoveY, Actions: m.Actions}
}

// SnapshotRequest asks the host for a full snapshot after a version gap.
type SnapshotRequest struct {
	HaveVersion uint64 `json:"have_version"`
}

func EncodePacket(t PacketType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s packet: %w", t, err)
	}
	return json.Marshal(Packet{Type: t, Data: raw})
}

func DecodePacket(data []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: packet: %v", ErrMalformedPacket, err)
	}
	return p, nil
}
