package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalKind is the tagged signal type. Envelopes carry it as one of the
// wire strings below; everything past the transport boundary switches on
// the enum, never on raw strings.
type SignalKind uint8

const (
	KindUnknown SignalKind = iota
	KindAdvertisement
	KindOffer
	KindAnswer
	KindCandidate
)

const (
	wireAdvertisement = "advertisement"
	wireOffer         = "offer"
	wireAnswer        = "answer"
	wireCandidate     = "ice-candidate"
)

func (k SignalKind) String() string {
	switch k {
	case KindAdvertisement:
		return wireAdvertisement
	case KindOffer:
		return wireOffer
	case KindAnswer:
		return wireAnswer
	case KindCandidate:
		return wireCandidate
	}
	return "unknown"
}

// Broadcast reports whether envelopes of this kind are addressed to
// everyone. Only advertisements are.
func (k SignalKind) Broadcast() bool {
	return k == KindAdvertisement
}

func (k SignalKind) MarshalJSON() ([]byte, error) {
	if k == KindUnknown {
		return nil, ErrUnknownSignalKind
	}
	return json.Marshal(k.String())
}

func (k *SignalKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case wireAdvertisement:
		*k = KindAdvertisement
	case wireOffer:
		*k = KindOffer
	case wireAnswer:
		*k = KindAnswer
	case wireCandidate:
		*k = KindCandidate
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignalKind, s)
	}
	return nil
}

// SignalEnvelope is the unit exchanged via the signal store and the fast
// channel. Envelopes are immutable once created; consumers only append and
// expire entries, never rewrite them. Timestamp is milliseconds since the
// Unix epoch. An empty TargetPeer means broadcast (advertisements only) and
// is serialized as JSON null.
type SignalEnvelope struct {
	ID         string          `json:"id"`
	Kind       SignalKind      `json:"type"`
	SourcePeer PeerID          `json:"sourcePeer"`
	TargetPeer PeerID          `json:"targetPeer"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  int64           `json:"timestamp"`
}

type envelopeWire struct {
	ID         string          `json:"id"`
	Kind       SignalKind      `json:"type"`
	SourcePeer PeerID          `json:"sourcePeer"`
	TargetPeer *PeerID         `json:"targetPeer"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  int64           `json:"timestamp"`
}

func (e SignalEnvelope) MarshalJSON() ([]byte, error) {
	w := envelopeWire{
		ID:         e.ID,
		Kind:       e.Kind,
		SourcePeer: e.SourcePeer,
		Payload:    e.Payload,
		Timestamp:  e.Timestamp,
	}
	if e.TargetPeer != "" {
		target := e.TargetPeer
		w.TargetPeer = &target
	}
	return json.Marshal(w)
}

func (e *SignalEnvelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.ID = w.ID
	e.Kind = w.Kind
	e.SourcePeer = w.SourcePeer
	e.TargetPeer = ""
	if w.TargetPeer != nil {
		e.TargetPeer = *w.TargetPeer
	}
	e.Payload = w.Payload
	e.Timestamp = w.Timestamp
	return nil
}

func (e SignalEnvelope) SentAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

func (e SignalEnvelope) Broadcast() bool {
	return e.TargetPeer == ""
}

// NewEnvelope stamps a payload into an immutable envelope. The caller
// supplies the globally unique id (see pkg/utils).
func NewEnvelope(id string, kind SignalKind, source, target PeerID, payload interface{}) (SignalEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalEnvelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return SignalEnvelope{
		ID:         id,
		Kind:       kind,
		SourcePeer: source,
		TargetPeer: target,
		Payload:    raw,
		Timestamp:  time.Now().UnixMilli(),
	}, nil
}

// AdvertisementPayload is the broadcast payload announcing a hosted game.
type AdvertisementPayload struct {
	HostID         PeerID   `json:"hostId"`
	GameCode       GameCode `json:"gameCode"`
	GameType       string   `json:"gameType"`
	MaxPlayers     int      `json:"maxPlayers"`
	CurrentPlayers int      `json:"currentPlayers"`
}

// DescriptionPayload carries the opaque connection description blob for
// offers and answers. The core never inspects it.
type DescriptionPayload struct {
	SDPLike string `json:"sdpLike"`
}

// CandidatePayload carries one opaque transport candidate blob.
type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

// Signal is the decoded form of an envelope: exactly one payload pointer is
// non-nil, matching Kind. Produced once at the transport boundary.
type Signal struct {
	ID         string
	Kind       SignalKind
	SourcePeer PeerID
	TargetPeer PeerID
	SentAt     time.Time

	Advertisement *AdvertisementPayload
	Description   *DescriptionPayload
	Candidate     *CandidatePayload
}

// DecodeSignal parses the payload by kind. Malformed payloads return
// ErrMalformedEnvelope wrapped with detail; callers skip such envelopes.
func DecodeSignal(env SignalEnvelope) (Signal, error) {
	sig := Signal{
		ID:         env.ID,
		Kind:       env.Kind,
		SourcePeer: env.SourcePeer,
		TargetPeer: env.TargetPeer,
		SentAt:     env.SentAt(),
	}
	var err error
	switch env.Kind {
	case KindAdvertisement:
		var p AdvertisementPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			sig.Advertisement = &p
		}
	case KindOffer, KindAnswer:
		var p DescriptionPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			sig.Description = &p
		}
	case KindCandidate:
		var p CandidatePayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			sig.Candidate = &p
		}
	default:
		return Signal{}, fmt.Errorf("%w: envelope %s", ErrUnknownSignalKind, env.ID)
	}
	if err != nil {
		return Signal{}, fmt.Errorf("%w: %s payload of %s: %v", ErrMalformedEnvelope, env.Kind, env.ID, err)
	}
	return sig, nil
}
