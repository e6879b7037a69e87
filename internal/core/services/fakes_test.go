package services

import (
	"context"
	"encoding/json"
	"testing"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
)

type fakeTransport struct {
	offerErr        error
	acceptOfferErr  error
	acceptAnswerErr error
	sendErr         error

	appliedOffers  map[domain.PeerID]string
	appliedAnswers map[domain.PeerID]string
	candidates     map[domain.PeerID][]string
	sent           map[domain.PeerID][][]byte
	closed         []domain.PeerID
	events         chan ports.TransportEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		appliedOffers:  make(map[domain.PeerID]string),
		appliedAnswers: make(map[domain.PeerID]string),
		candidates:     make(map[domain.PeerID][]string),
		sent:           make(map[domain.PeerID][][]byte),
		events:         make(chan ports.TransportEvent, 16),
	}
}

func (f *fakeTransport) CreateOffer(ctx context.Context, remote domain.PeerID) (string, error) {
	if f.offerErr != nil {
		return "", f.offerErr
	}
	return "offer-for-" + string(remote), nil
}

func (f *fakeTransport) AcceptOffer(ctx context.Context, remote domain.PeerID, offer string) (string, error) {
	if f.acceptOfferErr != nil {
		return "", f.acceptOfferErr
	}
	f.appliedOffers[remote] = offer
	return "answer-for-" + string(remote), nil
}

func (f *fakeTransport) AcceptAnswer(ctx context.Context, remote domain.PeerID, answer string) error {
	if f.acceptAnswerErr != nil {
		return f.acceptAnswerErr
	}
	f.appliedAnswers[remote] = answer
	return nil
}

func (f *fakeTransport) AddCandidate(ctx context.Context, remote domain.PeerID, candidate string) error {
	f.candidates[remote] = append(f.candidates[remote], candidate)
	return nil
}

func (f *fakeTransport) Send(remote domain.PeerID, data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.sent[remote] = append(f.sent[remote], buf)
	return nil
}

func (f *fakeTransport) CloseLink(remote domain.PeerID) error {
	f.closed = append(f.closed, remote)
	return nil
}

func (f *fakeTransport) Events() <-chan ports.TransportEvent { return f.events }
func (f *fakeTransport) Close() error                        { return nil }

// stateMessages decodes every state packet sent to remote.
func (f *fakeTransport) stateMessages(t *testing.T, remote domain.PeerID) []domain.StateMessage {
	t.Helper()
	var out []domain.StateMessage
	for _, data := range f.sent[remote] {
		pkt, err := domain.DecodePacket(data)
		if err != nil {
			t.Fatalf("decode packet: %v", err)
		}
		if pkt.Type != domain.PacketState {
			continue
		}
		var msg domain.StateMessage
		if err := json.Unmarshal(pkt.Data, &msg); err != nil {
			t.Fatalf("decode state message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// packetsOfType counts packets of one type sent to remote.
func (f *fakeTransport) packetsOfType(t *testing.T, remote domain.PeerID, typ domain.PacketType) int {
	t.Helper()
	n := 0
	for _, data := range f.sent[remote] {
		pkt, err := domain.DecodePacket(data)
		if err != nil {
			t.Fatalf("decode packet: %v", err)
		}
		if pkt.Type == typ {
			n++
		}
	}
	return n
}

type fakeSender struct {
	err       error
	envelopes []domain.SignalEnvelope
}

func (f *fakeSender) Send(ctx context.Context, env domain.SignalEnvelope) error {
	if f.err != nil {
		return f.err
	}
	f.envelopes = append(f.envelopes, env)
	return nil
}

func (f *fakeSender) ofKind(kind domain.SignalKind) []domain.SignalEnvelope {
	var out []domain.SignalEnvelope
	for _, env := range f.envelopes {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

type recoveringEvent struct {
	peer    domain.PeerID
	attempt int
}

type fakeSink struct {
	joined     []domain.PeerID
	left       []domain.PeerID
	applied    []uint64
	migrated   []domain.PeerID
	lost       []domain.PeerID
	recovering []recoveringEvent
}

func (f *fakeSink) PlayerJoined(peer domain.PeerID) { f.joined = append(f.joined, peer) }
func (f *fakeSink) PlayerLeft(peer domain.PeerID)   { f.left = append(f.left, peer) }
func (f *fakeSink) StateApplied(snapshot *domain.SessionState) {
	f.applied = append(f.applied, snapshot.Version)
}
func (f *fakeSink) HostMigrated(newHost domain.PeerID) { f.migrated = append(f.migrated, newHost) }
func (f *fakeSink) ConnectionLost(peer domain.PeerID)  { f.lost = append(f.lost, peer) }
func (f *fakeSink) PeerRecovering(peer domain.PeerID, attempt int) {
	f.recovering = append(f.recovering, recoveringEvent{peer: peer, attempt: attempt})
}

type fakeInitiator struct {
	err         error
	calls       []domain.PeerID
	negotiating map[domain.PeerID]bool
}

func (f *fakeInitiator) Initiate(ctx context.Context, remote domain.PeerID) error {
	f.calls = append(f.calls, remote)
	return f.err
}

func (f *fakeInitiator) Negotiating(remote domain.PeerID) bool {
	return f.negotiating[remote]
}

type fakeLostSink struct {
	lost []domain.PeerID
}

func (f *fakeLostSink) PeerLost(peer domain.PeerID) { f.lost = append(f.lost, peer) }

// signalOf builds the decoded form handed to negotiator handlers.
func signalOf(t *testing.T, kind domain.SignalKind, source, target domain.PeerID, payload interface{}) domain.Signal {
	t.Helper()
	env, err := domain.NewEnvelope("sig-test", kind, source, target, payload)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	sig, err := domain.DecodeSignal(env)
	if err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	return sig
}

// statePacket encodes a state message the way a host sends it.
func statePacket(t *testing.T, msg domain.StateMessage) []byte {
	t.Helper()
	data, err := domain.EncodePacket(domain.PacketState, msg)
	if err != nil {
		t.Fatalf("encode state packet: %v", err)
	}
	return data
}

// inputPacket encodes an input message the way a client sends it.
func inputPacket(t *testing.T, msg domain.InputMessage) []byte {
	t.Helper()
	data, err := domain.EncodePacket(domain.PacketInput, msg)
	if err != nil {
		t.Fatalf("encode input packet: %v", err)
	}
	return data
}
