package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/internal/infrastructure/monitoring"
)

// Config carries the connection-level knobs for the data channel transport.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	ChannelLabel string
	EventBuffer  int
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		ChannelLabel: "game",
		EventBuffer:  256,
	}
}

// Transport implements ports.PeerTransport on pion data channels. Each remote
// peer gets one peer connection carrying one reliable ordered channel; the
// initiator creates the channel, the answering side adopts it from
// OnDataChannel. Candidates trickle out through the event channel as they are
// gathered; feeding them in is the caller's job, after the matching remote
// description has been applied.
type Transport struct {
	cfg     Config
	api     *webrtc.API
	logger  *zap.Logger
	metrics *monitoring.PrometheusCollector

	mu    sync.RWMutex
	links map[domain.PeerID]*link

	events    chan ports.TransportEvent
	done      chan struct{}
	closeOnce sync.Once
}

type link struct {
	remote    domain.PeerID
	pc        *webrtc.PeerConnection
	createdAt time.Time

	mu      sync.Mutex
	channel *webrtc.DataChannel
}

func NewTransport(cfg Config, logger *zap.Logger, metrics *monitoring.PrometheusCollector) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.DefaultCollector()
	}
	if cfg.ChannelLabel == "" {
		cfg.ChannelLabel = "game"
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}

	return &Transport{
		cfg:     cfg,
		api:     webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger:  logger,
		metrics: metrics,
		links:   make(map[domain.PeerID]*link),
		events:  make(chan ports.TransportEvent, cfg.EventBuffer),
		done:    make(chan struct{}),
	}, nil
}

// CreateOffer opens a fresh link attempt toward remote and returns the local
// description. A lingering link to the same peer is torn down first so a
// retry always starts clean.
func (t *Transport) CreateOffer(ctx context.Context, remote domain.PeerID) (string, error) {
	if old := t.removeLink(remote); old != nil {
		old.pc.Close()
	}

	l, err := t.newLink(remote)
	if err != nil {
		return "", err
	}

	channel, err := l.pc.CreateDataChannel(t.cfg.ChannelLabel, nil)
	if err != nil {
		l.pc.Close()
		return "", fmt.Errorf("create data channel for %s: %w", remote, err)
	}
	t.bindChannel(l, channel)

	t.mu.Lock()
	t.links[remote] = l
	t.mu.Unlock()

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		t.dropLink(remote)
		return "", fmt.Errorf("create offer for %s: %w", remote, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		t.dropLink(remote)
		return "", fmt.Errorf("set local description for %s: %w", remote, err)
	}

	return encodeDescription(offer)
}

// AcceptOffer applies a remote offer and returns the local answer. The data
// channel arrives from the initiator, so this side only waits for it.
func (t *Transport) AcceptOffer(ctx context.Context, remote domain.PeerID, offer string) (string, error) {
	desc, err := decodeDescription(offer)
	if err != nil {
		return "", fmt.Errorf("decode offer from %s: %w", remote, err)
	}

	if old := t.removeLink(remote); old != nil {
		old.pc.Close()
	}

	l, err := t.newLink(remote)
	if err != nil {
		return "", err
	}
	l.pc.OnDataChannel(func(channel *webrtc.DataChannel) {
		t.bindChannel(l, channel)
	})

	t.mu.Lock()
	t.links[remote] = l
	t.mu.Unlock()

	if err := l.pc.SetRemoteDescription(desc); err != nil {
		t.dropLink(remote)
		return "", fmt.Errorf("set remote description for %s: %w", remote, err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		t.dropLink(remote)
		return "", fmt.Errorf("create answer for %s: %w", remote, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		t.dropLink(remote)
		return "", fmt.Errorf("set local description for %s: %w", remote, err)
	}

	return encodeDescription(answer)
}

// AcceptAnswer completes the exchange on the initiating side.
func (t *Transport) AcceptAnswer(ctx context.Context, remote domain.PeerID, answer string) error {
	l := t.getLink(remote)
	if l == nil {
		return domain.ErrPeerNotConnected
	}
	desc, err := decodeDescription(answer)
	if err != nil {
		return fmt.Errorf("decode answer from %s: %w", remote, err)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description for %s: %w", remote, err)
	}
	return nil
}

// AddCandidate feeds one remote candidate into the link. Callers apply the
// remote description first; candidates arriving before it are rejected by
// the underlying connection.
func (t *Transport) AddCandidate(ctx context.Context, remote domain.PeerID, candidate string) error {
	l := t.getLink(remote)
	if l == nil {
		return domain.ErrPeerNotConnected
	}
	init, err := decodeCandidate(candidate)
	if err != nil {
		return fmt.Errorf("decode candidate from %s: %w", remote, err)
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate for %s: %w", remote, err)
	}
	return nil
}

// Send delivers data over the open channel to remote.
func (t *Transport) Send(remote domain.PeerID, data []byte) error {
	l := t.getLink(remote)
	if l == nil {
		return domain.ErrPeerNotConnected
	}

	l.mu.Lock()
	channel := l.channel
	l.mu.Unlock()
	if channel == nil || channel.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrPeerNotConnected
	}
	if err := channel.Send(data); err != nil {
		return fmt.Errorf("send to %s: %w", remote, err)
	}
	return nil
}

// CloseLink tears down the link to remote. Closing an unknown link is a
// no-op; the removal before close keeps the state callbacks from reporting
// a deliberate teardown as a failure.
func (t *Transport) CloseLink(remote domain.PeerID) error {
	l := t.removeLink(remote)
	if l == nil {
		return nil
	}
	t.metrics.RecordLinkClosed()
	return l.pc.Close()
}

func (t *Transport) Events() <-chan ports.TransportEvent {
	return t.events
}

// Close tears down every link. The event channel is left open; late
// callbacks from closing connections find the done channel instead.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		links := t.links
		t.links = make(map[domain.PeerID]*link)
		t.mu.Unlock()

		for _, l := range links {
			l.pc.Close()
		}
	})
	return nil
}

// Open reports whether the channel to remote is ready for traffic.
func (t *Transport) Open(remote domain.PeerID) bool {
	l := t.getLink(remote)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channel != nil && l.channel.ReadyState() == webrtc.DataChannelStateOpen
}

func (t *Transport) newLink(remote domain.PeerID) (*link, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %s: %w", remote, err)
	}

	l := &link{
		remote:    remote,
		pc:        pc,
		createdAt: time.Now(),
	}
	pc.OnICECandidate(t.handleLocalCandidate(remote))
	pc.OnConnectionStateChange(t.handleConnectionState(remote))
	return l, nil
}

func (t *Transport) bindChannel(l *link, channel *webrtc.DataChannel) {
	l.mu.Lock()
	l.channel = channel
	l.mu.Unlock()

	channel.OnOpen(func() {
		t.metrics.RecordLinkEstablished(time.Since(l.createdAt))
		t.logger.Info("data channel open",
			zap.String("peer", string(l.remote)),
			zap.String("label", channel.Label()))
		t.emit(ports.TransportEvent{Type: ports.TransportLinkOpen, Peer: l.remote})
	})
	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.emit(ports.TransportEvent{Type: ports.TransportMessage, Peer: l.remote, Data: msg.Data})
	})
	channel.OnClose(func() {
		if dropped := t.removeLink(l.remote); dropped != nil {
			dropped.pc.Close()
			t.metrics.RecordLinkClosed()
			t.emit(ports.TransportEvent{Type: ports.TransportLinkClosed, Peer: l.remote})
		}
	})
}

func (t *Transport) handleLocalCandidate(remote domain.PeerID) func(*webrtc.ICECandidate) {
	return func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			t.logger.Warn("failed to encode candidate",
				zap.String("peer", string(remote)), zap.Error(err))
			return
		}
		t.emit(ports.TransportEvent{
			Type:      ports.TransportCandidate,
			Peer:      remote,
			Candidate: string(raw),
		})
	}
}

func (t *Transport) handleConnectionState(remote domain.PeerID) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state changed",
			zap.String("peer", string(remote)),
			zap.String("state", state.String()))

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			if l := t.removeLink(remote); l != nil {
				l.pc.Close()
				t.metrics.RecordLinkClosed()
				t.emit(ports.TransportEvent{Type: ports.TransportLinkFailed, Peer: remote})
			}
		case webrtc.PeerConnectionStateClosed:
			if l := t.removeLink(remote); l != nil {
				t.metrics.RecordLinkClosed()
				t.emit(ports.TransportEvent{Type: ports.TransportLinkClosed, Peer: remote})
			}
		}
	}
}

func (t *Transport) emit(ev ports.TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Transport) getLink(remote domain.PeerID) *link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.links[remote]
}

func (t *Transport) removeLink(remote domain.PeerID) *link {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.links[remote]
	delete(t.links, remote)
	return l
}

func (t *Transport) dropLink(remote domain.PeerID) {
	if l := t.removeLink(remote); l != nil {
		l.pc.Close()
	}
}

func encodeDescription(desc webrtc.SessionDescription) (string, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encode description: %w", err)
	}
	return string(raw), nil
}

func decodeDescription(raw string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return desc, nil
}

func decodeCandidate(raw string) (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	return init, nil
}
