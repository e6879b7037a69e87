package relay

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	relaysrv "partyline/internal/infrastructure/relay"
	"partyline/pkg/retry"
)

const (
	writeWait = 10 * time.Second
	readWait  = 90 * time.Second
)

// Store is the relay-backed signal store: a WebSocket client that mirrors
// the relay's central log locally. Reads always answer from the mirror and
// never fail; appends require a live connection. A lost connection is
// re-dialed with capped backoff for as long as the store is open, and the
// replay after reconnect resumes from the newest timestamp seen.
type Store struct {
	url              string
	handshakeTimeout time.Duration
	retryCfg         retry.Config
	logger           *zap.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	mirrorMu sync.RWMutex
	mirror   []domain.SignalEnvelope
	seen     map[string]struct{}
	lastTs   int64

	closed    chan struct{}
	closeOnce sync.Once
}

// NewStore dials the relay and starts mirroring its log. The peer id
// identifies this client to the relay.
func NewStore(relayURL string, peerID domain.PeerID, handshakeTimeout time.Duration, retryCfg retry.Config, logger *zap.Logger) (ports.SignalStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("peer_id", string(peerID))
	u.RawQuery = q.Encode()

	s := &Store{
		url:              u.String(),
		handshakeTimeout: handshakeTimeout,
		retryCfg:         retryCfg,
		logger:           logger,
		seen:             make(map[string]struct{}),
		closed:           make(chan struct{}),
	}

	conn, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}
	s.conn = conn
	if err := s.requestSync(conn, 0); err != nil {
		conn.Close()
		return nil, fmt.Errorf("request relay sync: %w", err)
	}

	go s.readLoop()
	return s, nil
}

func (s *Store) Append(ctx context.Context, env domain.SignalEnvelope) error {
	s.connMu.Lock()
	conn := s.conn
	if conn == nil {
		s.connMu.Unlock()
		return fmt.Errorf("append to relay: %w", domain.ErrStoreUnavailable)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(relaysrv.Frame{Op: relaysrv.OpAppend, Envelope: &env})
	s.connMu.Unlock()

	if err != nil {
		return fmt.Errorf("append to relay: %w", err)
	}

	// Own appends are immediately visible locally; the relay only echoes
	// them to the other clients.
	s.absorb(env)
	return nil
}

func (s *Store) Read(ctx context.Context) ([]domain.SignalEnvelope, error) {
	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()

	out := make([]domain.SignalEnvelope, len(s.mirror))
	copy(out, s.mirror)
	return out, nil
}

// Purge prunes the local mirror. The relay's janitor owns expiry of the
// central log.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) error {
	cutoff := olderThan.UnixMilli()

	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()

	kept := s.mirror[:0]
	for _, env := range s.mirror {
		if env.Timestamp >= cutoff {
			kept = append(kept, env)
		} else {
			delete(s.seen, env.ID)
		}
	}
	for i := len(kept); i < len(s.mirror); i++ {
		s.mirror[i] = domain.SignalEnvelope{}
	}
	s.mirror = kept
	return nil
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
	})
	return nil
}

func (s *Store) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.handshakeTimeout}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(message string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return conn, nil
}

func (s *Store) requestSync(conn *websocket.Conn, since int64) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(relaysrv.Frame{Op: relaysrv.OpSync, Since: since})
}

func (s *Store) readLoop() {
	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return
		}

		var f relaysrv.Frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.logger.Warn("relay connection lost, reconnecting", zap.Error(err))
			if !s.reconnect() {
				return
			}
			continue
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		switch f.Op {
		case relaysrv.OpEntry:
			if f.Envelope != nil {
				s.absorb(*f.Envelope)
			}
		case relaysrv.OpSynced:
			s.logger.Debug("relay replay complete", zap.Int("entries", f.Count))
		case relaysrv.OpError:
			s.logger.Warn("relay reported error", zap.String("message", f.Message))
		}
	}
}

// reconnect re-dials until it succeeds or the store is closed. The attempt
// counter only shapes the backoff; a relay outage should never permanently
// sever a running peer.
func (s *Store) reconnect() bool {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	for attempt := 0; ; attempt++ {
		select {
		case <-s.closed:
			return false
		case <-time.After(retry.Delay(s.retryCfg, attempt)):
		}

		conn, err := s.dial()
		if err != nil {
			s.logger.Warn("relay redial failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		s.mirrorMu.RLock()
		since := s.lastTs
		s.mirrorMu.RUnlock()
		if err := s.requestSync(conn, since); err != nil {
			s.logger.Warn("relay sync request failed", zap.Error(err))
			conn.Close()
			continue
		}

		s.connMu.Lock()
		select {
		case <-s.closed:
			s.connMu.Unlock()
			conn.Close()
			return false
		default:
		}
		s.conn = conn
		s.connMu.Unlock()
		s.logger.Info("relay connection restored", zap.Int("attempts", attempt+1))
		return true
	}
}

func (s *Store) absorb(env domain.SignalEnvelope) {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()

	if _, dup := s.seen[env.ID]; dup {
		return
	}
	s.seen[env.ID] = struct{}{}
	s.mirror = append(s.mirror, env)
	if env.Timestamp > s.lastTs {
		s.lastTs = env.Timestamp
	}
}
