package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"partyline/internal/core/domain"
	"partyline/internal/infrastructure/monitoring"
	"partyline/pkg/utils"
	"partyline/pkg/validation"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Frame is the wire unit of the relay protocol. Clients send append and
// sync; the relay answers with entry, synced and error.
type Frame struct {
	Op       string                 `json:"op"`
	Envelope *domain.SignalEnvelope `json:"envelope,omitempty"`
	Since    int64                  `json:"since,omitempty"`
	Count    int                    `json:"count,omitempty"`
	Message  string                 `json:"message,omitempty"`
}

const (
	OpAppend = "append"
	OpSync   = "sync"
	OpEntry  = "entry"
	OpSynced = "synced"
	OpError  = "error"
)

type Config struct {
	TTL             time.Duration
	AppendRate      float64
	AppendBurst     int
	MaxMessageBytes int64
}

func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Minute,
		AppendRate:      40,
		AppendBurst:     80,
		MaxMessageBytes: 64 * 1024,
	}
}

type client struct {
	peerID  string
	conn    *websocket.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex
}

func newClient(peerID string, conn *websocket.Conn, cfg Config) *client {
	return &client{
		peerID:  peerID,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(cfg.AppendRate), cfg.AppendBurst),
	}
}

// writeJSON serializes a frame under the connection's write lock. Broadcasts,
// replays and pings reach a connection from different goroutines.
func (c *client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *client) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Server relays signal envelopes between peers that cannot share a store
// directly. It holds the central log, replays it to connecting clients and
// pushes every append to everyone else.
type Server struct {
	cfg          Config
	log          *Log
	clients      map[string]*client
	clientsMutex sync.RWMutex
	logger       *zap.Logger
	metrics      *monitoring.PrometheusCollector
}

func NewServer(cfg Config, logger *zap.Logger, metrics *monitoring.PrometheusCollector) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.DefaultCollector()
	}
	return &Server{
		cfg:     cfg,
		log:     NewLog(),
		clients: make(map[string]*client),
		logger:  logger,
		metrics: metrics,
	}
}

// StartJanitor expires old log entries until the context is cancelled.
func (s *Server) StartJanitor(ctx context.Context) {
	interval := s.cfg.TTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := utils.Now().Add(-s.cfg.TTL).UnixMilli()
				if removed := s.log.PurgeBefore(cutoff); removed > 0 {
					s.logger.Debug("expired relay log entries", zap.Int("removed", removed))
				}
				s.metrics.SetRelayEntries(s.log.Len())
			}
		}
	}()
}

// HandleWebSocket upgrades the connection and serves the relay protocol
// until the client disconnects or times out.
func (s *Server) HandleWebSocket(c *gin.Context) {
	peerID := c.Query("peer_id")
	if peerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "peer_id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("peer_id", peerID),
			zap.Error(err))
		return
	}

	cl := newClient(peerID, conn, s.cfg)
	s.register(cl)
	defer func() {
		s.unregister(cl)
		conn.Close()
	}()

	s.logger.Info("relay client connected", zap.String("peer_id", peerID))

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	frames := make(chan Frame)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				errc <- err
				return
			}
			select {
			case frames <- f:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-frames:
			s.handleFrame(cl, f)
		case err := <-errc:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("relay client read error",
					zap.String("peer_id", peerID),
					zap.Error(err))
			} else {
				s.logger.Info("relay client disconnected", zap.String("peer_id", peerID))
			}
			return
		case <-ticker.C:
			if err := cl.writePing(); err != nil {
				s.logger.Debug("ping failed, dropping client",
					zap.String("peer_id", peerID),
					zap.Error(err))
				return
			}
		}
	}
}

// HealthCheck reports relay liveness together with basic occupancy.
func (s *Server) HealthCheck(c *gin.Context) {
	s.clientsMutex.RLock()
	clients := len(s.clients)
	s.clientsMutex.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"clients":     clients,
		"log_entries": s.log.Len(),
		"timestamp":   time.Now().Unix(),
	})
}

// ConnectedPeers returns the ids of currently connected clients.
func (s *Server) ConnectedPeers() []string {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()

	peers := make([]string, 0, len(s.clients))
	for id := range s.clients {
		peers = append(peers, id)
	}
	return peers
}

func (s *Server) handleFrame(cl *client, f Frame) {
	switch f.Op {
	case OpAppend:
		s.handleAppend(cl, f)
	case OpSync:
		s.handleSync(cl, f)
	default:
		s.sendError(cl, "unknown op: "+f.Op)
	}
}

func (s *Server) handleAppend(cl *client, f Frame) {
	if f.Envelope == nil {
		s.sendError(cl, "append requires an envelope")
		return
	}
	if err := validation.ValidateEnvelope(*f.Envelope); err != nil {
		s.sendError(cl, "invalid envelope: "+err.Error())
		return
	}
	if !cl.limiter.Allow() {
		s.logger.Debug("append rate limit exceeded, dropping",
			zap.String("peer_id", cl.peerID),
			zap.String("signal_id", f.Envelope.ID))
		return
	}

	env := *f.Envelope
	s.log.Append(env)
	s.metrics.RecordRelayAppend()
	s.metrics.SetRelayEntries(s.log.Len())

	s.broadcast(cl.peerID, env)
}

func (s *Server) handleSync(cl *client, f Frame) {
	entries := s.log.Since(f.Since)
	for i := range entries {
		if err := cl.writeJSON(Frame{Op: OpEntry, Envelope: &entries[i]}); err != nil {
			s.logger.Debug("replay write failed",
				zap.String("peer_id", cl.peerID),
				zap.Error(err))
			return
		}
	}
	if err := cl.writeJSON(Frame{Op: OpSynced, Count: len(entries)}); err != nil {
		s.logger.Debug("synced write failed",
			zap.String("peer_id", cl.peerID),
			zap.Error(err))
	}
}

// broadcast pushes a fresh entry to every client except the sender.
func (s *Server) broadcast(from string, env domain.SignalEnvelope) {
	s.clientsMutex.RLock()
	targets := make([]*client, 0, len(s.clients))
	for id, cl := range s.clients {
		if id == from {
			continue
		}
		targets = append(targets, cl)
	}
	s.clientsMutex.RUnlock()

	delivered := 0
	for _, cl := range targets {
		if err := cl.writeJSON(Frame{Op: OpEntry, Envelope: &env}); err != nil {
			s.logger.Debug("broadcast write failed",
				zap.String("peer_id", cl.peerID),
				zap.Error(err))
			continue
		}
		delivered++
	}
	if delivered > 0 {
		s.metrics.RecordRelayBroadcast(delivered)
	}
}

func (s *Server) register(cl *client) {
	s.clientsMutex.Lock()
	if old, ok := s.clients[cl.peerID]; ok {
		// A reconnect replaces the old connection.
		old.conn.Close()
	}
	s.clients[cl.peerID] = cl
	s.clientsMutex.Unlock()

	s.metrics.RelayClientConnected()
}

func (s *Server) unregister(cl *client) {
	s.clientsMutex.Lock()
	// A reconnect may already have replaced this entry.
	if current, ok := s.clients[cl.peerID]; ok && current == cl {
		delete(s.clients, cl.peerID)
	}
	s.clientsMutex.Unlock()

	s.metrics.RelayClientDisconnected()
}

func (s *Server) sendError(cl *client, message string) {
	if err := cl.writeJSON(Frame{Op: OpError, Message: message}); err != nil {
		s.logger.Debug("error write failed",
			zap.String("peer_id", cl.peerID),
			zap.Error(err))
	}
}
