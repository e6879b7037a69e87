package services

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/pkg/utils"
)

const (
	// moveEpsilon is the tolerance on the unit-magnitude movement bound,
	// covering float rounding in honest senders.
	moveEpsilon = 1e-6

	// maxQueuedInputs bounds inputs held per peer between ticks. Overflow
	// drops the oldest entry so the newest intent survives.
	maxQueuedInputs = 32

	// snapshotRetryAfter is how long a client waits on an outstanding
	// snapshot request before asking the host again.
	snapshotRetryAfter = 500 * time.Millisecond
)

// SyncConfig carries the tuning knobs of the session synchronizer.
type SyncConfig struct {
	TickInterval    time.Duration
	MaxSpeed        float64
	InputRate       float64
	InputBurst      int
	PredictionLimit int
}

type peerView struct {
	needsFull  bool
	limiter    *rate.Limiter
	queue      []domain.InputMessage
	lastQueued uint64
	consumed   uint64
}

// Synchronizer keeps the replicated session state. The host consumes peer
// inputs each tick, advances the authoritative state and sends versioned
// state messages: a full snapshot first, deltas against the previous
// version after. Clients apply host messages, predict their own inputs
// locally and reconcile on every acknowledgement.
//
// Not safe for concurrent use. The owning node serializes all calls.
type Synchronizer struct {
	local     domain.PeerID
	role      domain.Role
	cfg       SyncConfig
	transport ports.PeerTransport
	events    ports.EventSink
	metrics   ports.SyncMetrics
	logger    *zap.Logger

	state *domain.SessionState

	// host side
	views          map[domain.PeerID]*peerView
	localQueue     []domain.Input
	changedPlayers map[domain.PeerID]struct{}
	removedPlayers map[domain.PeerID]struct{}
	changedObjects map[string]struct{}
	removedObjects map[string]struct{}

	// client side
	appliedVersion   uint64
	confirmedLocal   domain.PlayerState
	hasConfirmed     bool
	predictions      []domain.PendingPrediction
	nextSeq          uint64
	awaitingSnapshot bool
	snapshotAskedAt  time.Time
}

// NewSynchronizer builds a synchronizer for one session. Hosts start with
// themselves in the roster at version 0; clients start empty and wait for
// the first full snapshot from host.
func NewSynchronizer(local domain.PeerID, role domain.Role, host domain.PeerID, cfg SyncConfig, transport ports.PeerTransport, events ports.EventSink, logger *zap.Logger) *Synchronizer {
	s := &Synchronizer{
		local:          local,
		role:           role,
		cfg:            cfg,
		transport:      transport,
		events:         events,
		logger:         logger,
		views:          make(map[domain.PeerID]*peerView),
		changedPlayers: make(map[domain.PeerID]struct{}),
		removedPlayers: make(map[domain.PeerID]struct{}),
		changedObjects: make(map[string]struct{}),
		removedObjects: make(map[string]struct{}),
	}
	if role == domain.RoleHost {
		s.state = domain.NewSessionState(local)
		s.state.Players[local] = domain.PlayerState{}
	} else {
		s.state = domain.NewSessionState(host)
	}
	return s
}

// SetMetrics attaches an optional metrics sink.
func (s *Synchronizer) SetMetrics(m ports.SyncMetrics) { s.metrics = m }

func (s *Synchronizer) Role() domain.Role     { return s.role }
func (s *Synchronizer) HostID() domain.PeerID { return s.state.HostID }
func (s *Synchronizer) Version() uint64       { return s.state.Version }
func (s *Synchronizer) PlayerCount() int      { return len(s.state.Players) }

// HasPlayer reports whether peer is in the replicated roster.
func (s *Synchronizer) HasPlayer(peer domain.PeerID) bool {
	_, ok := s.state.Players[peer]
	return ok
}

// Roster returns the peer ids in the replicated roster, sorted.
func (s *Synchronizer) Roster() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(s.state.Players))
	for id := range s.state.Players {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns a deep copy of the current session state.
func (s *Synchronizer) Snapshot() *domain.SessionState {
	return s.state.Clone()
}

// AddPeer registers a connected peer with the host: a roster entry plus a
// pending full snapshot on the next tick.
func (s *Synchronizer) AddPeer(peer domain.PeerID) {
	if s.role != domain.RoleHost {
		return
	}
	if _, ok := s.views[peer]; ok {
		return
	}
	s.views[peer] = &peerView{
		needsFull: true,
		limiter:   rate.NewLimiter(rate.Limit(s.cfg.InputRate), s.cfg.InputBurst),
	}
	if _, ok := s.state.Players[peer]; !ok {
		s.state.Players[peer] = domain.PlayerState{}
		s.markPlayer(peer)
	}
	s.logger.Info("peer added to session",
		zap.String("peer", string(peer)),
		zap.Int("players", len(s.state.Players)))
}

// RemovePeer drops a peer from the roster and stops replicating to it.
func (s *Synchronizer) RemovePeer(peer domain.PeerID) {
	if s.role != domain.RoleHost {
		return
	}
	delete(s.views, peer)
	if _, ok := s.state.Players[peer]; ok {
		delete(s.state.Players, peer)
		s.removedPlayers[peer] = struct{}{}
		delete(s.changedPlayers, peer)
	}
	s.logger.Info("peer removed from session",
		zap.String("peer", string(peer)),
		zap.Int("players", len(s.state.Players)))
}

// SubmitLocalInput records one local player intent. On the host it is
// consumed on the next tick; on a client it is sent to the host and applied
// speculatively, up to the prediction limit.
func (s *Synchronizer) SubmitLocalInput(in domain.Input) error {
	if s.role == domain.RoleHost {
		if len(s.localQueue) >= maxQueuedInputs {
			s.localQueue = s.localQueue[1:]
		}
		s.localQueue = append(s.localQueue, in)
		return nil
	}

	s.nextSeq++
	msg := domain.InputMessage{
		Seq:     s.nextSeq,
		MoveX:   in.MoveX,
		MoveY:   in.MoveY,
		Actions: in.Actions,
		SentAt:  utils.NowMillis(),
	}
	data, err := domain.EncodePacket(domain.PacketInput, msg)
	if err != nil {
		return err
	}
	if err := s.transport.Send(s.state.HostID, data); err != nil {
		return domain.ErrPeerNotConnected
	}

	if len(s.predictions) < s.cfg.PredictionLimit {
		before := s.state.Players[s.local]
		p := before
		domain.ApplyInput(&p, in, s.dt(), s.cfg.MaxSpeed)
		s.state.Players[s.local] = p
		s.predictions = append(s.predictions, domain.PendingPrediction{
			Seq:    msg.Seq,
			Input:  in,
			Before: before,
			At:     utils.Now(),
		})
	}
	return nil
}

// UpdatePlayer lets the host game layer mutate one roster entry outside the
// movement step (health, score, flags).
func (s *Synchronizer) UpdatePlayer(peer domain.PeerID, mutate func(*domain.PlayerState)) error {
	if s.role != domain.RoleHost {
		return domain.ErrNotHost
	}
	p, ok := s.state.Players[peer]
	if !ok {
		return domain.ErrPeerNotConnected
	}
	mutate(&p)
	s.state.Players[peer] = p
	s.markPlayer(peer)
	return nil
}

// UpsertObject creates or replaces one shared world object.
func (s *Synchronizer) UpsertObject(obj domain.WorldObject) error {
	if s.role != domain.RoleHost {
		return domain.ErrNotHost
	}
	s.state.Objects[obj.ID] = obj
	s.changedObjects[obj.ID] = struct{}{}
	delete(s.removedObjects, obj.ID)
	return nil
}

// RemoveObject deletes one shared world object.
func (s *Synchronizer) RemoveObject(id string) error {
	if s.role != domain.RoleHost {
		return domain.ErrNotHost
	}
	if _, ok := s.state.Objects[id]; !ok {
		return nil
	}
	delete(s.state.Objects, id)
	s.removedObjects[id] = struct{}{}
	delete(s.changedObjects, id)
	return nil
}

// HandleMessage dispatches one inbound sync packet from an open link.
// Malformed packets and packets that do not fit the local role are dropped.
func (s *Synchronizer) HandleMessage(from domain.PeerID, data []byte) {
	pkt, err := domain.DecodePacket(data)
	if err != nil {
		s.logger.Debug("dropping malformed packet",
			zap.String("peer", string(from)), zap.Error(err))
		return
	}
	switch pkt.Type {
	case domain.PacketState:
		var msg domain.StateMessage
		if err := json.Unmarshal(pkt.Data, &msg); err != nil {
			s.logger.Debug("dropping malformed state message",
				zap.String("peer", string(from)), zap.Error(err))
			return
		}
		s.handleState(from, msg)
	case domain.PacketInput:
		var msg domain.InputMessage
		if err := json.Unmarshal(pkt.Data, &msg); err != nil {
			s.logger.Debug("dropping malformed input message",
				zap.String("peer", string(from)), zap.Error(err))
			return
		}
		s.handleInput(from, msg)
	case domain.PacketSnapshotRequest:
		var msg domain.SnapshotRequest
		if err := json.Unmarshal(pkt.Data, &msg); err != nil {
			return
		}
		s.handleSnapshotRequest(from, msg)
	default:
		s.logger.Debug("dropping packet of unknown type",
			zap.String("peer", string(from)),
			zap.String("type", string(pkt.Type)))
	}
}

// Tick advances the authoritative state on the host: consume queued inputs,
// bump the version if anything changed and replicate to every peer.
func (s *Synchronizer) Tick() {
	if s.role != domain.RoleHost {
		return
	}

	dt := s.dt()
	for _, in := range s.localQueue {
		p := s.state.Players[s.local]
		domain.ApplyInput(&p, in, dt, s.cfg.MaxSpeed)
		s.state.Players[s.local] = p
		s.markPlayer(s.local)
	}
	s.localQueue = s.localQueue[:0]

	for peer, v := range s.views {
		for _, msg := range v.queue {
			p, ok := s.state.Players[peer]
			if !ok {
				continue
			}
			domain.ApplyInput(&p, msg.Input(), dt, s.cfg.MaxSpeed)
			s.state.Players[peer] = p
			if msg.Seq > v.consumed {
				v.consumed = msg.Seq
			}
			s.markPlayer(peer)
		}
		v.queue = v.queue[:0]
	}

	s.flush(false)
}

func (s *Synchronizer) handleInput(from domain.PeerID, msg domain.InputMessage) {
	if s.role != domain.RoleHost {
		s.logger.Debug("ignoring input message on client",
			zap.String("peer", string(from)))
		return
	}
	v, ok := s.views[from]
	if !ok {
		return
	}
	if !v.limiter.Allow() {
		s.logger.Debug("input rate exceeded, dropping",
			zap.String("peer", string(from)))
		if s.metrics != nil {
			s.metrics.RecordInputRejected("rate")
		}
		return
	}
	if !plausibleMove(msg.MoveX, msg.MoveY) {
		s.logger.Debug("implausible input, dropping",
			zap.String("peer", string(from)),
			zap.Float64("move_x", msg.MoveX),
			zap.Float64("move_y", msg.MoveY))
		if s.metrics != nil {
			s.metrics.RecordInputRejected("implausible")
		}
		return
	}
	if msg.Seq <= v.lastQueued {
		return
	}
	if len(v.queue) >= maxQueuedInputs {
		v.queue = v.queue[1:]
	}
	v.queue = append(v.queue, msg)
	v.lastQueued = msg.Seq
}

func (s *Synchronizer) handleSnapshotRequest(from domain.PeerID, msg domain.SnapshotRequest) {
	if s.role != domain.RoleHost {
		return
	}
	v, ok := s.views[from]
	if !ok {
		return
	}
	v.needsFull = true
	s.logger.Debug("snapshot requested",
		zap.String("peer", string(from)),
		zap.Uint64("have_version", msg.HaveVersion),
		zap.Uint64("version", s.state.Version))
}

func (s *Synchronizer) handleState(from domain.PeerID, msg domain.StateMessage) {
	if s.role == domain.RoleHost {
		s.logger.Debug("ignoring state message on host",
			zap.String("peer", string(from)))
		return
	}
	if from != s.state.HostID {
		s.logger.Debug("ignoring state message from non-host",
			zap.String("peer", string(from)),
			zap.String("host", string(s.state.HostID)))
		return
	}

	if msg.Full {
		s.applyFull(msg)
	} else {
		if msg.Version <= s.appliedVersion {
			// A replayed duplicate; already applied, dropped wholesale.
			return
		}
		if s.awaitingSnapshot {
			// The outstanding request can be lost in a migration race.
			// Deltas keep arriving, so ask again on a cadence.
			if utils.Now().Sub(s.snapshotAskedAt) >= snapshotRetryAfter {
				s.requestSnapshot()
			}
			return
		}
		if msg.BaseVersion != s.appliedVersion {
			s.requestSnapshot()
			return
		}
		s.applyDelta(msg)
	}

	s.reconcile(msg.AckSeq)
	s.events.StateApplied(s.state.Clone())
}

func (s *Synchronizer) applyFull(msg domain.StateMessage) {
	previous := s.state.Players

	players := make(map[domain.PeerID]domain.PlayerState, len(msg.Players))
	for id, p := range msg.Players {
		players[id] = p
	}
	objects := make(map[string]domain.WorldObject, len(msg.Objects))
	for id, o := range msg.Objects {
		objects[id] = o
	}
	s.state.HostID = msg.HostID
	s.state.Version = msg.Version
	s.state.Players = players
	s.state.Objects = objects
	s.appliedVersion = msg.Version
	s.awaitingSnapshot = false

	if p, ok := players[s.local]; ok {
		s.confirmedLocal = p
		s.hasConfirmed = true
	}

	s.emitRosterDiff(previous, players)
	s.logger.Debug("full snapshot applied",
		zap.Uint64("version", msg.Version),
		zap.Int("players", len(players)))
}

func (s *Synchronizer) applyDelta(msg domain.StateMessage) {
	for id, p := range msg.Players {
		if _, ok := s.state.Players[id]; !ok && id != s.local {
			s.events.PlayerJoined(id)
		}
		s.state.Players[id] = p
		if id == s.local {
			s.confirmedLocal = p
			s.hasConfirmed = true
		}
	}
	for _, id := range msg.RemovedPlayers {
		if _, ok := s.state.Players[id]; ok && id != s.local {
			s.events.PlayerLeft(id)
		}
		delete(s.state.Players, id)
	}
	for id, o := range msg.Objects {
		s.state.Objects[id] = o
	}
	for _, id := range msg.RemovedObjects {
		delete(s.state.Objects, id)
	}
	s.state.Version = msg.Version
	s.appliedVersion = msg.Version
}

// reconcile drops predictions the host has consumed and replays the rest on
// top of the latest confirmed local state.
func (s *Synchronizer) reconcile(ackSeq uint64) {
	kept := s.predictions[:0]
	for _, pred := range s.predictions {
		if pred.Seq > ackSeq {
			kept = append(kept, pred)
		}
	}
	s.predictions = kept

	if !s.hasConfirmed {
		return
	}
	p := s.confirmedLocal
	dt := s.dt()
	for _, pred := range s.predictions {
		domain.ApplyInput(&p, pred.Input, dt, s.cfg.MaxSpeed)
	}
	s.state.Players[s.local] = p
}

func (s *Synchronizer) requestSnapshot() {
	s.awaitingSnapshot = true
	s.snapshotAskedAt = utils.Now()
	data, err := domain.EncodePacket(domain.PacketSnapshotRequest,
		domain.SnapshotRequest{HaveVersion: s.appliedVersion})
	if err != nil {
		return
	}
	if err := s.transport.Send(s.state.HostID, data); err != nil {
		// Deltas stay blocked while the flag is up; the cadence in
		// handleState re-sends once the link carries traffic again.
		s.logger.Debug("snapshot request not sent", zap.Error(err))
		return
	}
	s.logger.Info("requested snapshot",
		zap.String("host", string(s.state.HostID)),
		zap.Uint64("have_version", s.appliedVersion))
}

// HandleHostLost runs the migration check after the current host is gone
// for good. The surviving roster elects the lowest peer id; if that is the
// local peer it promotes itself and immediately replicates a version 0
// snapshot to every open link, otherwise it follows the elected host and
// asks it for a baseline over a surviving link. Returns the elected host.
func (s *Synchronizer) HandleHostLost(lost domain.PeerID, openPeers []domain.PeerID) (domain.PeerID, bool) {
	if s.role == domain.RoleHost || lost != s.state.HostID {
		return s.state.HostID, false
	}

	delete(s.state.Players, lost)

	newHost := s.local
	for id := range s.state.Players {
		if id != lost && id < newHost {
			newHost = id
		}
	}

	if newHost == s.local {
		s.promote(lost, openPeers)
		return newHost, true
	}

	s.state.HostID = newHost
	s.appliedVersion = 0
	s.awaitingSnapshot = true
	s.snapshotAskedAt = time.Time{}
	s.predictions = s.predictions[:0]
	s.events.HostMigrated(newHost)
	s.logger.Info("host migrated",
		zap.String("lost", string(lost)),
		zap.String("new_host", string(newHost)))
	for _, peer := range openPeers {
		if peer == newHost {
			// A mesh link to the new host survived. Its promotion snapshot
			// may have raced past before HostID flipped, so ask for the
			// baseline rather than waiting on one.
			s.requestSnapshot()
			break
		}
	}
	return newHost, false
}

func (s *Synchronizer) promote(lost domain.PeerID, openPeers []domain.PeerID) {
	s.role = domain.RoleHost
	s.state.HostID = s.local
	s.state.Version = 0
	s.predictions = s.predictions[:0]
	s.awaitingSnapshot = false
	s.localQueue = s.localQueue[:0]
	s.clearChanges()

	sort.Slice(openPeers, func(i, j int) bool { return openPeers[i] < openPeers[j] })
	for _, peer := range openPeers {
		if peer == s.local || peer == lost {
			continue
		}
		s.views[peer] = &peerView{
			needsFull: true,
			limiter:   rate.NewLimiter(rate.Limit(s.cfg.InputRate), s.cfg.InputBurst),
		}
		if _, ok := s.state.Players[peer]; !ok {
			s.state.Players[peer] = domain.PlayerState{}
		}
	}
	if _, ok := s.state.Players[s.local]; !ok {
		s.state.Players[s.local] = domain.PlayerState{}
	}

	s.events.HostMigrated(s.local)
	s.logger.Info("promoted to host",
		zap.String("lost", string(lost)),
		zap.Int("players", len(s.state.Players)))

	// Re-seed every survivor with the authoritative baseline right away
	// rather than waiting for the next tick.
	s.flush(true)
}

// flush replicates the current state: full snapshots to peers that need
// one, a delta against the previous version to everyone else when anything
// changed this tick.
func (s *Synchronizer) flush(forceFull bool) {
	dirty := len(s.changedPlayers) > 0 || len(s.removedPlayers) > 0 ||
		len(s.changedObjects) > 0 || len(s.removedObjects) > 0

	if !dirty && !forceFull && !s.anyNeedsFull() {
		return
	}

	var (
		deltaPlayers map[domain.PeerID]domain.PlayerState
		removedP     []domain.PeerID
		deltaObjects map[string]domain.WorldObject
		removedO     []string
	)
	if dirty {
		s.state.Version++

		deltaPlayers = make(map[domain.PeerID]domain.PlayerState, len(s.changedPlayers))
		for id := range s.changedPlayers {
			if p, ok := s.state.Players[id]; ok {
				deltaPlayers[id] = p
			}
		}
		removedP = make([]domain.PeerID, 0, len(s.removedPlayers))
		for id := range s.removedPlayers {
			removedP = append(removedP, id)
		}
		deltaObjects = make(map[string]domain.WorldObject, len(s.changedObjects))
		for id := range s.changedObjects {
			if o, ok := s.state.Objects[id]; ok {
				deltaObjects[id] = o
			}
		}
		removedO = make([]string, 0, len(s.removedObjects))
		for id := range s.removedObjects {
			removedO = append(removedO, id)
		}
	}

	for peer, v := range s.views {
		var msg domain.StateMessage
		switch {
		case forceFull || v.needsFull:
			msg = domain.StateMessage{
				Version: s.state.Version,
				Full:    true,
				HostID:  s.state.HostID,
				AckSeq:  v.consumed,
				Players: s.state.Players,
				Objects: s.state.Objects,
			}
			v.needsFull = false
		case dirty:
			msg = domain.StateMessage{
				Version:        s.state.Version,
				BaseVersion:    s.state.Version - 1,
				HostID:         s.state.HostID,
				AckSeq:         v.consumed,
				Players:        deltaPlayers,
				RemovedPlayers: removedP,
				Objects:        deltaObjects,
				RemovedObjects: removedO,
			}
		default:
			continue
		}

		data, err := domain.EncodePacket(domain.PacketState, msg)
		if err != nil {
			s.logger.Error("state message encode failed", zap.Error(err))
			continue
		}
		if err := s.transport.Send(peer, data); err != nil {
			s.logger.Debug("state message not sent",
				zap.String("peer", string(peer)), zap.Error(err))
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordStatePacket(msg.Full, len(data))
		}
	}

	if dirty {
		s.clearChanges()
		s.events.StateApplied(s.state.Clone())
	}
}

func (s *Synchronizer) anyNeedsFull() bool {
	for _, v := range s.views {
		if v.needsFull {
			return true
		}
	}
	return false
}

func (s *Synchronizer) markPlayer(id domain.PeerID) {
	s.changedPlayers[id] = struct{}{}
	delete(s.removedPlayers, id)
}

func (s *Synchronizer) clearChanges() {
	s.changedPlayers = make(map[domain.PeerID]struct{})
	s.removedPlayers = make(map[domain.PeerID]struct{})
	s.changedObjects = make(map[string]struct{})
	s.removedObjects = make(map[string]struct{})
}

func (s *Synchronizer) dt() float64 {
	return s.cfg.TickInterval.Seconds()
}

func (s *Synchronizer) emitRosterDiff(before, after map[domain.PeerID]domain.PlayerState) {
	for id := range after {
		if id == s.local {
			continue
		}
		if _, ok := before[id]; !ok {
			s.events.PlayerJoined(id)
		}
	}
	for id := range before {
		if id == s.local {
			continue
		}
		if _, ok := after[id]; !ok {
			s.events.PlayerLeft(id)
		}
	}
}

func plausibleMove(x, y float64) bool {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return false
	}
	return math.Hypot(x, y) <= 1+moveEpsilon
}
