package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/internal/core/services"
	"partyline/internal/infrastructure/monitoring"
	"partyline/internal/infrastructure/signal"
	"partyline/pkg/tracing"
	"partyline/pkg/utils"
	"partyline/pkg/validation"
)

// Node is the peer-side facade: one goroutine owns the directory, the
// negotiator, the recovery manager and the session synchronizer, and
// everything else talks to it through commands. The services behind it are
// single-threaded by contract; the command channel is what enforces that.
//
// A node starts idle. Advertise turns it into a host, ResolveAndJoin into a
// client; Leave returns it to idle. All session outcomes surface on Events.
type Node struct {
	opts    Options
	id      domain.PeerID
	logger  *zap.Logger
	metrics *monitoring.PrometheusCollector

	transport  *signal.Transport
	peers      ports.PeerTransport
	fast       <-chan domain.SignalEnvelope
	peerEvents <-chan ports.TransportEvent
	sender     meteredSender

	directory  *services.Directory
	negotiator *services.Negotiator
	recovery   *services.Recovery
	session    *services.Synchronizer

	gameCode    domain.GameCode
	hostInfo    domain.HostInfo
	advertising bool
	joining     *joinAttempt
	links       map[domain.PeerID]*domain.Link

	ctx       context.Context
	cancel    context.CancelFunc
	cmds      chan func(context.Context)
	events    chan Event
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type joinAttempt struct {
	code     domain.GameCode
	host     domain.PeerID
	deadline time.Time
}

// meteredSender counts outbound signals on their way to the transport.
type meteredSender struct {
	transport *signal.Transport
	metrics   *monitoring.PrometheusCollector
}

func (m meteredSender) Send(ctx context.Context, env domain.SignalEnvelope) error {
	if err := m.transport.Send(ctx, env); err != nil {
		return err
	}
	m.metrics.RecordSignalSent(env.Kind.String())
	return nil
}

// New assembles a node and starts its loop. The node owns the transports
// from here on and closes them on Close.
func New(opts Options) (*Node, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	id := opts.ID
	if id == "" {
		id = domain.PeerID(utils.GeneratePeerID())
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		opts:      opts,
		id:        id,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		transport: opts.Signaling,
		peers:     opts.Peers,
		links:     make(map[domain.PeerID]*domain.Link),
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan func(context.Context), 16),
		events:    make(chan Event, opts.EventBuffer),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	n.fast = opts.Signaling.Fast()
	n.peerEvents = opts.Peers.Events()
	n.sender = meteredSender{transport: opts.Signaling, metrics: opts.Metrics}
	n.directory = services.NewDirectory(opts.AdvertisementTTL, n.logger)
	n.negotiator = services.NewNegotiator(id, opts.Peers, n.sender, opts.NegotiationTimeout, n.logger)
	n.recovery = services.NewRecovery(opts.Recovery, n.negotiator, n, n, n.logger)

	go n.run()
	n.logger.Info("node started", zap.String("peer_id", string(id)))
	return n, nil
}

func (n *Node) ID() domain.PeerID { return n.id }

// Events returns the notification channel. It is closed by Close.
func (n *Node) Events() <-chan Event { return n.events }

// Advertise starts hosting: a fresh session with this peer as authority and
// a broadcast advertisement carrying the game code. A caller-chosen code is
// normalized and used as is, an empty one gets generated. Returns the
// canonical code either way.
func (n *Node) Advertise(ctx context.Context, code string, info domain.HostInfo) (domain.GameCode, error) {
	var canonical domain.GameCode
	var cmdErr error
	if err := n.do(ctx, func(c context.Context) {
		canonical, cmdErr = n.advertise(c, code, info)
	}); err != nil {
		return "", err
	}
	return canonical, cmdErr
}

// ResolveAndJoin looks the code up in the directory and starts the handshake
// toward its host. Completion is asynchronous: EventJoined on success,
// EventJoinFailed when the attempt times out or the handshake dies.
func (n *Node) ResolveAndJoin(ctx context.Context, code string) error {
	var cmdErr error
	if err := n.do(ctx, func(c context.Context) {
		cmdErr = n.resolveAndJoin(c, code)
	}); err != nil {
		return err
	}
	return cmdErr
}

// SubmitLocalInput feeds one local player intent into the session.
func (n *Node) SubmitLocalInput(ctx context.Context, in domain.Input) error {
	var cmdErr error
	if err := n.do(ctx, func(context.Context) {
		if n.session == nil {
			cmdErr = domain.ErrNoSession
			return
		}
		cmdErr = n.session.SubmitLocalInput(in)
	}); err != nil {
		return err
	}
	return cmdErr
}

// UpdatePlayer applies a host-side mutation to one roster entry.
func (n *Node) UpdatePlayer(ctx context.Context, peer domain.PeerID, mutate func(*domain.PlayerState)) error {
	var cmdErr error
	if err := n.do(ctx, func(context.Context) {
		if n.session == nil {
			cmdErr = domain.ErrNoSession
			return
		}
		cmdErr = n.session.UpdatePlayer(peer, mutate)
	}); err != nil {
		return err
	}
	return cmdErr
}

// UpsertObject creates or replaces one shared world object (host only).
func (n *Node) UpsertObject(ctx context.Context, obj domain.WorldObject) error {
	var cmdErr error
	if err := n.do(ctx, func(context.Context) {
		if n.session == nil {
			cmdErr = domain.ErrNoSession
			return
		}
		cmdErr = n.session.UpsertObject(obj)
	}); err != nil {
		return err
	}
	return cmdErr
}

// RemoveObject deletes one shared world object (host only).
func (n *Node) RemoveObject(ctx context.Context, id string) error {
	var cmdErr error
	if err := n.do(ctx, func(context.Context) {
		if n.session == nil {
			cmdErr = domain.ErrNoSession
			return
		}
		cmdErr = n.session.RemoveObject(id)
	}); err != nil {
		return err
	}
	return cmdErr
}

// Leave tears the current session down: links closed, recovery aborted,
// advertising stopped. The node is idle afterwards and can host or join
// again.
func (n *Node) Leave(ctx context.Context) error {
	var cmdErr error
	if err := n.do(ctx, func(context.Context) {
		cmdErr = n.leaveSession()
	}); err != nil {
		return err
	}
	return cmdErr
}

// Role reports host or client; an idle node is a client.
func (n *Node) Role() domain.Role {
	var r domain.Role
	_ = n.do(context.Background(), func(context.Context) {
		if n.session != nil {
			r = n.session.Role()
		}
	})
	return r
}

// GameCode returns the code of the hosted or joined game, empty when idle.
func (n *Node) GameCode() domain.GameCode {
	var code domain.GameCode
	_ = n.do(context.Background(), func(context.Context) {
		code = n.gameCode
	})
	return code
}

// Snapshot returns a deep copy of the session state, nil when idle.
func (n *Node) Snapshot() *domain.SessionState {
	var snap *domain.SessionState
	_ = n.do(context.Background(), func(context.Context) {
		if n.session != nil {
			snap = n.session.Snapshot()
		}
	})
	return snap
}

// Peers returns the introspection view of every known link and handshake.
func (n *Node) Peers() []domain.LinkInfo {
	var out []domain.LinkInfo
	_ = n.do(context.Background(), func(context.Context) {
		out = n.linkInfos()
	})
	return out
}

// Games returns every live advertisement, the locally hosted one included.
func (n *Node) Games() []domain.Advertisement {
	var out []domain.Advertisement
	_ = n.do(context.Background(), func(context.Context) {
		out = n.directory.List()
		if n.advertising && n.session != nil {
			out = append(out, domain.Advertisement{
				Code:           n.gameCode,
				Host:           n.id,
				GameType:       n.hostInfo.GameType,
				MaxPlayers:     n.hostInfo.MaxPlayers,
				CurrentPlayers: n.session.PlayerCount(),
				Timestamp:      utils.NowMillis(),
				SeenAt:         utils.Now(),
			})
			sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
		}
	})
	return out
}

// Healthy proves the loop is alive by running a no-op command through it.
func (n *Node) Healthy(ctx context.Context) error {
	return n.do(ctx, func(context.Context) {})
}

// Close stops the loop and releases the transports. In-flight recovery is
// abandoned; call Leave first for a graceful departure.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()
		close(n.done)
		<-n.stopped

		n.directory.Close()
		if err := n.peers.Close(); err != nil {
			n.closeErr = err
		}
		if err := n.transport.Close(); err != nil && n.closeErr == nil {
			n.closeErr = err
		}
		close(n.events)
		n.logger.Info("node closed", zap.String("peer_id", string(n.id)))
	})
	return n.closeErr
}

// do runs fn on the node loop and waits for it. The caller context bounds
// the wait only; fn itself runs under the loop context.
func (n *Node) do(ctx context.Context, fn func(context.Context)) error {
	ran := make(chan struct{})
	wrapped := func(c context.Context) {
		defer close(ran)
		fn(c)
	}
	select {
	case n.cmds <- wrapped:
	case <-n.stopped:
		return domain.ErrNodeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-n.stopped:
		return domain.ErrNodeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) run() {
	defer close(n.stopped)

	poll := time.NewTicker(n.opts.PollInterval)
	defer poll.Stop()
	tick := time.NewTicker(n.opts.Sync.TickInterval)
	defer tick.Stop()
	advertise := time.NewTicker(n.opts.AdvertiseInterval)
	defer advertise.Stop()
	housekeep := time.NewTicker(n.opts.HousekeepInterval)
	defer housekeep.Stop()

	for {
		select {
		case <-n.done:
			return
		case fn := <-n.cmds:
			fn(n.ctx)
		case env, ok := <-n.fast:
			if !ok {
				n.fast = nil
				continue
			}
			if sig, admitted := n.transport.Ingest(env); admitted {
				n.dispatchSignal(n.ctx, sig)
			}
		case ev := <-n.peerEvents:
			n.handleTransportEvent(n.ctx, ev)
		case <-poll.C:
			n.pollSignals(n.ctx)
		case <-tick.C:
			n.tickSession()
		case <-advertise.C:
			if n.advertising {
				if err := n.advertiseNow(n.ctx); err != nil {
					n.logger.Warn("advertisement refresh failed", zap.Error(err))
				}
			}
		case <-housekeep.C:
			n.housekeep(n.ctx)
		}
	}
}

func (n *Node) advertise(ctx context.Context, raw string, info domain.HostInfo) (domain.GameCode, error) {
	if n.session != nil || n.joining != nil {
		return "", domain.ErrSessionActive
	}
	if err := validation.ValidateHostInfo(info); err != nil {
		return "", err
	}
	if raw == "" {
		raw = utils.GenerateGameCode(domain.GameCodeLength)
	} else if err := validation.ValidateGameCode(raw); err != nil {
		return "", domain.ErrInvalidGameCode
	}

	code := domain.NormalizeGameCode(raw)
	n.gameCode = code
	n.hostInfo = info
	n.session = services.NewSynchronizer(n.id, domain.RoleHost, n.id, n.opts.Sync, n.peers, n, n.logger)
	n.session.SetMetrics(n.metrics)
	n.advertising = true

	if err := n.advertiseNow(ctx); err != nil {
		n.session = nil
		n.advertising = false
		n.gameCode = ""
		return "", err
	}

	n.metrics.SetPlayers(n.session.PlayerCount())
	n.logger.Info("hosting game",
		zap.String("code", string(code)),
		zap.String("game_type", info.GameType),
		zap.Int("max_players", info.MaxPlayers))
	return code, nil
}

func (n *Node) resolveAndJoin(ctx context.Context, raw string) error {
	if n.joining != nil {
		return domain.ErrAlreadyJoining
	}
	if n.session != nil {
		return domain.ErrSessionActive
	}

	ad, err := n.directory.Resolve(raw)
	if err != nil {
		return err
	}

	n.session = services.NewSynchronizer(n.id, domain.RoleClient, ad.Host, n.opts.Sync, n.peers, n, n.logger)
	n.session.SetMetrics(n.metrics)
	n.gameCode = ad.Code
	n.hostInfo = domain.HostInfo{GameType: ad.GameType, MaxPlayers: ad.MaxPlayers}
	n.joining = &joinAttempt{
		code:     ad.Code,
		host:     ad.Host,
		deadline: utils.Now().Add(n.opts.JoinTimeout),
	}

	if err := n.negotiator.Initiate(ctx, ad.Host); err != nil {
		n.session = nil
		n.joining = nil
		n.gameCode = ""
		n.hostInfo = domain.HostInfo{}
		return err
	}

	n.logger.Info("joining game",
		zap.String("code", string(ad.Code)),
		zap.String("host", string(ad.Host)))
	return nil
}

func (n *Node) leaveSession() error {
	if n.session == nil && n.joining == nil {
		return domain.ErrNoSession
	}

	n.joining = nil
	n.advertising = false
	for peer := range n.negotiator.Infos() {
		n.negotiator.Drop(peer)
	}
	n.links = make(map[domain.PeerID]*domain.Link)
	n.recovery.AbortAll()
	n.session = nil
	n.gameCode = ""
	n.hostInfo = domain.HostInfo{}

	n.metrics.SetPlayers(0)
	n.metrics.SetSessionVersion(0)
	n.logger.Info("left session")
	return nil
}

func (n *Node) advertiseNow(ctx context.Context) error {
	payload := domain.AdvertisementPayload{
		HostID:         n.id,
		GameCode:       n.gameCode,
		GameType:       n.hostInfo.GameType,
		MaxPlayers:     n.hostInfo.MaxPlayers,
		CurrentPlayers: n.session.PlayerCount(),
	}
	env, err := domain.NewEnvelope(utils.GenerateSignalID(), domain.KindAdvertisement, n.id, "", payload)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, env)
}

func (n *Node) pollSignals(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "signal.poll")
	defer span.End()

	sigs := n.transport.Poll(ctx)
	n.metrics.RecordPollBatch(len(sigs))
	for _, sig := range sigs {
		n.dispatchSignal(ctx, sig)
	}
}

func (n *Node) dispatchSignal(ctx context.Context, sig domain.Signal) {
	n.metrics.RecordSignalProcessed(sig.Kind.String())

	switch sig.Kind {
	case domain.KindAdvertisement:
		if n.directory.Observe(sig.SourcePeer, *sig.Advertisement, sig.SentAt.UnixMilli()) {
			n.metrics.SetAdvertisements(n.directory.Len())
		}
	case domain.KindOffer:
		if err := n.negotiator.HandleOffer(ctx, sig); err != nil {
			n.logger.Warn("offer handling failed",
				zap.String("peer", string(sig.SourcePeer)), zap.Error(err))
		}
	case domain.KindAnswer:
		if err := n.negotiator.HandleAnswer(ctx, sig); err != nil {
			n.logger.Warn("answer handling failed",
				zap.String("peer", string(sig.SourcePeer)), zap.Error(err))
		}
	case domain.KindCandidate:
		if err := n.negotiator.HandleCandidate(ctx, sig); err != nil {
			n.logger.Warn("candidate handling failed",
				zap.String("peer", string(sig.SourcePeer)), zap.Error(err))
		}
	}
}

func (n *Node) handleTransportEvent(ctx context.Context, ev ports.TransportEvent) {
	switch ev.Type {
	case ports.TransportCandidate:
		if err := n.negotiator.SendLocalCandidate(ctx, ev.Peer, ev.Candidate); err != nil {
			n.logger.Warn("candidate not published",
				zap.String("peer", string(ev.Peer)), zap.Error(err))
		}
	case ports.TransportLinkOpen:
		n.handleLinkOpen(ev.Peer)
	case ports.TransportMessage:
		if l, ok := n.links[ev.Peer]; ok {
			l.LastSeen = utils.Now()
		}
		if n.session != nil {
			n.session.HandleMessage(ev.Peer, ev.Data)
		}
	case ports.TransportLinkClosed:
		n.handleLinkClosed(ev.Peer)
	case ports.TransportLinkFailed:
		n.handleLinkFailed(ev.Peer)
	}
}

func (n *Node) handleLinkOpen(peer domain.PeerID) {
	if !n.negotiator.OnLinkOpen(peer) {
		n.logger.Debug("link opened without negotiation",
			zap.String("peer", string(peer)))
	}
	now := utils.Now()
	n.links[peer] = &domain.Link{Peer: peer, State: domain.LinkOpen, OpenedAt: now, LastSeen: now}
	n.recovery.Resolve(peer)

	if n.session != nil && n.session.Role() == domain.RoleHost {
		alreadyIn := n.session.HasPlayer(peer)
		if !alreadyIn && n.hostInfo.MaxPlayers > 0 && n.session.PlayerCount() >= n.hostInfo.MaxPlayers {
			n.logger.Info("session full, turning peer away",
				zap.String("peer", string(peer)),
				zap.Int("max_players", n.hostInfo.MaxPlayers))
			delete(n.links, peer)
			n.negotiator.Drop(peer)
			return
		}
		n.session.AddPeer(peer)
		n.metrics.SetPlayers(n.session.PlayerCount())
		if !alreadyIn {
			n.emit(Event{Type: EventPlayerJoined, Peer: peer})
		}
	}

	if n.joining != nil && n.joining.host == peer {
		// The join completes on the first applied snapshot, not here. A
		// host that turns us away closes the link before sending one.
		n.logger.Info("host link open, awaiting snapshot",
			zap.String("code", string(n.gameCode)),
			zap.String("host", string(peer)))
	}
}

func (n *Node) handleLinkClosed(peer domain.PeerID) {
	n.negotiator.OnLinkClosed(peer)
	wasOpen := false
	if l, ok := n.links[peer]; ok {
		wasOpen = l.State == domain.LinkOpen
		l.State = domain.LinkClosed
	}
	// A deliberate close is a goodbye, not an outage.
	n.recovery.Abort(peer)

	if !wasOpen || n.session == nil {
		return
	}
	if n.session.Role() == domain.RoleHost {
		n.session.RemovePeer(peer)
		n.metrics.SetPlayers(n.session.PlayerCount())
		n.emit(Event{Type: EventPlayerLeft, Peer: peer})
		return
	}
	if peer == n.session.HostID() {
		n.hostGone(peer)
	}
}

func (n *Node) handleLinkFailed(peer domain.PeerID) {
	n.negotiator.OnLinkFailed(peer)
	wasOpen := false
	if l, ok := n.links[peer]; ok {
		wasOpen = l.State == domain.LinkOpen
		l.State = domain.LinkFailed
	}

	if wasOpen {
		n.ConnectionLost(peer)
		n.recovery.Watch(peer)
		return
	}

	n.metrics.RecordNegotiationFailed()
	if n.joining != nil && n.joining.host == peer {
		n.failJoin(peer, domain.ErrPeerNotConnected)
	}
}

func (n *Node) failJoin(peer domain.PeerID, cause error) {
	n.logger.Warn("join failed",
		zap.String("host", string(peer)), zap.Error(cause))
	n.joining = nil
	n.session = nil
	n.gameCode = ""
	n.hostInfo = domain.HostInfo{}
	n.negotiator.Drop(peer)
	n.recovery.Abort(peer)
	delete(n.links, peer)
	n.emit(Event{Type: EventJoinFailed, Peer: peer, Err: cause})
}

// hostGone runs the migration protocol after the current host is gone for
// good: elect the lowest surviving peer id, promote if that is us, otherwise
// dial the elected host and wait for its snapshot.
func (n *Node) hostGone(host domain.PeerID) {
	n.negotiator.Drop(host)
	delete(n.links, host)

	// A host lost before its first snapshot never admitted us; a failed
	// join, not a migration.
	if n.joining != nil && n.joining.host == host {
		n.failJoin(host, domain.ErrPeerNotConnected)
		return
	}

	newHost, promoted := n.session.HandleHostLost(host, n.openPeers())
	if promoted {
		// Take over the advertised code so the game stays joinable.
		n.advertising = n.gameCode != ""
		if n.advertising {
			if err := n.advertiseNow(n.ctx); err != nil {
				n.logger.Warn("advertisement after promotion failed", zap.Error(err))
			}
		}
		n.metrics.SetPlayers(n.session.PlayerCount())
		return
	}
	if newHost != n.id && newHost != host {
		if l, ok := n.links[newHost]; ok && l.State == domain.LinkOpen {
			// A mesh link already reaches the elected host; the session
			// asked it for a baseline during the election.
			return
		}
		if err := n.negotiator.Initiate(n.ctx, newHost); err != nil {
			n.logger.Warn("failed to reach elected host",
				zap.String("host", string(newHost)), zap.Error(err))
		}
	}
}

// meshTend dials roster peers this node has no open link with. The lower
// peer id initiates, so each pair negotiates exactly once; mesh links keep
// the survivors reachable when the host dies.
func (n *Node) meshTend() {
	if n.session == nil || n.session.Role() != domain.RoleClient {
		return
	}
	host := n.session.HostID()
	for _, peer := range n.session.Roster() {
		if peer <= n.id || peer == host {
			continue
		}
		if l, ok := n.links[peer]; ok && l.State == domain.LinkOpen {
			continue
		}
		if n.recovery.Recovering(peer) {
			continue
		}
		if err := n.negotiator.Initiate(n.ctx, peer); err != nil {
			n.logger.Debug("mesh dial failed",
				zap.String("peer", string(peer)), zap.Error(err))
		}
	}
}

func (n *Node) housekeep(ctx context.Context) {
	now := utils.Now()

	// A timed-out handshake gets the same supervision as a dropped link;
	// the join deadline below bounds how long a joiner waits for it.
	for _, peer := range n.negotiator.Tick(now) {
		n.metrics.RecordNegotiationFailed()
		n.recovery.Watch(peer)
	}

	n.recovery.Tick(ctx, now)

	if n.joining != nil && now.After(n.joining.deadline) {
		n.failJoin(n.joining.host, domain.ErrJoinTimeout)
	}

	n.meshTend()

	n.metrics.SetAdvertisements(n.directory.Len())
}

func (n *Node) tickSession() {
	if n.session == nil {
		return
	}
	_, span := tracing.TraceSync(n.ctx, "tick", n.session.Version())
	defer span.End()

	n.session.Tick()
	n.metrics.SetSessionVersion(n.session.Version())
	n.metrics.SetPlayers(n.session.PlayerCount())
}

func (n *Node) openPeers() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(n.links))
	for peer, l := range n.links {
		if l.State == domain.LinkOpen {
			out = append(out, peer)
		}
	}
	return out
}

func (n *Node) linkInfos() []domain.LinkInfo {
	phases := n.negotiator.Infos()
	out := make([]domain.LinkInfo, 0, len(phases)+len(n.links))
	for peer, phase := range phases {
		info := domain.LinkInfo{Peer: peer, State: domain.LinkPending, Phase: phase.String()}
		if l, ok := n.links[peer]; ok {
			info.State = l.State
			info.OpenedAt = l.OpenedAt
			info.LastSeen = l.LastSeen
		}
		out = append(out, info)
	}
	for peer, l := range n.links {
		if _, seen := phases[peer]; seen {
			continue
		}
		out = append(out, domain.LinkInfo{
			Peer:     peer,
			State:    l.State,
			OpenedAt: l.OpenedAt,
			LastSeen: l.LastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.logger.Debug("event buffer full, dropping",
			zap.String("event", ev.Type.String()))
	}
}

// EventSink and PeerLostSink implementations. These run on the node loop:
// the synchronizer and the recovery manager call them synchronously.

func (n *Node) PlayerJoined(peer domain.PeerID) {
	n.emit(Event{Type: EventPlayerJoined, Peer: peer})
}

func (n *Node) PlayerLeft(peer domain.PeerID) {
	n.emit(Event{Type: EventPlayerLeft, Peer: peer})
}

func (n *Node) StateApplied(snapshot *domain.SessionState) {
	if n.joining != nil && n.joining.host == snapshot.HostID {
		n.joining = nil
		n.emit(Event{Type: EventJoined, Peer: snapshot.HostID})
		n.logger.Info("joined session",
			zap.String("code", string(n.gameCode)),
			zap.String("host", string(snapshot.HostID)))
	}
	n.emit(Event{Type: EventStateApplied, Snapshot: snapshot})
	n.meshTend()
}

func (n *Node) HostMigrated(newHost domain.PeerID) {
	n.metrics.RecordHostMigration()
	n.emit(Event{Type: EventHostMigrated, Peer: newHost})
}

func (n *Node) ConnectionLost(peer domain.PeerID) {
	n.emit(Event{Type: EventConnectionLost, Peer: peer})
}

func (n *Node) PeerRecovering(peer domain.PeerID, attempt int) {
	n.metrics.RecordRecoveryAttempt()
	n.emit(Event{Type: EventPeerRecovering, Peer: peer, Attempt: attempt})
}

// PeerLost is recovery's verdict: the peer is not coming back.
func (n *Node) PeerLost(peer domain.PeerID) {
	n.metrics.RecordPeerLost()
	n.negotiator.Drop(peer)
	delete(n.links, peer)

	if n.session == nil {
		return
	}
	if n.session.Role() == domain.RoleHost {
		if n.session.HasPlayer(peer) {
			n.session.RemovePeer(peer)
			n.metrics.SetPlayers(n.session.PlayerCount())
			n.emit(Event{Type: EventPlayerLeft, Peer: peer})
		}
		return
	}
	if peer == n.session.HostID() {
		n.hostGone(peer)
	}
}
