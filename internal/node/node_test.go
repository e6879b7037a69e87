package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/internal/core/services"
	"partyline/internal/infrastructure/signal"
	"partyline/internal/infrastructure/stores/memory"
	"partyline/pkg/retry"
	"partyline/tests/testutils"
)

const (
	waitFor  = 5 * time.Second
	pollTick = 10 * time.Millisecond
)

// cluster is the shared fabric of a multi-node test: one signal store, one
// bus and one pipe network, so nodes built on it discover and dial each
// other in-process.
type cluster struct {
	t     *testing.T
	store ports.SignalStore
	bus   *signal.MemoryBus
	pipes *testutils.PipeNetwork
}

func newCluster(t *testing.T) *cluster {
	return &cluster{
		t:     t,
		store: memory.NewStore(),
		bus:   signal.NewMemoryBus(zaptest.NewLogger(t)),
		pipes: testutils.NewPipeNetwork(),
	}
}

// node builds a running node on the cluster fabric, with intervals tightened
// for tests and a log draining its events.
func (c *cluster) node(id domain.PeerID) (*Node, *eventLog) {
	c.t.Helper()

	transport := signal.NewTransport(id, c.store, c.bus, 256, time.Minute, zaptest.NewLogger(c.t))
	n, err := New(Options{
		ID:                 id,
		Signaling:          transport,
		Peers:              c.pipes.Endpoint(id),
		Logger:             zaptest.NewLogger(c.t),
		PollInterval:       20 * time.Millisecond,
		AdvertiseInterval:  50 * time.Millisecond,
		AdvertisementTTL:   time.Second,
		NegotiationTimeout: 500 * time.Millisecond,
		JoinTimeout:        2 * time.Second,
		HousekeepInterval:  20 * time.Millisecond,
		Recovery: retry.Config{
			Enabled:      true,
			MaxAttempts:  2,
			InitialDelay: 25 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2.0,
		},
		Sync:        services.SyncConfig{TickInterval: 25 * time.Millisecond},
		EventBuffer: 256,
	})
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = n.Close() })
	return n, watchEvents(n)
}

// eventLog drains one node's event channel so the emitter never drops, and
// keeps everything seen for assertions.
type eventLog struct {
	mu    sync.Mutex
	all   []Event
	ended bool
}

func watchEvents(n *Node) *eventLog {
	l := &eventLog{}
	go func() {
		for ev := range n.Events() {
			l.mu.Lock()
			l.all = append(l.all, ev)
			l.mu.Unlock()
		}
		l.mu.Lock()
		l.ended = true
		l.mu.Unlock()
	}()
	return l
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.all {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) first(t EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.all {
		if ev.Type == t {
			return ev, true
		}
	}
	return Event{}, false
}

func (l *eventLog) drained() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ended
}

func seesGame(n *Node, code domain.GameCode, host domain.PeerID) bool {
	for _, ad := range n.Games() {
		if ad.Code == code && ad.Host == host {
			return true
		}
	}
	return false
}

func linkOpen(n *Node, peer domain.PeerID) bool {
	for _, info := range n.Peers() {
		if info.Peer == peer && info.State == domain.LinkOpen {
			return true
		}
	}
	return false
}

// joinGame advertises on host, waits for the code to reach client and
// drives the join to completion.
func joinGame(t *testing.T, host, client *Node, clientLog *eventLog, info domain.HostInfo) domain.GameCode {
	t.Helper()
	ctx := context.Background()

	code, err := host.Advertise(ctx, "", info)
	require.NoError(t, err)
	require.True(t, code.Valid())

	require.Eventually(t, func() bool {
		return seesGame(client, code, host.ID())
	}, waitFor, pollTick, "advertisement never reached the client")

	require.NoError(t, client.ResolveAndJoin(ctx, string(code)))
	require.Eventually(t, func() bool {
		return clientLog.count(EventJoined) == 1
	}, waitFor, pollTick, "join never completed")
	return code
}

func TestAdvertiseCreatesHostSession(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")

	code, err := a.Advertise(context.Background(), "", domain.HostInfo{GameType: "arena", MaxPlayers: 8})
	require.NoError(t, err)
	require.True(t, code.Valid())

	require.Equal(t, domain.RoleHost, a.Role())
	require.Equal(t, code, a.GameCode())

	snap := a.Snapshot()
	require.NotNil(t, snap)
	require.Equal(t, a.ID(), snap.HostID)
	require.Contains(t, snap.Players, a.ID())

	require.True(t, seesGame(a, code, a.ID()))
}

func TestAdvertiseWhileSessionActive(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")
	ctx := context.Background()

	_, err := a.Advertise(ctx, "", domain.HostInfo{GameType: "arena", MaxPlayers: 4})
	require.NoError(t, err)

	_, err = a.Advertise(ctx, "", domain.HostInfo{GameType: "arena", MaxPlayers: 4})
	require.ErrorIs(t, err, domain.ErrSessionActive)
}

func TestAdvertiseValidatesHostInfo(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")

	_, err := a.Advertise(context.Background(), "", domain.HostInfo{MaxPlayers: -1})
	require.Error(t, err)
	require.Nil(t, a.Snapshot())
}

func TestAdvertiseWithChosenCode(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")

	code, err := a.Advertise(context.Background(), "brawl7", domain.HostInfo{GameType: "arena", MaxPlayers: 4})
	require.NoError(t, err)
	require.Equal(t, domain.GameCode("BRAWL7"), code)
	require.True(t, seesGame(a, code, a.ID()))
}

func TestAdvertiseRejectsBadCode(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")

	_, err := a.Advertise(context.Background(), "no", domain.HostInfo{GameType: "arena", MaxPlayers: 4})
	require.ErrorIs(t, err, domain.ErrInvalidGameCode)
	require.Nil(t, a.Snapshot())
}

func TestJoinRejectsBadCodes(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")
	ctx := context.Background()

	require.ErrorIs(t, a.ResolveAndJoin(ctx, "nope"), domain.ErrInvalidGameCode)
	require.ErrorIs(t, a.ResolveAndJoin(ctx, "ZZZZ99"), domain.ErrGameCodeNotFound)
}

func TestSessionOpsRequireSession(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")
	ctx := context.Background()

	require.ErrorIs(t, a.SubmitLocalInput(ctx, domain.Input{MoveX: 1}), domain.ErrNoSession)
	require.ErrorIs(t, a.UpsertObject(ctx, domain.WorldObject{ID: "crate-1"}), domain.ErrNoSession)
	require.ErrorIs(t, a.Leave(ctx), domain.ErrNoSession)
}

func TestJoinLifecycle(t *testing.T) {
	c := newCluster(t)
	a, alog := c.node("p-a")
	b, blog := c.node("p-b")

	code := joinGame(t, a, b, blog, domain.HostInfo{GameType: "arena", MaxPlayers: 4})

	require.Equal(t, domain.RoleClient, b.Role())
	require.Equal(t, code, b.GameCode())

	require.Eventually(t, func() bool {
		snap := b.Snapshot()
		return snap != nil && snap.HostID == a.ID() && len(snap.Players) == 2
	}, waitFor, pollTick, "client snapshot never converged")

	snap := a.Snapshot()
	require.Contains(t, snap.Players, b.ID())

	require.Eventually(t, func() bool {
		ev, ok := alog.first(EventPlayerJoined)
		return ok && ev.Peer == b.ID()
	}, waitFor, pollTick)

	require.True(t, linkOpen(a, b.ID()))
	require.True(t, linkOpen(b, a.ID()))
	require.NotZero(t, blog.count(EventStateApplied))

	// Object writes stay host-only.
	require.ErrorIs(t, b.UpsertObject(context.Background(), domain.WorldObject{ID: "crate-1"}), domain.ErrNotHost)
}

func TestInputReachesHostState(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")
	b, blog := c.node("p-b")
	ctx := context.Background()

	joinGame(t, a, b, blog, domain.HostInfo{GameType: "arena", MaxPlayers: 4})

	require.NoError(t, b.SubmitLocalInput(ctx, domain.Input{MoveX: 1}))

	// Prediction moves the local copy before the host confirms.
	snap := b.Snapshot()
	require.NotNil(t, snap)
	require.Greater(t, snap.Players[b.ID()].X, 0.0)

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return snap != nil && snap.Players[b.ID()].X > 0
	}, waitFor, pollTick, "host never applied the client input")
}

func TestClientLeave(t *testing.T) {
	c := newCluster(t)
	a, alog := c.node("p-a")
	b, blog := c.node("p-b")
	ctx := context.Background()

	joinGame(t, a, b, blog, domain.HostInfo{GameType: "arena", MaxPlayers: 4})

	require.NoError(t, b.Leave(ctx))
	require.Nil(t, b.Snapshot())
	require.Equal(t, domain.GameCode(""), b.GameCode())

	require.Eventually(t, func() bool {
		ev, ok := alog.first(EventPlayerLeft)
		return ok && ev.Peer == b.ID()
	}, waitFor, pollTick, "host never saw the departure")

	snap := a.Snapshot()
	require.NotContains(t, snap.Players, b.ID())
	require.Equal(t, domain.RoleHost, a.Role())
}

func TestHostTurnsAwayExtraPlayer(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")
	b, blog := c.node("p-b")
	d, dlog := c.node("p-d")
	ctx := context.Background()

	// MaxPlayers counts the host, so one client fills the session.
	code := joinGame(t, a, b, blog, domain.HostInfo{GameType: "duel", MaxPlayers: 2})

	require.Eventually(t, func() bool {
		return seesGame(d, code, a.ID())
	}, waitFor, pollTick)
	require.NoError(t, d.ResolveAndJoin(ctx, string(code)))

	require.Eventually(t, func() bool {
		ev, ok := dlog.first(EventJoinFailed)
		return ok && ev.Peer == a.ID()
	}, waitFor, pollTick, "turned-away client never saw the join fail")

	require.Zero(t, dlog.count(EventJoined))
	require.Nil(t, d.Snapshot())

	snap := a.Snapshot()
	require.Len(t, snap.Players, 2)
	require.NotContains(t, snap.Players, d.ID())
}

func TestJoinTimesOutWithoutHost(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")
	b, blog := c.node("p-b")
	ctx := context.Background()

	code, err := a.Advertise(ctx, "", domain.HostInfo{GameType: "arena", MaxPlayers: 4})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return seesGame(b, code, a.ID())
	}, waitFor, pollTick)

	// The host dies with its advertisement still fresh in the directory.
	require.NoError(t, a.Close())

	require.NoError(t, b.ResolveAndJoin(ctx, string(code)))
	require.ErrorIs(t, b.ResolveAndJoin(ctx, string(code)), domain.ErrAlreadyJoining)

	require.Eventually(t, func() bool {
		ev, ok := blog.first(EventJoinFailed)
		return ok && ev.Peer == a.ID()
	}, waitFor, pollTick, "join against a dead host never failed")
	require.Nil(t, b.Snapshot())
}

func TestStalledJoinHandshakeEntersRecovery(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")
	b, blog := c.node("p-b")
	ctx := context.Background()

	code, err := a.Advertise(ctx, "", domain.HostInfo{GameType: "arena", MaxPlayers: 4})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return seesGame(b, code, a.ID())
	}, waitFor, pollTick)

	// The host dies before it can answer, so the handshake stalls until the
	// negotiation timeout instead of failing outright.
	require.NoError(t, a.Close())
	require.NoError(t, b.ResolveAndJoin(ctx, string(code)))

	// The timed-out handshake goes to recovery for backed-off redials.
	require.Eventually(t, func() bool {
		ev, ok := blog.first(EventPeerRecovering)
		return ok && ev.Peer == a.ID()
	}, waitFor, pollTick, "stalled handshake never entered recovery")

	require.Eventually(t, func() bool {
		ev, ok := blog.first(EventJoinFailed)
		return ok && ev.Peer == a.ID()
	}, waitFor, pollTick, "join never failed after recovery gave up")

	// Recovery ran before the join was abandoned.
	require.NotZero(t, blog.count(EventPeerRecovering))
	require.Nil(t, b.Snapshot())
}

func TestHostCrashPromotesSurvivor(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")
	b, blog := c.node("p-b")

	code := joinGame(t, a, b, blog, domain.HostInfo{GameType: "arena", MaxPlayers: 4})

	// Simulated crash: no goodbye to anyone.
	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		ev, ok := blog.first(EventConnectionLost)
		return ok && ev.Peer == a.ID()
	}, waitFor, pollTick, "survivor never noticed the dead host")

	require.Eventually(t, func() bool {
		ev, ok := blog.first(EventHostMigrated)
		return ok && ev.Peer == b.ID()
	}, waitFor, pollTick, "survivor never promoted itself")

	require.NotZero(t, blog.count(EventPeerRecovering))
	require.Equal(t, domain.RoleHost, b.Role())
	require.Equal(t, code, b.GameCode())

	snap := b.Snapshot()
	require.Equal(t, b.ID(), snap.HostID)
	require.Contains(t, snap.Players, b.ID())
	require.NotContains(t, snap.Players, a.ID())

	// The promoted host keeps the game joinable under the same code.
	require.True(t, seesGame(b, code, b.ID()))
}

func TestHostLeavePromotesClient(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")
	b, blog := c.node("p-b")
	ctx := context.Background()

	code := joinGame(t, a, b, blog, domain.HostInfo{GameType: "arena", MaxPlayers: 4})

	require.NoError(t, a.Leave(ctx))
	require.Nil(t, a.Snapshot())
	require.Equal(t, domain.RoleClient, a.Role())

	// A deliberate goodbye skips recovery: promotion is immediate.
	require.Eventually(t, func() bool {
		ev, ok := blog.first(EventHostMigrated)
		return ok && ev.Peer == b.ID()
	}, waitFor, pollTick, "client never took the session over")

	require.Zero(t, blog.count(EventPeerRecovering))
	require.Equal(t, domain.RoleHost, b.Role())
	require.Equal(t, code, b.GameCode())
}

func TestSeveredLinkRecovers(t *testing.T) {
	c := newCluster(t)
	a, alog := c.node("p-a")
	b, blog := c.node("p-b")
	ctx := context.Background()

	joinGame(t, a, b, blog, domain.HostInfo{GameType: "arena", MaxPlayers: 4})

	c.pipes.Sever(a.ID(), b.ID())

	require.Eventually(t, func() bool {
		return alog.count(EventConnectionLost) > 0 && blog.count(EventConnectionLost) > 0
	}, waitFor, pollTick, "severed link went unnoticed")

	require.Eventually(t, func() bool {
		return linkOpen(a, b.ID()) && linkOpen(b, a.ID())
	}, waitFor, pollTick, "link never re-established")

	// The roster survived the outage; state flows on the same session.
	require.NoError(t, a.UpdatePlayer(ctx, b.ID(), func(p *domain.PlayerState) { p.Score = 7 }))
	require.Eventually(t, func() bool {
		snap := b.Snapshot()
		return snap != nil && snap.Players[b.ID()].Score == 7
	}, waitFor, pollTick, "state stopped flowing after recovery")

	require.Equal(t, domain.RoleHost, a.Role())
	require.Equal(t, domain.RoleClient, b.Role())
}

func TestClientsMeshBehindHost(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")
	b, blog := c.node("p-b")
	d, dlog := c.node("p-d")
	ctx := context.Background()

	code := joinGame(t, a, b, blog, domain.HostInfo{GameType: "arena", MaxPlayers: 8})

	require.Eventually(t, func() bool {
		return seesGame(d, code, a.ID())
	}, waitFor, pollTick)
	require.NoError(t, d.ResolveAndJoin(ctx, string(code)))
	require.Eventually(t, func() bool {
		return dlog.count(EventJoined) == 1
	}, waitFor, pollTick, "second client never joined")

	// The clients dial each other once the roster names them both.
	require.Eventually(t, func() bool {
		return linkOpen(b, d.ID()) && linkOpen(d, b.ID())
	}, waitFor, pollTick, "clients never meshed")

	// The mesh is transport only: the host keeps sole authority.
	require.Equal(t, domain.RoleHost, a.Role())
	require.Equal(t, domain.RoleClient, b.Role())
	require.Equal(t, domain.RoleClient, d.Role())
}

func TestMeshSurvivesHostCrash(t *testing.T) {
	c := newCluster(t)
	a, _ := c.node("p-a")
	b, blog := c.node("p-b")
	d, dlog := c.node("p-d")
	ctx := context.Background()

	code := joinGame(t, a, b, blog, domain.HostInfo{GameType: "arena", MaxPlayers: 8})
	require.Eventually(t, func() bool {
		return seesGame(d, code, a.ID())
	}, waitFor, pollTick)
	require.NoError(t, d.ResolveAndJoin(ctx, string(code)))
	require.Eventually(t, func() bool {
		return dlog.count(EventJoined) == 1
	}, waitFor, pollTick)

	// Some state worth keeping, and the mesh link up before the crash.
	require.NoError(t, a.UpdatePlayer(ctx, d.ID(), func(p *domain.PlayerState) { p.Score = 11 }))
	require.Eventually(t, func() bool {
		snap := d.Snapshot()
		return snap != nil && snap.Players[d.ID()].Score == 11
	}, waitFor, pollTick)
	require.Eventually(t, func() bool {
		return linkOpen(b, d.ID()) && linkOpen(d, b.ID())
	}, waitFor, pollTick, "clients never meshed")

	require.NoError(t, a.Close())

	// The lowest survivor takes over; the other follows it over the link
	// that outlived the host.
	require.Eventually(t, func() bool {
		ev, ok := blog.first(EventHostMigrated)
		return ok && ev.Peer == b.ID()
	}, waitFor, pollTick, "p-b never promoted itself")
	require.Eventually(t, func() bool {
		ev, ok := dlog.first(EventHostMigrated)
		return ok && ev.Peer == b.ID()
	}, waitFor, pollTick, "p-d never followed the new host")

	require.Eventually(t, func() bool {
		snap := d.Snapshot()
		return snap != nil && snap.HostID == b.ID() &&
			len(snap.Players) == 2 && snap.Players[d.ID()].Score == 11
	}, waitFor, pollTick, "state never converged on the new host")

	require.Equal(t, domain.RoleHost, b.Role())
	require.Equal(t, domain.RoleClient, d.Role())

	// New writes flow over the surviving pair.
	require.NoError(t, b.UpsertObject(ctx, domain.WorldObject{ID: "relic-1", Kind: "relic", X: 3, Y: 4}))
	require.Eventually(t, func() bool {
		snap := d.Snapshot()
		return snap != nil && snap.Objects["relic-1"].X == 3
	}, waitFor, pollTick, "object never reached the surviving client")
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newCluster(t)
	a, alog := c.node("p-a")
	ctx := context.Background()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	require.ErrorIs(t, a.Healthy(ctx), domain.ErrNodeClosed)
	_, err := a.Advertise(ctx, "", domain.HostInfo{})
	require.ErrorIs(t, err, domain.ErrNodeClosed)

	require.Eventually(t, alog.drained, waitFor, pollTick, "events channel left open")
}
