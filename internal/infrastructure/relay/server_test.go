package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"partyline/internal/core/domain"
	"partyline/internal/infrastructure/monitoring"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AppendRate = 1000
	cfg.AppendBurst = 1000
	return cfg
}

func newTestRelay(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := NewServer(testConfig(), zaptest.NewLogger(t), monitoring.NewPrometheusCollector(prometheus.NewRegistry()))
	router := gin.New()
	router.GET("/ws", srv.HandleWebSocket)
	router.GET("/health", srv.HealthCheck)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialRelay(t *testing.T, ts *httptest.Server, peerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?peer_id=" + peerID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// A sync round trip guarantees the server registered the client before
	// the test proceeds.
	require.NoError(t, conn.WriteJSON(Frame{Op: OpSync}))
	drainUntilSynced(t, conn)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func drainUntilSynced(t *testing.T, conn *websocket.Conn) []Frame {
	t.Helper()
	var entries []Frame
	for {
		f := readFrame(t, conn)
		if f.Op == OpSynced {
			return entries
		}
		entries = append(entries, f)
	}
}

func appendFrame(id string, source domain.PeerID, target domain.PeerID, ts int64) Frame {
	return Frame{
		Op: OpAppend,
		Envelope: &domain.SignalEnvelope{
			ID:         id,
			Kind:       domain.KindOffer,
			SourcePeer: source,
			TargetPeer: target,
			Payload:    []byte(`{"sdpLike":"x"}`),
			Timestamp:  ts,
		},
	}
}

func advertFrame(id string, source domain.PeerID, ts int64) Frame {
	return Frame{
		Op: OpAppend,
		Envelope: &domain.SignalEnvelope{
			ID:         id,
			Kind:       domain.KindAdvertisement,
			SourcePeer: source,
			Payload:    []byte(`{"hostId":"` + string(source) + `"}`),
			Timestamp:  ts,
		},
	}
}

func TestRelayAppendBroadcastsToOthers(t *testing.T) {
	_, ts := newTestRelay(t)

	a := dialRelay(t, ts, "p-a")
	b := dialRelay(t, ts, "p-b")

	require.NoError(t, a.WriteJSON(appendFrame("sig-1", "p-a", "p-b", 100)))

	got := readFrame(t, b)
	assert.Equal(t, OpEntry, got.Op)
	require.NotNil(t, got.Envelope)
	assert.Equal(t, "sig-1", got.Envelope.ID)
	assert.Equal(t, domain.PeerID("p-a"), got.Envelope.SourcePeer)

	// The sender does not get an echo, but a replay shows the entry landed
	// in the log.
	require.NoError(t, a.WriteJSON(Frame{Op: OpSync}))
	entries := drainUntilSynced(t, a)
	require.Len(t, entries, 1)
	assert.Equal(t, "sig-1", entries[0].Envelope.ID)
}

func TestRelaySyncReplaysBacklogSince(t *testing.T) {
	_, ts := newTestRelay(t)

	a := dialRelay(t, ts, "p-a")
	require.NoError(t, a.WriteJSON(advertFrame("sig-1", "p-a", 100)))
	require.NoError(t, a.WriteJSON(advertFrame("sig-2", "p-a", 200)))
	require.NoError(t, a.WriteJSON(advertFrame("sig-3", "p-a", 300)))

	// Wait until all three are in the log before the late client syncs.
	require.NoError(t, a.WriteJSON(Frame{Op: OpSync}))
	require.Len(t, drainUntilSynced(t, a), 3)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?peer_id=p-late"
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()

	require.NoError(t, late.WriteJSON(Frame{Op: OpSync, Since: 150}))
	entries := drainUntilSynced(t, late)
	require.Len(t, entries, 2)
	assert.Equal(t, "sig-2", entries[0].Envelope.ID)
	assert.Equal(t, "sig-3", entries[1].Envelope.ID)
}

func TestRelayRequiresPeerID(t *testing.T) {
	_, ts := newTestRelay(t)

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayRejectsInvalidAppend(t *testing.T) {
	_, ts := newTestRelay(t)

	a := dialRelay(t, ts, "p-a")
	require.NoError(t, a.WriteJSON(Frame{Op: OpAppend}))

	got := readFrame(t, a)
	assert.Equal(t, OpError, got.Op)
	assert.Contains(t, got.Message, "envelope")
}

func TestRelayRejectsTargetlessOffer(t *testing.T) {
	_, ts := newTestRelay(t)

	a := dialRelay(t, ts, "p-a")
	require.NoError(t, a.WriteJSON(appendFrame("sig-1", "p-a", "", 100)))

	got := readFrame(t, a)
	assert.Equal(t, OpError, got.Op)
	assert.Contains(t, got.Message, "target")
}

func TestRelayRejectsUnknownOp(t *testing.T) {
	_, ts := newTestRelay(t)

	a := dialRelay(t, ts, "p-a")
	require.NoError(t, a.WriteJSON(Frame{Op: "bogus"}))

	got := readFrame(t, a)
	assert.Equal(t, OpError, got.Op)
	assert.Contains(t, got.Message, "unknown op")
}

func TestRelayReconnectReplacesOldConnection(t *testing.T) {
	srv, ts := newTestRelay(t)

	first := dialRelay(t, ts, "p-a")
	second := dialRelay(t, ts, "p-a")

	// The replaced connection is closed by the server.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	err := first.ReadJSON(&f)
	assert.Error(t, err)

	// The new connection stays functional.
	require.NoError(t, second.WriteJSON(Frame{Op: OpSync}))
	drainUntilSynced(t, second)

	assert.Equal(t, []string{"p-a"}, srv.ConnectedPeers())
}

func TestRelayHealthCheck(t *testing.T) {
	_, ts := newTestRelay(t)
	dialRelay(t, ts, "p-a")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
