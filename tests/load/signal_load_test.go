package load

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/internal/infrastructure/monitoring"
	relaysrv "partyline/internal/infrastructure/relay"
	"partyline/internal/infrastructure/signal"
	"partyline/internal/infrastructure/stores/memory"
	relaystore "partyline/internal/infrastructure/stores/relay"
	"partyline/pkg/retry"
)

// TestSignalFanOutUnderChurn pushes a burst of targeted envelopes from every
// peer to its successor through one shared store while all peers poll
// concurrently, and checks exactly-once delivery for every envelope.
func TestSignalFanOutUnderChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	const (
		peers   = 16
		perPeer = 40
	)

	store := memory.NewStore()
	ids := make([]domain.PeerID, peers)
	for i := range ids {
		ids[i] = domain.PeerID(fmt.Sprintf("load-p-%02d", i))
	}

	transports := make([]*signal.Transport, peers)
	for i, id := range ids {
		transports[i] = signal.NewTransport(id, store, nil, 4096, time.Minute, zaptest.NewLogger(t))
	}
	t.Cleanup(func() {
		for _, tr := range transports {
			_ = tr.Close()
		}
	})

	start := time.Now()
	received := make([]map[string]int, peers)
	var wg sync.WaitGroup
	for i := range transports {
		received[i] = make(map[string]int)
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tr := transports[idx]
			target := ids[(idx+1)%peers]
			ctx := context.Background()

			sent := 0
			deadline := time.Now().Add(30 * time.Second)
			for time.Now().Before(deadline) {
				if sent < perPeer {
					env, err := domain.NewEnvelope(
						fmt.Sprintf("%s-%d", ids[idx], sent),
						domain.KindOffer, ids[idx], target,
						domain.DescriptionPayload{SDPLike: "load"},
					)
					if err == nil && tr.Send(ctx, env) == nil {
						sent++
					}
				}
				for _, sig := range tr.Poll(ctx) {
					received[idx][sig.ID]++
				}
				if sent == perPeer && len(received[idx]) >= perPeer {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for i := range received {
		require.Len(t, received[i], perPeer, "delivery to %s incomplete", ids[i])
		for id, count := range received[i] {
			require.Equal(t, 1, count, "envelope %s reached %s %d times", id, ids[i], count)
		}
		total += len(received[i])
	}
	elapsed := time.Since(start)
	t.Logf("delivered %d envelopes across %d peers in %v (%.0f envelopes/s)",
		total, peers, elapsed, float64(total)/elapsed.Seconds())
}

func newRelayServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := relaysrv.DefaultConfig()
	cfg.AppendRate = 1000
	cfg.AppendBurst = 1000

	srv := relaysrv.NewServer(cfg, zaptest.NewLogger(t), monitoring.NewPrometheusCollector(prometheus.NewRegistry()))
	router := gin.New()
	router.GET("/ws", srv.HandleWebSocket)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// TestRelayHubFanOutUnderLoad has a set of relay clients append bursts
// concurrently and waits for every mirror to converge on the full log.
func TestRelayHubFanOutUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	const (
		clients   = 8
		perClient = 25
	)

	url := newRelayServer(t)
	retryCfg := retry.Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}

	stores := make([]ports.SignalStore, clients)
	for i := range stores {
		id := domain.PeerID(fmt.Sprintf("relay-p-%02d", i))
		s, err := relaystore.NewStore(url, id, 2*time.Second, retryCfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		stores[i] = s
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := range stores {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			source := domain.PeerID(fmt.Sprintf("relay-p-%02d", idx))
			for j := 0; j < perClient; j++ {
				env, err := domain.NewEnvelope(
					fmt.Sprintf("%s-%d", source, j),
					domain.KindAdvertisement, source, "",
					domain.AdvertisementPayload{HostID: source, GameCode: "LOAD42", MaxPlayers: 8},
				)
				if err != nil {
					continue
				}
				_ = stores[idx].Append(context.Background(), env)
			}
		}(i)
	}
	wg.Wait()

	want := clients * perClient
	for i := range stores {
		require.Eventually(t, func() bool {
			envs, err := stores[i].Read(context.Background())
			return err == nil && len(envs) == want
		}, 10*time.Second, 20*time.Millisecond, "mirror %d never converged", i)
	}
	elapsed := time.Since(start)
	t.Logf("relayed %d envelopes to %d mirrors in %v (%.0f deliveries/s)",
		want, clients, elapsed, float64(want*clients)/elapsed.Seconds())
}
