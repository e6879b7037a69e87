package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	linksOpen            prometheus.Gauge
	playersCurrent       prometheus.Gauge
	sessionVersion       prometheus.Gauge
	advertisementsActive prometheus.Gauge

	// Counters
	signalsSentTotal        *prometheus.CounterVec
	signalsProcessedTotal   *prometheus.CounterVec
	statePacketsSentTotal   *prometheus.CounterVec
	stateBytesSentTotal     prometheus.Counter
	inputsRejectedTotal     *prometheus.CounterVec
	negotiationsFailedTotal prometheus.Counter
	hostMigrationsTotal     prometheus.Counter
	recoveryAttemptsTotal   prometheus.Counter
	peersLostTotal          prometheus.Counter

	// Histograms
	negotiationDuration    prometheus.Histogram
	pollBatchSize          prometheus.Histogram
	storeOperationDuration *prometheus.HistogramVec

	// Relay metrics
	relayClientsConnected prometheus.Gauge
	relayEntriesStored    prometheus.Gauge
	relayAppendsTotal     prometheus.Counter
	relayBroadcastsTotal  prometheus.Counter
}

var (
	defaultCollector     *PrometheusCollector
	defaultCollectorOnce sync.Once
)

// DefaultCollector returns the process-wide collector. Several nodes in one
// process (tests, the local example) share it; vectors keep their series
// apart where it matters.
func DefaultCollector() *PrometheusCollector {
	defaultCollectorOnce.Do(func() {
		defaultCollector = NewPrometheusCollector(prometheus.DefaultRegisterer)
	})
	return defaultCollector
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		linksOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "partyline_links_open",
			Help: "Number of open peer links",
		}),

		playersCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "partyline_players_current",
			Help: "Number of players in the local session state",
		}),

		sessionVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "partyline_session_version",
			Help: "Version of the last applied session state",
		}),

		advertisementsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "partyline_advertisements_active",
			Help: "Number of live game advertisements in the directory",
		}),

		signalsSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partyline_signals_sent_total",
			Help: "Signal envelopes written to the store",
		}, []string{"kind"}),

		signalsProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partyline_signals_processed_total",
			Help: "Signal envelopes admitted and dispatched",
		}, []string{"kind"}),

		statePacketsSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partyline_state_packets_sent_total",
			Help: "Session state packets sent over peer links",
		}, []string{"kind"}),

		stateBytesSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "partyline_state_bytes_sent_total",
			Help: "Total encoded size of session state packets sent",
		}),

		inputsRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partyline_inputs_rejected_total",
			Help: "Player inputs dropped by host-side validation",
		}, []string{"reason"}),

		negotiationsFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "partyline_negotiations_failed_total",
			Help: "Link negotiations that timed out or failed",
		}),

		hostMigrationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "partyline_host_migrations_total",
			Help: "Host migrations observed by this node",
		}),

		recoveryAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "partyline_recovery_attempts_total",
			Help: "Reconnection attempts made for lost peers",
		}),

		peersLostTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "partyline_peers_lost_total",
			Help: "Peers given up on after recovery was exhausted",
		}),

		negotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "partyline_negotiation_duration_seconds",
			Help:    "Time from sending an offer to an open link",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		pollBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "partyline_poll_batch_size",
			Help:    "Signals admitted per store poll",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),

		storeOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "partyline_store_operation_duration_seconds",
			Help:    "Latency of signal store operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"operation", "backend"}),

		relayClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "partyline_relay_clients_connected",
			Help: "WebSocket clients currently connected to the relay",
		}),

		relayEntriesStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "partyline_relay_entries_stored",
			Help: "Signal envelopes currently held in the relay log",
		}),

		relayAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "partyline_relay_appends_total",
			Help: "Envelopes appended to the relay log",
		}),

		relayBroadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "partyline_relay_broadcasts_total",
			Help: "Envelope deliveries pushed to relay clients",
		}),
	}
}

func (p *PrometheusCollector) RecordLinkEstablished(negotiation time.Duration) {
	p.linksOpen.Inc()
	p.negotiationDuration.Observe(negotiation.Seconds())
}

func (p *PrometheusCollector) RecordLinkClosed() {
	p.linksOpen.Dec()
}

func (p *PrometheusCollector) RecordSignalSent(kind string) {
	p.signalsSentTotal.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RecordSignalProcessed(kind string) {
	p.signalsProcessedTotal.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RecordPollBatch(admitted int) {
	p.pollBatchSize.Observe(float64(admitted))
}

func (p *PrometheusCollector) RecordStatePacket(full bool, bytes int) {
	kind := "delta"
	if full {
		kind = "full"
	}
	p.statePacketsSentTotal.WithLabelValues(kind).Inc()
	p.stateBytesSentTotal.Add(float64(bytes))
}

func (p *PrometheusCollector) RecordInputRejected(reason string) {
	p.inputsRejectedTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordNegotiationFailed() {
	p.negotiationsFailedTotal.Inc()
}

func (p *PrometheusCollector) RecordHostMigration() {
	p.hostMigrationsTotal.Inc()
}

func (p *PrometheusCollector) RecordRecoveryAttempt() {
	p.recoveryAttemptsTotal.Inc()
}

func (p *PrometheusCollector) RecordPeerLost() {
	p.peersLostTotal.Inc()
}

func (p *PrometheusCollector) SetPlayers(n int) {
	p.playersCurrent.Set(float64(n))
}

func (p *PrometheusCollector) SetSessionVersion(v uint64) {
	p.sessionVersion.Set(float64(v))
}

func (p *PrometheusCollector) SetAdvertisements(n int) {
	p.advertisementsActive.Set(float64(n))
}

func (p *PrometheusCollector) RecordStoreOperation(operation, backend string, d time.Duration) {
	p.storeOperationDuration.WithLabelValues(operation, backend).Observe(d.Seconds())
}

func (p *PrometheusCollector) RelayClientConnected() {
	p.relayClientsConnected.Inc()
}

func (p *PrometheusCollector) RelayClientDisconnected() {
	p.relayClientsConnected.Dec()
}

func (p *PrometheusCollector) SetRelayEntries(n int) {
	p.relayEntriesStored.Set(float64(n))
}

func (p *PrometheusCollector) RecordRelayAppend() {
	p.relayAppendsTotal.Inc()
}

func (p *PrometheusCollector) RecordRelayBroadcast(deliveries int) {
	p.relayBroadcastsTotal.Add(float64(deliveries))
}
