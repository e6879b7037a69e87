package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pionwebrtc "github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"partyline/internal/core/domain"
	httphandlers "partyline/internal/handlers/http"
	"partyline/internal/infrastructure/middleware"
	"partyline/internal/infrastructure/monitoring"
	"partyline/internal/infrastructure/signal"
	"partyline/internal/infrastructure/stores"
	webrtctransport "partyline/internal/infrastructure/webrtc"
	"partyline/internal/node"
	"partyline/pkg/config"
	"partyline/pkg/logger"
	"partyline/pkg/tracing"
	"partyline/pkg/utils"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/partyline/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	if cfg.Logging.Development {
		zapLogger = logger.NewDevelopment(cfg.Logging.Level)
	}
	defer zapLogger.Sync()

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:        cfg.Tracing.Enabled,
			ServiceName:    cfg.Tracing.ServiceName,
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			SampleRate:     cfg.Tracing.SampleRate,
		})
		if err != nil {
			zapLogger.Warn("tracing init failed, continuing without it", zap.Error(err))
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tp.Shutdown(ctx)
			}()
		}
	}

	peerID := domain.PeerID(os.Getenv("PARTYLINE_PEER_ID"))
	if peerID == "" {
		peerID = domain.PeerID(utils.GeneratePeerID())
	}

	metrics := monitoring.DefaultCollector()

	// Signal store stack: configured backend behind the circuit breaker,
	// with the optional fast bus.
	factory := stores.NewFactory(cfg, peerID, zapLogger, metrics)
	store := factory.CreateStore()
	bus := factory.CreateBus()
	signaling := signal.NewTransport(peerID, store, bus, cfg.Node.DedupCapacity, cfg.Node.SignalTTL, zapLogger)

	peers, err := webrtctransport.NewTransport(webrtcConfig(cfg), zapLogger, metrics)
	if err != nil {
		zapLogger.Fatal("peer transport init failed", zap.Error(err))
	}

	opts := node.FromConfig(cfg)
	opts.ID = peerID
	opts.Signaling = signaling
	opts.Peers = peers
	opts.Logger = zapLogger
	opts.Metrics = metrics

	nd, err := node.New(opts)
	if err != nil {
		zapLogger.Fatal("node init failed", zap.Error(err))
	}

	zapLogger.Info("node started",
		zap.String("peer_id", string(peerID)),
		zap.String("store_backend", factory.Backend()))

	// Session outcomes surface here; the process just logs them.
	go logEvents(nd, zapLogger)

	health := monitoring.NewHealthChecker()
	health.AddNodeCheck(nd, 2*time.Second)
	health.AddStoreCheck(store, 2*time.Second)
	if rc := factory.RedisClient(); rc != nil {
		health.AddRedisCheck(rc, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(zapLogger))
	router.Use(middleware.ErrorHandlerMiddleware(zapLogger))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewStatusHandler(nd, health).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Server.StatusAddress,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		zapLogger.Info("status API listening", zap.String("address", cfg.Server.StatusAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		zapLogger.Error("status API failed", zap.Error(err))
	case sig := <-sigChan:
		zapLogger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("status API shutdown failed", zap.Error(err))
		srv.Close()
	}

	// Closing the node tears down the peer links, the signal transport and
	// the store stack behind it.
	if err := nd.Close(); err != nil {
		zapLogger.Error("node shutdown failed", zap.Error(err))
	}

	zapLogger.Info("node stopped")
}

func webrtcConfig(cfg *config.Config) webrtctransport.Config {
	wc := webrtctransport.DefaultConfig()
	if len(cfg.WebRTC.ICEServers) > 0 {
		wc.ICEServers = nil
		for _, s := range cfg.WebRTC.ICEServers {
			server := pionwebrtc.ICEServer{URLs: s.URLs}
			if s.Username != "" {
				server.Username = s.Username
				server.Credential = s.Credential
			}
			wc.ICEServers = append(wc.ICEServers, server)
		}
	}
	wc.PortRange.Min = cfg.WebRTC.PortMin
	wc.PortRange.Max = cfg.WebRTC.PortMax
	return wc
}

func logEvents(nd *node.Node, log *zap.Logger) {
	for ev := range nd.Events() {
		switch ev.Type {
		case node.EventJoined:
			log.Info("joined session", zap.String("host", string(ev.Peer)))
		case node.EventJoinFailed:
			log.Warn("join failed", zap.Error(ev.Err))
		case node.EventPlayerJoined:
			log.Info("player joined", zap.String("peer", string(ev.Peer)))
		case node.EventPlayerLeft:
			log.Info("player left", zap.String("peer", string(ev.Peer)))
		case node.EventHostMigrated:
			log.Info("host migrated", zap.String("new_host", string(ev.Peer)))
		case node.EventConnectionLost:
			log.Warn("peer connection lost", zap.String("peer", string(ev.Peer)))
		case node.EventPeerRecovering:
			log.Info("reconnecting to peer",
				zap.String("peer", string(ev.Peer)),
				zap.Int("attempt", ev.Attempt))
		}
	}
}
