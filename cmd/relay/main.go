package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"partyline/internal/infrastructure/middleware"
	"partyline/internal/infrastructure/monitoring"
	"partyline/internal/infrastructure/relay"
	"partyline/pkg/config"
	"partyline/pkg/logger"
	"partyline/pkg/tracing"
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
			ServiceName:    cfg.Tracing.ServiceName + "-relay",
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

	metrics := monitoring.DefaultCollector()

	rcfg := relay.DefaultConfig()
	rcfg.TTL = cfg.Node.SignalTTL
	if cfg.RateLimiting.AppendsPerSecond > 0 {
		rcfg.AppendRate = cfg.RateLimiting.AppendsPerSecond
	}
	if cfg.RateLimiting.AppendBurst > 0 {
		rcfg.AppendBurst = cfg.RateLimiting.AppendBurst
	}

	server := relay.NewServer(rcfg, zapLogger, metrics)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	server.StartJanitor(janitorCtx)

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

	router.GET("/ws", server.HandleWebSocket)
	router.GET("/health", server.HealthCheck)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:        cfg.Server.RelayAddress,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		zapLogger.Info("relay listening", zap.String("address", cfg.Server.RelayAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		zapLogger.Error("relay server failed", zap.Error(err))
	case sig := <-sigChan:
		zapLogger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	stopJanitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("relay shutdown failed", zap.Error(err))
		srv.Close()
	}

	zapLogger.Info("relay stopped")
}
