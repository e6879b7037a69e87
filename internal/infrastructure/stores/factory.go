package stores

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/internal/infrastructure/monitoring"
	"partyline/internal/infrastructure/signal"
	"partyline/internal/infrastructure/stores/file"
	"partyline/internal/infrastructure/stores/memory"
	redisstore "partyline/internal/infrastructure/stores/redis"
	relaystore "partyline/internal/infrastructure/stores/relay"
	"partyline/pkg/circuitbreaker"
	"partyline/pkg/config"
	"partyline/pkg/retry"
	"partyline/pkg/validation"
)

// Factory builds the signal store and bus stack from configuration. A
// backend that cannot be reached at startup degrades to the in-memory
// store with a warning instead of failing the node.
type Factory struct {
	cfg     *config.Config
	local   domain.PeerID
	logger  *zap.Logger
	metrics *monitoring.PrometheusCollector

	backend     string
	redisClient *redis.Client
}

func NewFactory(cfg *config.Config, local domain.PeerID, logger *zap.Logger, metrics *monitoring.PrometheusCollector) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.DefaultCollector()
	}
	return &Factory{
		cfg:     cfg,
		local:   local,
		logger:  logger,
		metrics: metrics,
	}
}

// CreateStore builds the configured backend wrapped with the circuit
// breaker, the memory fallback and, when enabled, write batching.
func (f *Factory) CreateStore() ports.SignalStore {
	primary := f.createBackend()

	var fallback ports.SignalStore
	if f.backend != "memory" && f.cfg.Store.Fallback == "memory" {
		fallback = memory.NewStore()
	}

	retryCfg := retry.Config{
		Enabled:      f.cfg.Store.Retry.Enabled,
		MaxAttempts:  f.cfg.Store.Retry.MaxAttempts,
		InitialDelay: f.cfg.Store.Retry.InitialDelay,
		MaxDelay:     f.cfg.Store.Retry.MaxDelay,
		Multiplier:   f.cfg.Store.Retry.Multiplier,
	}

	var store ports.SignalStore = NewResilientStore(
		primary, fallback, f.backend,
		retryCfg, circuitbreaker.DefaultConfig(),
		f.logger, f.metrics,
	)

	if f.cfg.Store.Batch.Enabled {
		store = NewBatchedStore(store, f.cfg.Store.Batch.MaxSize, f.cfg.Store.Batch.Interval, f.logger)
		f.logger.Info("signal store write batching enabled",
			zap.Int("max_size", f.cfg.Store.Batch.MaxSize),
			zap.Duration("interval", f.cfg.Store.Batch.Interval),
		)
	}

	f.logger.Info("signal store ready", zap.String("backend", f.backend))
	return store
}

// CreateBus builds the fast delivery channel: Redis pub/sub when the store
// runs on Redis, otherwise an in-process bus. Returns nil when disabled.
func (f *Factory) CreateBus() ports.SignalBus {
	if !f.cfg.Bus.Enabled {
		return nil
	}
	if f.redisClient != nil {
		return redisstore.NewBus(f.redisClient, f.cfg.Store.Redis.KeyPrefix, f.cfg.Bus.Buffer, f.logger)
	}
	return signal.NewMemoryBus(f.logger)
}

// Backend reports which store backend actually came up.
func (f *Factory) Backend() string {
	return f.backend
}

// RedisClient exposes the shared client for health checks. Nil unless the
// Redis backend connected.
func (f *Factory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *Factory) createBackend() ports.SignalStore {
	switch f.cfg.Store.Backend {
	case "file":
		store, err := file.NewStore(f.cfg.Store.File.Path, f.logger)
		if err != nil {
			f.logger.Warn("file store unavailable, falling back to memory",
				zap.String("path", f.cfg.Store.File.Path),
				zap.Error(err))
			break
		}
		f.backend = "file"
		return store

	case "redis":
		client, err := redisstore.NewClient(
			f.cfg.Store.Redis.Address,
			f.cfg.Store.Redis.Password,
			f.cfg.Store.Redis.DB,
			f.cfg.Store.Redis.PoolSize,
			f.logger,
		)
		if err != nil {
			f.logger.Warn("Redis unavailable, falling back to memory store", zap.Error(err))
			break
		}
		f.redisClient = client
		f.backend = "redis"
		return redisstore.NewStore(client, f.cfg.Store.Redis.KeyPrefix, f.logger)

	case "relay":
		if err := validation.ValidateRelayURL(f.cfg.Store.Relay.URL); err != nil {
			f.logger.Warn("relay URL rejected, falling back to memory store",
				zap.String("url", f.cfg.Store.Relay.URL),
				zap.Error(err))
			break
		}
		retryCfg := retry.Config{
			Enabled:      true,
			MaxAttempts:  f.cfg.Recovery.MaxAttempts,
			InitialDelay: f.cfg.Recovery.InitialDelay,
			MaxDelay:     f.cfg.Recovery.MaxDelay,
			Multiplier:   f.cfg.Recovery.Multiplier,
		}
		store, err := relaystore.NewStore(
			f.cfg.Store.Relay.URL,
			f.local,
			f.cfg.Store.Relay.HandshakeTimeout,
			retryCfg,
			f.logger,
		)
		if err != nil {
			f.logger.Warn("relay unavailable, falling back to memory store",
				zap.String("url", f.cfg.Store.Relay.URL),
				zap.Error(err))
			break
		}
		f.backend = "relay"
		return store
	}

	f.backend = "memory"
	return memory.NewStore()
}
