package stores

import (
	"context"
	"time"

	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/internal/infrastructure/monitoring"
	"partyline/pkg/circuitbreaker"
	"partyline/pkg/retry"
)

// ResilientStore wraps a signal store with a circuit breaker, optional
// retries and an optional fallback store. While the primary is down,
// appends land in the fallback so the peer keeps seeing its own signals;
// reads merge both so nothing written during an outage disappears when the
// primary recovers.
type ResilientStore struct {
	primary  ports.SignalStore
	fallback ports.SignalStore
	backend  string
	breaker  *circuitbreaker.CircuitBreaker
	retryCfg retry.Config
	logger   *zap.Logger
	metrics  *monitoring.PrometheusCollector
}

func NewResilientStore(
	primary, fallback ports.SignalStore,
	backend string,
	retryCfg retry.Config,
	cbCfg circuitbreaker.Config,
	logger *zap.Logger,
	metrics *monitoring.PrometheusCollector,
) *ResilientStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.DefaultCollector()
	}

	breaker := circuitbreaker.New(cbCfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Info("signal store circuit breaker state changed",
			zap.String("backend", backend),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})

	// Once the breaker rejects, retrying cannot help until it half-opens.
	retryCfg.Permanent = append(retryCfg.Permanent, circuitbreaker.ErrOpen)

	return &ResilientStore{
		primary:  primary,
		fallback: fallback,
		backend:  backend,
		breaker:  breaker,
		retryCfg: retryCfg,
		logger:   logger,
		metrics:  metrics,
	}
}

func (r *ResilientStore) Append(ctx context.Context, env domain.SignalEnvelope) error {
	start := time.Now()
	err := r.execute(ctx, func() error {
		return r.primary.Append(ctx, env)
	})
	r.metrics.RecordStoreOperation("append", r.backend, time.Since(start))

	if err == nil {
		return nil
	}
	if r.fallback == nil {
		return err
	}
	r.logger.Warn("signal store append failed, using fallback",
		zap.String("backend", r.backend),
		zap.Error(err))
	return r.fallback.Append(ctx, env)
}

func (r *ResilientStore) Read(ctx context.Context) ([]domain.SignalEnvelope, error) {
	start := time.Now()
	envs, err := r.executeRead(ctx)
	r.metrics.RecordStoreOperation("read", r.backend, time.Since(start))

	if r.fallback == nil {
		return envs, err
	}

	fbEnvs, fbErr := r.fallback.Read(ctx)
	if err != nil {
		r.logger.Warn("signal store read failed, serving fallback",
			zap.String("backend", r.backend),
			zap.Error(err))
		return fbEnvs, fbErr
	}
	return append(envs, fbEnvs...), nil
}

func (r *ResilientStore) Purge(ctx context.Context, olderThan time.Time) error {
	start := time.Now()
	err := r.breaker.Execute(ctx, func() error {
		return r.primary.Purge(ctx, olderThan)
	})
	r.metrics.RecordStoreOperation("purge", r.backend, time.Since(start))

	if r.fallback != nil {
		if fbErr := r.fallback.Purge(ctx, olderThan); fbErr != nil && err == nil {
			err = fbErr
		}
	}
	return err
}

func (r *ResilientStore) Close() error {
	err := r.primary.Close()
	if r.fallback != nil {
		if fbErr := r.fallback.Close(); err == nil {
			err = fbErr
		}
	}
	return err
}

// BreakerStats exposes circuit breaker counters for the status API.
func (r *ResilientStore) BreakerStats() circuitbreaker.Stats {
	return r.breaker.GetStats()
}

func (r *ResilientStore) execute(ctx context.Context, fn func() error) error {
	if !r.retryCfg.Enabled {
		return r.breaker.Execute(ctx, fn)
	}
	return retry.Retry(ctx, r.retryCfg, func() error {
		return r.breaker.Execute(ctx, fn)
	})
}

func (r *ResilientStore) executeRead(ctx context.Context) ([]domain.SignalEnvelope, error) {
	read := func() ([]domain.SignalEnvelope, error) {
		return circuitbreaker.Do(ctx, r.breaker, func() ([]domain.SignalEnvelope, error) {
			return r.primary.Read(ctx)
		})
	}
	if !r.retryCfg.Enabled {
		return read()
	}
	return retry.RetryWithResult(ctx, r.retryCfg, read)
}
