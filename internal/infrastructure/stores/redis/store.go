package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
	"partyline/pkg/distributed"
)

const purgeLockTTL = 30 * time.Second

// Store keeps the signal log in a Redis sorted set scored by envelope
// timestamp, which makes range purges a single command. All peers of a
// deployment share the set.
//
// The store owns the client and closes it; a Bus sharing the client must be
// closed first.
type Store struct {
	client  *redis.Client
	key     string
	lockKey string
	logger  *zap.Logger
}

func NewStore(client *redis.Client, keyPrefix string, logger *zap.Logger) ports.SignalStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:  client,
		key:     keyPrefix + "signals",
		lockKey: keyPrefix + "signals:purge",
		logger:  logger,
	}
}

func (s *Store) Append(ctx context.Context, env domain.SignalEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	err = s.client.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(env.Timestamp),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("append envelope to Redis: %w", err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context) ([]domain.SignalEnvelope, error) {
	vals, err := s.client.ZRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read signal log from Redis: %w", err)
	}

	envs := make([]domain.SignalEnvelope, 0, len(vals))
	for _, val := range vals {
		var env domain.SignalEnvelope
		if err := json.Unmarshal([]byte(val), &env); err != nil {
			s.logger.Debug("skipping corrupt signal log entry", zap.Error(err))
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Purge removes entries stamped before the cutoff. An advisory lock keeps
// the peers of a deployment from all sweeping at once; losing the race just
// means someone else is already doing the work.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) error {
	lock := distributed.NewLock(s.client, s.lockKey, purgeLockTTL)
	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire purge lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer lock.Release(ctx)

	max := fmt.Sprintf("(%d", olderThan.UnixMilli())
	removed, err := s.client.ZRemRangeByScore(ctx, s.key, "-inf", max).Result()
	if err != nil {
		return fmt.Errorf("purge signal log: %w", err)
	}
	if removed > 0 {
		s.logger.Debug("purged signal log entries", zap.Int64("removed", removed))
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
