package monitoring

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"partyline/internal/core/ports"
)

// AddRedisCheck verifies the Redis backend answers pings.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddStoreCheck verifies the signal store can be read. A peer that cannot
// read signals can keep its open links but discovers nothing new.
func (h *HealthChecker) AddStoreCheck(store ports.SignalStore, timeout time.Duration) {
	h.AddCheck("signal_store", func(ctx context.Context) (bool, error) {
		if _, err := store.Read(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddNodeCheck proves the node loop is alive and accepting commands.
func (h *HealthChecker) AddNodeCheck(node ports.NodeAPI, timeout time.Duration) {
	h.AddCheck("node", func(ctx context.Context) (bool, error) {
		if err := node.Healthy(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}
