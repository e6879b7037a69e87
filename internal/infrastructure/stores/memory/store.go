package memory

import (
	"context"
	"sync"
	"time"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
)

// Store keeps the signal log in process memory. Peers in the same process
// discover each other through it; it is also the fallback when a configured
// backend cannot be reached.
type Store struct {
	envs []domain.SignalEnvelope
	mu   sync.RWMutex
}

func NewStore() ports.SignalStore {
	return &Store{}
}

func (s *Store) Append(ctx context.Context, env domain.SignalEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.envs = append(s.envs, env)
	return nil
}

func (s *Store) Read(ctx context.Context) ([]domain.SignalEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SignalEnvelope, len(s.envs))
	copy(out, s.envs)
	return out, nil
}

func (s *Store) Purge(ctx context.Context, olderThan time.Time) error {
	cutoff := olderThan.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.envs[:0]
	for _, env := range s.envs {
		if env.Timestamp >= cutoff {
			kept = append(kept, env)
		}
	}
	// Drop the tail so purged envelopes do not linger in the backing array.
	for i := len(kept); i < len(s.envs); i++ {
		s.envs[i] = domain.SignalEnvelope{}
	}
	s.envs = kept
	return nil
}

func (s *Store) Close() error {
	return nil
}
