package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/internal/core/ports"
)

const maxLineBytes = 1 << 20

// Store keeps the signal log in a JSON-lines file so peers running as
// separate processes on one machine can signal each other. Appends go
// through O_APPEND; a purge racing an append in another process can drop a
// fresh entry, which the negotiation timeout recovers from. Corrupt lines
// are skipped, never fatal: one bad writer must not blind every reader.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

func NewStore(path string, logger *zap.Logger) (ports.SignalStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create signal store directory: %w", err)
		}
	}
	return &Store{path: path, logger: logger}, nil
}

func (s *Store) Append(ctx context.Context, env domain.SignalEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open signal store: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append to signal store: %w", err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context) ([]domain.SignalEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) Purge(ctx context.Context, olderThan time.Time) error {
	cutoff := olderThan.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	envs, err := s.readLocked()
	if err != nil {
		return err
	}

	kept := envs[:0]
	for _, env := range envs {
		if env.Timestamp >= cutoff {
			kept = append(kept, env)
		}
	}
	if len(kept) == len(envs) {
		return nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open purge temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, env := range kept {
		data, err := json.Marshal(env)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush purge temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close purge temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace signal store: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) readLocked() ([]domain.SignalEnvelope, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open signal store: %w", err)
	}
	defer f.Close()

	var envs []domain.SignalEnvelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env domain.SignalEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.logger.Debug("skipping corrupt signal store line", zap.Error(err))
			continue
		}
		envs = append(envs, env)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan signal store: %w", err)
	}
	return envs, nil
}
