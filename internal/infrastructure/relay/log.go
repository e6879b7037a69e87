package relay

import (
	"sort"
	"sync"

	"partyline/internal/core/domain"
)

// Log is the relay's central signal log. Clients replay it on connect and
// receive live entries afterwards; the janitor expires old entries.
type Log struct {
	entries []domain.SignalEnvelope
	mu      sync.RWMutex
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Append(env domain.SignalEnvelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, env)
}

// Since returns entries stamped after the given millisecond timestamp,
// oldest first. Client clocks stamp the entries, so arrival order and
// timestamp order can differ.
func (l *Log) Since(ts int64) []domain.SignalEnvelope {
	l.mu.RLock()
	var out []domain.SignalEnvelope
	for _, env := range l.entries {
		if env.Timestamp > ts {
			out = append(out, env)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// PurgeBefore drops entries stamped before the cutoff and reports how many
// were removed.
func (l *Log) PurgeBefore(cutoff int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	for _, env := range l.entries {
		if env.Timestamp >= cutoff {
			kept = append(kept, env)
		}
	}
	removed := len(l.entries) - len(kept)
	for i := len(kept); i < len(l.entries); i++ {
		l.entries[i] = domain.SignalEnvelope{}
	}
	l.entries = kept
	return removed
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
