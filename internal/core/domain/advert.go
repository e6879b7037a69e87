package domain

import (
	"strings"
	"time"
)

// GameCode is a short human-shareable string identifying a hostable
// session. Lookup is case-insensitive; codes are normalized to upper case.
type GameCode string

const GameCodeLength = 6

func NormalizeGameCode(raw string) GameCode {
	return GameCode(strings.ToUpper(strings.TrimSpace(raw)))
}

func (c GameCode) Valid() bool {
	if len(c) != GameCodeLength {
		return false
	}
	for _, r := range c {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// HostInfo is what the game layer supplies when advertising.
type HostInfo struct {
	GameType   string
	MaxPlayers int
}

// Advertisement is one observed game announcement. Timestamp is the
// sender's ms-epoch stamp and is the last-write-wins key for duplicate
// codes; SeenAt is the receiver clock used for staleness.
type Advertisement struct {
	Code           GameCode  `json:"code"`
	Host           PeerID    `json:"host"`
	GameType       string    `json:"game_type,omitempty"`
	MaxPlayers     int       `json:"max_players,omitempty"`
	CurrentPlayers int       `json:"current_players,omitempty"`
	Timestamp      int64     `json:"timestamp"`
	SeenAt         time.Time `json:"seen_at"`
}

func (a Advertisement) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(a.SeenAt) >= ttl
}
