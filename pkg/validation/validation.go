package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"partyline/internal/core/domain"
)

var (
	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// GameCodeRegex validates a normalized game code
	GameCodeRegex = regexp.MustCompile(`^[A-Z0-9]{6}$`)
)

// ValidatePeerID validates a peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 64 {
		return fmt.Errorf("peer ID is too long (max 64 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateGameCode validates a raw, user-entered game code. Lookup is
// case-insensitive, so the code is normalized before matching.
func ValidateGameCode(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("game code is required")
	}
	code := domain.NormalizeGameCode(raw)
	if !GameCodeRegex.MatchString(string(code)) {
		return fmt.Errorf("game code must be %d alphanumeric characters", domain.GameCodeLength)
	}
	return nil
}

// ValidateEnvelope checks the structural invariants every envelope must
// satisfy before it is appended or processed. Payload shape is validated
// separately at decode time.
func ValidateEnvelope(env domain.SignalEnvelope) error {
	if env.ID == "" {
		return fmt.Errorf("envelope ID is required")
	}
	if env.Kind == domain.KindUnknown {
		return fmt.Errorf("envelope kind is required")
	}
	if err := ValidatePeerID(string(env.SourcePeer)); err != nil {
		return fmt.Errorf("source peer: %w", err)
	}
	if env.Broadcast() {
		if !env.Kind.Broadcast() {
			return fmt.Errorf("%s envelopes require a target peer", env.Kind)
		}
	} else {
		if err := ValidatePeerID(string(env.TargetPeer)); err != nil {
			return fmt.Errorf("target peer: %w", err)
		}
	}
	if env.Timestamp <= 0 {
		return fmt.Errorf("envelope timestamp is required")
	}
	return nil
}

// ValidateHostInfo validates advertising parameters
func ValidateHostInfo(info domain.HostInfo) error {
	if len(info.GameType) > 64 {
		return fmt.Errorf("game type is too long (max 64 characters)")
	}
	if info.MaxPlayers < 0 || info.MaxPlayers > 64 {
		return fmt.Errorf("max players must be between 0 and 64")
	}
	return nil
}

// ValidateRelayURL validates a relay endpoint URL
func ValidateRelayURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("relay URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay URL scheme must be ws or wss")
	}
	if u.Host == "" {
		return fmt.Errorf("relay URL host is required")
	}
	return nil
}
