package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GeneratePeerID generates a fresh peer identity. Opaque, unique per
// process/session, never persisted and never reused across restarts.
func GeneratePeerID() string {
	return "p-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// GenerateSignalID generates a globally unique envelope id used for
// deduplication across the fast channel and the signal store.
func GenerateSignalID() string {
	return uuid.NewString()
}

// GenerateInstanceID generates an id distinguishing bus subscribers so a
// publisher can skip its own broadcasts.
func GenerateInstanceID() string {
	return "i-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
