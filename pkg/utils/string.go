package utils

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode"
)

// Confusable characters (I, L, O, 0, 1) are excluded so codes survive
// being read aloud or scribbled on paper.
const gameCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateGameCode produces a random human-shareable code of the given
// length from the restricted alphabet.
func GenerateGameCode(length int) string {
	var b strings.Builder
	b.Grow(length)
	max := big.NewInt(int64(len(gameCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken;
			// fall back to the first symbol rather than panic mid-game.
			b.WriteByte(gameCodeAlphabet[0])
			continue
		}
		b.WriteByte(gameCodeAlphabet[n.Int64()])
	}
	return b.String()
}

// SanitizeString strips control characters and trims whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// TruncateString truncates a string to max length
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// IsEmpty checks if string is empty or only whitespace
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
