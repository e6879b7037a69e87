package utils

import (
	"fmt"
	"time"
)

// NowMillis returns the current time as milliseconds since the Unix epoch,
// the timestamp unit used throughout the signal wire format.
func NowMillis() int64 {
	return Now().UnixMilli()
}

// FromMillis converts a ms-epoch wire timestamp into a time.Time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// IsExpired checks if a timestamp is past its TTL.
func IsExpired(timestamp time.Time, ttl time.Duration) bool {
	return Since(timestamp) > ttl
}

// TimeUntilExpiry returns the remaining lifetime, floored at zero.
func TimeUntilExpiry(timestamp time.Time, ttl time.Duration) time.Duration {
	remaining := ttl - Since(timestamp)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FormatDuration formats duration in human-readable form for log output.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := d / time.Minute
		seconds := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, minutes)
}

// Now returns current time (swappable for tests)
var Now = time.Now

// Since returns time since given time using the swappable clock.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}
