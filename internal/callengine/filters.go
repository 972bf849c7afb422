package callengine

import "time"

// Default filter windows. Stale or duplicate events are discarded silently;
// they are the expected debris of an at-least-once transport, not errors.
const (
	DefaultStaleWindow     = 60 * time.Second
	DefaultDuplicateWindow = 15 * time.Second
)

// IsStale reports whether an event timestamp is older than threshold.
func IsStale(ts time.Time, threshold time.Duration) bool {
	return time.Since(ts) > threshold
}

// IsDuplicate reports whether id repeats the last processed incoming call id
// within the suppression window. Sender-side retries reuse the call id, so a
// repeat inside the window is the same signal arriving again.
func IsDuplicate(id, lastID string, lastSeen time.Time, threshold time.Duration) bool {
	if id == "" || id != lastID {
		return false
	}
	return time.Since(lastSeen) < threshold
}
