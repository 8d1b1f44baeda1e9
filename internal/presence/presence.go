package presence

import "time"

// DefaultThreshold is how long after the last heartbeat an agent still counts as online.
const DefaultThreshold = 30 * time.Second

// IsOnline reports whether a heartbeat at lastHeartbeatAt is recent enough
// to consider the agent online. A zero lastHeartbeatAt means no heartbeat was
// ever recorded and is always offline. A non-positive threshold falls back to
// DefaultThreshold.
func IsOnline(lastHeartbeatAt time.Time, threshold time.Duration) bool {
	return IsOnlineAt(lastHeartbeatAt, threshold, time.Now())
}

// IsOnlineAt is IsOnline evaluated against an explicit clock reading.
func IsOnlineAt(lastHeartbeatAt time.Time, threshold time.Duration, now time.Time) bool {
	if lastHeartbeatAt.IsZero() {
		return false
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return now.Sub(lastHeartbeatAt) < threshold
}
