package presence

import (
	"sync"
	"time"
)

// Transition is emitted whenever the derived presence of a device flips.
type Transition struct {
	DeviceID        string
	Online          bool
	LastHeartbeatAt time.Time
}

// Tracker remembers the last presence it reported per device so that each
// flip is emitted exactly once, whether it was noticed by a heartbeat or by
// the periodic sweep. It never stores presence as authoritative state: every
// evaluation recomputes it from the heartbeat timestamp.
type Tracker struct {
	threshold time.Duration
	mu        sync.Mutex
	reported  map[string]bool
}

func NewTracker(threshold time.Duration) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{
		threshold: threshold,
		reported:  make(map[string]bool),
	}
}

func (t *Tracker) Threshold() time.Duration {
	return t.threshold
}

// Observe evaluates a single device and returns the transition, if any.
// A zero lastHeartbeatAt is used by callers to signal that the device's
// session is gone.
func (t *Tracker) Observe(deviceID string, lastHeartbeatAt time.Time, now time.Time) (Transition, bool) {
	online := IsOnlineAt(lastHeartbeatAt, t.threshold, now)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observeLocked(deviceID, lastHeartbeatAt, online)
}

// Sweep evaluates every device in snapshot (device id -> last heartbeat).
// Devices reported before but missing from snapshot are reported offline and
// forgotten.
func (t *Tracker) Sweep(snapshot map[string]time.Time, now time.Time) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var transitions []Transition
	for deviceID, last := range snapshot {
		online := IsOnlineAt(last, t.threshold, now)
		if tr, changed := t.observeLocked(deviceID, last, online); changed {
			transitions = append(transitions, tr)
		}
	}

	for deviceID, wasOnline := range t.reported {
		if _, ok := snapshot[deviceID]; ok {
			continue
		}
		delete(t.reported, deviceID)
		if wasOnline {
			transitions = append(transitions, Transition{DeviceID: deviceID, Online: false})
		}
	}

	return transitions
}

// Forget drops a device without emitting anything.
func (t *Tracker) Forget(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reported, deviceID)
}

func (t *Tracker) observeLocked(deviceID string, last time.Time, online bool) (Transition, bool) {
	prev, known := t.reported[deviceID]
	t.reported[deviceID] = online

	// A device seen for the first time starts from "offline".
	if (!known && !online) || (known && prev == online) {
		return Transition{}, false
	}

	return Transition{
		DeviceID:        deviceID,
		Online:          online,
		LastHeartbeatAt: last,
	}, true
}
