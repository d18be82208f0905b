package secure

import (
	"sync"
)

// ReplayGuard tracks the last accepted sequence number per device.
// Sequence numbers must be strictly increasing as observed by a single
// receiver; anything else is rejected as a replay.
type ReplayGuard struct {
	mu   sync.Mutex
	last map[string]uint64
	seen map[string]bool
}

// NewReplayGuard creates an empty guard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{
		last: make(map[string]uint64),
		seen: make(map[string]bool),
	}
}

// Accept records seq as the last accepted sequence for the device, failing
// with ErrReplayDetected unless it is strictly greater than the previous one.
func (g *ReplayGuard) Accept(deviceID string, seq uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.seen[deviceID] && seq <= g.last[deviceID] {
		return ErrReplayDetected
	}
	g.seen[deviceID] = true
	g.last[deviceID] = seq
	return nil
}

// Last returns the last accepted sequence for a device, and whether one
// has been accepted at all.
func (g *ReplayGuard) Last(deviceID string) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last[deviceID], g.seen[deviceID]
}

// Forget drops tracking state for a device, typically on eviction.
func (g *ReplayGuard) Forget(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, deviceID)
	delete(g.seen, deviceID)
}
