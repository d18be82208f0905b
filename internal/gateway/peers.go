package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/emberlink/emberlink/internal/secure"
	"github.com/emberlink/emberlink/pkg/types"
)

var ErrUnknownDevice = errors.New("no key provisioned for device")

// PeerRecord is the gateway's state for one device: its Box, the last
// accepted sequence and enough recency data to estimate link quality.
// At most one record exists per device id.
type PeerRecord struct {
	DeviceID  string
	Box       *secure.Box
	FirstSeen time.Time
	LastSeen  time.Time
	LastSeq   uint64
	Errors    uint64
}

// Quality estimates the link from how recently the device spoke.
func (r *PeerRecord) Quality(now time.Time) types.LinkQuality {
	silence := now.Sub(r.LastSeen)
	switch {
	case silence < 10*time.Second:
		return types.QualityExcellent
	case silence < time.Minute:
		return types.QualityGood
	case silence < 10*time.Minute:
		return types.QualityPoor
	default:
		return types.QualityDisconnected
	}
}

// Registry maps device ids to peer records and owns the replay guard.
// Records are shared with concurrent listener goroutines, so every
// mutation goes through the registry lock.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*PeerRecord
	guard *secure.ReplayGuard
	log   *slog.Logger
	now   func() time.Time
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		peers: make(map[string]*PeerRecord),
		guard: secure.NewReplayGuard(),
		log:   log,
		now:   time.Now,
	}
}

// Install provisions or replaces a device's Box. Replacing resets the
// replay state: a re-provisioned device starts its sequence over.
func (reg *Registry) Install(deviceID string, box *secure.Box) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if existing, ok := reg.peers[deviceID]; ok {
		existing.Box.Revoke()
		reg.guard.Forget(deviceID)
		existing.Box = box
		reg.log.Info("device key replaced", "device", deviceID)
		return
	}

	reg.peers[deviceID] = &PeerRecord{
		DeviceID:  deviceID,
		Box:       box,
		FirstSeen: reg.now(),
	}
	reg.log.Info("device provisioned", "device", deviceID)
}

// Lookup returns the record for a device.
func (reg *Registry) Lookup(deviceID string) (*PeerRecord, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	record, ok := reg.peers[deviceID]
	if !ok {
		return nil, ErrUnknownDevice
	}
	return record, nil
}

// Accept runs the replay check and, on success, advances the record.
// The last accepted sequence only ever moves forward.
func (reg *Registry) Accept(record *PeerRecord, seq uint64) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if err := reg.guard.Accept(record.DeviceID, seq); err != nil {
		record.Errors++
		return err
	}
	if seq > record.LastSeq {
		record.LastSeq = seq
	}
	record.LastSeen = reg.now()
	return nil
}

// NoteError counts a validation failure against a device.
func (reg *Registry) NoteError(record *PeerRecord) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	record.Errors++
}

// Remove drops a device entirely, revoking its key material.
func (reg *Registry) Remove(deviceID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.removeLocked(deviceID)
}

func (reg *Registry) removeLocked(deviceID string) {
	record, ok := reg.peers[deviceID]
	if !ok {
		return
	}
	record.Box.Revoke()
	reg.guard.Forget(deviceID)
	delete(reg.peers, deviceID)
}

// Sweep evicts devices silent for longer than maxAge and returns how many
// were removed. Devices that never spoke are aged from provisioning time.
func (reg *Registry) Sweep(maxAge time.Duration) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	now := reg.now()
	evicted := 0
	for id, record := range reg.peers {
		ref := record.LastSeen
		if ref.IsZero() {
			ref = record.FirstSeen
		}
		if now.Sub(ref) > maxAge {
			reg.removeLocked(id)
			reg.log.Info("stale device evicted", "device", id, "silent_for", now.Sub(ref))
			evicted++
		}
	}
	return evicted
}

// Count returns the number of live records.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.peers)
}

// Devices lists the known device ids.
func (reg *Registry) Devices() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ids := make([]string, 0, len(reg.peers))
	for id := range reg.peers {
		ids = append(ids, id)
	}
	return ids
}
