package relay

// registry.go is the authoritative mapping from device identity to its
// current owning connection. It is the single source of truth for "who is
// online"; every read and mutation goes through one mutex so registrations,
// unregistrations, and snapshots observe a total order.

import (
	"log"
	"sort"
	"sync"
	"time"
)

// AdminDeviceID is the device identity reserved for administrator consoles.
// Any other identity is a POS terminal.
const AdminDeviceID = 0

// deviceRecord is a registry entry. The owning connection identifier always
// reflects the most recent successful registration for the identity.
type deviceRecord struct {
	connID   string
	username string
	lastSeen time.Time
}

// DeviceInfo is the public metadata exposed by snapshots. Connection
// identifiers stay inside the relay; only identity, display name, and the
// last registration time go to the wire.
type DeviceInfo struct {
	DeviceID int    `json:"-"`
	Username string `json:"username"`
	LastSeen int64  `json:"lastseen"` // Unix milliseconds
}

// Registry maps device identities to their owning connections.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[int]*deviceRecord
	timeNow func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[int]*deviceRecord),
		timeNow: time.Now,
	}
}

// Register upserts the record for a device identity. An existing entry is
// fully replaced: last writer wins, and the previous owning connection is
// not closed or notified. This keeps reconnect and failover cheap at the
// cost of a window where the superseded connection is still live at the
// transport level while logically orphaned; the Unregister guard is what
// keeps that window harmless.
func (r *Registry) Register(deviceID int, connID, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices[deviceID] = &deviceRecord{
		connID:   connID,
		username: username,
		lastSeen: r.timeNow(),
	}

	log.Printf("registry: device %d registered as %q (conn %s)", deviceID, username, connID)
}

// Unregister removes the record for a device identity, but only if it is
// still owned by the given connection. The guard is mandatory: a disconnect
// event for a stale, superseded connection must not delete a registration a
// newer connection already claimed, regardless of event delivery order.
// Returns true if an entry was removed.
func (r *Registry) Unregister(deviceID int, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[deviceID]
	if !ok || rec.connID != connID {
		return false
	}

	delete(r.devices, deviceID)
	log.Printf("registry: device %d removed (conn %s)", deviceID, connID)
	return true
}

// Lookup returns the owning connection for a device identity.
func (r *Registry) Lookup(deviceID int) (connID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.devices[deviceID]
	if !ok {
		return "", false
	}
	return rec.connID, true
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Snapshot returns a point-in-time copy of the registry's public metadata,
// ordered by device identity.
func (r *Registry) Snapshot() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]DeviceInfo, 0, len(r.devices))
	for id, rec := range r.devices {
		infos = append(infos, DeviceInfo{
			DeviceID: id,
			Username: rec.username,
			LastSeen: rec.lastSeen.UnixMilli(),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	return infos
}

// AdminConnections returns the connections currently registered under the
// admin identity. With a single admin identity this is at most one
// connection, but callers treat it as a set.
func (r *Registry) AdminConnections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []string
	if rec, ok := r.devices[AdminDeviceID]; ok {
		conns = append(conns, rec.connID)
	}
	return conns
}

// ConnsFor resolves a set of device identities to their owning connections.
// Unknown identities are skipped without error.
func (r *Registry) ConnsFor(deviceIDs []int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []string
	for _, id := range deviceIDs {
		if rec, ok := r.devices[id]; ok {
			conns = append(conns, rec.connID)
		}
	}
	return conns
}

// AllConns returns the owning connection of every registered device.
func (r *Registry) AllConns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]string, 0, len(r.devices))
	for _, rec := range r.devices {
		conns = append(conns, rec.connID)
	}
	return conns
}
