package relay

// router.go resolves target specifications against the registry and
// delivers frames. All delivery is per-target and non-blocking: a failure
// to reach one peer is logged and never aborts delivery to the rest.

import (
	"encoding/json"
	"log"
	"strconv"
)

// TargetSpec is the tagged target selection for directed dispatch: either
// every registered device, or an explicit identity set. The zero value
// targets nothing.
type TargetSpec struct {
	all  bool
	only []int
}

// TargetAll targets every registered device.
func TargetAll() TargetSpec {
	return TargetSpec{all: true}
}

// TargetOnly targets an explicit set of device identities.
func TargetOnly(deviceIDs []int) TargetSpec {
	return TargetSpec{only: deviceIDs}
}

// targetFromInclude converts a wire include filter into a TargetSpec.
// A nil map (field absent or null) means all devices. A present map selects
// by key; non-numeric keys are skipped. An explicitly empty map therefore
// targets nothing, which is distinct from absent and intentional.
func targetFromInclude(include map[string]bool) TargetSpec {
	if include == nil {
		return TargetAll()
	}

	ids := make([]int, 0, len(include))
	for key := range include {
		id, err := strconv.Atoi(key)
		if err != nil {
			log.Printf("relay: ignoring non-numeric include key %q", key)
			continue
		}
		ids = append(ids, id)
	}
	return TargetOnly(ids)
}

// BroadcastToOthers delivers a payload verbatim to every connected peer
// other than the sender, independent of registration state.
func (s *Server) BroadcastToOthers(senderConnID string, payload json.RawMessage) {
	frame := newForwardFrame(payload)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, client := range s.clients {
		if id == senderConnID {
			continue
		}
		client.deliver(frame)
	}
}

// Dispatch resolves the target specification through the registry and
// delivers the payload verbatim to each target's connection. Unknown
// identities are skipped without error. Afterwards the admin consoles
// unconditionally receive a registry snapshot, so directed pushes always
// arrive alongside current registry state.
func (s *Server) Dispatch(spec TargetSpec, payload json.RawMessage) {
	var conns []string
	if spec.all {
		conns = s.registry.AllConns()
	} else {
		conns = s.registry.ConnsFor(spec.only)
	}

	frame := newForwardFrame(payload)
	for _, connID := range conns {
		s.deliverTo(connID, frame)
	}

	s.NotifyAdmins()
}

// NotifySale is the fast path for sale events: the payload goes straight to
// every admin connection, tagged so receivers can tell it from registry
// snapshots. General dispatch resolution is bypassed.
func (s *Server) NotifySale(payload json.RawMessage) {
	frame := newUpdateFrame(Update{A: UpdateKindSale, Data: payload})
	for _, connID := range s.registry.AdminConnections() {
		s.deliverTo(connID, frame)
	}
}

// NotifyAdmins delivers a point-in-time registry snapshot to every admin
// connection. Used after registrations, disconnects, and dispatches, and by
// the reliability sweeper.
func (s *Server) NotifyAdmins() {
	admins := s.registry.AdminConnections()
	if len(admins) == 0 {
		return
	}

	frame, err := s.snapshotFrame()
	if err != nil {
		log.Printf("relay: failed to encode registry snapshot: %v", err)
		return
	}

	for _, connID := range admins {
		s.deliverTo(connID, frame)
	}
}

// snapshotFrame builds the devices update frame. The device map is
// JSON-encoded into a string because that is what admin consoles parse;
// it carries public metadata only, never connection identifiers.
func (s *Server) snapshotFrame() (Frame, error) {
	snapshot := s.registry.Snapshot()

	devices := make(map[string]DeviceInfo, len(snapshot))
	for _, info := range snapshot {
		devices[strconv.Itoa(info.DeviceID)] = info
	}

	encoded, err := json.Marshal(devices)
	if err != nil {
		return Frame{}, err
	}

	return newUpdateFrame(Update{A: UpdateKindDevices, Data: string(encoded)}), nil
}

// deliverTo queues a frame for the given connection. Connections that have
// closed since resolution are logged and skipped; delivery continues for
// the remaining targets.
func (s *Server) deliverTo(connID string, f Frame) {
	client, ok := s.lookupClient(connID)
	if !ok {
		log.Printf("relay: conn %s gone, dropping %s frame", connID, f.Event)
		return
	}
	client.deliver(f)
}
