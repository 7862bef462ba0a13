// Package relay provides the WebSocket relay core: the authentication gate,
// the device registry, the message router between POS terminals and
// administrator consoles, and the periodic reliability sweep.
package relay

import (
	"encoding/json"
)

// EventName identifies the kind of event being exchanged over a connection.
// Each inbound event has a specific payload structure defined below.
type EventName string

const (
	// EventAuthentication is sent by peers to present the shared secret.
	// Payload: AuthenticationPayload
	EventAuthentication EventName = "authentication"

	// EventAuthenticated is sent by the relay with the authentication result.
	// Payload: AuthenticatedPayload
	EventAuthenticated EventName = "authenticated"

	// EventReg is sent by peers to claim a device identity.
	// Payload: RegPayload
	EventReg EventName = "reg"

	// EventSession is sent by the POS backend to approve or revoke an
	// external session token. Carries the current secret itself, so it is
	// honored regardless of the connection's authentication state.
	// Payload: SessionPayload
	EventSession EventName = "session"

	// EventHashkey is sent by the POS backend to rotate the shared secret.
	// Like EventSession, it is self-authenticated by the current secret.
	// Payload: HashkeyPayload
	EventHashkey EventName = "hashkey"

	// EventBroadcast is sent by peers to fan a payload out to every other
	// connected peer. The data is forwarded verbatim.
	// Payload: opaque JSON
	EventBroadcast EventName = "broadcast"

	// EventSend is sent by the POS backend to push data to selected
	// devices (or all of them).
	// Payload: SendPayload
	EventSend EventName = "send"

	// EventSale is sent by POS terminals to notify admin consoles of a
	// completed sale without going through general dispatch.
	// Payload: opaque JSON
	EventSale EventName = "sale"

	// EventUpdates is the unified relay-to-peer envelope. The data is
	// either an Update built by the relay or a payload forwarded verbatim
	// from another peer.
	EventUpdates EventName = "updates"
)

// Frame is the envelope for all messages on the wire.
// Inbound frames carry one of the Event* names above and a type-specific
// data object; outbound frames are always EventAuthenticated or
// EventUpdates.
type Frame struct {
	// Event identifies what kind of message this is.
	Event EventName `json:"e"`

	// Data contains the event-specific payload, left raw so opaque
	// payloads (broadcast, send, sale) pass through untouched.
	Data json.RawMessage `json:"data,omitempty"`
}

// AuthenticationPayload carries the credential presented by a peer.
type AuthenticationPayload struct {
	// Key is the shared secret being presented.
	Key string `json:"key"`
}

// AuthenticatedPayload carries the authentication result back to the peer.
type AuthenticatedPayload struct {
	// Success reports whether the presented key matched.
	Success bool `json:"success"`

	// Error is a human-readable reason, set only on failure.
	Error string `json:"error,omitempty"`
}

// RegPayload carries a device identity claim.
type RegPayload struct {
	// DeviceID is the logical device identity being claimed. Identity 0 is
	// reserved for administrator consoles. A pointer distinguishes a
	// missing field from an explicit 0.
	DeviceID *int `json:"deviceid"`

	// Username is the display name shown to admins for this device.
	Username string `json:"username"`
}

// SessionPayload approves or revokes an external session token.
type SessionPayload struct {
	// Hashkey must equal the current shared secret.
	Hashkey string `json:"hashkey"`

	// Remove selects revocation; when false the token is approved.
	Remove bool `json:"remove"`

	// Data is the session token being approved or revoked.
	Data string `json:"data"`
}

// HashkeyPayload rotates the shared secret.
type HashkeyPayload struct {
	// Hashkey must equal the secret current at the moment of rotation.
	Hashkey string `json:"hashkey"`

	// NewHashkey is the replacement secret.
	NewHashkey string `json:"newhashkey"`
}

// SendPayload is a directed dispatch request.
type SendPayload struct {
	// Hashkey must equal the current shared secret, in addition to the
	// sending connection being authenticated.
	Hashkey string `json:"hashkey"`

	// Include selects target devices by identity (keys are decimal device
	// IDs). A nil map (field absent or null) means every registered
	// device; an explicitly empty map means none. The distinction is
	// deliberate and tested.
	Include map[string]bool `json:"include"`

	// Data is delivered verbatim to each resolved target.
	Data json.RawMessage `json:"data"`
}

// UpdateKind tags relay-constructed updates so receivers can tell registry
// snapshots from sale notifications.
type UpdateKind string

const (
	// UpdateKindDevices carries a registry snapshot to admin consoles.
	UpdateKindDevices UpdateKind = "devices"

	// UpdateKindSale carries a sale notification to admin consoles.
	UpdateKindSale UpdateKind = "sale"

	// UpdateKindRegReq asks a freshly authenticated peer to (re)issue its
	// device registration.
	UpdateKindRegReq UpdateKind = "regreq"

	// UpdateKindError carries an error notice the peer is expected to act
	// on (the admin console re-authenticates on code "auth").
	UpdateKindError UpdateKind = "error"
)

// Update is the payload of relay-constructed EventUpdates frames.
type Update struct {
	// A is the update kind.
	A UpdateKind `json:"a"`

	// Data is kind-specific: a JSON-encoded device map for devices
	// (admin clients parse the string themselves), the forwarded sale
	// payload for sale, an ErrorData for error, absent for regreq.
	Data interface{} `json:"data,omitempty"`
}

// ErrorData is the Data of an UpdateKindError update.
type ErrorData struct {
	// Code is a stable error code (see the apperrors package).
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// newAuthenticatedFrame builds an authentication result frame.
func newAuthenticatedFrame(success bool, reason string) Frame {
	data, _ := json.Marshal(AuthenticatedPayload{Success: success, Error: reason})
	return Frame{Event: EventAuthenticated, Data: data}
}

// newUpdateFrame builds a relay-constructed updates frame.
func newUpdateFrame(update Update) Frame {
	data, _ := json.Marshal(update)
	return Frame{Event: EventUpdates, Data: data}
}

// newForwardFrame wraps a peer payload verbatim in an updates frame.
func newForwardFrame(payload json.RawMessage) Frame {
	return Frame{Event: EventUpdates, Data: payload}
}
