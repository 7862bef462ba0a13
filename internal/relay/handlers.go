package relay

// handlers.go contains the per-event handlers dispatched from readPump.
// Every handler is local and non-propagating: a failure in one peer's
// message is logged and never surfaced to a different peer.
//
// Authorization failures (a privileged event without the current secret, or
// a routed event on an unauthenticated connection) are dropped silently: no
// frame goes back to the offender, to avoid leaking protocol details to
// unverified peers.

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/wpos/feedrelay/internal/apperrors"
	"github.com/wpos/feedrelay/internal/credential"
)

// handleFrame routes an inbound event to its handler.
func (c *Client) handleFrame(frame Frame) {
	switch frame.Event {
	case EventAuthentication:
		c.handleAuthentication(frame.Data)
	case EventReg:
		c.handleReg(frame.Data)
	case EventSession:
		c.handleSession(frame.Data)
	case EventHashkey:
		c.handleHashkey(frame.Data)
	case EventBroadcast:
		c.handleBroadcast(frame.Data)
	case EventSend:
		c.handleSend(frame.Data)
	case EventSale:
		c.handleSale(frame.Data)
	default:
		log.Printf("relay: conn %s sent unknown event %q (%s)", c.id, frame.Event, apperrors.CodeRelayUnknownEvent)
	}
}

// handleAuthentication processes an explicit credential presentation.
//
// On success the connection becomes Authenticated, receives a success
// acknowledgment, and is prompted to register. On failure it receives a
// failure acknowledgment and is forcibly closed after a short grace period
// so the peer can observe the result. A redundant presentation on an
// already-authenticated connection is ignored without a second
// acknowledgment (the legacy query-parameter path may have acked already).
func (c *Client) handleAuthentication(data []byte) {
	if c.authenticated {
		log.Printf("relay: conn %s re-sent authentication, ignoring", c.id)
		return
	}

	var payload AuthenticationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("relay: conn %s sent malformed authentication: %v", c.id, err)
		c.failAuthentication()
		return
	}

	if !c.server.keeper.Verify(payload.Key) {
		log.Printf("relay: conn %s failed authentication (%s)", c.id, apperrors.CodeAuthInvalidKey)
		c.failAuthentication()
		return
	}

	c.authenticated = true
	log.Printf("relay: conn %s authenticated", c.id)

	c.deliver(newAuthenticatedFrame(true, ""))
	c.deliver(newUpdateFrame(Update{A: UpdateKindRegReq}))
}

// failAuthentication emits the failure acknowledgment and arms the grace
// timer. Only success or failure is observable; the reason never says how
// close the presented key was.
func (c *Client) failAuthentication() {
	c.deliver(newAuthenticatedFrame(false, "Invalid key"))

	// Forced closure after the grace period. The timer is stopped on
	// normal disconnect so a peer that hangs up first doesn't leave a
	// stray callback behind.
	c.graceTimer = time.AfterFunc(authFailureGrace, c.shutdown)
}

// handleReg processes a device identity claim.
//
// The claim upserts the registry entry (last writer wins; the superseded
// connection is not told) and binds the identity to this connection for the
// rest of its life. Re-registration with a different identity rebinds it.
func (c *Client) handleReg(data []byte) {
	// An identity claim from an unverified peer is rejected, but unlike
	// the routed events this failure is answered: admin consoles rely on
	// an auth-coded error update to trigger their re-auth flow.
	if !c.authenticated {
		log.Printf("relay: conn %s sent reg while unauthenticated (%s)", c.id, apperrors.CodeAuthRequired)
		c.deliver(newUpdateFrame(Update{A: UpdateKindError, Data: ErrorData{
			Code:    "auth",
			Message: "authentication required",
		}}))
		return
	}

	var payload RegPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("relay: conn %s sent malformed reg: %v", c.id, err)
		return
	}

	if payload.DeviceID == nil {
		log.Printf("relay: conn %s sent reg without deviceid (%s)", c.id, apperrors.CodeRegistryMissingDevice)
		return
	}

	deviceID := *payload.DeviceID

	// Rebinding to a different identity releases the old claim only if
	// this connection still owns it.
	if c.registered && c.deviceID != deviceID {
		c.server.registry.Unregister(c.deviceID, c.id)
	}

	c.server.registry.Register(deviceID, c.id, payload.Username)
	c.deviceID = deviceID
	c.registered = true

	c.server.NotifyAdmins()
}

// handleSession approves or revokes an external session token. The event
// carries the current secret itself, so it is honored regardless of the
// connection's authentication state (the POS backend sends it over
// short-lived connections). With a wrong secret it is a silent no-op.
func (c *Client) handleSession(data []byte) {
	var payload SessionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("relay: conn %s sent malformed session: %v", c.id, err)
		return
	}

	var err error
	if payload.Remove {
		err = c.server.keeper.RevokeSession(payload.Hashkey, payload.Data)
	} else {
		err = c.server.keeper.ApproveSession(payload.Hashkey, payload.Data)
	}

	if err != nil {
		// credential.ErrInvalidKey lands here too; the log is for
		// operators, nothing goes back to the peer.
		code, msg := apperrors.ToCodeAndMessage(sessionError(err))
		log.Printf("relay: conn %s session event denied (%s: %s)", c.id, code, msg)
	}
}

// handleHashkey rotates the shared secret. Self-authenticated like
// handleSession; a wrong current secret leaves the secret unchanged and
// nothing is emitted either way.
func (c *Client) handleHashkey(data []byte) {
	var payload HashkeyPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("relay: conn %s sent malformed hashkey: %v", c.id, err)
		return
	}

	if err := c.server.keeper.Rotate(payload.Hashkey, payload.NewHashkey); err != nil {
		code, msg := apperrors.ToCodeAndMessage(sessionError(err))
		log.Printf("relay: conn %s hashkey rotation denied (%s: %s)", c.id, code, msg)
		return
	}

	log.Printf("relay: conn %s rotated the shared secret", c.id)
}

// handleBroadcast fans a payload out to every other connected peer.
// Requires an authenticated sender; otherwise dropped silently.
func (c *Client) handleBroadcast(data []byte) {
	if !c.authenticated {
		log.Printf("relay: conn %s sent broadcast while unauthenticated (%s)", c.id, apperrors.CodeAuthRequired)
		return
	}

	c.server.BroadcastToOthers(c.id, data)
}

// handleSend processes a directed dispatch request. The sender must be
// authenticated and the payload must carry the current secret; either
// failure drops the event silently.
func (c *Client) handleSend(data []byte) {
	if !c.authenticated {
		log.Printf("relay: conn %s sent send while unauthenticated (%s)", c.id, apperrors.CodeAuthRequired)
		return
	}

	var payload SendPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("relay: conn %s sent malformed send: %v", c.id, err)
		return
	}

	if !c.server.keeper.Verify(payload.Hashkey) {
		log.Printf("relay: conn %s send denied (%s)", c.id, apperrors.CodeAuthDenied)
		return
	}

	c.server.Dispatch(targetFromInclude(payload.Include), payload.Data)
}

// handleSale forwards a sale notification to the admin consoles on the
// fast path. Requires an authenticated sender; otherwise dropped silently.
func (c *Client) handleSale(data []byte) {
	if !c.authenticated {
		log.Printf("relay: conn %s sent sale while unauthenticated (%s)", c.id, apperrors.CodeAuthRequired)
		return
	}

	c.server.NotifySale(data)
}

// sessionError maps credential errors onto stable codes for the logs.
func sessionError(err error) error {
	if errors.Is(err, credential.ErrInvalidKey) {
		return apperrors.Wrap(apperrors.CodeAuthDenied, "invalid key", err)
	}
	return apperrors.Wrap(apperrors.CodeInternal, "credential store failure", err)
}
