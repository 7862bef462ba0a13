package relay

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wpos/feedrelay/internal/credential"
	"github.com/wpos/feedrelay/internal/storage"
)

const testSecret = "abc123"

// newTestServer builds a relay over an in-memory credential store and mounts
// its mux on an httptest server. The periodic sweep is left unstarted so the
// frame sequences in tests stay deterministic.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	db, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}

	keeper, err := credential.NewKeeper(db, testSecret)
	if err != nil {
		t.Fatalf("failed to create keeper: %v", err)
	}

	s := NewServer("unused", keeper, time.Hour)
	ts := httptest.NewServer(s.createMux())

	t.Cleanup(func() {
		ts.Close()
		s.Stop()
		db.Close()
	})

	return s, ts
}

// dial opens a WebSocket connection to the test server. query is appended
// verbatim to the /ws URL (e.g. "?hashkey=abc123").
func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// sendFrame marshals and writes an event frame.
func sendFrame(t *testing.T, conn *websocket.Conn, event EventName, payload interface{}) {
	t.Helper()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	raw, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		t.Fatalf("failed to marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

// readFrame reads the next frame with a 2-second deadline.
func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("failed to unmarshal frame %q: %v", data, err)
	}
	return frame
}

// expectNoFrame asserts that nothing arrives within a short window.
func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %q", data)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

// updatePayload mirrors Update with the data left raw for per-kind decoding.
type updatePayload struct {
	A    UpdateKind      `json:"a"`
	Data json.RawMessage `json:"data"`
}

// readUpdate reads a frame and asserts it is an updates frame of the given
// kind, returning its raw data.
func readUpdate(t *testing.T, conn *websocket.Conn, want UpdateKind) json.RawMessage {
	t.Helper()

	frame := readFrame(t, conn)
	if frame.Event != EventUpdates {
		t.Fatalf("event = %q, want %q", frame.Event, EventUpdates)
	}

	var update updatePayload
	if err := json.Unmarshal(frame.Data, &update); err != nil {
		t.Fatalf("failed to unmarshal update %q: %v", frame.Data, err)
	}
	if update.A != want {
		t.Fatalf("update kind = %q, want %q", update.A, want)
	}
	return update.Data
}

// readDevices reads a devices update and decodes its string-encoded map.
func readDevices(t *testing.T, conn *websocket.Conn) map[string]DeviceInfo {
	t.Helper()

	data := readUpdate(t, conn, UpdateKindDevices)

	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		t.Fatalf("devices data is not a string: %v", err)
	}

	devices := make(map[string]DeviceInfo)
	if err := json.Unmarshal([]byte(encoded), &devices); err != nil {
		t.Fatalf("failed to decode device map %q: %v", encoded, err)
	}
	return devices
}

// authenticate presents the shared secret and drains the acknowledgment and
// registration prompt.
func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	sendFrame(t, conn, EventAuthentication, AuthenticationPayload{Key: testSecret})

	frame := readFrame(t, conn)
	if frame.Event != EventAuthenticated {
		t.Fatalf("event = %q, want %q", frame.Event, EventAuthenticated)
	}
	var ack AuthenticatedPayload
	if err := json.Unmarshal(frame.Data, &ack); err != nil {
		t.Fatalf("failed to unmarshal ack: %v", err)
	}
	if !ack.Success {
		t.Fatalf("authentication failed: %q", ack.Error)
	}

	readUpdate(t, conn, UpdateKindRegReq)
}

// register claims a device identity and, for the registering connection,
// drains nothing: only admin consoles receive the resulting snapshot.
func register(t *testing.T, conn *websocket.Conn, deviceID int, username string) {
	t.Helper()
	id := deviceID
	sendFrame(t, conn, EventReg, RegPayload{DeviceID: &id, Username: username})
}

func TestAuthenticationSuccess(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")

	sendFrame(t, conn, EventAuthentication, AuthenticationPayload{Key: testSecret})

	frame := readFrame(t, conn)
	if frame.Event != EventAuthenticated {
		t.Fatalf("event = %q, want %q", frame.Event, EventAuthenticated)
	}
	var ack AuthenticatedPayload
	if err := json.Unmarshal(frame.Data, &ack); err != nil {
		t.Fatalf("failed to unmarshal ack: %v", err)
	}
	if !ack.Success {
		t.Errorf("Success = false, want true")
	}
	if ack.Error != "" {
		t.Errorf("Error = %q, want empty", ack.Error)
	}

	// A fresh authentication is followed by a registration prompt.
	readUpdate(t, conn, UpdateKindRegReq)
}

func TestAuthenticationFailureClosesConnection(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")

	sendFrame(t, conn, EventAuthentication, AuthenticationPayload{Key: "wrong"})

	frame := readFrame(t, conn)
	if frame.Event != EventAuthenticated {
		t.Fatalf("event = %q, want %q", frame.Event, EventAuthenticated)
	}
	var ack AuthenticatedPayload
	if err := json.Unmarshal(frame.Data, &ack); err != nil {
		t.Fatalf("failed to unmarshal ack: %v", err)
	}
	if ack.Success {
		t.Errorf("Success = true, want false")
	}
	if ack.Error == "" {
		t.Errorf("expected a failure reason")
	}

	// The relay force-closes shortly after the failure acknowledgment.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the connection to be closed")
	}
}

func TestUnauthenticatedRoutedEventsDroppedSilently(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")

	sendFrame(t, conn, EventBroadcast, map[string]string{"a": "msg"})
	sendFrame(t, conn, EventSend, SendPayload{Hashkey: testSecret})
	sendFrame(t, conn, EventSale, map[string]string{"ref": "s-1"})

	// No acknowledgment, no error, and the connection stays open.
	expectNoFrame(t, conn)

	sendFrame(t, conn, EventAuthentication, AuthenticationPayload{Key: testSecret})
	if frame := readFrame(t, conn); frame.Event != EventAuthenticated {
		t.Fatalf("connection unusable after dropped events: got %q", frame.Event)
	}
}

func TestUnauthenticatedRegAnsweredWithAuthError(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")

	id := 0
	sendFrame(t, conn, EventReg, RegPayload{DeviceID: &id, Username: "admin"})

	data := readUpdate(t, conn, UpdateKindError)
	var errData ErrorData
	if err := json.Unmarshal(data, &errData); err != nil {
		t.Fatalf("failed to unmarshal error data: %v", err)
	}
	if errData.Code != "auth" {
		t.Errorf("Code = %q, want %q", errData.Code, "auth")
	}
}

func TestRegistrationNotifiesAdmin(t *testing.T) {
	_, ts := newTestServer(t)

	admin := dial(t, ts, "")
	authenticate(t, admin)
	register(t, admin, 0, "admin")

	devices := readDevices(t, admin)
	if len(devices) != 1 {
		t.Fatalf("expected 1 device after admin reg, got %d", len(devices))
	}

	term := dial(t, ts, "")
	authenticate(t, term)
	register(t, term, 5, "til1")

	devices = readDevices(t, admin)
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices after terminal reg, got %d", len(devices))
	}
	info, ok := devices["5"]
	if !ok {
		t.Fatalf("device 5 missing from snapshot: %v", devices)
	}
	if info.Username != "til1" {
		t.Errorf("Username = %q, want %q", info.Username, "til1")
	}
	if info.LastSeen == 0 {
		t.Errorf("expected LastSeen to be set")
	}
}

func TestDisconnectRemovesDeviceAndNotifiesAdmin(t *testing.T) {
	s, ts := newTestServer(t)

	admin := dial(t, ts, "")
	authenticate(t, admin)
	register(t, admin, 0, "admin")
	readDevices(t, admin)

	term := dial(t, ts, "")
	authenticate(t, term)
	register(t, term, 5, "til1")
	readDevices(t, admin)

	term.Close()

	devices := readDevices(t, admin)
	if _, ok := devices["5"]; ok {
		t.Fatalf("device 5 still in snapshot after disconnect: %v", devices)
	}
	if _, ok := s.Registry().Lookup(5); ok {
		t.Fatalf("device 5 still registered after disconnect")
	}
}

func TestReregisterSurvivesStaleDisconnect(t *testing.T) {
	s, ts := newTestServer(t)

	first := dial(t, ts, "")
	authenticate(t, first)
	register(t, first, 5, "til1")

	second := dial(t, ts, "")
	authenticate(t, second)
	register(t, second, 5, "til1-retry")

	waitFor(t, func() bool {
		snap := s.Registry().Snapshot()
		return len(snap) == 1 && snap[0].Username == "til1-retry"
	}, "second registration to take over")

	// The superseded connection hanging up must not remove the entry the
	// newer connection owns.
	first.Close()

	time.Sleep(200 * time.Millisecond)
	if _, ok := s.Registry().Lookup(5); !ok {
		t.Fatalf("device 5 removed by stale disconnect")
	}

	second.Close()
	waitFor(t, func() bool {
		_, ok := s.Registry().Lookup(5)
		return !ok
	}, "owner disconnect to remove the entry")
}

func TestSendIncludeTargetsOnlyListedDevices(t *testing.T) {
	_, ts := newTestServer(t)

	admin := dial(t, ts, "")
	authenticate(t, admin)
	register(t, admin, 0, "admin")
	readDevices(t, admin)

	term5 := dial(t, ts, "")
	authenticate(t, term5)
	register(t, term5, 5, "til1")
	readDevices(t, admin)

	term7 := dial(t, ts, "")
	authenticate(t, term7)
	register(t, term7, 7, "til2")
	readDevices(t, admin)

	backend := dial(t, ts, "")
	authenticate(t, backend)

	payload := json.RawMessage(`{"a":"msg","data":"hello"}`)
	sendFrame(t, backend, EventSend, SendPayload{
		Hashkey: testSecret,
		Include: map[string]bool{"5": true},
		Data:    payload,
	})

	// Only device 5 receives the payload, forwarded verbatim.
	frame := readFrame(t, term5)
	if frame.Event != EventUpdates {
		t.Fatalf("event = %q, want %q", frame.Event, EventUpdates)
	}
	var update updatePayload
	if err := json.Unmarshal(frame.Data, &update); err != nil {
		t.Fatalf("failed to unmarshal forwarded payload: %v", err)
	}
	if update.A != "msg" || string(update.Data) != `"hello"` {
		t.Errorf("forwarded payload = %q", frame.Data)
	}

	expectNoFrame(t, term7)

	// The dispatch is followed by exactly one admin snapshot.
	readDevices(t, admin)
	expectNoFrame(t, admin)
}

func TestSendWithoutIncludeReachesAllDevices(t *testing.T) {
	s, ts := newTestServer(t)

	term5 := dial(t, ts, "")
	authenticate(t, term5)
	register(t, term5, 5, "til1")

	term7 := dial(t, ts, "")
	authenticate(t, term7)
	register(t, term7, 7, "til2")

	waitFor(t, func() bool { return s.Registry().Len() == 2 }, "registrations")

	backend := dial(t, ts, "")
	authenticate(t, backend)

	sendFrame(t, backend, EventSend, SendPayload{
		Hashkey: testSecret,
		Data:    json.RawMessage(`{"a":"msg","data":"all"}`),
	})

	for _, conn := range []*websocket.Conn{term5, term7} {
		if frame := readFrame(t, conn); frame.Event != EventUpdates {
			t.Fatalf("event = %q, want %q", frame.Event, EventUpdates)
		}
	}
}

func TestSendEmptyIncludeTargetsNothing(t *testing.T) {
	s, ts := newTestServer(t)

	term5 := dial(t, ts, "")
	authenticate(t, term5)
	register(t, term5, 5, "til1")

	waitFor(t, func() bool { return s.Registry().Len() == 1 }, "registration")

	backend := dial(t, ts, "")
	authenticate(t, backend)

	sendFrame(t, backend, EventSend, SendPayload{
		Hashkey: testSecret,
		Include: map[string]bool{},
		Data:    json.RawMessage(`{"a":"msg","data":"none"}`),
	})

	expectNoFrame(t, term5)
}

func TestSendWrongHashkeyDropped(t *testing.T) {
	s, ts := newTestServer(t)

	term5 := dial(t, ts, "")
	authenticate(t, term5)
	register(t, term5, 5, "til1")

	waitFor(t, func() bool { return s.Registry().Len() == 1 }, "registration")

	backend := dial(t, ts, "")
	authenticate(t, backend)

	sendFrame(t, backend, EventSend, SendPayload{
		Hashkey: "wrong",
		Data:    json.RawMessage(`{"a":"msg","data":"x"}`),
	})

	expectNoFrame(t, term5)
	expectNoFrame(t, backend)
}

func TestSaleReachesAdminsOnly(t *testing.T) {
	_, ts := newTestServer(t)

	admin := dial(t, ts, "")
	authenticate(t, admin)
	register(t, admin, 0, "admin")
	readDevices(t, admin)

	term5 := dial(t, ts, "")
	authenticate(t, term5)
	register(t, term5, 5, "til1")
	readDevices(t, admin)

	term7 := dial(t, ts, "")
	authenticate(t, term7)
	register(t, term7, 7, "til2")
	readDevices(t, admin)

	sendFrame(t, term5, EventSale, map[string]string{"ref": "s-42"})

	data := readUpdate(t, admin, UpdateKindSale)
	var sale map[string]string
	if err := json.Unmarshal(data, &sale); err != nil {
		t.Fatalf("failed to unmarshal sale data: %v", err)
	}
	if sale["ref"] != "s-42" {
		t.Errorf("sale ref = %q, want %q", sale["ref"], "s-42")
	}

	expectNoFrame(t, term7)
	expectNoFrame(t, term5)
}

func TestBroadcastReachesOtherPeersOnly(t *testing.T) {
	s, ts := newTestServer(t)

	sender := dial(t, ts, "")
	authenticate(t, sender)

	other := dial(t, ts, "")
	waitFor(t, func() bool { return s.ClientCount() == 2 }, "both peers to connect")

	sendFrame(t, sender, EventBroadcast, map[string]string{"a": "msg"})

	// Broadcast reaches every other connected peer, registered or not.
	frame := readFrame(t, other)
	if frame.Event != EventUpdates {
		t.Fatalf("event = %q, want %q", frame.Event, EventUpdates)
	}

	expectNoFrame(t, sender)
}

func TestLegacyQueryAuthentication(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dial(t, ts, "?hashkey="+testSecret)

	frame := readFrame(t, conn)
	if frame.Event != EventAuthenticated {
		t.Fatalf("event = %q, want %q", frame.Event, EventAuthenticated)
	}
	var ack AuthenticatedPayload
	if err := json.Unmarshal(frame.Data, &ack); err != nil {
		t.Fatalf("failed to unmarshal ack: %v", err)
	}
	if !ack.Success {
		t.Fatalf("query authentication failed: %q", ack.Error)
	}
	readUpdate(t, conn, UpdateKindRegReq)

	// A redundant explicit authentication does not produce a second ack.
	sendFrame(t, conn, EventAuthentication, AuthenticationPayload{Key: testSecret})
	expectNoFrame(t, conn)
}

func TestLegacyQueryAuthMismatchIsSilent(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dial(t, ts, "?hashkey=wrong")

	// Nothing is emitted for a bad query key and the connection stays open;
	// the peer can still authenticate explicitly.
	expectNoFrame(t, conn)

	sendFrame(t, conn, EventAuthentication, AuthenticationPayload{Key: testSecret})
	frame := readFrame(t, conn)
	if frame.Event != EventAuthenticated {
		t.Fatalf("event = %q, want %q", frame.Event, EventAuthenticated)
	}
	var ack AuthenticatedPayload
	if err := json.Unmarshal(frame.Data, &ack); err != nil {
		t.Fatalf("failed to unmarshal ack: %v", err)
	}
	if !ack.Success {
		t.Fatalf("explicit authentication failed after query mismatch")
	}
}

func TestHashkeyRotation(t *testing.T) {
	s, ts := newTestServer(t)

	backend := dial(t, ts, "")
	sendFrame(t, backend, EventHashkey, HashkeyPayload{
		Hashkey:    testSecret,
		NewHashkey: "rotated",
	})

	// Rotation is unacknowledged; wait for it to land.
	waitFor(t, func() bool { return s.keeper.Verify("rotated") }, "rotation to apply")

	if s.keeper.Verify(testSecret) {
		t.Fatalf("old secret still accepted after rotation")
	}

	// New connections authenticate against the rotated secret.
	conn := dial(t, ts, "")
	sendFrame(t, conn, EventAuthentication, AuthenticationPayload{Key: "rotated"})
	frame := readFrame(t, conn)
	var ack AuthenticatedPayload
	if err := json.Unmarshal(frame.Data, &ack); err != nil {
		t.Fatalf("failed to unmarshal ack: %v", err)
	}
	if !ack.Success {
		t.Fatalf("authentication with rotated secret failed")
	}
}

func TestHashkeyRotationWrongSecretIgnored(t *testing.T) {
	s, ts := newTestServer(t)

	backend := dial(t, ts, "")
	sendFrame(t, backend, EventHashkey, HashkeyPayload{
		Hashkey:    "wrong",
		NewHashkey: "rotated",
	})

	expectNoFrame(t, backend)
	if s.keeper.Verify("rotated") {
		t.Fatalf("rotation applied despite wrong current secret")
	}
	if !s.keeper.Verify(testSecret) {
		t.Fatalf("current secret no longer accepted")
	}
}

func TestSessionApprovalOverWire(t *testing.T) {
	s, ts := newTestServer(t)

	backend := dial(t, ts, "")
	sendFrame(t, backend, EventSession, SessionPayload{
		Hashkey: testSecret,
		Data:    "session-token-1",
	})

	waitFor(t, func() bool { return s.keeper.HasSession("session-token-1") }, "session approval")

	sendFrame(t, backend, EventSession, SessionPayload{
		Hashkey: testSecret,
		Remove:  true,
		Data:    "session-token-1",
	})

	waitFor(t, func() bool { return !s.keeper.HasSession("session-token-1") }, "session revocation")
}

func TestStatusEndpoint(t *testing.T) {
	s, ts := newTestServer(t)

	conn := dial(t, ts, "")
	authenticate(t, conn)
	register(t, conn, 5, "til1")

	waitFor(t, func() bool { return s.Registry().Len() == 1 }, "registration")

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("failed to GET /status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.ConnectedClients != 1 {
		t.Errorf("ConnectedClients = %d, want 1", status.ConnectedClients)
	}
	if status.OnlineDevices != 1 {
		t.Errorf("OnlineDevices = %d, want 1", status.OnlineDevices)
	}
}

func TestHealthAndBannerEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("failed to GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp, err = http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("failed to GET /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestStopDisconnectsClients(t *testing.T) {
	s, ts := newTestServer(t)

	conn := dial(t, ts, "")
	authenticate(t, conn)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the connection to be closed after Stop")
	}

	// Stop is idempotent.
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

// waitFor polls a condition until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
