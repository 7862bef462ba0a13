package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	// gorilla/websocket is the most popular WebSocket library for Go.
	// It provides a complete implementation of the WebSocket protocol
	// with support for reading/writing messages, ping/pong, and close handling.
	"github.com/gorilla/websocket"

	"github.com/google/uuid"

	"github.com/wpos/feedrelay/internal/credential"

	// Rate limiting for inbound events to prevent message flooding.
	"golang.org/x/time/rate"
)

// channelBufferSize is the buffer size for per-client send channels.
// This value balances memory usage against the ability to absorb bursts of
// messages without blocking senders. If the buffer fills up, messages are
// dropped for slow clients rather than stalling delivery to everyone else.
const channelBufferSize = 256

// authFailureGrace is how long a connection stays open after a failed
// authentication attempt, so the peer can observe the failure
// acknowledgment before losing the channel.
const authFailureGrace = 400 * time.Millisecond

// Inbound event budget per connection. POS traffic is a trickle; anything
// sustained above this is a misbehaving or hostile peer.
const (
	inboundEventsPerSecond = 100
	inboundEventBurst      = 20
)

// Server accepts WebSocket connections from POS terminals, admin consoles,
// and the POS backend, and relays events between them. It owns the device
// registry and consults the credential keeper for every authentication and
// privileged operation.
type Server struct {
	// addr is the address to listen on (e.g., "127.0.0.1:8080")
	addr string

	// upgrader converts HTTP connections to WebSocket connections.
	upgrader websocket.Upgrader

	// clients tracks all connected peers by connection identifier.
	clients map[string]*Client

	// mu protects the clients map and stopped flag from concurrent access.
	mu sync.RWMutex

	// stopped indicates whether the server has been stopped.
	stopped bool

	// registry is the authoritative device-identity mapping.
	registry *Registry

	// keeper validates credentials and handles rotation/session approval.
	keeper *credential.Keeper

	// sweeper periodically re-publishes the registry to admin consoles.
	sweeper *sweeper

	// sweepInterval is the sweeper period.
	sweepInterval time.Duration

	// httpServer is the underlying HTTP server for shutdown.
	httpServer *http.Server

	// startTime is when the server was created, for status reporting.
	startTime time.Time
}

// Client represents a single WebSocket connection.
// Each client has its own goroutine for writing messages, which prevents
// slow clients from blocking delivery to others.
type Client struct {
	// id is the opaque connection identifier.
	id string

	// conn is the underlying WebSocket connection.
	conn *websocket.Conn

	// send is a buffered channel for outgoing frames.
	// The write goroutine reads from this and sends to the WebSocket.
	send chan Frame

	// done is closed to signal the client should shut down.
	// Used to coordinate clean shutdown without racing on the send channel.
	done chan struct{}

	// closeOnce ensures the done channel is only closed once. The read
	// pump, Stop(), and the auth grace timer may all try to close it.
	closeOnce sync.Once

	// server is a reference back to the parent server.
	server *Server

	// createdAt is when the connection was accepted.
	createdAt time.Time

	// limiter rate-limits inbound events from this connection.
	limiter *rate.Limiter

	// Connection state machine: Unauthenticated -> Authenticated ->
	// Registered(deviceID). Disconnect is terminal from any state.
	//
	// Threading model: authenticated, deviceID, and registered are written
	// during the HTTP upgrade (before the pumps start) and by this
	// client's own readPump goroutine, and read only from that goroutine.
	// No lock is needed.
	authenticated bool
	deviceID      int
	registered    bool

	// graceTimer forces closure after a failed authentication. Armed and
	// canceled only from the readPump goroutine.
	graceTimer *time.Timer
}

// shutdown signals the client to close exactly once.
// Safe to call from any goroutine; writePump sends the close frame.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// NewServer creates a relay server. Call Start or StartAsync to begin
// accepting connections.
func NewServer(addr string, keeper *credential.Keeper, sweepInterval time.Duration) *Server {
	s := &Server{
		addr:          addr,
		clients:       make(map[string]*Client),
		registry:      NewRegistry(),
		keeper:        keeper,
		sweepInterval: sweepInterval,
		startTime:     time.Now(),
		upgrader: websocket.Upgrader{
			// The relay sits behind a reverse proxy or on a trusted LAN;
			// peers authenticate with the shared secret, not an origin.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.sweeper = newSweeper(s, sweepInterval)
	return s
}

// Registry exposes the device registry (used by the status endpoint and
// tests).
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start begins listening for connections. This method blocks, so call it
// in a goroutine if you need to do other work. It returns
// http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	mux := s.createMux()

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	s.sweeper.start()

	log.Printf("relay: listening on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// StartAsync starts the server in a goroutine and reports startup errors.
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	mux := s.createMux()

	// Create the listener first to detect port conflicts immediately.
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	s.sweeper.start()

	go func() {
		log.Printf("relay: listening on %s", s.addr)
		errCh <- nil
		close(errCh)

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("relay: server error: %v", err)
		}
	}()

	return errCh
}

// createMux creates the HTTP mux with all endpoints.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket connections
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Liveness banner, matching what monitoring probes expect.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "WPOS Feedrelay running\n")
	})

	// Health check endpoint for monitoring
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Status endpoint for the CLI
	mux.Handle("/status", newStatusHandler(s))

	return mux
}

// Stop gracefully shuts down the server: the sweeper stops, every client
// gets a close frame, and the listener is closed.
func (s *Server) Stop() error {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		return nil // Already stopped
	}
	s.stopped = true

	// Signal all clients to stop. writePump sends the close frame and
	// closes the connection when it sees the done channel.
	for _, client := range s.clients {
		client.shutdown()
	}
	s.clients = make(map[string]*Client)

	s.mu.Unlock()

	s.sweeper.stop()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Addr returns the server's configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// handleWebSocket upgrades an HTTP connection to a WebSocket connection and
// runs the connection's read/write pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Legacy credential presentation: clients may pass the shared secret
	// as a query parameter at connection-open time instead of sending an
	// explicit authentication event. It is evaluated with the same check
	// and produces the same side effect. On mismatch nothing is emitted;
	// the peer can still authenticate explicitly.
	legacyKey := r.URL.Query().Get("hashkey")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan Frame, channelBufferSize),
		done:      make(chan struct{}),
		server:    s,
		createdAt: time.Now(),
		limiter:   rate.NewLimiter(rate.Limit(inboundEventsPerSecond), inboundEventBurst),
	}

	if legacyKey != "" && s.keeper.Verify(legacyKey) {
		client.authenticated = true
		log.Printf("relay: conn %s authenticated via query hashkey", client.id)
	}

	// Register the client
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client.id] = client
	s.mu.Unlock()

	log.Printf("relay: conn %s connected (%d total)", client.id, s.ClientCount())

	// Queue the legacy-path acknowledgment before the pumps start so it is
	// the first frame the peer sees. A redundant authentication event later
	// will not produce a second acknowledgment.
	if client.authenticated {
		client.send <- newAuthenticatedFrame(true, "")
		client.send <- newUpdateFrame(Update{A: UpdateKindRegReq})
	}

	go client.writePump()
	go client.readPump()
}

// lookupClient resolves a connection identifier to its client.
func (s *Server) lookupClient(connID string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[connID]
	return c, ok
}

// deliver queues a frame for this client without blocking. Delivery to a
// slow or dead peer must never stall processing of other connections'
// events, so a full buffer drops the frame and logs.
func (c *Client) deliver(f Frame) bool {
	select {
	case <-c.done:
		// Client is shutting down - skip
		return false
	case c.send <- f:
		return true
	default:
		log.Printf("relay: conn %s send buffer full, dropping %s frame", c.id, f.Event)
		return false
	}
}

// writePump continuously sends frames from the send channel to the
// WebSocket. It also sends periodic pings to keep the connection alive.
func (c *Client) writePump() {
	// Pings help detect dead connections and keep NAT/firewalls happy.
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Shutdown signaled; send close frame and exit.
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.send:
			// Set a write deadline to prevent hanging on slow connections
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			data, err := json.Marshal(frame)
			if err != nil {
				log.Printf("relay: failed to marshal frame: %v", err)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("relay: conn %s write error: %v", c.id, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads events from the WebSocket and dispatches them to the
// handlers in handlers.go. It also owns connection teardown: when the read
// loop exits for any reason, the registry cleanup runs exactly once.
func (c *Client) readPump() {
	defer func() {
		// A handler panic must stay isolated to this connection; the
		// relay process and the other connections keep running.
		if r := recover(); r != nil {
			log.Printf("relay: conn %s handler panic: %v", c.id, r)
		}

		c.teardown()
	}()

	// Configure connection parameters
	c.conn.SetReadLimit(512 * 1024) // Max message size: 512KB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	// Reset the read deadline whenever the peer answers a ping.
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		// Read the next message from the WebSocket.
		// This blocks until a message arrives or an error occurs.
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				log.Printf("relay: conn %s read error: %v", c.id, err)
			}
			return
		}

		// Drop events from a peer exceeding its budget. The frame is not
		// parsed; flooding should cost the relay as little as possible.
		if !c.limiter.Allow() {
			log.Printf("relay: conn %s rate limited, dropping event", c.id)
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("relay: conn %s sent malformed frame: %v", c.id, err)
			continue
		}

		c.handleFrame(frame)
	}
}

// teardown unregisters the client and runs the registry cleanup pass.
// It is idempotent: the connection may already have been superseded by a
// newer registration, in which case there is nothing to remove.
func (c *Client) teardown() {
	// A pending auth-failure grace timer belongs to this connection only.
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}

	c.server.mu.Lock()
	delete(c.server.clients, c.id)
	c.server.mu.Unlock()

	c.shutdown()

	// The guarded unregister: removes the device entry only if this
	// connection still owns it.
	if c.registered {
		if c.server.registry.Unregister(c.deviceID, c.id) {
			c.server.NotifyAdmins()
		}
	}

	log.Printf("relay: conn %s disconnected (%d remaining)", c.id, c.server.ClientCount())
}
