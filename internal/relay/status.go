package relay

// status.go implements the /status HTTP endpoint used by the
// "feedrelay status" CLI command.

import (
	"encoding/json"
	"net"
	"net/http"
	"time"
)

// StatusResponse contains relay status information returned by /status.
type StatusResponse struct {
	// ListeningAddress is the address the relay is listening on.
	ListeningAddress string `json:"listening_address"`

	// ConnectedClients is the number of currently open connections.
	ConnectedClients int `json:"connected_clients"`

	// OnlineDevices is the number of registered device identities.
	OnlineDevices int `json:"online_devices"`

	// UptimeSeconds is how long the relay has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// SweepIntervalSeconds is the configured registry sweep period.
	SweepIntervalSeconds int64 `json:"sweep_interval_seconds"`
}

// statusHandler serves relay status. The endpoint is restricted to local
// machine addresses: it is operational tooling, not part of the peer
// protocol.
type statusHandler struct {
	server *Server
}

func newStatusHandler(s *Server) *statusHandler {
	return &statusHandler{server: s}
}

// ServeHTTP handles GET requests to /status.
func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !isLocalRequest(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	resp := StatusResponse{
		ListeningAddress:     h.server.Addr(),
		ConnectedClients:     h.server.ClientCount(),
		OnlineDevices:        h.server.registry.Len(),
		UptimeSeconds:        int64(time.Since(h.server.startTime).Seconds()),
		SweepIntervalSeconds: int64(h.server.sweepInterval.Seconds()),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}

// isLocalRequest reports whether the request originated on this machine.
func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
