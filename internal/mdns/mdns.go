// Package mdns provides optional mDNS/Bonjour service advertisement.
//
// When enabled, the relay advertises itself on the local network using
// DNS-SD (DNS Service Discovery), allowing POS terminals to discover it
// without manual IP entry. This is an opt-in feature.
//
// The mDNS advertisement includes:
//   - Service type: _wposfeed._tcp
//   - TXT records with protocol version and relay name
//
// Discovery only reveals presence; peers still have to present the shared
// secret to authenticate.
package mdns

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type for feed relays.
// Follows the standard Bonjour naming convention: _<service>._<protocol>
const ServiceType = "_wposfeed._tcp"

// ProtocolVersion identifies the mDNS protocol version for compatibility.
const ProtocolVersion = "1"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the relay port to advertise (e.g., 8080).
	Port int

	// Name is a human-readable name for this relay.
	// Defaults to the system hostname if empty.
	Name string
}

// Advertiser manages mDNS/DNS-SD service registration.
// It advertises the relay on the local network so terminals can discover
// it without typing IP addresses.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates a new mDNS advertiser with the given configuration.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{
		config: cfg,
	}
}

// Start begins advertising the service via mDNS.
//
// Start is safe to call multiple times; subsequent calls are no-ops
// if already running.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Already running
	if a.server != nil {
		return nil
	}

	// Determine the service instance name
	name := a.config.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "feedrelay"
		} else {
			name = hostname
		}
	}

	// TXT records provide information to clients before they connect:
	// - version: Protocol version for compatibility checks
	// - name: Human-readable relay name
	txtRecords := []string{
		fmt.Sprintf("version=%s", ProtocolVersion),
		fmt.Sprintf("name=%s", name),
	}

	// Register the mDNS service on the ".local" domain.
	server, err := zeroconf.Register(
		name,        // Instance name (e.g., "shop-backoffice")
		ServiceType, // Service type
		"local.",    // Domain
		a.config.Port,
		txtRecords,
		nil, // Network interfaces (nil = all)
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop stops the mDNS advertisement and unregisters the service.
// It is safe to call Stop multiple times or on an advertiser that
// was never started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning returns true if the advertiser is currently running.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredRelay represents a relay found via mDNS discovery.
type DiscoveredRelay struct {
	// Name is the human-readable name of the relay.
	Name string

	// Host is the IP address or hostname.
	Host string

	// Port is the relay port.
	Port int

	// Version is the protocol version.
	Version string
}

// Discover searches for feed relays on the local network.
// It returns relays discovered before the context expires.
// This function is primarily for testing; terminals use native NSD.
func Discover(ctx context.Context) ([]DiscoveredRelay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		relays []DiscoveredRelay
		mu     sync.Mutex
		wg     sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	// Collect results in a goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			relay := DiscoveredRelay{
				Name: entry.Instance,
				Port: entry.Port,
			}

			// Prefer IPv4 address
			if len(entry.AddrIPv4) > 0 {
				relay.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				relay.Host = entry.AddrIPv6[0].String()
			}

			// Parse TXT records
			for _, txt := range entry.Text {
				switch {
				case len(txt) > 8 && txt[:8] == "version=":
					relay.Version = txt[8:]
				case len(txt) > 5 && txt[:5] == "name=":
					relay.Name = txt[5:]
				}
			}

			mu.Lock()
			relays = append(relays, relay)
			mu.Unlock()
		}
	}()

	// Browse for services
	err = resolver.Browse(ctx, ServiceType, "local.", entries)
	if err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// The zeroconf library closes the entries channel when the context is
	// done, so wait for that and then for the collector to drain.
	<-ctx.Done()
	wg.Wait()

	return relays, nil
}
