package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wpos/feedrelay/internal/config"
	"github.com/wpos/feedrelay/internal/credential"
	"github.com/wpos/feedrelay/internal/mdns"
	"github.com/wpos/feedrelay/internal/relay"
	"github.com/wpos/feedrelay/internal/storage"
)

// runStart implements the "feedrelay start" command: load configuration,
// open the credential store, start the relay, and run until a signal
// arrives. CLI flags take precedence over config file values.
func runStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: ~/.feedrelay/config.toml)")
	port := fs.Int("port", 0, "Listen port (overrides config)")
	proxy := fs.Bool("proxy", true, "Bind loopback only, for use behind a reverse proxy (overrides config)")
	key := fs.String("key", "", "Initial shared secret (overrides config)")
	store := fs.String("store", "", "Path to credential database (overrides config)")
	mdnsFlag := fs.Bool("mdns", false, "Enable mDNS/Bonjour discovery (overrides config)")
	sweep := fs.Int("sweep-interval", 0, "Registry sweep period in seconds (overrides config)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: feedrelay start [options]

Start the relay. Terminals and admin consoles connect to ws://<addr>/ws and
authenticate with the shared secret; the POS backend uses the same endpoint
for directed pushes, session approval, and key rotation.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Apply CLI precedence: only flags the user actually set override the
	// config file.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["port"] {
		cfg.Port = *port
	}
	if set["proxy"] {
		cfg.Proxy = *proxy
	}
	if set["key"] {
		cfg.Key = *key
	}
	if set["store"] {
		cfg.Store = *store
	}
	if set["mdns"] {
		cfg.MdnsEnabled = *mdnsFlag
	}
	if set["sweep-interval"] && *sweep > 0 {
		cfg.SweepIntervalSec = *sweep
	}

	storePath := cfg.Store
	if storePath == "" {
		storePath, err = config.DefaultStorePath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if err := os.MkdirAll(filepath.Dir(storePath), 0700); err != nil {
			fmt.Fprintf(stderr, "Error: failed to create data directory: %v\n", err)
			return 1
		}
	}

	db, err := storage.NewSQLiteStore(storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open credential store: %v\n", err)
		return 1
	}
	defer db.Close()

	keeper, err := credential.NewKeeper(db, cfg.Key)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to initialize credentials: %v\n", err)
		return 1
	}

	server := relay.NewServer(cfg.Addr(), keeper, time.Duration(cfg.SweepIntervalSec)*time.Second)

	if err := <-server.StartAsync(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Feedrelay listening on %s\n", cfg.Addr())

	var advertiser *mdns.Advertiser
	if cfg.MdnsEnabled {
		advertiser = mdns.NewAdvertiser(mdns.Config{
			Port: cfg.Port,
			Name: cfg.Name,
		})
		if err := advertiser.Start(); err != nil {
			// Discovery is a convenience; the relay works without it.
			fmt.Fprintf(stderr, "Warning: mDNS advertisement failed: %v\n", err)
		} else {
			fmt.Fprintf(stdout, "Advertising via mDNS as %s\n", mdns.ServiceType)
		}
	}

	// Run until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)

	if advertiser != nil {
		advertiser.Stop()
	}
	if err := server.Stop(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(stderr, "Error during shutdown: %v\n", err)
		return 1
	}

	return 0
}
