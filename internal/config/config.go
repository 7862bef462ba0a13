// Package config provides TOML configuration file loading for the relay.
// The configuration file lives at ~/.feedrelay/config.toml by default, but can
// be overridden with the --config flag. CLI flags always take precedence over
// file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the relay configuration file structure.
// Field names map to snake_case in TOML files via struct tags.
type Config struct {
	// Port is the TCP port the relay listens on.
	// Default: 8080
	Port int `toml:"port"`

	// Proxy controls the bind address. When true (the usual deployment,
	// behind a reverse proxy terminating TLS) the relay binds loopback only.
	// When false it binds all interfaces so terminals can reach it directly.
	// Default: true
	Proxy bool `toml:"proxy"`

	// Key is the initial shared secret presented by connecting peers.
	// It only seeds an empty credential store; once a rotation has been
	// persisted, the stored secret wins.
	Key string `toml:"key"`

	// SweepIntervalSec is the period of the registry re-publish sweep,
	// in seconds. Default: 20
	SweepIntervalSec int `toml:"sweep_interval_sec"`

	// Store is the path to the SQLite database holding the rotatable
	// secret and approved session tokens.
	// Default: ~/.feedrelay/feedrelay.db
	Store string `toml:"store"`

	// MdnsEnabled enables mDNS/Bonjour service advertisement.
	// When true, the relay advertises itself on the local network so
	// terminals can discover it without manual IP entry.
	// Default: false (must be explicitly enabled)
	MdnsEnabled bool `toml:"mdns_enabled"`

	// Name is a human-readable name for this relay, used in mDNS
	// advertisement. Defaults to the system hostname if empty.
	Name string `toml:"name"`
}

// DefaultConfigPath returns the default config file location:
// ~/.feedrelay/config.toml. Returns an error only if the user's home
// directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".feedrelay", "config.toml"), nil
}

// DefaultStorePath returns the default credential database location:
// ~/.feedrelay/feedrelay.db.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".feedrelay", "feedrelay.db"), nil
}

// Load reads a TOML config file from the given path and returns a Config
// with defaults applied for unset fields.
//
// Behavior:
//   - If path is empty, attempts to load from the default location
//     (~/.feedrelay/config.toml). Returns a default Config without error
//     if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Port:             DefaultPort,
		Proxy:            true,
		SweepIntervalSec: DefaultSweepIntervalSec,
	}

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		// This allows the relay to start from flags alone.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	// Parse the TOML file. Any parse error is fatal since the user expects
	// the config to be applied.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.SweepIntervalSec <= 0 {
		cfg.SweepIntervalSec = DefaultSweepIntervalSec
	}

	return cfg, nil
}

// Addr returns the listen address derived from Port and Proxy.
// Proxy mode binds loopback only; direct mode binds all interfaces.
func (c *Config) Addr() string {
	if c.Proxy {
		return fmt.Sprintf("127.0.0.1:%d", c.Port)
	}
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}
