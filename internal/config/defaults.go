package config

// DefaultPort is the default listen port for the relay.
const DefaultPort = 8080

// DefaultSweepIntervalSec is the default registry re-publish period.
const DefaultSweepIntervalSec = 20
