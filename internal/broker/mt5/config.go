// Package mt5 provides connectivity to an MT5 terminal through its TCP
// bridge. The bridge speaks newline-delimited JSON request/response frames.
package mt5

import (
	"time"
)

// Config holds bridge connection configuration.
type Config struct {
	// Connection settings
	Host     string
	Port     int
	Login    int64
	Password string
	Server   string

	// Timeouts
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Heartbeat
	HeartbeatInterval time.Duration

	// Reconnection
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	BackoffMultiplier float64

	// Rate limiting
	MaxRequestsPerSecond int

	// Trade request defaults
	Deviation int
	Magic     int64
}

// DefaultConfig returns default bridge configuration.
func DefaultConfig() Config {
	return Config{
		Host:                 "127.0.0.1",
		Port:                 18812,
		ConnectTimeout:       10 * time.Second,
		RequestTimeout:       30 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		ReconnectAttempts:    10,
		ReconnectDelay:       time.Second,
		BackoffMultiplier:    2.0,
		MaxRequestsPerSecond: 50,
		Deviation:            10,
		Magic:                100001,
	}
}
