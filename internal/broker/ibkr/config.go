// Package ibkr provides Interactive Brokers TWS/Gateway connectivity.
package ibkr

import (
	"os"
	"strconv"
	"time"
)

// Config holds IBKR connection configuration.
type Config struct {
	// Connection settings
	Host     string
	Port     int
	ClientID int
	Account  string

	// Timeouts
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Rate limiting
	MaxRequestsPerSecond int

	// Reconnection
	AutoReconnect     bool
	ReconnectInterval time.Duration
	MaxReconnectTries int
}

// DefaultConfig returns default IBKR configuration (TWS paper port).
func DefaultConfig() Config {
	return Config{
		Host:                 "127.0.0.1",
		Port:                 7497,
		ClientID:             1,
		ConnectTimeout:       10 * time.Second,
		RequestTimeout:       30 * time.Second,
		MaxRequestsPerSecond: 45, // IB limit is 50/sec
		AutoReconnect:        true,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectTries:    10,
	}
}

// FromEnv overlays recognized environment variables onto the config:
// IB_HOST, IB_PORT, IB_CLIENT_ID, IB_ACCOUNT.
func (c Config) FromEnv() Config {
	if v := os.Getenv("IB_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("IB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("IB_CLIENT_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.ClientID = id
		}
	}
	if v := os.Getenv("IB_ACCOUNT"); v != "" {
		c.Account = v
	}
	return c
}
