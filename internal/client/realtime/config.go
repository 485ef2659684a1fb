package realtime

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/config"
)

const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"

	maxBackoffShift = 16
)

// Config is the connection policy. Zero fields fall back to DefaultConfig.
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	Timeout              time.Duration
	AckTimeout           time.Duration
	Transports           []string
	WithCredentials      bool
	EventBuffer          int
}

func DefaultConfig() Config {
	return Config{
		URL:                  "http://localhost:3567",
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		Timeout:              20 * time.Second,
		AckTimeout:           10 * time.Second,
		Transports:           []string{TransportWebsocket, TransportPolling},
		WithCredentials:      true,
		EventBuffer:          256,
	}
}

func FromClientConfig(c config.ClientConfig) Config {
	return Config{
		URL:                  c.SocketURL,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectDelay:       c.ReconnectDelay,
		Timeout:              c.Timeout,
		AckTimeout:           c.AckTimeout,
		Transports:           c.Transports,
		WithCredentials:      c.WithCredentials,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if len(c.Transports) == 0 {
		c.Transports = d.Transports
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// NextDelay is the wait before the reconnection that follows `attempts`
// consecutive failures: base * 2^attempts.
func (c Config) NextDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffShift {
		attempts = maxBackoffShift
	}
	return c.ReconnectDelay * time.Duration(1<<attempts)
}

// endpoint rewrites the base URL to the scheme family and path a transport needs.
func endpoint(base, path string, websocket bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("realtime: bad url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
		if websocket {
			u.Scheme = "ws"
		}
	case "https", "wss":
		u.Scheme = "https"
		if websocket {
			u.Scheme = "wss"
		}
	default:
		return "", fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String(), nil
}
