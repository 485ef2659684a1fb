package realtime

import (
	"context"
	"fmt"
	"net/http/cookiejar"

	"github.com/cloudzz-dev/estatemsg/internal/models"
)

// Transport opens authenticated duplex connections.
type Transport interface {
	Name() string
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn carries frames in both directions. ReadFrame is called from one
// goroutine; WriteFrame calls are serialized by the Manager; Close may be
// called concurrently and more than once.
type Conn interface {
	ReadFrame() (models.Frame, error)
	WriteFrame(models.Frame) error
	Close() error
}

// buildTransports maps the configured preference order to implementations.
// Both built-in transports share one cookie jar so cookies set during one
// handshake accompany the other.
func buildTransports(cfg Config) ([]Transport, error) {
	var jar *cookiejar.Jar
	if cfg.WithCredentials {
		var err error
		if jar, err = cookiejar.New(nil); err != nil {
			return nil, err
		}
	}

	out := make([]Transport, 0, len(cfg.Transports))
	for _, name := range cfg.Transports {
		switch name {
		case TransportWebsocket:
			t, err := NewWebsocketTransport(cfg, jar)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		case TransportPolling:
			t, err := NewPollingTransport(cfg, jar)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		default:
			return nil, fmt.Errorf("realtime: unknown transport %q", name)
		}
	}
	return out, nil
}
