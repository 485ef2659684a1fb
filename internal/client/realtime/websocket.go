package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// WebsocketTransport is the persistent-stream transport at <url>/ws.
type WebsocketTransport struct {
	endpoint string
	dialer   *websocket.Dialer
}

func NewWebsocketTransport(cfg Config, jar *cookiejar.Jar) (*WebsocketTransport, error) {
	ep, err := endpoint(cfg.URL, "/ws", true)
	if err != nil {
		return nil, err
	}
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.Timeout,
	}
	if jar != nil {
		d.Jar = jar
	}
	return &WebsocketTransport{endpoint: ep, dialer: d}, nil
}

func (t *WebsocketTransport) Name() string { return TransportWebsocket }

func (t *WebsocketTransport) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c, resp, err := t.dialer.DialContext(ctx, t.endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPingHandler(func(data string) error {
		c.SetReadDeadline(time.Now().Add(pongWait))
		err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c    *websocket.Conn
	once sync.Once
}

func (w *wsConn) ReadFrame() (models.Frame, error) {
	var f models.Frame
	if err := w.c.ReadJSON(&f); err != nil {
		return models.Frame{}, err
	}
	w.c.SetReadDeadline(time.Now().Add(pongWait))
	return f, nil
}

func (w *wsConn) WriteFrame(f models.Frame) error {
	w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteJSON(f)
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		_ = w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = w.c.Close()
	})
	return err
}
