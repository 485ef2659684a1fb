package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoint(t *testing.T) {
	cases := []struct {
		base, path string
		ws         bool
		want       string
	}{
		{"http://localhost:3567", "/ws", true, "ws://localhost:3567/ws"},
		{"https://chat.example.com/", "/ws", true, "wss://chat.example.com/ws"},
		{"wss://chat.example.com/api", "/rt/poll", false, "https://chat.example.com/api/rt/poll"},
		{"http://localhost:3567?token=x", "/rt/poll", false, "http://localhost:3567/rt/poll"},
	}
	for _, tc := range cases {
		got, err := endpoint(tc.base, tc.path, tc.ws)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := endpoint("ftp://x", "/ws", true)
	assert.Error(t, err)
}

func TestBuildTransportsOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Transports = []string{TransportPolling, TransportWebsocket}
	ts, err := buildTransports(cfg.withDefaults())
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, TransportPolling, ts[0].Name())
	assert.Equal(t, TransportWebsocket, ts[1].Name())

	cfg.Transports = []string{"carrier-pigeon"}
	_, err = buildTransports(cfg)
	assert.Error(t, err)
}

func TestWebsocketTransportSendsBearerHeader(t *testing.T) {
	upgrader := websocket.Upgrader{}
	type hdr struct{ auth, query string }
	seen := make(chan hdr, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- hdr{r.Header.Get("Authorization"), r.URL.RawQuery}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		var f models.Frame
		if err := c.ReadJSON(&f); err != nil {
			return
		}
		f.Event = models.EventAck
		_ = c.WriteJSON(f)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.URL = srv.URL
	tr, err := NewWebsocketTransport(cfg.withDefaults(), nil)
	require.NoError(t, err)

	conn, err := tr.Dial(context.Background(), "secret")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteFrame(models.Frame{Event: models.EventSendMessage, Ack: "7"}))
	f, err := conn.ReadFrame()
	require.NoError(t, err)

	h := <-seen
	assert.Equal(t, "Bearer secret", h.auth)
	assert.Empty(t, h.query)
	assert.Equal(t, models.EventAck, f.Event)
	assert.Equal(t, "7", f.Ack)
}

func TestWebsocketTransportRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.URL = srv.URL
	tr, err := NewWebsocketTransport(cfg.withDefaults(), nil)
	require.NoError(t, err)

	_, err = tr.Dial(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

// pollServer is a minimal long-poll endpoint echoing every sent frame back
// as an ack.
type pollServer struct {
	mu      sync.Mutex
	queue   []models.Frame
	auth    []string
	deleted bool
	notify  chan struct{}
}

func (s *pollServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/rt/poll":
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "s1"})
	case r.Method == http.MethodPost && r.URL.Path == "/rt/poll/send":
		var f models.Frame
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil || r.URL.Query().Get("sid") != "s1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.queue = append(s.queue, models.Frame{Event: models.EventAck, Ack: f.Ack})
		s.mu.Unlock()
		s.notify <- struct{}{}
		w.WriteHeader(http.StatusAccepted)
	case r.Method == http.MethodGet:
		select {
		case <-s.notify:
		case <-time.After(50 * time.Millisecond):
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
		s.mu.Lock()
		out := s.queue
		s.queue = nil
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(out)
	case r.Method == http.MethodDelete:
		s.mu.Lock()
		s.deleted = true
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestPollingTransportRoundTrip(t *testing.T) {
	ps := &pollServer{notify: make(chan struct{}, 4)}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	cfg := testConfig()
	cfg.URL = srv.URL
	tr, err := NewPollingTransport(cfg.withDefaults(), nil)
	require.NoError(t, err)

	conn, err := tr.Dial(context.Background(), "secret")
	require.NoError(t, err)

	require.NoError(t, conn.WriteFrame(models.Frame{Event: models.EventSendMessage, Ack: "3"}))
	f, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "3", f.Ack)

	require.NoError(t, conn.Close())

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.True(t, ps.deleted)
	for _, a := range ps.auth {
		assert.Equal(t, "Bearer secret", a)
	}
}

func TestPollingReadFailsAfterClose(t *testing.T) {
	ps := &pollServer{notify: make(chan struct{}, 4)}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	cfg := testConfig()
	cfg.URL = srv.URL
	tr, err := NewPollingTransport(cfg.withDefaults(), nil)
	require.NoError(t, err)
	conn, err := tr.Dial(context.Background(), "secret")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		conn.Close()
	}()

	_, err = conn.ReadFrame()
	assert.Error(t, err)
}
