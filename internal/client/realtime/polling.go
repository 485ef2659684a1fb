package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/models"
)

// PollingTransport is the long-polling fallback at <url>/rt/poll. A session
// is opened with POST, frames are pulled with GET and pushed with POST /send.
type PollingTransport struct {
	endpoint string
	client   *http.Client
}

func NewPollingTransport(cfg Config, jar *cookiejar.Jar) (*PollingTransport, error) {
	ep, err := endpoint(cfg.URL, "/rt/poll", false)
	if err != nil {
		return nil, err
	}
	// no client timeout: polls are bounded by the server's hold time and our context
	hc := &http.Client{}
	if jar != nil {
		hc.Jar = jar
	}
	return &PollingTransport{endpoint: ep, client: hc}, nil
}

func (t *PollingTransport) Name() string { return TransportPolling }

type openResponse struct {
	SID string `json:"sid"`
}

func (t *PollingTransport) Dial(ctx context.Context, token string) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling open: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling open: %s", resp.Status)
	}

	var open openResponse
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil {
		return nil, fmt.Errorf("polling open: %w", err)
	}
	if open.SID == "" {
		return nil, errors.New("polling open: empty session id")
	}

	pctx, cancel := context.WithCancel(context.Background())
	return &pollConn{
		t:      t,
		token:  token,
		sid:    open.SID,
		ctx:    pctx,
		cancel: cancel,
	}, nil
}

type pollConn struct {
	t      *PollingTransport
	token  string
	sid    string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	buf []models.Frame
}

func (p *pollConn) url(path string) string {
	return p.t.endpoint + path + "?sid=" + url.QueryEscape(p.sid)
}

func (p *pollConn) request(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.url(path), rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return p.t.client.Do(req)
}

func (p *pollConn) ReadFrame() (models.Frame, error) {
	for len(p.buf) == 0 {
		if err := p.poll(); err != nil {
			return models.Frame{}, err
		}
	}
	f := p.buf[0]
	p.buf = p.buf[1:]
	return f, nil
}

func (p *pollConn) poll() error {
	resp, err := p.request(p.ctx, http.MethodGet, "", nil)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var frames []models.Frame
		if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
			return fmt.Errorf("poll decode: %w", err)
		}
		p.buf = append(p.buf, frames...)
		return nil
	case http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("poll: %s", resp.Status)
	}
}

func (p *pollConn) WriteFrame(f models.Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(p.ctx, writeWait)
	defer cancel()

	resp, err := p.request(ctx, http.MethodPost, "/send", body)
	if err != nil {
		return fmt.Errorf("poll send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("poll send: %s", resp.Status)
	}
	return nil
}

func (p *pollConn) Close() error {
	p.once.Do(func() {
		p.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if resp, err := p.request(ctx, http.MethodDelete, "", nil); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}
