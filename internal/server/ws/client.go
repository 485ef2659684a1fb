package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/errorx"
	"github.com/cloudzz-dev/estatemsg/internal/models"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	requestTimeout = 15 * time.Second
)

// Client is one authenticated realtime connection. rooms and closed are
// guarded by the hub lock.
type Client struct {
	Hub    *Hub
	ID     string
	UserID string
	IP     string
	Send   chan []byte

	onClose  func()
	lastSeen atomic.Int64
	rooms    map[string]struct{}
	closed   bool
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) lastSeenAt() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Process handles one inbound frame.
func (c *Client) Process(ctx context.Context, raw []byte) {
	var f models.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.Hub.log.Debug("bad frame", zap.String("user", c.UserID), zap.Error(err))
		c.sendError(f.Ack, errorx.New(errorx.CodeInvalidParam, "malformed frame"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch f.Event {
	case models.EventJoinConversation:
		var ref models.ConversationRef
		if err := json.Unmarshal(f.Data, &ref); err != nil || ref.ConversationID == "" {
			c.sendError(f.Ack, errorx.ErrInvalidParam)
			return
		}
		if err := c.Hub.dispatcher.CanJoin(ctx, c.UserID, ref.ConversationID); err != nil {
			c.sendError(f.Ack, err)
			return
		}
		c.Hub.Join(c, ref.ConversationID)

	case models.EventLeaveConversation:
		var ref models.ConversationRef
		if err := json.Unmarshal(f.Data, &ref); err != nil {
			c.sendError(f.Ack, errorx.ErrInvalidParam)
			return
		}
		c.Hub.Leave(c, ref.ConversationID)

	case models.EventSendMessage:
		var p models.SendMessagePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.sendError(f.Ack, errorx.ErrInvalidParam)
			return
		}
		msg, err := c.Hub.dispatcher.Send(ctx, c.UserID, p)
		if err != nil {
			c.sendError(f.Ack, err)
			return
		}
		if f.Ack != "" {
			ack, _ := models.NewFrame(models.EventAck, msg)
			ack.Ack = f.Ack
			c.Hub.send(c, ack)
		}

	case models.EventMarkAsRead:
		var p models.MarkAsReadPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.MessageID == "" {
			c.sendError(f.Ack, errorx.ErrInvalidParam)
			return
		}
		if _, err := c.Hub.dispatcher.MarkRead(ctx, c.UserID, p.MessageID); err != nil {
			c.sendError(f.Ack, err)
		}

	default:
		c.Hub.log.Debug("ignoring event", zap.String("event", f.Event), zap.String("user", c.UserID))
	}
}

// sendError answers an acked request with an ack carrying the error, and
// anything else with an error event. Internal causes stay in the log.
func (c *Client) sendError(ackID string, err error) {
	msg := "server busy"
	var ce *errorx.CodeError
	if errors.As(err, &ce) {
		msg = ce.Msg
	} else {
		c.Hub.log.Error("realtime request failed", zap.String("user", c.UserID), zap.Error(err))
	}

	if ackID != "" {
		c.Hub.send(c, models.Frame{Event: models.EventAck, Ack: ackID, Error: msg})
		return
	}
	f, _ := models.NewFrame(models.EventError, models.ErrorPayload{Message: msg})
	c.Hub.send(c, f)
}

// ReadPump reads frames from a websocket until it fails, then unregisters.
func (c *Client) ReadPump(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		c.Hub.Unregister(c)
		conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Hub.log.Debug("websocket read", zap.String("user", c.UserID), zap.Error(err))
			}
			return
		}
		c.Process(ctx, raw)
	}
}

// WritePump drains Send onto the websocket and keeps it alive with pings.
func (c *Client) WritePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Drain waits up to wait for the first queued frame of a long-poll session
// and returns it with everything queued behind it. ok is false once the
// session is closed.
func (c *Client) Drain(ctx context.Context, wait time.Duration) (frames []json.RawMessage, ok bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case msg, open := <-c.Send:
		if !open {
			return nil, false
		}
		frames = append(frames, msg)
	case <-timer.C:
		return nil, true
	case <-ctx.Done():
		return nil, true
	}

	for {
		select {
		case msg, open := <-c.Send:
			if !open {
				return frames, true
			}
			frames = append(frames, msg)
		default:
			c.touch()
			return frames, true
		}
	}
}
