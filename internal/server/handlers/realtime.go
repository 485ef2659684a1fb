package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/cloudzz-dev/estatemsg/internal/errorx"
	"github.com/cloudzz-dev/estatemsg/internal/server/auth"
	"github.com/cloudzz-dev/estatemsg/internal/server/ratelimit"
	"github.com/cloudzz-dev/estatemsg/internal/server/ws"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxPollFrame = 64 << 10

// reserve takes a per-IP connection slot and returns its release func.
func (h *Handlers) reserve(c *gin.Context) (release func(), ok bool) {
	ip := ratelimit.GetClientIP(c.Request)
	if !h.limiter.TryConnect(ip) {
		h.log.Warn("rate limited connection", zap.String("ip", ip))
		h.fail(c, errorx.New(errorx.CodeTooManyRequests, "too many connections from your IP"))
		return nil, false
	}
	return func() { h.limiter.RemoveConnection(ip) }, true
}

// WebSocket upgrades an authenticated request and runs the read loop on the
// handler goroutine.
func (h *Handlers) WebSocket(c *gin.Context) {
	release, ok := h.reserve(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	client := h.hub.Register(auth.MustUserID(c), ratelimit.GetClientIP(c.Request), release)
	go client.WritePump(conn)
	client.ReadPump(context.WithoutCancel(c.Request.Context()), conn)
}

func (h *Handlers) PollOpen(c *gin.Context) {
	release, ok := h.reserve(c)
	if !ok {
		return
	}
	client := h.hub.OpenPoll(auth.MustUserID(c), ratelimit.GetClientIP(c.Request), release)
	c.JSON(http.StatusOK, gin.H{"sid": client.ID})
}

func (h *Handlers) pollSession(c *gin.Context) (*ws.Client, bool) {
	client, ok := h.hub.PollSession(c.Query("sid"), auth.MustUserID(c))
	if !ok {
		h.fail(c, errorx.New(errorx.CodeNotFound, "unknown poll session"))
	}
	return client, ok
}

// PollReceive long-polls for queued frames: 200 with a JSON array, or 204
// when nothing arrived within the poll timeout.
func (h *Handlers) PollReceive(c *gin.Context) {
	client, ok := h.pollSession(c)
	if !ok {
		return
	}
	frames, open := client.Drain(c.Request.Context(), h.cfg.PollTimeout)
	switch {
	case !open:
		h.fail(c, errorx.New(errorx.CodeNotFound, "poll session closed"))
	case len(frames) == 0:
		c.Status(http.StatusNoContent)
	default:
		c.JSON(http.StatusOK, frames)
	}
}

func (h *Handlers) PollSend(c *gin.Context) {
	client, ok := h.pollSession(c)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPollFrame))
	if err != nil {
		h.fail(c, errorx.Wrap(err, errorx.CodeInvalidParam, "unreadable frame"))
		return
	}
	client.Process(c.Request.Context(), raw)
	c.Status(http.StatusNoContent)
}

func (h *Handlers) PollClose(c *gin.Context) {
	client, ok := h.pollSession(c)
	if !ok {
		return
	}
	h.hub.Unregister(client)
	c.Status(http.StatusNoContent)
}
