package handlers

import (
	"net/http"

	"github.com/cloudzz-dev/estatemsg/internal/models"
	"github.com/cloudzz-dev/estatemsg/internal/server/auth"
	"github.com/gin-gonic/gin"
)

func (h *Handlers) Conversations(c *gin.Context) {
	convs, err := h.messages.Conversations(c.Request.Context(), auth.MustUserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (h *Handlers) Messages(c *gin.Context) {
	msgs, err := h.messages.History(c.Request.Context(), auth.MustUserID(c), c.Param("conversationId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// SendMessage is the request/response path used when the realtime channel
// is unavailable. Delivery to connected clients is identical.
func (h *Handlers) SendMessage(c *gin.Context) {
	var p models.SendMessagePayload
	if err := c.ShouldBindJSON(&p); err != nil {
		h.bindError(c, err)
		return
	}
	msg, err := h.messages.Send(c.Request.Context(), auth.MustUserID(c), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handlers) MarkRead(c *gin.Context) {
	msg, err := h.messages.MarkRead(c.Request.Context(), auth.MustUserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}
