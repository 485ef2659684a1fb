package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/cloudzz-dev/estatemsg/internal/models"
	"go.uber.org/zap"
)

const (
	ViaRealtime = "realtime"
	ViaREST     = "rest"
)

var ErrNoConversation = errors.New("chat: no conversation selected")

// Send appends an optimistic message to the stream and returns the command
// that uploads attachments and delivers it, realtime first and REST second.
func (c *Controller) Send(content string, attachments []string) tea.Cmd {
	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		return nil
	}
	if c.selected == "" {
		c.log.Warn("send without selection", zap.Error(ErrNoConversation))
		return c.notify("Select a conversation first")
	}
	conv, _ := c.Directory.Get(c.selected)

	temp := models.Message{
		ID:             c.newTempID(),
		ConversationID: c.selected,
		Sender:         c.me.UserRef,
		Receiver:       conv.Counterparty.ID,
		Content:        content,
		CreatedAt:      c.now().UTC(),
		IsRead:         true,
		IsAdminReply:   c.me.IsAdmin(),
	}
	temp.ClientID = temp.ID
	for _, p := range attachments {
		temp.Attachments = append(temp.Attachments, models.Attachment{FileName: filepath.Base(p)})
	}
	c.Stream.Append(temp)

	return c.deliver(temp, attachments)
}

func (c *Controller) deliver(temp models.Message, paths []string) tea.Cmd {
	ctx, rt, backend, log, open := c.ctx, c.rt, c.backend, c.log, c.openFile
	return func() tea.Msg {
		res := SendResultMsg{TempID: temp.ID, ConversationID: temp.ConversationID}

		atts, err := upload(ctx, backend, open, paths)
		if err != nil {
			res.Err = err
			return res
		}
		payload := models.SendMessagePayload{
			ConversationID: temp.ConversationID,
			ReceiverID:     temp.Receiver,
			Content:        temp.Content,
			Attachments:    atts,
			ClientID:       temp.ID,
		}

		msg, err := rt.SendMessage(ctx, payload)
		if err == nil {
			res.Message, res.Via = msg, ViaRealtime
			return res
		}
		log.Info("realtime send failed, falling back to REST", zap.String("temp_id", temp.ID), zap.Error(err))

		msg, err = backend.SendMessage(ctx, payload)
		if err != nil {
			res.Err = err
			return res
		}
		res.Message, res.Via = msg, ViaREST
		return res
	}
}

// upload sends every attachment before the message itself. Assets uploaded
// before a later failure are left on the server.
func upload(ctx context.Context, backend Backend, open func(string) (io.ReadCloser, error), paths []string) ([]models.Attachment, error) {
	var out []models.Attachment
	for _, p := range paths {
		f, err := open(p)
		if err != nil {
			return nil, fmt.Errorf("open attachment: %w", err)
		}
		att, err := backend.Upload(ctx, filepath.Base(p), f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", filepath.Base(p), err)
		}
		out = append(out, *att)
	}
	return out, nil
}

func (c *Controller) finishSend(res SendResultMsg) tea.Cmd {
	if res.Err != nil {
		c.log.Warn("send failed", zap.String("temp_id", res.TempID), zap.Error(res.Err))
		c.Stream.Remove(res.TempID)
		return c.notify("Failed to send message")
	}
	c.log.Debug("message sent", zap.String("temp_id", res.TempID), zap.String("via", res.Via))
	if res.Message != nil {
		c.Stream.Reconcile(res.TempID, *res.Message)
	}
	return c.FetchConversations()
}
