package chat

import (
	"sort"

	"github.com/cloudzz-dev/estatemsg/internal/models"
)

// Directory is the current user's conversation list with preview and unread
// metadata. It is replaced wholesale on every fetch.
type Directory struct {
	items []models.Conversation
}

func (d *Directory) Replace(list []models.Conversation) {
	d.items = append([]models.Conversation(nil), list...)
}

// Items returns the conversations in server order.
func (d *Directory) Items() []models.Conversation {
	return append([]models.Conversation(nil), d.items...)
}

func (d *Directory) Len() int { return len(d.items) }

func (d *Directory) Get(id string) (models.Conversation, bool) {
	if i := d.index(id); i >= 0 {
		return d.items[i], true
	}
	return models.Conversation{}, false
}

func (d *Directory) index(id string) int {
	for i := range d.items {
		if d.items[i].ID == id {
			return i
		}
	}
	return -1
}

// ApplyIncoming folds an inbound message into its conversation's preview.
// The unread count grows only when the conversation is not being viewed and
// the message is addressed to me. It reports false for unknown conversations.
func (d *Directory) ApplyIncoming(msg models.Message, me string, active bool) bool {
	i := d.index(msg.ConversationID)
	if i < 0 {
		return false
	}
	c := &d.items[i]
	c.LastMessage = &models.LastMessage{Content: preview(msg), CreatedAt: msg.CreatedAt}
	if active {
		c.UnreadCount = 0
	} else if msg.Receiver == me && !msg.IsRead {
		c.UnreadCount++
	}
	return true
}

func (d *Directory) ResetUnread(id string) {
	if i := d.index(id); i >= 0 {
		d.items[i].UnreadCount = 0
	}
}

// Recent returns the conversations newest first by last message time.
// Conversations without messages sort after those with.
func (d *Directory) Recent() []models.Conversation {
	out := d.Items()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return out
}

func preview(msg models.Message) string {
	if msg.Content == "" && len(msg.Attachments) > 0 {
		return "📎 " + msg.Attachments[0].FileName
	}
	return msg.Content
}
