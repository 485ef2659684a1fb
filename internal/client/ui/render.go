package ui

import (
	"fmt"
	"strings"

	"github.com/cloudzz-dev/estatemsg/internal/models"
)

const (
	pendingMark = "…"
	sentMark    = "✓"
	seenMark    = "✓✓"
)

// RenderMessages draws the stream in the order given, one block per message.
func RenderMessages(msgs []models.Message, me string) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(renderMessage(m, me))
		b.WriteString("\n")
	}
	return b.String()
}

func renderMessage(m models.Message, me string) string {
	own := m.Sender.ID == me || m.IsTemporary()

	name := m.Sender.DisplayName()
	style := otherMessageStyle
	if own {
		name = "You"
		style = ownMessageStyle
	}

	var b strings.Builder
	b.WriteString(mutedStyle.Render(m.CreatedAt.Local().Format("15:04")))
	b.WriteString(" ")
	b.WriteString(style.Render(name))
	if m.IsAdminReply {
		b.WriteString(" " + adminBadgeStyle.Render("[admin]"))
	}
	b.WriteString(": ")
	b.WriteString(m.Content)

	if own {
		b.WriteString(" " + mutedStyle.Render(status(m)))
	}
	for _, a := range m.Attachments {
		link := a.URL
		if link == "" {
			link = "uploading"
		}
		b.WriteString(fmt.Sprintf("\n      📎 %s (%s)", a.FileName, mutedStyle.Render(link)))
	}
	return b.String()
}

func status(m models.Message) string {
	switch {
	case m.IsTemporary():
		return pendingMark
	case m.IsRead:
		return seenMark
	default:
		return sentMark
	}
}

// RenderConversation is one directory line.
func RenderConversation(c models.Conversation, selected bool) string {
	prefix, name := "  ", c.Counterparty.DisplayName()
	if selected {
		prefix, name = "→ ", selectedStyle.Render(name)
	}
	line := prefix + name
	if c.LastMessage != nil {
		line += mutedStyle.Render(fmt.Sprintf("  %s · %s",
			truncate(c.LastMessage.Content, 40),
			c.LastMessage.CreatedAt.Local().Format("Jan 2 15:04")))
	}
	if c.UnreadCount > 0 {
		line += " " + unreadStyle.Render(fmt.Sprintf("(%d)", c.UnreadCount))
	}
	return line
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
