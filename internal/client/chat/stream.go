package chat

import "github.com/cloudzz-dev/estatemsg/internal/models"

// Stream holds the history of the one selected conversation in arrival
// order. It never re-sorts.
type Stream struct {
	conversationID string
	messages       []models.Message
}

func (s *Stream) ConversationID() string { return s.conversationID }

// Reset switches the stream to another conversation and drops its contents.
func (s *Stream) Reset(conversationID string) {
	s.conversationID = conversationID
	s.messages = nil
}

// Replace installs fetched history. Optimistic messages already appended
// while the fetch was in flight are kept at the end.
func (s *Stream) Replace(conversationID string, history []models.Message) {
	var pending []models.Message
	if conversationID == s.conversationID {
		for _, m := range s.messages {
			if m.IsTemporary() && !containsClientID(history, m.ID) {
				pending = append(pending, m)
			}
		}
	}
	s.conversationID = conversationID
	s.messages = append(append([]models.Message(nil), history...), pending...)
}

func (s *Stream) Messages() []models.Message {
	return append([]models.Message(nil), s.messages...)
}

func (s *Stream) Len() int { return len(s.messages) }

// Append adds an inbound or optimistic message. A message already present
// by id is updated in place; a server message echoing the client id of an
// optimistic one, or of an earlier server copy, takes over its slot.
func (s *Stream) Append(msg models.Message) {
	if msg.ConversationID != s.conversationID {
		return
	}
	for i := range s.messages {
		cur := s.messages[i]
		if cur.ID == msg.ID || sameSend(cur, msg) {
			s.messages[i] = merge(cur, msg)
			return
		}
	}
	s.messages = append(s.messages, msg)
}

// Reconcile replaces the optimistic message tempID with its server copy.
// When the server copy arrived first over new_message the placeholder is
// simply dropped.
func (s *Stream) Reconcile(tempID string, msg models.Message) {
	if msg.ID == "" {
		return
	}
	at := -1
	for i := range s.messages {
		if cur := s.messages[i]; cur.ID != tempID && (cur.ID == msg.ID || sameSend(cur, msg)) {
			at = i
			break
		}
	}
	if at >= 0 {
		s.Remove(tempID)
		return
	}
	for i := range s.messages {
		if s.messages[i].ID == tempID {
			s.messages[i] = merge(s.messages[i], msg)
			return
		}
	}
}

// Remove deletes a message by id and reports whether it was present.
func (s *Stream) Remove(id string) bool {
	for i := range s.messages {
		if s.messages[i].ID == id {
			out := make([]models.Message, 0, len(s.messages)-1)
			out = append(out, s.messages[:i]...)
			s.messages = append(out, s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// MarkReadFor flags every loaded message addressed to me as read and
// returns the server ids that changed.
func (s *Stream) MarkReadFor(me string) []string {
	var ids []string
	for i := range s.messages {
		m := &s.messages[i]
		if m.Receiver != me || m.IsRead {
			continue
		}
		m.IsRead = true
		if !m.IsTemporary() {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// MarkRead applies a read receipt to one loaded message.
func (s *Stream) MarkRead(id string) bool {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].IsRead = true
			return true
		}
	}
	return false
}

// merge keeps read state monotonic when a newer server copy replaces an
// older one. Optimistic placeholders are always read, so they don't count.
func merge(cur, next models.Message) models.Message {
	if cur.IsRead && !cur.IsTemporary() {
		next.IsRead = true
	}
	return next
}

// sameSend reports whether both copies come from one compose action.
func sameSend(cur, next models.Message) bool {
	if next.ClientID == "" {
		return false
	}
	return cur.ID == next.ClientID || cur.ClientID == next.ClientID
}

func containsClientID(list []models.Message, clientID string) bool {
	for _, m := range list {
		if m.ClientID == clientID {
			return true
		}
	}
	return false
}
