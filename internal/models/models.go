package models

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	// TempIDPrefix marks client-side optimistic message ids.
	TempIDPrefix = "temp-"
)

// UserRef is the minimal user projection carried on conversations and messages.
type UserRef struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Avatar    string `json:"avatar,omitempty"`
}

func (u UserRef) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

type User struct {
	UserRef
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

type Attachment struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
}

type Message struct {
	ID             string       `json:"id"`
	ClientID       string       `json:"clientId,omitempty"`
	ConversationID string       `json:"conversationId"`
	Sender         UserRef      `json:"sender"`
	Receiver       string       `json:"receiver"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	IsRead         bool         `json:"isRead"`
	IsAdminReply   bool         `json:"isAdminReply"`
}

// IsTemporary reports whether the message is an unconfirmed optimistic placeholder.
func (m Message) IsTemporary() bool {
	return IsTempID(m.ID)
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// LastMessage is the denormalized preview kept on a conversation.
type LastMessage struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type Conversation struct {
	ID           string       `json:"id"`
	Counterparty UserRef      `json:"counterparty"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount  int          `json:"unreadCount"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// REST payloads

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type RegisterRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=6"`
	FirstName string `json:"firstName" binding:"required"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar"`
}

type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type SendMessagePayload struct {
	ConversationID string       `json:"conversationId,omitempty"`
	ReceiverID     string       `json:"receiverId" binding:"required"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ClientID       string       `json:"clientId,omitempty"`
}

type ReadReceipt struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

// Realtime events

const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventMarkAsRead        = "mark_as_read"
	EventAck               = "ack"
	EventNewMessage        = "new_message"
	EventMessageRead       = "message_read"
	EventError             = "error"
)

// Frame is one realtime event on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"`
	Error string          `json:"error,omitempty"`
}

func NewFrame(event string, data any) (Frame, error) {
	f := Frame{Event: event}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return f, err
	}
	f.Data = raw
	return f, nil
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type MarkAsReadPayload struct {
	MessageID string `json:"messageId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
