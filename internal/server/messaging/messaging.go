package messaging

import (
	"context"
	"strings"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/errorx"
	"github.com/cloudzz-dev/estatemsg/internal/models"
	"go.uber.org/zap"
)

type Store interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetOrCreateConversation(ctx context.Context, userID, otherID string) (string, error)
	Parties(ctx context.Context, conversationID string) (string, string, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SaveMessage(ctx context.Context, msg *models.Message) (created bool, err error)
	MarkRead(ctx context.Context, messageID, readerID string) (*models.Message, bool, error)
}

// Notifier fans a frame out to conversation rooms and user connections.
type Notifier interface {
	Deliver(f models.Frame, rooms []string, users []string)
}

type Service struct {
	store    Store
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

func New(store Store, notifier Notifier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Conversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	return s.store.ListConversations(ctx, userID)
}

// History returns the messages of a conversation the user is part of.
func (s *Service) History(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	if err := s.CanJoin(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID)
}

// CanJoin reports whether userID is one of the two parties of the conversation.
func (s *Service) CanJoin(ctx context.Context, userID, conversationID string) error {
	a, b, err := s.store.Parties(ctx, conversationID)
	if err != nil {
		return err
	}
	if userID != a && userID != b {
		return errorx.New(errorx.CodeForbidden, "not a participant of this conversation")
	}
	return nil
}

// Send stores a message from senderID and delivers new_message to the
// conversation room and to every connection of both parties. The
// conversation is created on first contact.
func (s *Service) Send(ctx context.Context, senderID string, p models.SendMessagePayload) (*models.Message, error) {
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" && len(p.Attachments) == 0 {
		return nil, errorx.New(errorx.CodeInvalidParam, "message is empty")
	}

	sender, err := s.store.GetUserByID(ctx, senderID)
	if err != nil {
		return nil, err
	}

	convID, receiverID, err := s.resolve(ctx, senderID, p)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ConversationID: convID,
		ClientID:       p.ClientID,
		Sender:         sender.UserRef,
		Receiver:       receiverID,
		Content:        p.Content,
		Attachments:    p.Attachments,
		IsAdminReply:   sender.IsAdmin(),
	}
	created, err := s.store.SaveMessage(ctx, msg)
	if err != nil {
		return nil, errorx.Wrap(err, errorx.CodeDBError, "could not save message")
	}
	if !created {
		// retry of a send that already went through; it was delivered then
		s.log.Debug("duplicate send",
			zap.String("message", msg.ID),
			zap.String("client_id", msg.ClientID))
		return msg, nil
	}

	f, err := models.NewFrame(models.EventNewMessage, msg)
	if err != nil {
		return nil, err
	}
	s.notifier.Deliver(f, []string{convID}, []string{senderID, receiverID})

	s.log.Debug("message sent",
		zap.String("conversation", convID),
		zap.String("sender", senderID),
		zap.String("receiver", receiverID),
		zap.Int("attachments", len(msg.Attachments)))
	return msg, nil
}

func (s *Service) resolve(ctx context.Context, senderID string, p models.SendMessagePayload) (convID, receiverID string, err error) {
	if p.ConversationID != "" {
		a, b, err := s.store.Parties(ctx, p.ConversationID)
		if err != nil {
			return "", "", err
		}
		switch senderID {
		case a:
			receiverID = b
		case b:
			receiverID = a
		default:
			return "", "", errorx.New(errorx.CodeForbidden, "not a participant of this conversation")
		}
		if p.ReceiverID != "" && p.ReceiverID != receiverID {
			return "", "", errorx.New(errorx.CodeInvalidParam, "receiver is not part of this conversation")
		}
		return p.ConversationID, receiverID, nil
	}

	if p.ReceiverID == "" {
		return "", "", errorx.New(errorx.CodeInvalidParam, "receiverId is required")
	}
	if _, err := s.store.GetUserByID(ctx, p.ReceiverID); err != nil {
		return "", "", err
	}
	convID, err = s.store.GetOrCreateConversation(ctx, senderID, p.ReceiverID)
	if err != nil {
		return "", "", err
	}
	return convID, p.ReceiverID, nil
}

// MarkRead marks a message read by its receiver. A receipt goes to the
// conversation room and to the sender's connections only when the flag
// actually changed.
func (s *Service) MarkRead(ctx context.Context, readerID, messageID string) (*models.Message, error) {
	msg, changed, err := s.store.MarkRead(ctx, messageID, readerID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return msg, nil
	}

	f, err := models.NewFrame(models.EventMessageRead, models.ReadReceipt{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		ReaderID:       readerID,
		ReadAt:         s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Deliver(f, []string{msg.ConversationID}, []string{msg.Sender.ID})
	return msg, nil
}
