package storage

import (
	"context"
	"testing"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/errorx"
	"github.com/cloudzz-dev/estatemsg/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func addUser(t *testing.T, s *Store, email, first string) *models.User {
	t.Helper()
	u := &models.User{UserRef: models.UserRef{Email: email, FirstName: first}, PasswordHash: "x"}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func send(t *testing.T, s *Store, convID string, from, to *models.User, content string) *models.Message {
	t.Helper()
	m := &models.Message{ConversationID: convID, Sender: from.UserRef, Receiver: to.ID, Content: content}
	_, err := s.SaveMessage(context.Background(), m)
	require.NoError(t, err)
	return m
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	lite := &Store{driver: DriverSQLite}
	q := "SELECT * FROM t WHERE a = ? AND b = ?"

	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	assert.Error(t, err)
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestCreateUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := addUser(t, s, " Agent@Example.com ", "Ana")
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, models.RoleUser, u.Role)

	got, err := s.GetUserByEmail(ctx, "agent@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "Ana", got.FirstName)

	err = s.CreateUser(ctx, &models.User{UserRef: models.UserRef{Email: "agent@example.com"}})
	assert.ErrorIs(t, err, errorx.ErrUserExist)

	_, err = s.GetUserByID(ctx, "missing")
	assert.ErrorIs(t, err, errorx.ErrUserNotExist)
}

func TestConversationCreatedOncePerPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := addUser(t, s, "a@example.com", "A")
	b := addUser(t, s, "b@example.com", "B")

	id1, err := s.GetOrCreateConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)
	id2, err := s.GetOrCreateConversation(ctx, b.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	x, y, err := s.Parties(ctx, id1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, []string{x, y})

	_, err = s.GetOrCreateConversation(ctx, a.ID, a.ID)
	assert.Error(t, err)
}

func TestListConversationsPreviewAndUnread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	buyer := addUser(t, s, "buyer@example.com", "Buyer")
	broker := addUser(t, s, "broker@example.com", "Broker")
	convID, err := s.GetOrCreateConversation(ctx, buyer.ID, broker.ID)
	require.NoError(t, err)

	send(t, s, convID, buyer, broker, "is the flat still available?")
	time.Sleep(2 * time.Millisecond)
	send(t, s, convID, buyer, broker, "and the parking spot?")

	forBroker, err := s.ListConversations(ctx, broker.ID)
	require.NoError(t, err)
	require.Len(t, forBroker, 1)
	c := forBroker[0]
	assert.Equal(t, convID, c.ID)
	assert.Equal(t, buyer.ID, c.Counterparty.ID)
	assert.Equal(t, "Buyer", c.Counterparty.FirstName)
	assert.Equal(t, 2, c.UnreadCount)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "and the parking spot?", c.LastMessage.Content)

	forBuyer, err := s.ListConversations(ctx, buyer.ID)
	require.NoError(t, err)
	require.Len(t, forBuyer, 1)
	assert.Equal(t, broker.ID, forBuyer[0].Counterparty.ID)
	assert.Equal(t, 0, forBuyer[0].UnreadCount)
}

func TestListConversationsEmpty(t *testing.T) {
	s := newTestStore(t)
	u := addUser(t, s, "lonely@example.com", "L")

	convs, err := s.ListConversations(context.Background(), u.ID)
	require.NoError(t, err)
	assert.NotNil(t, convs)
	assert.Empty(t, convs)
}

func TestMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := addUser(t, s, "a@example.com", "A")
	b := addUser(t, s, "b@example.com", "B")
	convID, err := s.GetOrCreateConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)

	m1 := &models.Message{
		ConversationID: convID,
		Sender:         a.UserRef,
		Receiver:       b.ID,
		Content:        "deed attached",
		ClientID:       "temp-1",
		Attachments:    []models.Attachment{{URL: "/files/x.pdf", FileName: "deed.pdf"}},
		IsAdminReply:   true,
	}
	created, err := s.SaveMessage(ctx, m1)
	require.NoError(t, err)
	assert.True(t, created)
	time.Sleep(2 * time.Millisecond)
	m2 := send(t, s, convID, b, a, "thanks")

	msgs, err := s.ListMessages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, m1.ID, msgs[0].ID)
	assert.Equal(t, m2.ID, msgs[1].ID)
	assert.Equal(t, "temp-1", msgs[0].ClientID)
	assert.Equal(t, m1.Attachments, msgs[0].Attachments)
	assert.True(t, msgs[0].IsAdminReply)
	assert.Equal(t, a.ID, msgs[0].Sender.ID)
	assert.Equal(t, "A", msgs[0].Sender.FirstName)
	assert.Equal(t, b.ID, msgs[0].Receiver)
	assert.WithinDuration(t, m1.CreatedAt, msgs[0].CreatedAt, time.Millisecond)
}

func TestSaveMessageClientIDIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := addUser(t, s, "a@example.com", "A")
	b := addUser(t, s, "b@example.com", "B")
	convID, err := s.GetOrCreateConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)

	first := &models.Message{ConversationID: convID, Sender: a.UserRef, Receiver: b.ID, Content: "offer", ClientID: "temp-x"}
	created, err := s.SaveMessage(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	retry := &models.Message{ConversationID: convID, Sender: a.UserRef, Receiver: b.ID, Content: "offer", ClientID: "temp-x"}
	created, err = s.SaveMessage(ctx, retry)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, retry.ID)
	assert.Equal(t, "offer", retry.Content)
	assert.Equal(t, "A", retry.Sender.FirstName)

	// same client id from the other party is a different message
	reply := &models.Message{ConversationID: convID, Sender: b.UserRef, Receiver: a.ID, Content: "counter", ClientID: "temp-x"}
	created, err = s.SaveMessage(ctx, reply)
	require.NoError(t, err)
	assert.True(t, created)

	// messages without a client id never collide
	send(t, s, convID, a, b, "one")
	send(t, s, convID, a, b, "two")

	msgs, err := s.ListMessages(ctx, convID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestMarkReadOnlyByReceiver(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := addUser(t, s, "a@example.com", "A")
	b := addUser(t, s, "b@example.com", "B")
	convID, err := s.GetOrCreateConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)
	m := send(t, s, convID, a, b, "hello")

	_, _, err = s.MarkRead(ctx, m.ID, a.ID)
	assert.ErrorIs(t, err, errorx.ErrForbidden)

	got, changed, err := s.MarkRead(ctx, m.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, got.IsRead)

	_, changed, err = s.MarkRead(ctx, m.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = s.MarkRead(ctx, "missing", b.ID)
	assert.True(t, errorx.IsNotFound(err))

	convs, err := s.ListConversations(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, convs[0].UnreadCount)
}
