package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/config"
	"github.com/cloudzz-dev/estatemsg/internal/models"
	"github.com/cloudzz-dev/estatemsg/internal/server/auth"
	"github.com/cloudzz-dev/estatemsg/internal/server/messaging"
	"github.com/cloudzz-dev/estatemsg/internal/server/ratelimit"
	"github.com/cloudzz-dev/estatemsg/internal/server/storage"
	"github.com/cloudzz-dev/estatemsg/internal/server/ws"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	*httptest.Server
	hub *ws.Hub
}

func newServer(t *testing.T, authPerMin int) *testServer {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	issuer, err := auth.NewIssuer("test-secret", "estatemsg", time.Hour)
	require.NoError(t, err)

	hub := ws.NewHub(nil)
	svc := messaging.New(st, hub, nil)
	hub.SetDispatcher(svc)

	h := New(Deps{
		Config: config.ServerConfig{
			UploadDir:   t.TempDir(),
			PollTimeout: 200 * time.Millisecond,
		},
		Store:    st,
		Messages: svc,
		Hub:      hub,
		Issuer:   issuer,
		Limiter:  ratelimit.New(10, authPerMin),
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
		st.Close()
	})
	return &testServer{Server: srv, hub: hub}
}

func (s *testServer) call(t *testing.T, method, path, token string, in any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, body)
	require.NoError(t, err)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (s *testServer) register(t *testing.T, email, first string) models.AuthResponse {
	t.Helper()
	resp, body := s.call(t, http.MethodPost, "/auth/register", "", models.RegisterRequest{
		Email: email, Password: "secret123", FirstName: first,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out models.AuthResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func TestAuthFlow(t *testing.T) {
	s := newServer(t, 100)

	reg := s.register(t, "Agent@Example.com", "Ana")
	assert.NotEmpty(t, reg.Token)
	assert.Equal(t, "agent@example.com", reg.User.Email)
	assert.Equal(t, models.RoleUser, reg.User.Role)

	resp, body := s.call(t, http.MethodPost, "/auth/register", "", models.RegisterRequest{
		Email: "agent@example.com", Password: "secret123", FirstName: "Again",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), `"code":1002`)

	resp, body = s.call(t, http.MethodPost, "/auth/login", "", models.LoginRequest{Email: "agent@example.com", Password: "secret123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[models.AuthResponse](t, body)
	assert.Equal(t, reg.User.ID, login.User.ID)
	assert.NotContains(t, string(body), "password")

	resp, _ = s.call(t, http.MethodPost, "/auth/login", "", models.LoginRequest{Email: "agent@example.com", Password: "wrong-one"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = s.call(t, http.MethodPost, "/auth/login", "", models.LoginRequest{Email: "ghost@example.com", Password: "secret123"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = s.call(t, http.MethodGet, "/me", login.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ana", decode[models.User](t, body).FirstName)

	resp, _ = s.call(t, http.MethodGet, "/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestValidationErrorsUseJSONNames(t *testing.T) {
	s := newServer(t, 100)
	resp, body := s.call(t, http.MethodPost, "/auth/register", "", map[string]string{"email": "not-an-email", "password": "1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := decode[struct {
		Code   int               `json:"code"`
		Fields map[string]string `json:"fields"`
	}](t, body)
	assert.Equal(t, 1001, out.Code)
	assert.Equal(t, "email", out.Fields["email"])
	assert.Equal(t, "min", out.Fields["password"])
	assert.Equal(t, "required", out.Fields["firstName"])
}

func TestAuthRateLimit(t *testing.T) {
	s := newServer(t, 2)
	for i := 0; i < 2; i++ {
		resp, _ := s.call(t, http.MethodPost, "/auth/login", "", models.LoginRequest{Email: "a@example.com", Password: "x"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp, body := s.call(t, http.MethodPost, "/auth/login", "", models.LoginRequest{Email: "a@example.com", Password: "x"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, string(body), `"code":1009`)
}

func TestMessagingOverREST(t *testing.T) {
	s := newServer(t, 100)
	buyer := s.register(t, "buyer@example.com", "Bea")
	agent := s.register(t, "agent@example.com", "Ana")
	outsider := s.register(t, "out@example.com", "Oz")

	resp, body := s.call(t, http.MethodPost, "/messages", buyer.Token, models.SendMessagePayload{
		ReceiverID: agent.User.ID, Content: "Is the loft still listed?", ClientID: "temp-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	sent := decode[models.Message](t, body)
	assert.Equal(t, "temp-1", sent.ClientID)
	assert.Equal(t, buyer.User.ID, sent.Sender.ID)

	resp, body = s.call(t, http.MethodGet, "/conversations", agent.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	convs := decode[[]models.Conversation](t, body)
	require.Len(t, convs, 1)
	assert.Equal(t, sent.ConversationID, convs[0].ID)
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.Equal(t, "Bea", convs[0].Counterparty.FirstName)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "Is the loft still listed?", convs[0].LastMessage.Content)

	resp, body = s.call(t, http.MethodGet, "/messages/"+sent.ConversationID, agent.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Message](t, body), 1)

	resp, _ = s.call(t, http.MethodGet, "/messages/"+sent.ConversationID, outsider.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = s.call(t, http.MethodPatch, "/messages/"+sent.ID+"/read", buyer.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = s.call(t, http.MethodPatch, "/messages/"+sent.ID+"/read", agent.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[models.Message](t, body).IsRead)

	_, body = s.call(t, http.MethodGet, "/conversations", agent.Token, nil)
	assert.Equal(t, 0, decode[[]models.Conversation](t, body)[0].UnreadCount)

	resp, _ = s.call(t, http.MethodPost, "/messages", buyer.Token, models.SendMessagePayload{Content: "no receiver"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadAndServe(t *testing.T) {
	s := newServer(t, 100)
	user := s.register(t, "agent@example.com", "Ana")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "floor plan.PDF")
	require.NoError(t, err)
	part.Write([]byte("%PDF-1.4 test"))
	require.NoError(t, mw.Close())

	req, _ := http.NewRequest(http.MethodPost, s.URL+"/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+user.Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	att := decode[models.Attachment](t, body)
	assert.Equal(t, "floor plan.PDF", att.FileName)
	assert.True(t, strings.HasPrefix(att.URL, "/files/"))
	assert.True(t, strings.HasSuffix(att.URL, ".pdf"))

	resp, body = s.call(t, http.MethodGet, att.URL, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "%PDF-1.4 test", string(body))

	resp, _ = s.call(t, http.MethodPost, "/uploads", user.Token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	s := newServer(t, 100)
	resp, body := s.call(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func dialWS(t *testing.T, s *testServer, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws", header)
}

func readFrame(t *testing.T, conn *websocket.Conn) models.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f models.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebsocketDelivery(t *testing.T) {
	s := newServer(t, 100)
	buyer := s.register(t, "buyer@example.com", "Bea")
	agent := s.register(t, "agent@example.com", "Ana")

	_, resp, err := dialWS(t, s, "")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	agentConn, _, err := dialWS(t, s, agent.Token)
	require.NoError(t, err)
	defer agentConn.Close()
	buyerConn, _, err := dialWS(t, s, buyer.Token)
	require.NoError(t, err)
	defer buyerConn.Close()
	require.Eventually(t, func() bool {
		return s.hub.Connections(buyer.User.ID) == 1 && s.hub.Connections(agent.User.ID) == 1
	}, time.Second, 5*time.Millisecond)

	send, _ := models.NewFrame(models.EventSendMessage, models.SendMessagePayload{
		ReceiverID: agent.User.ID, Content: "Can we see it at noon?", ClientID: "temp-9",
	})
	send.Ack = "1"
	require.NoError(t, buyerConn.WriteJSON(send))

	// the sender's own connection sees the echo before the ack
	echo := readFrame(t, buyerConn)
	assert.Equal(t, models.EventNewMessage, echo.Event)
	ack := readFrame(t, buyerConn)
	assert.Equal(t, models.EventAck, ack.Event)
	assert.Equal(t, "1", ack.Ack)
	msg := decode[models.Message](t, ack.Data)
	assert.Equal(t, "temp-9", msg.ClientID)

	in := readFrame(t, agentConn)
	require.Equal(t, models.EventNewMessage, in.Event)
	assert.Equal(t, msg.ID, decode[models.Message](t, in.Data).ID)

	join, _ := models.NewFrame(models.EventJoinConversation, models.ConversationRef{ConversationID: msg.ConversationID})
	require.NoError(t, buyerConn.WriteJSON(join))
	require.Eventually(t, func() bool { return s.hub.RoomSize(msg.ConversationID) == 1 }, time.Second, 5*time.Millisecond)

	read, _ := models.NewFrame(models.EventMarkAsRead, models.MarkAsReadPayload{MessageID: msg.ID})
	require.NoError(t, agentConn.WriteJSON(read))

	receipt := readFrame(t, buyerConn)
	require.Equal(t, models.EventMessageRead, receipt.Event)
	r := decode[models.ReadReceipt](t, receipt.Data)
	assert.Equal(t, msg.ID, r.MessageID)
	assert.Equal(t, agent.User.ID, r.ReaderID)
}

func TestPollingSession(t *testing.T) {
	s := newServer(t, 100)
	buyer := s.register(t, "buyer@example.com", "Bea")
	agent := s.register(t, "agent@example.com", "Ana")

	resp, body := s.call(t, http.MethodPost, "/rt/poll", agent.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sid := decode[struct {
		SID string `json:"sid"`
	}](t, body).SID
	require.NotEmpty(t, sid)

	resp, _ = s.call(t, http.MethodGet, "/rt/poll?sid="+sid, agent.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.call(t, http.MethodGet, "/rt/poll?sid="+sid, buyer.Token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.call(t, http.MethodPost, "/messages", buyer.Token, models.SendMessagePayload{ReceiverID: agent.User.ID, Content: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = s.call(t, http.MethodGet, "/rt/poll?sid="+sid, agent.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := decode[[]models.Frame](t, body)
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventNewMessage, frames[0].Event)

	send, _ := models.NewFrame(models.EventSendMessage, models.SendMessagePayload{ReceiverID: buyer.User.ID, Content: "hi back"})
	send.Ack = "a1"
	resp, _ = s.call(t, http.MethodPost, "/rt/poll/send?sid="+sid, agent.Token, send)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, body = s.call(t, http.MethodGet, "/rt/poll?sid="+sid, agent.Token, nil)
	frames = decode[[]models.Frame](t, body)
	events := make([]string, 0, len(frames))
	for _, f := range frames {
		events = append(events, f.Event)
	}
	assert.ElementsMatch(t, []string{models.EventNewMessage, models.EventAck}, events)

	resp, _ = s.call(t, http.MethodDelete, "/rt/poll?sid="+sid, agent.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.call(t, http.MethodGet, "/rt/poll?sid="+sid, agent.Token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, s.hub.Connections(agent.User.ID))
}
