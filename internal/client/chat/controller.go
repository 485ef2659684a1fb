// Package chat keeps the conversation directory and the selected
// conversation's message stream in sync with the REST API and the realtime
// event stream. All state is mutated from the bubbletea Update loop; network
// work runs inside tea.Cmds that only return result messages.
package chat

import (
	"context"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/cloudzz-dev/estatemsg/internal/client/realtime"
	"github.com/cloudzz-dev/estatemsg/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultNoticeTTL = 5 * time.Second

// Backend is the request/response surface.
type Backend interface {
	FetchConversations(ctx context.Context) ([]models.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, payload models.SendMessagePayload) (*models.Message, error)
	MarkAsRead(ctx context.Context, messageID string) error
	Upload(ctx context.Context, fileName string, r io.Reader) (*models.Attachment, error)
}

// Realtime is the part of the connection manager the controller drives.
type Realtime interface {
	Events() <-chan realtime.Event
	IsConnected() bool
	JoinConversation(id string)
	LeaveConversation(id string)
	SendMessage(ctx context.Context, payload models.SendMessagePayload) (*models.Message, error)
	MarkAsRead(messageID string) error
}

type Notice struct {
	ID   int
	Text string
}

type Controller struct {
	backend Backend
	rt      Realtime
	me      models.User
	log     *zap.Logger
	ctx     context.Context

	noticeTTL time.Duration
	now       func() time.Time
	newTempID func() string
	openFile  func(string) (io.ReadCloser, error)

	Directory Directory
	Stream    Stream

	selected   string
	online     bool
	listening  <-chan realtime.Event
	notices    []Notice
	nextNotice int
}

type Option func(*Controller)

func WithLogger(lg *zap.Logger) Option {
	return func(c *Controller) { c.log = lg }
}

func WithContext(ctx context.Context) Option {
	return func(c *Controller) { c.ctx = ctx }
}

func WithNoticeTTL(d time.Duration) Option {
	return func(c *Controller) { c.noticeTTL = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithFileOpener overrides how attachment paths are read.
func WithFileOpener(open func(string) (io.ReadCloser, error)) Option {
	return func(c *Controller) { c.openFile = open }
}

func NewController(backend Backend, rt Realtime, me models.User, opts ...Option) *Controller {
	c := &Controller{
		backend:   backend,
		rt:        rt,
		me:        me,
		log:       zap.NewNop(),
		ctx:       context.Background(),
		noticeTTL: defaultNoticeTTL,
		now:       time.Now,
		newTempID: func() string { return models.TempIDPrefix + uuid.NewString() },
		openFile:  func(p string) (io.ReadCloser, error) { return os.Open(p) },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- Result messages ---

type ConversationsLoadedMsg struct {
	Conversations []models.Conversation
	Err           error
}

type MessagesLoadedMsg struct {
	ConversationID string
	Messages       []models.Message
	Err            error
}

type SendResultMsg struct {
	TempID         string
	ConversationID string
	Message        *models.Message
	Via            string
	Err            error
}

type RealtimeEventMsg struct {
	Event  realtime.Event
	source <-chan realtime.Event
}

type realtimeClosedMsg struct {
	source <-chan realtime.Event
}

type noticeExpiredMsg struct{ id int }

type markReadFailedMsg struct {
	MessageID string
	Err       error
}

// --- Accessors ---

func (c *Controller) Me() models.User { return c.me }

func (c *Controller) Selected() string { return c.selected }

// Online reports whether the realtime connection is up as last observed on
// the event stream.
func (c *Controller) Online() bool { return c.online }

func (c *Controller) Notices() []Notice {
	return append([]Notice(nil), c.notices...)
}

// --- Operations ---

func (c *Controller) Init() tea.Cmd {
	return tea.Batch(c.FetchConversations(), c.Listen())
}

// Listen waits for the next event of the current realtime session.
func (c *Controller) Listen() tea.Cmd {
	ch := c.rt.Events()
	if ch == nil {
		return nil
	}
	c.listening = ch
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return realtimeClosedMsg{source: ch}
		}
		return RealtimeEventMsg{Event: ev, source: ch}
	}
}

func (c *Controller) FetchConversations() tea.Cmd {
	ctx, backend := c.ctx, c.backend
	return func() tea.Msg {
		list, err := backend.FetchConversations(ctx)
		return ConversationsLoadedMsg{Conversations: list, Err: err}
	}
}

func (c *Controller) fetchMessages(id string) tea.Cmd {
	ctx, backend := c.ctx, c.backend
	return func() tea.Msg {
		msgs, err := backend.FetchMessages(ctx, id)
		return MessagesLoadedMsg{ConversationID: id, Messages: msgs, Err: err}
	}
}

// Select makes id the active conversation: its room is joined, its unread
// count is cleared and its history fetched. Loaded messages are marked read
// when the fetch lands.
func (c *Controller) Select(id string) tea.Cmd {
	if id == "" {
		return nil
	}
	if id == c.selected {
		// already open: refresh history without dropping pending sends
		c.Directory.ResetUnread(id)
		return c.fetchMessages(id)
	}
	if c.selected != "" {
		c.rt.LeaveConversation(c.selected)
	}
	c.selected = id
	c.Stream.Reset(id)
	c.Directory.ResetUnread(id)
	c.rt.JoinConversation(id)
	return c.fetchMessages(id)
}

// Deselect leaves the active conversation.
func (c *Controller) Deselect() {
	if c.selected == "" {
		return
	}
	c.rt.LeaveConversation(c.selected)
	c.selected = ""
	c.Stream.Reset("")
}

// Update applies one result or event message and returns follow-up work.
func (c *Controller) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case ConversationsLoadedMsg:
		if msg.Err != nil {
			c.log.Warn("fetch conversations failed", zap.Error(msg.Err))
			return c.notify("Could not load conversations")
		}
		c.Directory.Replace(msg.Conversations)
		if c.selected != "" {
			c.Directory.ResetUnread(c.selected)
		}

	case MessagesLoadedMsg:
		if msg.ConversationID != c.selected {
			c.log.Debug("discarding stale history", zap.String("conversation", msg.ConversationID))
			return nil
		}
		if msg.Err != nil {
			c.log.Warn("fetch messages failed", zap.String("conversation", msg.ConversationID), zap.Error(msg.Err))
			return c.notify("Could not load messages")
		}
		c.Stream.Replace(msg.ConversationID, msg.Messages)
		return c.markLoadedRead()

	case SendResultMsg:
		return c.finishSend(msg)

	case RealtimeEventMsg:
		cmd := c.handleEvent(msg.Event)
		if msg.source != c.listening {
			return cmd
		}
		return tea.Batch(cmd, c.Listen())

	case realtimeClosedMsg:
		c.online = false
		if ch := c.rt.Events(); ch != nil && ch != msg.source {
			return c.Listen()
		}

	case noticeExpiredMsg:
		for i, n := range c.notices {
			if n.ID == msg.id {
				c.notices = append(c.notices[:i:i], c.notices[i+1:]...)
				break
			}
		}

	case markReadFailedMsg:
		c.log.Warn("mark as read failed", zap.String("message", msg.MessageID), zap.Error(msg.Err))
	}
	return nil
}

func (c *Controller) handleEvent(ev realtime.Event) tea.Cmd {
	switch ev.Type {
	case realtime.EventConnected:
		c.online = true
		c.log.Info("realtime connected", zap.String("transport", ev.Transport))
		if c.selected != "" {
			c.rt.JoinConversation(c.selected)
		}
		return c.FetchConversations()

	case realtime.EventConnectError:
		c.log.Debug("realtime connect error", zap.Int("attempt", ev.Attempt), zap.Duration("retry_in", ev.Delay), zap.Error(ev.Err))

	case realtime.EventDisconnected:
		c.online = false
		c.log.Info("realtime disconnected", zap.String("reason", ev.Reason))

	case realtime.EventReconnectFailed:
		c.online = false
		c.log.Warn("realtime gave up reconnecting", zap.Int("attempts", ev.Attempt), zap.Error(ev.Err))

	case realtime.EventNewMessage:
		if ev.Message != nil {
			return c.receive(*ev.Message)
		}

	case realtime.EventMessageRead:
		if ev.Receipt != nil && ev.Receipt.ConversationID == c.selected {
			c.Stream.MarkRead(ev.Receipt.MessageID)
		}

	case realtime.EventServerError:
		c.log.Warn("realtime server error", zap.Error(ev.Err))
	}
	return nil
}

func (c *Controller) receive(msg models.Message) tea.Cmd {
	if msg.ConversationID == c.selected {
		c.Stream.Append(msg)
		c.Directory.ApplyIncoming(msg, c.me.ID, true)
		if msg.Receiver == c.me.ID && !msg.IsRead {
			return c.markLoadedRead()
		}
		return nil
	}
	if !c.Directory.ApplyIncoming(msg, c.me.ID, false) {
		return c.FetchConversations()
	}
	return nil
}

// markLoadedRead flags loaded messages addressed to me as read and emits a
// read receipt for each, over REST when the realtime path is down.
func (c *Controller) markLoadedRead() tea.Cmd {
	ids := c.Stream.MarkReadFor(c.me.ID)
	if len(ids) == 0 {
		return nil
	}
	ctx, rt, backend := c.ctx, c.rt, c.backend
	cmds := make([]tea.Cmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, func() tea.Msg {
			if err := rt.MarkAsRead(id); err == nil {
				return nil
			}
			if err := backend.MarkAsRead(ctx, id); err != nil {
				return markReadFailedMsg{MessageID: id, Err: err}
			}
			return nil
		})
	}
	return tea.Batch(cmds...)
}

func (c *Controller) notify(text string) tea.Cmd {
	c.nextNotice++
	id := c.nextNotice
	c.notices = append(c.notices, Notice{ID: id, Text: text})
	return tea.Tick(c.noticeTTL, func(time.Time) tea.Msg {
		return noticeExpiredMsg{id: id}
	})
}
