package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sendBuffer = 256

// Dispatcher executes the client requests that touch storage.
type Dispatcher interface {
	Send(ctx context.Context, senderID string, p models.SendMessagePayload) (*models.Message, error)
	MarkRead(ctx context.Context, readerID, messageID string) (*models.Message, error)
	CanJoin(ctx context.Context, userID, conversationID string) error
}

// Hub tracks every live connection by user and by conversation room.
// Websocket and long-poll clients are registered the same way; only the
// goroutine draining Send differs.
type Hub struct {
	log        *zap.Logger
	dispatcher Dispatcher

	mu    sync.RWMutex
	users map[string]map[*Client]struct{}
	rooms map[string]map[*Client]struct{}
	polls map[string]*Client
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:   log,
		users: make(map[string]map[*Client]struct{}),
		rooms: make(map[string]map[*Client]struct{}),
		polls: make(map[string]*Client),
	}
}

// SetDispatcher must be called before the hub serves clients.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

func (h *Hub) newClient(userID, ip string, onClose func()) *Client {
	c := &Client{
		Hub:     h,
		ID:      uuid.NewString(),
		UserID:  userID,
		IP:      ip,
		Send:    make(chan []byte, sendBuffer),
		onClose: onClose,
		rooms:   make(map[string]struct{}),
	}
	c.touch()
	return c
}

// Register adds a connected client for userID. onClose, if set, runs once
// after the client is unregistered.
func (h *Hub) Register(userID, ip string, onClose func()) *Client {
	c := h.newClient(userID, ip, onClose)
	h.mu.Lock()
	h.addLocked(c)
	h.mu.Unlock()
	h.log.Debug("client registered", zap.String("user", userID), zap.String("client", c.ID))
	return c
}

func (h *Hub) addLocked(c *Client) {
	set := h.users[c.UserID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.users[c.UserID] = set
	}
	set[c] = struct{}{}
}

// Unregister removes c from every set and closes its Send channel. Safe to
// call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	c.closed = true
	if set, ok := h.users[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.UserID)
		}
	}
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.polls, c.ID)
	close(c.Send)
	onClose := c.onClose
	h.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	h.log.Debug("client unregistered", zap.String("user", c.UserID), zap.String("client", c.ID))
}

func (h *Hub) Join(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	set := h.rooms[conversationID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.rooms[conversationID] = set
	}
	set[c] = struct{}{}
	c.rooms[conversationID] = struct{}{}
}

func (h *Hub) Leave(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, conversationID)
}

func (h *Hub) leaveLocked(c *Client, conversationID string) {
	delete(c.rooms, conversationID)
	if set, ok := h.rooms[conversationID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// Deliver sends f once to every client in the given rooms and to every
// connection of the given users.
func (h *Hub) Deliver(f models.Frame, rooms []string, users []string) {
	payload, err := json.Marshal(f)
	if err != nil {
		h.log.Error("marshal frame", zap.String("event", f.Event), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make(map[*Client]struct{})
	for _, r := range rooms {
		for c := range h.rooms[r] {
			targets[c] = struct{}{}
		}
	}
	for _, u := range users {
		for c := range h.users[u] {
			targets[c] = struct{}{}
		}
	}
	var slow []*Client
	for c := range targets {
		if !h.pushLocked(c, payload) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow client", zap.String("user", c.UserID), zap.String("client", c.ID))
		h.Unregister(c)
	}
}

// send queues one frame for c alone.
func (h *Hub) send(c *Client, f models.Frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		h.log.Error("marshal frame", zap.String("event", f.Event), zap.Error(err))
		return
	}
	h.mu.RLock()
	ok := h.pushLocked(c, payload)
	h.mu.RUnlock()
	if !ok {
		h.Unregister(c)
	}
}

// pushLocked must run under at least the read lock so Send is not closed
// underneath it. It reports false when the buffer is full.
func (h *Hub) pushLocked(c *Client, payload []byte) bool {
	if c.closed {
		return true
	}
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

// Connections reports how many live clients userID has.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// RoomSize reports how many clients joined conversationID.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Shutdown closes every client.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	var all []*Client
	for _, set := range h.users {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Unregister(c)
	}
}

// OpenPoll registers a long-poll session and returns it; its ID is the sid.
func (h *Hub) OpenPoll(userID, ip string, onClose func()) *Client {
	c := h.newClient(userID, ip, onClose)
	h.mu.Lock()
	h.addLocked(c)
	h.polls[c.ID] = c
	h.mu.Unlock()
	return c
}

// PollSession finds a live long-poll session owned by userID.
func (h *Hub) PollSession(sid, userID string) (*Client, bool) {
	h.mu.RLock()
	c, ok := h.polls[sid]
	h.mu.RUnlock()
	if !ok || c.UserID != userID {
		return nil, false
	}
	c.touch()
	return c, true
}

// SweepPolls closes long-poll sessions that have not been polled for idle.
// It returns when ctx is done.
func (h *Hub) SweepPolls(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		idle = time.Minute
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.sweep(now, idle)
		}
	}
}

func (h *Hub) sweep(now time.Time, idle time.Duration) {
	h.mu.RLock()
	var stale []*Client
	for _, c := range h.polls {
		if now.Sub(c.lastSeenAt()) > idle {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range stale {
		h.log.Debug("poll session expired", zap.String("user", c.UserID), zap.String("sid", c.ID))
		h.Unregister(c)
	}
}
