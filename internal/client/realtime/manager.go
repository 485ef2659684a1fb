// Package realtime owns the single persistent connection of an authenticated
// session: dialing over the preferred transport, reconnecting with
// exponential backoff, restoring room membership, correlating send
// acknowledgements and publishing inbound traffic as one typed event stream.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/models"
	"go.uber.org/zap"
)

type ackResult struct {
	msg *models.Message
	err error
}

type Manager struct {
	cfg        Config
	transports []Transport
	log        *zap.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      Conn
	transport string
	connected bool
	attempts  int
	rooms     roomSet
	pending   map[string]chan ackResult
	ackSeq    uint64
	events    chan Event
	cancel    context.CancelFunc
	done      chan struct{}
}

type Option func(*Manager)

func WithLogger(lg *zap.Logger) Option {
	return func(m *Manager) { m.log = lg }
}

// WithTransports replaces the transports built from Config.Transports.
func WithTransports(ts ...Transport) Option {
	return func(m *Manager) { m.transports = ts }
}

func New(cfg Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		log:     zap.NewNop(),
		rooms:   roomSet{},
		pending: map[string]chan ackResult{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.transports == nil {
		ts, err := buildTransports(m.cfg)
		if err != nil {
			return nil, err
		}
		m.transports = ts
	}
	if len(m.transports) == 0 {
		return nil, errors.New("realtime: no transports configured")
	}
	return m, nil
}

// Start is connect(): it is a no-op without a token, otherwise it tears
// down any running session and starts a new one. Room membership survives
// the restart.
func (m *Manager) Start(ctx context.Context, token string) {
	if token == "" {
		m.log.Debug("connect skipped: no credential token")
		return
	}
	m.shutdown(false)

	runCtx, cancel := context.WithCancel(ctx)
	events := make(chan Event, m.cfg.EventBuffer)
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.events = events
	m.done = done
	m.attempts = 0
	m.mu.Unlock()

	go m.run(runCtx, token, events, done)
}

// Stop releases the transport, fails in-flight sends, forgets joined rooms
// and closes the event stream.
func (m *Manager) Stop() {
	m.shutdown(true)
}

func (m *Manager) shutdown(clearRooms bool) {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done = nil, nil
	if clearRooms {
		m.rooms = roomSet{}
	}
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	m.failPending(ErrStopped)
}

// Events returns the stream of the current session, or nil before Start.
// The channel is closed when the session ends.
func (m *Manager) Events() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		return nil
	}
	return m.events
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Attempts is the current count of consecutive failed connection attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) ActiveConversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms.list()
}

func (m *Manager) run(ctx context.Context, token string, events chan Event, done chan struct{}) {
	defer close(done)
	defer close(events)

	for {
		conn, transport, err := m.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			attempt := m.attempts
			m.mu.Unlock()

			if attempt >= m.cfg.MaxReconnectAttempts {
				m.log.Error("realtime: giving up reconnecting", zap.Int("attempts", attempt), zap.Error(err))
				m.emit(ctx, events, Event{Type: EventConnectError, Err: err, Attempt: attempt})
				m.emit(ctx, events, Event{Type: EventReconnectFailed, Err: err, Attempt: attempt})
				return
			}

			delay := m.cfg.NextDelay(attempt)
			m.mu.Lock()
			m.attempts++
			m.mu.Unlock()

			m.log.Warn("realtime: connect error",
				zap.Error(err),
				zap.Int("attempt", attempt+1),
				zap.Duration("retry_in", delay))
			m.emit(ctx, events, Event{Type: EventConnectError, Err: err, Attempt: attempt + 1, Delay: delay})

			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		// unblock ReadFrame when the session is cancelled
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

		m.onConnected(conn, transport)
		m.emit(ctx, events, Event{Type: EventConnected, Transport: transport})

		reason := m.readLoop(ctx, conn, events)

		stop()
		m.onDisconnected(conn)
		if ctx.Err() != nil {
			return
		}
		delay := m.cfg.NextDelay(0)
		m.log.Info("realtime: disconnected",
			zap.String("reason", reason),
			zap.String("transport", transport),
			zap.Duration("retry_in", delay))
		m.emit(ctx, events, Event{Type: EventDisconnected, Reason: reason, Transport: transport, Delay: delay})

		// a server that accepts and drops at once must not be redialed in a loop
		if !sleep(ctx, delay) {
			return
		}
	}
}

// dial tries every transport in preference order, each bounded by the
// connection timeout.
func (m *Manager) dial(ctx context.Context, token string) (Conn, string, error) {
	var errs []error
	for _, t := range m.transports {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		conn, err := t.Dial(dctx, token)
		cancel()
		if err == nil {
			return conn, t.Name(), nil
		}
		m.log.Debug("realtime: transport failed", zap.String("transport", t.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", errors.Join(errs...)
}

func (m *Manager) onConnected(conn Conn, transport string) {
	m.mu.Lock()
	m.conn = conn
	m.transport = transport
	m.connected = true
	m.attempts = 0
	rooms := m.rooms.list()
	m.mu.Unlock()

	m.log.Info("realtime: connected", zap.String("transport", transport), zap.Int("rejoin", len(rooms)))
	for _, id := range rooms {
		if err := m.writeJSON(conn, models.EventJoinConversation, models.ConversationRef{ConversationID: id}, ""); err != nil {
			m.log.Warn("realtime: rejoin failed", zap.String("conversation", id), zap.Error(err))
		}
	}
}

func (m *Manager) onDisconnected(conn Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.connected = false
	}
	m.mu.Unlock()
	_ = conn.Close()
	m.failPending(ErrDisconnected)
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, events chan Event) string {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return err.Error()
		}
		switch f.Event {
		case models.EventAck:
			m.resolveAck(f)
		case models.EventNewMessage:
			var msg models.Message
			if err := json.Unmarshal(f.Data, &msg); err != nil {
				m.log.Warn("realtime: bad new_message", zap.Error(err))
				continue
			}
			m.emit(ctx, events, Event{Type: EventNewMessage, Message: &msg})
		case models.EventMessageRead:
			var rr models.ReadReceipt
			if err := json.Unmarshal(f.Data, &rr); err != nil {
				m.log.Warn("realtime: bad message_read", zap.Error(err))
				continue
			}
			m.emit(ctx, events, Event{Type: EventMessageRead, Receipt: &rr})
		case models.EventError:
			var p models.ErrorPayload
			_ = json.Unmarshal(f.Data, &p)
			if p.Message == "" {
				p.Message = f.Error
			}
			m.log.Warn("realtime: server error", zap.String("message", p.Message))
			m.emit(ctx, events, Event{Type: EventServerError, Err: errors.New(p.Message)})
		default:
			m.log.Debug("realtime: ignoring event", zap.String("event", f.Event))
		}
	}
}

func (m *Manager) resolveAck(f models.Frame) {
	m.mu.Lock()
	ch, ok := m.pending[f.Ack]
	delete(m.pending, f.Ack)
	m.mu.Unlock()
	if !ok {
		m.log.Debug("realtime: ack without waiter", zap.String("ack", f.Ack))
		return
	}

	if f.Error != "" {
		ch <- ackResult{err: fmt.Errorf("realtime: %s", f.Error)}
		return
	}
	var msg models.Message
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		ch <- ackResult{err: fmt.Errorf("realtime: bad ack payload: %w", err)}
		return
	}
	ch <- ackResult{msg: &msg}
}

func (m *Manager) failPending(err error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = map[string]chan ackResult{}
	m.mu.Unlock()
	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}

func (m *Manager) emit(ctx context.Context, events chan Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func (m *Manager) writeJSON(conn Conn, event string, data any, ack string) error {
	f, err := models.NewFrame(event, data)
	if err != nil {
		return err
	}
	f.Ack = ack
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteFrame(f)
}

// currentConn returns the live connection or nil.
func (m *Manager) currentConn() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	return m.conn
}

// JoinConversation asks the server to route a conversation's events to us.
// While disconnected it only logs; the caller re-joins once connected.
func (m *Manager) JoinConversation(id string) {
	m.mu.Lock()
	conn := m.conn
	if !m.connected {
		m.mu.Unlock()
		m.log.Debug("realtime: join ignored while disconnected", zap.String("conversation", id))
		return
	}
	added := m.rooms.add(id)
	m.mu.Unlock()
	if !added {
		return
	}
	if err := m.writeJSON(conn, models.EventJoinConversation, models.ConversationRef{ConversationID: id}, ""); err != nil {
		m.log.Warn("realtime: join failed", zap.String("conversation", id), zap.Error(err))
	}
}

// LeaveConversation drops a room. The room is forgotten even while
// disconnected so that a reconnect does not restore it.
func (m *Manager) LeaveConversation(id string) {
	m.mu.Lock()
	removed := m.rooms.remove(id)
	conn, connected := m.conn, m.connected
	m.mu.Unlock()
	if !removed {
		return
	}
	if !connected {
		m.log.Debug("realtime: leave not sent while disconnected", zap.String("conversation", id))
		return
	}
	if err := m.writeJSON(conn, models.EventLeaveConversation, models.ConversationRef{ConversationID: id}, ""); err != nil {
		m.log.Warn("realtime: leave failed", zap.String("conversation", id), zap.Error(err))
	}
}

// SendMessage emits send_message and waits for the server's ack. It fails
// fast when disconnected; nothing is buffered for later delivery.
func (m *Manager) SendMessage(ctx context.Context, payload models.SendMessagePayload) (*models.Message, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := m.conn
	m.ackSeq++
	id := strconv.FormatUint(m.ackSeq, 10)
	ch := make(chan ackResult, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	if err := m.writeJSON(conn, models.EventSendMessage, payload, id); err != nil {
		m.dropPending(id)
		return nil, fmt.Errorf("realtime: send_message: %w", err)
	}

	timer := time.NewTimer(m.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		m.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		m.dropPending(id)
		return nil, ErrAckTimeout
	}
}

func (m *Manager) dropPending(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// MarkAsRead emits mark_as_read for one message.
func (m *Manager) MarkAsRead(messageID string) error {
	conn := m.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return m.writeJSON(conn, models.EventMarkAsRead, models.MarkAsReadPayload{MessageID: messageID}, "")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
