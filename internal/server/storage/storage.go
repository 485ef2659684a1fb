package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/errorx"
	"github.com/cloudzz-dev/estatemsg/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to postgres (lib/pq) or sqlite (modernc) and verifies the
// connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	if driver == DriverSQLite {
		// one writer; in-memory databases also need the single connection
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("storage: %s: %w", pragma, err)
			}
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return &Store{
		db:     db,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates any missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		st := strings.TrimSpace(stmt)
		if st == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, st); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *Store) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

// User Methods

// CreateUser fills in id and created_at and inserts u.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if _, err := s.GetUserByEmail(ctx, u.Email); err == nil {
		return errorx.ErrUserExist
	} else if !errors.Is(err, errorx.ErrUserNotExist) {
		return err
	}

	if u.Role == "" {
		u.Role = models.RoleUser
	}
	u.ID = uuid.NewString()
	u.CreatedAt = s.now()

	_, err := s.exec(ctx,
		`INSERT INTO users (id, email, password_hash, first_name, last_name, avatar, role, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Avatar, u.Role, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: create user: %w", err)
	}
	return nil
}

const userColumns = `id, email, password_hash, first_name, last_name, avatar, role, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Avatar, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorx.ErrUserNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(s.queryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email))))
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// Conversation Methods

// orderedPair keeps (a, b) unique regardless of who wrote first.
func orderedPair(x, y string) (string, string) {
	if x < y {
		return x, y
	}
	return y, x
}

// GetOrCreateConversation returns the conversation between two users,
// creating it on first contact.
func (s *Store) GetOrCreateConversation(ctx context.Context, userID, otherID string) (string, error) {
	if userID == otherID {
		return "", errorx.New(errorx.CodeInvalidParam, "cannot message yourself")
	}
	a, b := orderedPair(userID, otherID)

	var id string
	err := s.queryRow(ctx, `SELECT id FROM conversations WHERE user_a = ? AND user_b = ?`, a, b).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("storage: find conversation: %w", err)
	}

	id = uuid.NewString()
	if _, err := s.exec(ctx,
		`INSERT INTO conversations (id, user_a, user_b, created_at) VALUES (?, ?, ?, ?)`,
		id, a, b, s.now()); err != nil {
		// lost a race against the other party's first message
		if err2 := s.queryRow(ctx, `SELECT id FROM conversations WHERE user_a = ? AND user_b = ?`, a, b).Scan(&id); err2 == nil {
			return id, nil
		}
		return "", fmt.Errorf("storage: create conversation: %w", err)
	}
	return id, nil
}

// Parties returns the two users of a conversation.
func (s *Store) Parties(ctx context.Context, conversationID string) (string, string, error) {
	var a, b string
	err := s.queryRow(ctx, `SELECT user_a, user_b FROM conversations WHERE id = ?`, conversationID).Scan(&a, &b)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", errorx.New(errorx.CodeNotFound, "conversation not found")
	}
	if err != nil {
		return "", "", fmt.Errorf("storage: parties: %w", err)
	}
	return a, b, nil
}

// ListConversations returns every conversation of userID with the other
// party, the newest message preview and the viewer's unread count.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.query(ctx, `
		SELECT
			c.id,
			c.created_at,
			u.id, u.first_name, u.last_name, u.email, u.avatar,
			lm.content, lm.attachments, lm.created_at,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id
			 AND m.receiver_id = ? AND m.is_read = FALSE) AS unread_count
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END
		LEFT JOIN messages lm ON lm.id = (
			SELECT m.id FROM messages m
			WHERE m.conversation_id = c.id
			ORDER BY m.created_at DESC, m.id DESC LIMIT 1)
		WHERE c.user_a = ? OR c.user_b = ?
		ORDER BY c.created_at DESC
	`, userID, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list conversations: %w", err)
	}
	defer rows.Close()

	convs := []models.Conversation{}
	for rows.Next() {
		var (
			c           models.Conversation
			lastContent sql.NullString
			lastAtts    sql.NullString
			lastAt      sql.NullTime
		)
		if err := rows.Scan(
			&c.ID, &c.CreatedAt,
			&c.Counterparty.ID, &c.Counterparty.FirstName, &c.Counterparty.LastName,
			&c.Counterparty.Email, &c.Counterparty.Avatar,
			&lastContent, &lastAtts, &lastAt, &c.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("storage: scan conversation: %w", err)
		}
		if lastAt.Valid {
			c.LastMessage = &models.LastMessage{Content: lastContent.String, CreatedAt: lastAt.Time}
			if c.LastMessage.Content == "" {
				if atts := decodeAttachments(lastAtts.String); len(atts) > 0 {
					c.LastMessage.Content = "📎 " + atts[0].FileName
				}
			}
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Message Methods

const messageSelect = `
	SELECT m.id, m.conversation_id, m.receiver_id, m.content, m.attachments, m.client_id,
	       m.is_read, m.is_admin_reply, m.created_at,
	       u.id, u.first_name, u.last_name, u.email, u.avatar
	FROM messages m
	JOIN users u ON u.id = m.sender_id`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		m    models.Message
		atts string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Receiver, &m.Content, &atts, &m.ClientID,
		&m.IsRead, &m.IsAdminReply, &m.CreatedAt,
		&m.Sender.ID, &m.Sender.FirstName, &m.Sender.LastName, &m.Sender.Email, &m.Sender.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorx.New(errorx.CodeNotFound, "message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan message: %w", err)
	}
	m.Attachments = decodeAttachments(atts)
	return &m, nil
}

func decodeAttachments(raw string) []models.Attachment {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []models.Attachment
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// ListMessages returns a conversation's history oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.query(ctx, messageSelect+`
		WHERE m.conversation_id = ?
		ORDER BY m.created_at ASC, m.id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return scanMessage(s.queryRow(ctx, messageSelect+` WHERE m.id = ?`, id))
}

// SaveMessage assigns id and created_at and inserts msg. The sender
// projection is expected to be filled in by the caller.
//
// A message carrying a client id the sender already used is not stored
// again: msg is overwritten with the stored copy and created is false.
func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) (created bool, err error) {
	atts := "[]"
	if len(msg.Attachments) > 0 {
		raw, err := json.Marshal(msg.Attachments)
		if err != nil {
			return false, err
		}
		atts = string(raw)
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now()
	msg.IsRead = false

	res, err := s.exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, attachments,
		                      client_id, is_read, is_admin_reply, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		msg.ID, msg.ConversationID, msg.Sender.ID, msg.Receiver, msg.Content, atts,
		msg.ClientID, false, msg.IsAdminReply, msg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("storage: save message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: save message: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	existing, err := scanMessage(s.queryRow(ctx, messageSelect+`
		WHERE m.sender_id = ? AND m.client_id = ?`, msg.Sender.ID, msg.ClientID))
	if err != nil {
		return false, fmt.Errorf("storage: save message: %w", err)
	}
	*msg = *existing
	return false, nil
}

// MarkRead flips is_read for the receiver only. changed is false when the
// message was already read.
func (s *Store) MarkRead(ctx context.Context, messageID, readerID string) (msg *models.Message, changed bool, err error) {
	msg, err = s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	if msg.Receiver != readerID {
		return nil, false, errorx.New(errorx.CodeForbidden, "only the receiver can mark a message read")
	}
	if msg.IsRead {
		return msg, false, nil
	}

	res, err := s.exec(ctx, `UPDATE messages SET is_read = ? WHERE id = ? AND is_read = ?`, true, messageID, false)
	if err != nil {
		return nil, false, fmt.Errorf("storage: mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	msg.IsRead = true
	return msg, n > 0, nil
}
