package storage

// schema runs on both postgres and sqlite. Timestamps are written as UTC
// from Go, never defaulted by the database.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	first_name    TEXT NOT NULL,
	last_name     TEXT NOT NULL DEFAULT '',
	avatar        TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'user',
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_a     TEXT NOT NULL REFERENCES users(id),
	user_b     TEXT NOT NULL REFERENCES users(id),
	created_at TIMESTAMP NOT NULL,
	UNIQUE (user_a, user_b)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	sender_id       TEXT NOT NULL REFERENCES users(id),
	receiver_id     TEXT NOT NULL REFERENCES users(id),
	content         TEXT NOT NULL DEFAULT '',
	attachments     TEXT NOT NULL DEFAULT '[]',
	client_id       TEXT NOT NULL DEFAULT '',
	is_read         BOOLEAN NOT NULL DEFAULT FALSE,
	is_admin_reply  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);

CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages (receiver_id, is_read);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client ON messages (sender_id, client_id) WHERE client_id <> '';
`
