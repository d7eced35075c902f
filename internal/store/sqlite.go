// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides chat, message and stream ledger persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			user_id TEXT NOT NULL,
			visibility TEXT NOT NULL DEFAULT 'private',
			created_at TEXT NOT NULL,

			CHECK (visibility IN ('private', 'public'))
		);

		CREATE INDEX IF NOT EXISTS idx_chats_user_id ON chats(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			attachments TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chats(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_created
			ON messages(chat_id, created_at);

		CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chats(id)
		);

		CREATE INDEX IF NOT EXISTS idx_streams_chat_created
			ON streams(chat_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations brings databases created by older builds up to date
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "chats",
			column: "visibility",
			apply:  `ALTER TABLE chats ADD COLUMN visibility TEXT NOT NULL DEFAULT 'private'`,
		},
		{
			table:  "messages",
			column: "attachments",
			apply:  `ALTER TABLE messages ADD COLUMN attachments TEXT NOT NULL DEFAULT '[]'`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// CreateChat stores a new chat.
// Returns ErrDuplicateChat if a chat with the same ID already exists.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *Chat) error {
	visibility := chat.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}

	query := `
		INSERT INTO chats (id, title, user_id, visibility, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		chat.ID,
		chat.Title,
		chat.UserID,
		visibility,
		formatTime(chat.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateChat
		}
		return fmt.Errorf("inserting chat: %w", err)
	}

	s.logger.Debug("created chat", "id", chat.ID, "user_id", chat.UserID)
	return nil
}

// GetChat retrieves a chat by ID.
// Returns ErrNotFound if the chat doesn't exist.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	query := `
		SELECT id, title, user_id, visibility, created_at
		FROM chats
		WHERE id = ?
	`

	var chat Chat
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&chat.ID,
		&chat.Title,
		&chat.UserID,
		&chat.Visibility,
		&createdAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat: %w", err)
	}

	chat.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing chat created_at: %w", err)
	}

	return &chat, nil
}

// SaveMessages appends messages in a single transaction.
// Either every message is stored or none is.
func (s *SQLiteStore) SaveMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (id, chat_id, role, parts, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	for _, msg := range msgs {
		parts, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("encoding message parts: %w", err)
		}

		_, err = tx.ExecContext(ctx, query,
			msg.ID,
			msg.ChatID,
			msg.Role,
			string(parts),
			string(msg.attachmentsOrEmpty()),
			formatTime(msg.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing messages: %w", err)
	}

	s.logger.Debug("saved messages", "chat_id", msgs[0].ChatID, "count", len(msgs))
	return nil
}

// GetMessagesByChatID returns all messages of a chat, oldest first.
// Messages sharing a timestamp keep their insertion order.
func (s *SQLiteStore) GetMessagesByChatID(ctx context.Context, chatID string) ([]*Message, error) {
	query := `
		SELECT id, chat_id, role, parts, attachments, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var partsStr, attachmentsStr, createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &partsStr, &attachmentsStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		if err := json.Unmarshal([]byte(partsStr), &msg.Parts); err != nil {
			return nil, fmt.Errorf("decoding message parts: %w", err)
		}
		msg.Attachments = json.RawMessage(attachmentsStr)

		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// CreateStreamID appends a stream record to the chat's ledger
func (s *SQLiteStore) CreateStreamID(ctx context.Context, record *StreamRecord) error {
	query := `
		INSERT INTO streams (id, chat_id, created_at)
		VALUES (?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, record.ID, record.ChatID, formatTime(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting stream: %w", err)
	}

	s.logger.Debug("recorded stream", "id", record.ID, "chat_id", record.ChatID)
	return nil
}

// GetStreamIDsByChatID returns the chat's stream IDs, oldest first
func (s *SQLiteStore) GetStreamIDsByChatID(ctx context.Context, chatID string) ([]string, error) {
	query := `
		SELECT id
		FROM streams
		WHERE chat_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying streams: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning stream row: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stream rows: %w", err)
	}

	return ids, nil
}
