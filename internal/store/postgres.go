// ABOUTME: PostgreSQL implementation of the Store interface using GORM
// ABOUTME: Maps chats, messages and streams onto the hosted Chat, Message_v2 and Stream tables

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Row shapes follow the hosted schema, which this store never alters:
// varchar without length, timestamp without time zone (values are UTC).

// pgChat is the row shape of the Chat table
type pgChat struct {
	ID         string    `gorm:"column:id;type:uuid;primaryKey"`
	CreatedAt  time.Time `gorm:"column:createdAt;type:timestamp;not null"`
	Title      string    `gorm:"column:title;type:text;not null"`
	UserID     string    `gorm:"column:userId;type:uuid;not null"`
	Visibility string    `gorm:"column:visibility;type:varchar;not null"`
}

func (pgChat) TableName() string { return "Chat" }

// pgMessage is the row shape of the Message_v2 table
type pgMessage struct {
	ID          string    `gorm:"column:id;type:uuid;primaryKey"`
	ChatID      string    `gorm:"column:chatId;type:uuid;not null"`
	Role        string    `gorm:"column:role;type:varchar;not null"`
	Parts       string    `gorm:"column:parts;type:jsonb;not null"`
	Attachments string    `gorm:"column:attachments;type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"column:createdAt;type:timestamp;not null"`
}

func (pgMessage) TableName() string { return "Message_v2" }

// pgStream is the row shape of the Stream table
type pgStream struct {
	ID        string    `gorm:"column:id;type:uuid;primaryKey"`
	ChatID    string    `gorm:"column:chatId;type:uuid;not null"`
	CreatedAt time.Time `gorm:"column:createdAt;type:timestamp;not null"`
}

func (pgStream) TableName() string { return "Stream" }

// PostgresStore implements the Store interface on PostgreSQL
type PostgresStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewPostgresStore connects to PostgreSQL using dsn.
// The Chat, Message_v2 and Stream tables must already exist.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	log := slog.Default().With("component", "store")

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	log.Info("PostgreSQL store initialized")
	return &PostgresStore{db: db, logger: log}, nil
}

// Close closes the underlying connection pool
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateChat stores a new chat.
// Returns ErrDuplicateChat if a chat with the same ID already exists.
func (s *PostgresStore) CreateChat(ctx context.Context, chat *Chat) error {
	row := pgChat{
		ID:         chat.ID,
		CreatedAt:  chat.CreatedAt.UTC(),
		Title:      chat.Title,
		UserID:     chat.UserID,
		Visibility: chat.Visibility,
	}
	if row.Visibility == "" {
		row.Visibility = VisibilityPrivate
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateChat
		}
		return fmt.Errorf("inserting chat: %w", err)
	}

	s.logger.Debug("created chat", "id", chat.ID, "user_id", chat.UserID)
	return nil
}

// GetChat retrieves a chat by ID.
// Returns ErrNotFound if the chat doesn't exist.
func (s *PostgresStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	var row pgChat
	err := s.db.WithContext(ctx).Where(`"id" = ?`, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat: %w", err)
	}

	return &Chat{
		ID:         row.ID,
		Title:      row.Title,
		UserID:     row.UserID,
		Visibility: row.Visibility,
		CreatedAt:  row.CreatedAt.UTC(),
	}, nil
}

// SaveMessages appends messages in a single transaction
func (s *PostgresStore) SaveMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	rows := make([]pgMessage, 0, len(msgs))
	for _, msg := range msgs {
		parts, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("encoding message parts: %w", err)
		}
		rows = append(rows, pgMessage{
			ID:          msg.ID,
			ChatID:      msg.ChatID,
			Role:        msg.Role,
			Parts:       string(parts),
			Attachments: string(msg.attachmentsOrEmpty()),
			CreatedAt:   msg.CreatedAt.UTC(),
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("inserting messages: %w", err)
	}

	s.logger.Debug("saved messages", "chat_id", msgs[0].ChatID, "count", len(msgs))
	return nil
}

// GetMessagesByChatID returns all messages of a chat, oldest first
func (s *PostgresStore) GetMessagesByChatID(ctx context.Context, chatID string) ([]*Message, error) {
	var rows []pgMessage
	err := s.db.WithContext(ctx).
		Where(`"chatId" = ?`, chatID).
		Order(`"createdAt" ASC`).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	messages := make([]*Message, 0, len(rows))
	for _, row := range rows {
		msg := &Message{
			ID:          row.ID,
			ChatID:      row.ChatID,
			Role:        row.Role,
			Attachments: json.RawMessage(row.Attachments),
			CreatedAt:   row.CreatedAt.UTC(),
		}
		if err := json.Unmarshal([]byte(row.Parts), &msg.Parts); err != nil {
			return nil, fmt.Errorf("decoding message parts: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// CreateStreamID appends a stream record to the chat's ledger
func (s *PostgresStore) CreateStreamID(ctx context.Context, record *StreamRecord) error {
	row := pgStream{
		ID:        record.ID,
		ChatID:    record.ChatID,
		CreatedAt: record.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("inserting stream: %w", err)
	}

	s.logger.Debug("recorded stream", "id", record.ID, "chat_id", record.ChatID)
	return nil
}

// GetStreamIDsByChatID returns the chat's stream IDs, oldest first
func (s *PostgresStore) GetStreamIDsByChatID(ctx context.Context, chatID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&pgStream{}).
		Where(`"chatId" = ?`, chatID).
		Order(`"createdAt" ASC`).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("querying streams: %w", err)
	}
	return ids, nil
}
