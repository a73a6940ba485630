// Package history persists conversation turns so callers can replay
// prior context into follow-up queries. The engine itself never reads
// this store; the transport layer loads history and passes it in.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/candor-ai/ragserve/internal/model"
)

// Turn is one persisted conversation message.
type Turn struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"index:idx_conversation,priority:1;size:64;not null"`
	TenantID       string `gorm:"size:64;not null"`
	Role           string `gorm:"size:16;not null"`
	Content        string `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

// TableName keeps the table name stable.
func (Turn) TableName() string {
	return "conversation_turns"
}

// Store persists conversation history in SQLite.
type Store struct {
	db *gorm.DB
}

// Open creates the store, migrating the schema. Use ":memory:" for an
// ephemeral database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if err := db.AutoMigrate(&Turn{}); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// NewConversationID mints a fresh conversation identifier.
func NewConversationID() string {
	return ulid.Make().String()
}

// Append records messages at the end of a conversation.
func (s *Store) Append(ctx context.Context, conversationID, tenantID string, messages ...model.ChatMessage) error {
	if conversationID == "" {
		return fmt.Errorf("history: empty conversation id")
	}
	if len(messages) == 0 {
		return nil
	}

	turns := make([]Turn, len(messages))
	for i, msg := range messages {
		turns[i] = Turn{
			ConversationID: conversationID,
			TenantID:       tenantID,
			Role:           string(msg.Role),
			Content:        msg.Content,
		}
	}

	if err := s.db.WithContext(ctx).Create(&turns).Error; err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// History returns the conversation's messages oldest first. A positive
// limit returns only the newest turns.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]model.ChatMessage, error) {
	var turns []Turn

	q := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	// Reverse the newest-first page back to chronological order.
	messages := make([]model.ChatMessage, len(turns))
	for i, turn := range turns {
		messages[len(turns)-1-i] = model.ChatMessage{
			Role:    model.ChatRole(turn.Role),
			Content: turn.Content,
		}
	}
	return messages, nil
}

// Delete removes a conversation.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&Turn{}).Error; err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
