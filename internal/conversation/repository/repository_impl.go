package repository

import (
	"context"
	"time"

	conversationdomain "github.com/smallbiznis/tokenledger/internal/conversation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() conversationdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, c *conversationdomain.Conversation) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO chat_conversations (id, user_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID,
		c.UserID,
		c.Title,
		c.CreatedAt,
		c.UpdatedAt,
	).Error
}

func (r *repo) InsertMessage(ctx context.Context, db *gorm.DB, m *conversationdomain.Message) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO chat_messages (id, conversation_id, user_id, role, content, tokens, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.ConversationID,
		m.UserID,
		string(m.Role),
		m.Content,
		m.Tokens,
		m.Error,
		m.CreatedAt,
	).Error
}

// Touch bumps updated_at on a conversation owned by userID and reports whether it exists.
func (r *repo) Touch(ctx context.Context, db *gorm.DB, userID, id string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE chat_conversations SET updated_at = ? WHERE id = ? AND user_id = ?`,
		at,
		id,
		userID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, userID, id string) (*conversationdomain.Conversation, error) {
	var conv conversationdomain.Conversation
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, title, created_at, updated_at
		 FROM chat_conversations WHERE id = ? AND user_id = ?`,
		id,
		userID,
	).Scan(&conv).Error
	if err != nil {
		return nil, err
	}
	if conv.ID == "" {
		return nil, nil
	}
	return &conv, nil
}

func (r *repo) ListMessages(ctx context.Context, db *gorm.DB, conversationID string) ([]conversationdomain.Message, error) {
	var items []conversationdomain.Message
	err := db.WithContext(ctx).Raw(
		`SELECT id, conversation_id, user_id, role, content, tokens, error, created_at
		 FROM chat_messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC`,
		conversationID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string, limit int) ([]conversationdomain.Conversation, error) {
	var items []conversationdomain.Conversation
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, title, created_at, updated_at
		 FROM chat_conversations WHERE user_id = ?
		 ORDER BY updated_at DESC, id DESC
		 LIMIT ?`,
		userID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
