package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, conv *Conversation) error
	InsertMessage(ctx context.Context, db *gorm.DB, msg *Message) error
	Touch(ctx context.Context, db *gorm.DB, userID, id string, at time.Time) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, userID, id string) (*Conversation, error)
	ListMessages(ctx context.Context, db *gorm.DB, conversationID string) ([]Message, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string, limit int) ([]Conversation, error)
}
