package domain

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Service is the read side of chat history. Writes go through the token ledger.
type Service interface {
	GetByID(ctx context.Context, userID, id string) (*Conversation, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Conversation, error)
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

var (
	ErrInvalidUser = errors.New("invalid_user")
	ErrInvalidID   = errors.New("invalid_conversation_id")
	ErrNotFound    = errors.New("conversation_not_found")
)

// ParseID normalizes a conversation or message id.
func ParseID(value string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return "", ErrInvalidID
	}
	return id.String(), nil
}

func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
