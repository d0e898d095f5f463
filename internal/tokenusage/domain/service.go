package domain

import (
	"context"
	"errors"
	"time"

	conversationdomain "github.com/smallbiznis/tokenledger/internal/conversation/domain"
)

type Service interface {
	GetUserUsage(ctx context.Context, userID string) (*UsageRecord, error)
	CanStartConversation(ctx context.Context, userID string, tokensNeeded int64) (bool, error)
	UpdateTokenUsage(ctx context.Context, userID string, tokens int64) error
	CreateConversation(ctx context.Context, req CreateConversationRequest) (*conversationdomain.Conversation, error)
	AppendMessage(ctx context.Context, req AppendMessageRequest) (*conversationdomain.Message, error)
	ResetMonthlyLimits(ctx context.Context) (int64, error)
	Summary(ctx context.Context, userID string) (*UsageSummary, error)
	NextResetAt() time.Time
	MonthlyLimit() int64
}

type MessageInput struct {
	Content string                  `json:"content"`
	Tokens  int64                   `json:"tokens"`
	Role    conversationdomain.Role `json:"role"`
	Error   bool                    `json:"error"`
}

type CreateConversationRequest struct {
	UserID       string       `json:"-"`
	Title        *string      `json:"title"`
	FirstMessage MessageInput `json:"first_message"`
}

type AppendMessageRequest struct {
	UserID         string       `json:"-"`
	ConversationID string       `json:"-"`
	Message        MessageInput `json:"message"`
}

const MaxTitleLength = 200

var (
	ErrQuotaExceeded  = errors.New("quota_exceeded")
	ErrInvalidUser    = errors.New("invalid_user")
	ErrInvalidTokens  = errors.New("invalid_tokens")
	ErrInvalidRole    = errors.New("invalid_role")
	ErrInvalidContent = errors.New("invalid_content")
	ErrInvalidTitle   = errors.New("invalid_title")
	ErrUsageNotFound  = errors.New("usage_not_found")
)
