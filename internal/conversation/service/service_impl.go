package service

import (
	"context"
	"strings"

	conversationdomain "github.com/smallbiznis/tokenledger/internal/conversation/domain"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo conversationdomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo conversationdomain.Repository
}

func New(p Params) conversationdomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("conversation.service"),
		repo: p.Repo,
	}
}

func (s *Service) GetByID(ctx context.Context, userID, id string) (*conversationdomain.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, conversationdomain.ErrInvalidUser
	}
	convID, err := conversationdomain.ParseID(id)
	if err != nil {
		return nil, err
	}

	conv, err := s.repo.FindByID(ctx, s.db, userID, convID)
	if err != nil {
		obslogger.WithContext(ctx, s.log).Error("failed to load conversation",
			zap.String("conversation_id", convID),
			zap.Error(err),
		)
		return nil, err
	}
	if conv == nil {
		return nil, conversationdomain.ErrNotFound
	}

	messages, err := s.repo.ListMessages(ctx, s.db, conv.ID)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	return conv, nil
}

func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]conversationdomain.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, conversationdomain.ErrInvalidUser
	}

	items, err := s.repo.ListByUser(ctx, s.db, userID, conversationdomain.NormalizeLimit(limit))
	if err != nil {
		obslogger.WithContext(ctx, s.log).Error("failed to list conversations", zap.Error(err))
		return nil, err
	}
	if items == nil {
		items = []conversationdomain.Conversation{}
	}
	return items, nil
}
