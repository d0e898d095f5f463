package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	conversationdomain "github.com/smallbiznis/tokenledger/internal/conversation/domain"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/period"
	tokenusagedomain "github.com/smallbiznis/tokenledger/internal/tokenusage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateConversation = "create_conversation"
	opAppendMessage      = "append_message"
	opUpdateUsage        = "update_token_usage"

	stageAdmission = "admission"
	stageCommit    = "commit"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Quota         config.QuotaConfig
	Repo          tokenusagedomain.Repository
	Conversations conversationdomain.Repository
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock         clock.Clock
	calendar      period.Calendar
	monthlyLimit  int64
	repo          tokenusagedomain.Repository
	conversations conversationdomain.Repository
	obsMetrics    *obsmetrics.Metrics
	newID         func() string
}

func NewService(p ServiceParam) (tokenusagedomain.Service, error) {
	if p.Quota.MonthlyLimit <= 0 {
		return nil, config.ErrInvalidMonthlyLimit
	}
	calendar, err := period.NewCalendar(p.Quota.TimeZone)
	if err != nil {
		return nil, err
	}

	return &Service{
		db:            p.DB,
		log:           p.Log.Named("tokenusage.service"),
		clock:         p.Clock,
		calendar:      calendar,
		monthlyLimit:  p.Quota.MonthlyLimit,
		repo:          p.Repo,
		conversations: p.Conversations,
		obsMetrics:    p.ObsMetrics,
		newID:         uuid.NewString,
	}, nil
}

func (s *Service) MonthlyLimit() int64 {
	return s.monthlyLimit
}

func (s *Service) NextResetAt() time.Time {
	return s.calendar.NextReset(s.clock.Now())
}

func (s *Service) GetUserUsage(ctx context.Context, userID string) (*tokenusagedomain.UsageRecord, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	return s.ensureUsage(ctx, s.db, userID, s.calendar.Key(now), now)
}

func (s *Service) CanStartConversation(ctx context.Context, userID string, tokensNeeded int64) (bool, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return false, err
	}
	if tokensNeeded < 0 {
		return false, tokenusagedomain.ErrInvalidTokens
	}

	now := s.clock.Now()
	return s.canStart(ctx, userID, s.calendar.Key(now), now, tokensNeeded)
}

// UpdateTokenUsage adds tokens to the current period. A user without a row for
// the period is left untouched; callers read usage first to create it.
func (s *Service) UpdateTokenUsage(ctx context.Context, userID string, tokens int64) error {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return err
	}
	if tokens < 0 {
		return tokenusagedomain.ErrInvalidTokens
	}

	now := s.clock.Now()
	key := s.calendar.Key(now)
	rows, err := s.repo.Increment(ctx, s.db, userID, key, tokens, now)
	if err != nil {
		return err
	}
	if rows == 0 {
		s.userLogger(ctx, userID).Debug("usage increment skipped, no row for period",
			zap.String("period", key),
		)
		return nil
	}

	s.obsMetrics.RecordTokensCharged(ctx, opUpdateUsage, tokens)
	return nil
}

func (s *Service) CreateConversation(ctx context.Context, req tokenusagedomain.CreateConversationRequest) (*conversationdomain.Conversation, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	title, err := normalizeTitle(req.Title)
	if err != nil {
		return nil, err
	}
	input, err := normalizeMessage(req.FirstMessage)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	key := s.calendar.Key(now)
	log := s.userLogger(ctx, userID).With(zap.String("period", key))

	admitted, err := s.canStart(ctx, userID, key, now, input.Tokens)
	if err != nil {
		return nil, err
	}
	if !admitted {
		log.Info("conversation denied by monthly limit", zap.Int64("tokens", input.Tokens))
		s.obsMetrics.RecordQuotaDenied(ctx, opCreateConversation, stageAdmission)
		return nil, tokenusagedomain.ErrQuotaExceeded
	}

	conv := &conversationdomain.Conversation{
		ID:        s.newID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	msg := s.buildMessage(conv.ID, userID, input, now)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Ensure(ctx, tx, userID, key, now); err != nil {
			return err
		}
		if err := s.conversations.Insert(ctx, tx, conv); err != nil {
			return err
		}
		if err := s.conversations.InsertMessage(ctx, tx, msg); err != nil {
			return err
		}
		return s.charge(ctx, tx, userID, key, input.Tokens, now)
	})
	if errors.Is(err, tokenusagedomain.ErrQuotaExceeded) {
		log.Info("conversation rolled back by monthly limit", zap.Int64("tokens", input.Tokens))
		s.obsMetrics.RecordQuotaDenied(ctx, opCreateConversation, stageCommit)
		return nil, err
	}
	if err != nil {
		log.Error("failed to create conversation", zap.Error(err))
		return nil, err
	}

	s.obsMetrics.RecordConversationCreated(ctx, string(input.Role), input.Tokens)
	log.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.Int64("tokens", input.Tokens),
	)

	return s.loadConversation(ctx, userID, conv.ID)
}

// AppendMessage records a follow-up turn on an existing conversation, gated and
// charged the same way as the first message.
func (s *Service) AppendMessage(ctx context.Context, req tokenusagedomain.AppendMessageRequest) (*conversationdomain.Message, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	convID, err := conversationdomain.ParseID(req.ConversationID)
	if err != nil {
		return nil, err
	}
	input, err := normalizeMessage(req.Message)
	if err != nil {
		return nil, err
	}

	existing, err := s.conversations.FindByID(ctx, s.db, userID, convID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, conversationdomain.ErrNotFound
	}

	now := s.clock.Now()
	key := s.calendar.Key(now)
	log := s.userLogger(ctx, userID).With(
		zap.String("period", key),
		zap.String("conversation_id", convID),
	)

	admitted, err := s.canStart(ctx, userID, key, now, input.Tokens)
	if err != nil {
		return nil, err
	}
	if !admitted {
		log.Info("message denied by monthly limit", zap.Int64("tokens", input.Tokens))
		s.obsMetrics.RecordQuotaDenied(ctx, opAppendMessage, stageAdmission)
		return nil, tokenusagedomain.ErrQuotaExceeded
	}

	msg := s.buildMessage(convID, userID, input, now)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Ensure(ctx, tx, userID, key, now); err != nil {
			return err
		}
		found, err := s.conversations.Touch(ctx, tx, userID, convID, now)
		if err != nil {
			return err
		}
		if !found {
			return conversationdomain.ErrNotFound
		}
		if err := s.conversations.InsertMessage(ctx, tx, msg); err != nil {
			return err
		}
		return s.charge(ctx, tx, userID, key, input.Tokens, now)
	})
	switch {
	case errors.Is(err, tokenusagedomain.ErrQuotaExceeded):
		log.Info("message rolled back by monthly limit", zap.Int64("tokens", input.Tokens))
		s.obsMetrics.RecordQuotaDenied(ctx, opAppendMessage, stageCommit)
		return nil, err
	case errors.Is(err, conversationdomain.ErrNotFound):
		return nil, err
	case err != nil:
		log.Error("failed to append message", zap.Error(err))
		return nil, err
	}

	s.obsMetrics.RecordMessageAppended(ctx, string(input.Role), input.Tokens)
	return msg, nil
}

// ResetMonthlyLimits removes every usage row outside the current period.
func (s *Service) ResetMonthlyLimits(ctx context.Context) (int64, error) {
	key := s.calendar.Key(s.clock.Now())

	deleted, err := s.repo.DeleteOutside(ctx, s.db, key)
	if err != nil {
		return 0, err
	}

	s.obsMetrics.RecordUsageRowsReset(ctx, deleted)
	s.logger(ctx).Info("monthly usage reset",
		zap.String("period", key),
		zap.Int64("rows_deleted", deleted),
	)
	return deleted, nil
}

func (s *Service) Summary(ctx context.Context, userID string) (*tokenusagedomain.UsageSummary, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	key := s.calendar.Key(now)
	record, err := s.ensureUsage(ctx, s.db, userID, key, now)
	if err != nil {
		return nil, err
	}

	remaining := s.monthlyLimit - record.TokensUsed
	if remaining < 0 {
		remaining = 0
	}
	return &tokenusagedomain.UsageSummary{
		UserID:       userID,
		Period:       key,
		PeriodStart:  s.calendar.Start(now),
		TimeZone:     s.calendar.Zone(),
		TokensUsed:   record.TokensUsed,
		MonthlyLimit: s.monthlyLimit,
		Remaining:    remaining,
		ResetAt:      s.calendar.NextReset(now),
	}, nil
}

func (s *Service) ensureUsage(ctx context.Context, db *gorm.DB, userID, key string, now time.Time) (*tokenusagedomain.UsageRecord, error) {
	if err := s.repo.Ensure(ctx, db, userID, key, now); err != nil {
		return nil, err
	}
	record, err := s.repo.Find(ctx, db, userID, key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, tokenusagedomain.ErrUsageNotFound
	}
	return record, nil
}

func (s *Service) canStart(ctx context.Context, userID, key string, now time.Time, tokensNeeded int64) (bool, error) {
	record, err := s.ensureUsage(ctx, s.db, userID, key, now)
	if err != nil {
		return false, err
	}
	// written as a subtraction so a huge request cannot overflow
	return tokensNeeded <= s.monthlyLimit-record.TokensUsed, nil
}

func (s *Service) charge(ctx context.Context, tx *gorm.DB, userID, key string, tokens int64, now time.Time) error {
	ok, err := s.repo.IncrementWithin(ctx, tx, userID, key, tokens, s.monthlyLimit, now)
	if err != nil {
		return err
	}
	if !ok {
		return tokenusagedomain.ErrQuotaExceeded
	}
	return nil
}

func (s *Service) buildMessage(convID, userID string, input tokenusagedomain.MessageInput, now time.Time) *conversationdomain.Message {
	var author *string
	if input.Role != conversationdomain.RoleSystem {
		author = &userID
	}
	return &conversationdomain.Message{
		ID:             s.newID(),
		ConversationID: convID,
		UserID:         author,
		Role:           input.Role,
		Content:        input.Content,
		Tokens:         input.Tokens,
		Error:          input.Error,
		CreatedAt:      now,
	}
}

func (s *Service) loadConversation(ctx context.Context, userID, id string) (*conversationdomain.Conversation, error) {
	conv, err := s.conversations.FindByID(ctx, s.db, userID, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, conversationdomain.ErrNotFound
	}
	messages, err := s.conversations.ListMessages(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	return conv, nil
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Service) userLogger(ctx context.Context, userID string) *zap.Logger {
	return obslogger.WithUser(ctx, s.logger(ctx), userID)
}

func normalizeUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || utf8.RuneCountInString(userID) > 255 {
		return "", tokenusagedomain.ErrInvalidUser
	}
	return userID, nil
}

func normalizeTitle(title *string) (*string, error) {
	if title == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*title)
	if trimmed == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(trimmed) > tokenusagedomain.MaxTitleLength {
		return nil, tokenusagedomain.ErrInvalidTitle
	}
	return &trimmed, nil
}

func normalizeMessage(input tokenusagedomain.MessageInput) (tokenusagedomain.MessageInput, error) {
	if input.Role == "" {
		input.Role = conversationdomain.RoleUser
	}
	input.Role = conversationdomain.Role(strings.ToLower(strings.TrimSpace(string(input.Role))))
	if !input.Role.Valid() {
		return input, tokenusagedomain.ErrInvalidRole
	}
	if strings.TrimSpace(input.Content) == "" {
		return input, tokenusagedomain.ErrInvalidContent
	}
	if input.Tokens < 0 {
		return input, tokenusagedomain.ErrInvalidTokens
	}
	return input, nil
}
