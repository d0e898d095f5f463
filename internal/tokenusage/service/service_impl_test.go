package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	conversationdomain "github.com/smallbiznis/tokenledger/internal/conversation/domain"
	conversationrepo "github.com/smallbiznis/tokenledger/internal/conversation/repository"
	"github.com/smallbiznis/tokenledger/internal/migration"
	tokenusagedomain "github.com/smallbiznis/tokenledger/internal/tokenusage/domain"
	"github.com/smallbiznis/tokenledger/internal/tokenusage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testLimit int64 = 1_000

// mid-March, daylight time already in effect
var testNow = time.Date(2024, 3, 15, 16, 0, 0, 0, time.UTC)

func TestGetUserUsageCreatesSingleRow(t *testing.T) {
	svc, db, clk := setupLedgerService(t, testLimit)
	ctx := context.Background()

	first, err := svc.GetUserUsage(ctx, "ada@univ.edu")
	require.NoError(t, err)
	assert.Equal(t, "2024-03", first.MonthYear)
	assert.Equal(t, int64(0), first.TokensUsed)

	clk.Advance(time.Minute)
	second, err := svc.GetUserUsage(ctx, "ada@univ.edu")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt), "updated_at should be refreshed")

	assert.Equal(t, int64(1), countRows(t, db, "user_token_usage"))
}

func TestGetUserUsageConcurrentFirstCall(t *testing.T) {
	svc, db, _ := setupLedgerService(t, testLimit)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GetUserUsage(ctx, "grace@univ.edu")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), countRows(t, db, "user_token_usage"))
}

func TestCanStartConversationBoundary(t *testing.T) {
	svc, _, _ := setupLedgerService(t, testLimit)
	ctx := context.Background()
	user := "linus@univ.edu"

	_, err := svc.GetUserUsage(ctx, user)
	require.NoError(t, err)
	require.NoError(t, svc.UpdateTokenUsage(ctx, user, testLimit-100))

	ok, err := svc.CanStartConversation(ctx, user, 100)
	require.NoError(t, err)
	assert.True(t, ok, "exactly at the limit is allowed")

	ok, err = svc.CanStartConversation(ctx, user, 101)
	require.NoError(t, err)
	assert.False(t, ok, "one over the limit is denied")

	_, err = svc.CanStartConversation(ctx, user, -1)
	assert.ErrorIs(t, err, tokenusagedomain.ErrInvalidTokens)
}

func TestCanStartConversationCreatesRowLazily(t *testing.T) {
	svc, db, _ := setupLedgerService(t, testLimit)

	ok, err := svc.CanStartConversation(context.Background(), "new@univ.edu", testLimit)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), countRows(t, db, "user_token_usage"))
}

func TestUpdateTokenUsageWithoutRowIsNoop(t *testing.T) {
	svc, db, _ := setupLedgerService(t, testLimit)

	err := svc.UpdateTokenUsage(context.Background(), "ghost@univ.edu", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(0), countRows(t, db, "user_token_usage"))
}

func TestCreateConversationAdmitted(t *testing.T) {
	svc, db, _ := setupLedgerService(t, testLimit)
	ctx := context.Background()
	title := "  Linear algebra help  "

	conv, err := svc.CreateConversation(ctx, tokenusagedomain.CreateConversationRequest{
		UserID: "ada@univ.edu",
		Title:  &title,
		FirstMessage: tokenusagedomain.MessageInput{
			Content: "What is an eigenvector?",
			Tokens:  250,
			Role:    conversationdomain.RoleUser,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, conv)
	require.NotNil(t, conv.Title)
	assert.Equal(t, "Linear algebra help", *conv.Title)
	assert.Equal(t, "ada@univ.edu", conv.UserID)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, int64(250), conv.Messages[0].Tokens)
	assert.Equal(t, conversationdomain.RoleUser, conv.Messages[0].Role)
	require.NotNil(t, conv.Messages[0].UserID)
	assert.Equal(t, "ada@univ.edu", *conv.Messages[0].UserID)

	assert.Equal(t, int64(1), countRows(t, db, "chat_conversations"))
	assert.Equal(t, int64(1), countRows(t, db, "chat_messages"))

	usage, err := svc.GetUserUsage(ctx, "ada@univ.edu")
	require.NoError(t, err)
	assert.Equal(t, int64(250), usage.TokensUsed)
}

func TestCreateConversationDeniedWritesNothing(t *testing.T) {
	svc, db, _ := setupLedgerService(t, testLimit)
	ctx := context.Background()
	user := "ada@univ.edu"

	_, err := svc.GetUserUsage(ctx, user)
	require.NoError(t, err)
	require.NoError(t, svc.UpdateTokenUsage(ctx, user, testLimit-10))

	conv, err := svc.CreateConversation(ctx, tokenusagedomain.CreateConversationRequest{
		UserID:       user,
		FirstMessage: tokenusagedomain.MessageInput{Content: "hello", Tokens: 11},
	})
	assert.Nil(t, conv)
	assert.ErrorIs(t, err, tokenusagedomain.ErrQuotaExceeded)

	assert.Equal(t, int64(0), countRows(t, db, "chat_conversations"))
	assert.Equal(t, int64(0), countRows(t, db, "chat_messages"))
	usage, err := svc.GetUserUsage(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, testLimit-10, usage.TokensUsed)
}

func TestCreateConversationConcurrentAtLimit(t *testing.T) {
	svc, db, _ := setupLedgerService(t, testLimit)
	ctx := context.Background()
	user := "fresh@univ.edu"

	var wg sync.WaitGroup
	results := make(chan error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			_, err := svc.CreateConversation(ctx, tokenusagedomain.CreateConversationRequest{
				UserID:       user,
				FirstMessage: tokenusagedomain.MessageInput{Content: fmt.Sprintf("request %d", n), Tokens: testLimit},
			})
			results <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(results)

	var succeeded, denied int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, tokenusagedomain.ErrQuotaExceeded):
			denied++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, denied)

	assert.Equal(t, int64(1), countRows(t, db, "chat_conversations"))
	assert.Equal(t, int64(1), countRows(t, db, "chat_messages"))
	usage, err := svc.GetUserUsage(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, testLimit, usage.TokensUsed)
}

func TestCreateConversationSystemMessageHasNoAuthor(t *testing.T) {
	svc, _, _ := setupLedgerService(t, testLimit)

	conv, err := svc.CreateConversation(context.Background(), tokenusagedomain.CreateConversationRequest{
		UserID:       "ada@univ.edu",
		FirstMessage: tokenusagedomain.MessageInput{Content: "You are a tutor.", Tokens: 5, Role: "SYSTEM"},
	})
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, conversationdomain.RoleSystem, conv.Messages[0].Role)
	assert.Nil(t, conv.Messages[0].UserID)
	assert.Nil(t, conv.Title)
}

func TestCreateConversationValidation(t *testing.T) {
	svc, db, _ := setupLedgerService(t, testLimit)
	ctx := context.Background()
	longTitle := strings.Repeat("x", tokenusagedomain.MaxTitleLength+1)

	cases := []struct {
		name string
		req  tokenusagedomain.CreateConversationRequest
		want error
	}{
		{
			name: "missing user",
			req:  tokenusagedomain.CreateConversationRequest{FirstMessage: tokenusagedomain.MessageInput{Content: "hi", Tokens: 1}},
			want: tokenusagedomain.ErrInvalidUser,
		},
		{
			name: "empty content",
			req:  tokenusagedomain.CreateConversationRequest{UserID: "u@univ.edu", FirstMessage: tokenusagedomain.MessageInput{Content: "  ", Tokens: 1}},
			want: tokenusagedomain.ErrInvalidContent,
		},
		{
			name: "negative tokens",
			req:  tokenusagedomain.CreateConversationRequest{UserID: "u@univ.edu", FirstMessage: tokenusagedomain.MessageInput{Content: "hi", Tokens: -1}},
			want: tokenusagedomain.ErrInvalidTokens,
		},
		{
			name: "unknown role",
			req:  tokenusagedomain.CreateConversationRequest{UserID: "u@univ.edu", FirstMessage: tokenusagedomain.MessageInput{Content: "hi", Tokens: 1, Role: "tool"}},
			want: tokenusagedomain.ErrInvalidRole,
		},
		{
			name: "title too long",
			req:  tokenusagedomain.CreateConversationRequest{UserID: "u@univ.edu", Title: &longTitle, FirstMessage: tokenusagedomain.MessageInput{Content: "hi", Tokens: 1}},
			want: tokenusagedomain.ErrInvalidTitle,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateConversation(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, int64(0), countRows(t, db, "user_token_usage"))
}

func TestAppendMessageChargesUsage(t *testing.T) {
	svc, db, clk := setupLedgerService(t, testLimit)
	ctx := context.Background()
	user := "ada@univ.edu"

	conv, err := svc.CreateConversation(ctx, tokenusagedomain.CreateConversationRequest{
		UserID:       user,
		FirstMessage: tokenusagedomain.MessageInput{Content: "question", Tokens: 300},
	})
	require.NoError(t, err)

	clk.Advance(time.Second)
	msg, err := svc.AppendMessage(ctx, tokenusagedomain.AppendMessageRequest{
		UserID:         user,
		ConversationID: conv.ID,
		Message:        tokenusagedomain.MessageInput{Content: "answer", Tokens: 700, Role: conversationdomain.RoleAssistant},
	})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, msg.ConversationID)

	usage, err := svc.GetUserUsage(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, testLimit, usage.TokensUsed)
	assert.Equal(t, int64(2), countRows(t, db, "chat_messages"))

	clk.Advance(time.Second)
	_, err = svc.AppendMessage(ctx, tokenusagedomain.AppendMessageRequest{
		UserID:         user,
		ConversationID: conv.ID,
		Message:        tokenusagedomain.MessageInput{Content: "one more", Tokens: 1},
	})
	assert.ErrorIs(t, err, tokenusagedomain.ErrQuotaExceeded)
	assert.Equal(t, int64(2), countRows(t, db, "chat_messages"))
}

func TestAppendMessageRequiresOwnership(t *testing.T) {
	svc, _, _ := setupLedgerService(t, testLimit)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, tokenusagedomain.CreateConversationRequest{
		UserID:       "owner@univ.edu",
		FirstMessage: tokenusagedomain.MessageInput{Content: "mine", Tokens: 1},
	})
	require.NoError(t, err)

	_, err = svc.AppendMessage(ctx, tokenusagedomain.AppendMessageRequest{
		UserID:         "intruder@univ.edu",
		ConversationID: conv.ID,
		Message:        tokenusagedomain.MessageInput{Content: "hijack", Tokens: 1},
	})
	assert.ErrorIs(t, err, conversationdomain.ErrNotFound)

	_, err = svc.AppendMessage(ctx, tokenusagedomain.AppendMessageRequest{
		UserID:         "owner@univ.edu",
		ConversationID: "not-a-uuid",
		Message:        tokenusagedomain.MessageInput{Content: "hi", Tokens: 1},
	})
	assert.ErrorIs(t, err, conversationdomain.ErrInvalidID)
}

func TestResetMonthlyLimitsKeepsCurrentPeriod(t *testing.T) {
	svc, db, clk := setupLedgerService(t, testLimit)
	ctx := context.Background()

	clk.Set(time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC))
	for _, user := range []string{"a@univ.edu", "b@univ.edu", "c@univ.edu"} {
		_, err := svc.GetUserUsage(ctx, user)
		require.NoError(t, err)
	}

	clk.Set(testNow)
	_, err := svc.GetUserUsage(ctx, "a@univ.edu")
	require.NoError(t, err)
	assert.Equal(t, int64(4), countRows(t, db, "user_token_usage"))

	deleted, err := svc.ResetMonthlyLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	var remaining []tokenusagedomain.UsageRecord
	require.NoError(t, db.Raw(`SELECT user_id, month_year, tokens_used, created_at, updated_at FROM user_token_usage`).Scan(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "2024-03", remaining[0].MonthYear)

	deleted, err = svc.ResetMonthlyLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

func TestPeriodRolloverFollowsEasternMidnight(t *testing.T) {
	svc, db, clk := setupLedgerService(t, testLimit)
	ctx := context.Background()
	user := "night-owl@univ.edu"

	// 23:30 EST on Feb 29
	clk.Set(time.Date(2024, 3, 1, 4, 30, 0, 0, time.UTC))
	_, err := svc.CreateConversation(ctx, tokenusagedomain.CreateConversationRequest{
		UserID:       user,
		FirstMessage: tokenusagedomain.MessageInput{Content: "late night", Tokens: testLimit},
	})
	require.NoError(t, err)

	ok, err := svc.CanStartConversation(ctx, user, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(time.Hour)
	ok, err = svc.CanStartConversation(ctx, user, testLimit)
	require.NoError(t, err)
	assert.True(t, ok, "new Eastern month starts with a fresh allowance")

	var periods []string
	require.NoError(t, db.Raw(`SELECT month_year FROM user_token_usage WHERE user_id = ? ORDER BY month_year`, user).Scan(&periods).Error)
	assert.Equal(t, []string{"2024-02", "2024-03"}, periods)
}

func TestSummaryAndNextReset(t *testing.T) {
	svc, _, _ := setupLedgerService(t, testLimit)
	ctx := context.Background()

	_, err := svc.CreateConversation(ctx, tokenusagedomain.CreateConversationRequest{
		UserID:       "ada@univ.edu",
		FirstMessage: tokenusagedomain.MessageInput{Content: "hi", Tokens: 400},
	})
	require.NoError(t, err)

	summary, err := svc.Summary(ctx, "ada@univ.edu")
	require.NoError(t, err)
	assert.Equal(t, "2024-03", summary.Period)
	assert.Equal(t, int64(400), summary.TokensUsed)
	assert.Equal(t, testLimit, summary.MonthlyLimit)
	assert.Equal(t, int64(600), summary.Remaining)
	assert.Equal(t, time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC), summary.PeriodStart)
	assert.Equal(t, "America/New_York", summary.TimeZone)

	wantReset := time.Date(2024, 4, 1, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, wantReset, summary.ResetAt)
	assert.Equal(t, wantReset, svc.NextResetAt())
	assert.Equal(t, testLimit, svc.MonthlyLimit())
}

func TestNewServiceRejectsBadQuota(t *testing.T) {
	_, err := NewService(ServiceParam{
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(testNow),
		Quota: config.QuotaConfig{MonthlyLimit: 0, TimeZone: "America/New_York"},
	})
	assert.ErrorIs(t, err, config.ErrInvalidMonthlyLimit)

	_, err = NewService(ServiceParam{
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(testNow),
		Quota: config.QuotaConfig{MonthlyLimit: 10, TimeZone: "Nowhere/Land"},
	})
	assert.Error(t, err)
}

func setupLedgerService(t *testing.T, limit int64) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	if err := migration.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	clk := clock.NewFakeClock(testNow)
	svc, err := NewService(ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         clk,
		Quota:         config.QuotaConfig{MonthlyLimit: limit, TimeZone: "America/New_York"},
		Repo:          repository.Provide(),
		Conversations: conversationrepo.Provide(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc.(*Service), db, clk
}

func countRows(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var count int64
	if err := db.Table(table).Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
