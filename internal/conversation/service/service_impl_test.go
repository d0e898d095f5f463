package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	conversationdomain "github.com/smallbiznis/tokenledger/internal/conversation/domain"
	"github.com/smallbiznis/tokenledger/internal/conversation/repository"
	"github.com/smallbiznis/tokenledger/internal/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var base = time.Date(2024, 3, 15, 16, 0, 0, 0, time.UTC)

func TestGetByIDReturnsOrderedMessages(t *testing.T) {
	svc, db := setupConversationService(t)
	ctx := context.Background()
	repo := repository.Provide()

	conv := seedConversation(t, db, "ada@univ.edu", base)
	second := &conversationdomain.Message{
		ID: uuid.NewString(), ConversationID: conv.ID, Role: conversationdomain.RoleAssistant,
		Content: "second", Tokens: 5, CreatedAt: base.Add(2 * time.Second),
	}
	first := &conversationdomain.Message{
		ID: uuid.NewString(), ConversationID: conv.ID, UserID: &conv.UserID, Role: conversationdomain.RoleUser,
		Content: "first", Tokens: 3, CreatedAt: base.Add(time.Second),
	}
	require.NoError(t, repo.InsertMessage(ctx, db, second))
	require.NoError(t, repo.InsertMessage(ctx, db, first))

	got, err := svc.GetByID(ctx, "ada@univ.edu", strings.ToUpper(conv.ID))
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "first", got.Messages[0].Content)
	assert.Equal(t, "second", got.Messages[1].Content)
	assert.Nil(t, got.Messages[1].UserID)
}

func TestGetByIDIsOwnerScoped(t *testing.T) {
	svc, db := setupConversationService(t)
	conv := seedConversation(t, db, "ada@univ.edu", base)

	_, err := svc.GetByID(context.Background(), "grace@univ.edu", conv.ID)
	assert.ErrorIs(t, err, conversationdomain.ErrNotFound)

	_, err = svc.GetByID(context.Background(), "ada@univ.edu", uuid.NewString())
	assert.ErrorIs(t, err, conversationdomain.ErrNotFound)
}

func TestGetByIDValidation(t *testing.T) {
	svc, _ := setupConversationService(t)

	_, err := svc.GetByID(context.Background(), " ", uuid.NewString())
	assert.ErrorIs(t, err, conversationdomain.ErrInvalidUser)

	_, err = svc.GetByID(context.Background(), "ada@univ.edu", "42")
	assert.ErrorIs(t, err, conversationdomain.ErrInvalidID)
}

func TestListByUserNewestFirst(t *testing.T) {
	svc, db := setupConversationService(t)
	ctx := context.Background()

	older := seedConversation(t, db, "ada@univ.edu", base)
	newer := seedConversation(t, db, "ada@univ.edu", base.Add(time.Hour))
	seedConversation(t, db, "grace@univ.edu", base.Add(2*time.Hour))

	items, err := svc.ListByUser(ctx, "ada@univ.edu", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, newer.ID, items[0].ID)
	assert.Equal(t, older.ID, items[1].ID)

	items, err = svc.ListByUser(ctx, "ada@univ.edu", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, err = svc.ListByUser(ctx, "nobody@univ.edu", 10)
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, conversationdomain.DefaultListLimit, conversationdomain.NormalizeLimit(0))
	assert.Equal(t, conversationdomain.DefaultListLimit, conversationdomain.NormalizeLimit(-3))
	assert.Equal(t, 7, conversationdomain.NormalizeLimit(7))
	assert.Equal(t, conversationdomain.MaxListLimit, conversationdomain.NormalizeLimit(1000))
}

func seedConversation(t *testing.T, db *gorm.DB, userID string, at time.Time) *conversationdomain.Conversation {
	t.Helper()
	conv := &conversationdomain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: at,
		UpdatedAt: at,
	}
	require.NoError(t, repository.Provide().Insert(context.Background(), db, conv))
	return conv
}

func setupConversationService(t *testing.T) (conversationdomain.Service, *gorm.DB) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, migration.AutoMigrate(db))

	return New(Params{DB: db, Log: zap.NewNop(), Repo: repository.Provide()}), db
}
