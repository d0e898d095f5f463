package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	conversationdomain "github.com/smallbiznis/tokenledger/internal/conversation/domain"
	conversationrepo "github.com/smallbiznis/tokenledger/internal/conversation/repository"
	conversationservice "github.com/smallbiznis/tokenledger/internal/conversation/service"
	"github.com/smallbiznis/tokenledger/internal/migration"
	"github.com/smallbiznis/tokenledger/internal/observability"
	"github.com/smallbiznis/tokenledger/internal/ratelimit"
	tokenusagedomain "github.com/smallbiznis/tokenledger/internal/tokenusage/domain"
	tokenusagerepo "github.com/smallbiznis/tokenledger/internal/tokenusage/repository"
	tokenusageservice "github.com/smallbiznis/tokenledger/internal/tokenusage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testUser = "ada@univ.edu"

var testNow = time.Date(2024, 3, 15, 16, 0, 0, 0, time.UTC)

type apiError struct {
	Error struct {
		Type    string            `json:"type"`
		Message string            `json:"message"`
		ResetAt string            `json:"reset_at"`
		Errors  []ValidationError `json:"errors"`
	} `json:"error"`
}

type conversationEnvelope struct {
	Data conversationdomain.Conversation `json:"data"`
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, 1000, nil, "")
	rec := doRequest(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserHeaderRequired(t *testing.T) {
	srv := newTestServer(t, 1000, nil, "univ.edu")

	rec := doRequest(t, srv, http.MethodGet, "/v1/usage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Error.Type)

	rec = doRequest(t, srv, http.MethodGet, "/v1/usage", "mallory@gmail.com", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeError(t, rec).Error.Type)
}

func TestCreateConversationFlow(t *testing.T) {
	srv := newTestServer(t, 1000, nil, "univ.edu")

	rec := doRequest(t, srv, http.MethodPost, "/v1/conversations", testUser, map[string]any{
		"title": "Calculus",
		"first_message": map[string]any{
			"content": "What is a derivative?",
			"tokens":  300,
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created conversationEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created.Data.Messages, 1)
	assert.Equal(t, conversationdomain.RoleUser, created.Data.Messages[0].Role)

	rec = doRequest(t, srv, http.MethodGet, "/v1/usage", testUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage struct {
		Data tokenusagedomain.UsageSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, "2024-03", usage.Data.Period)
	assert.Equal(t, int64(300), usage.Data.TokensUsed)
	assert.Equal(t, int64(700), usage.Data.Remaining)

	rec = doRequest(t, srv, http.MethodGet, "/v1/conversations", testUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []conversationdomain.Conversation `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, created.Data.ID, list.Data[0].ID)

	rec = doRequest(t, srv, http.MethodGet, "/v1/conversations/"+created.Data.ID, testUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched conversationEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	require.Len(t, fetched.Data.Messages, 1)
	assert.Equal(t, "What is a derivative?", fetched.Data.Messages[0].Content)

	rec = doRequest(t, srv, http.MethodGet, "/v1/conversations/"+created.Data.ID, "grace@univ.edu", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateConversationQuotaExceeded(t *testing.T) {
	srv := newTestServer(t, 100, nil, "")

	rec := doRequest(t, srv, http.MethodPost, "/v1/conversations", testUser, map[string]any{
		"first_message": map[string]any{"content": "too long", "tokens": 101},
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, "quota_exceeded", body.Error.Type)
	assert.Equal(t, "monthly token limit exceeded", body.Error.Message)
	assert.Equal(t, "2024-04-01T04:00:00Z", body.Error.ResetAt)
}

func TestAppendMessage(t *testing.T) {
	srv := newTestServer(t, 500, nil, "")

	rec := doRequest(t, srv, http.MethodPost, "/v1/conversations", testUser, map[string]any{
		"first_message": map[string]any{"content": "hi", "tokens": 200},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created conversationEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	path := "/v1/conversations/" + created.Data.ID + "/messages"
	rec = doRequest(t, srv, http.MethodPost, path, testUser, map[string]any{
		"content": "hello back", "tokens": 250, "role": "assistant",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, srv, http.MethodPost, path, testUser, map[string]any{
		"content": "one more", "tokens": 51,
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "quota_exceeded", decodeError(t, rec).Error.Type)
}

func TestValidationErrors(t *testing.T) {
	srv := newTestServer(t, 1000, nil, "")

	rec := doRequest(t, srv, http.MethodPost, "/v1/conversations", testUser, map[string]any{
		"first_message": map[string]any{"content": "hi", "tokens": -5},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "validation_error", body.Error.Type)
	require.Len(t, body.Error.Errors, 1)
	assert.Equal(t, "invalid_tokens", body.Error.Errors[0].Code)

	rec = doRequest(t, srv, http.MethodPost, "/v1/conversations", testUser, map[string]any{
		"first_message": map[string]any{"content": "hi", "tokens": 1, "role": "moderator"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_role", decodeError(t, rec).Error.Errors[0].Code)

	rec = doRequest(t, srv, http.MethodGet, "/v1/conversations/not-a-uuid", testUser, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_conversation_id", decodeError(t, rec).Error.Errors[0].Code)

	rec = doRequest(t, srv, http.MethodGet, "/v1/conversations?limit=abc", testUser, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type failingUsageSvc struct {
	tokenusagedomain.Service
}

func (failingUsageSvc) CreateConversation(context.Context, tokenusagedomain.CreateConversationRequest) (*conversationdomain.Conversation, error) {
	return nil, errors.New("pq: connection refused")
}

func TestStoreFailureIsOpaque(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewServer(ServerParams{
		Gin:      NewEngine(observability.Config{}),
		UsageSvc: failingUsageSvc{},
	})

	rec := doRequest(t, s, http.MethodPost, "/v1/conversations", testUser, map[string]any{
		"first_message": map[string]any{"content": "hi", "tokens": 1},
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "internal_error", body.Error.Type)
	assert.Equal(t, "failed to create conversation", body.Error.Message)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestConversationRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewConversationLimiterWithClient(client, ratelimit.ConversationLimiterConfig{
		Rate:    0.01,
		Burst:   1,
		LockTTL: time.Second,
	})
	require.NoError(t, err)

	srv := newTestServer(t, 1000, limiter, "")
	payload := map[string]any{"first_message": map[string]any{"content": "hi", "tokens": 1}}

	rec := doRequest(t, srv, http.MethodPost, "/v1/conversations", testUser, payload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, srv, http.MethodPost, "/v1/conversations", testUser, payload)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rec).Error.Type)
	assert.Equal(t, rateLimitReasonUserRate, rec.Header().Get("X-Rate-Limited-Reason"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = doRequest(t, srv, http.MethodPost, "/v1/conversations", "grace@univ.edu", payload)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestClassifyErrorForLog(t *testing.T) {
	errType, code := classifyErrorForLog(&QuotaExceededError{ResetAt: testNow})
	assert.Equal(t, "quota_exceeded", errType)
	assert.Equal(t, "quota_exceeded", code)

	errType, code = classifyErrorForLog(tokenusagedomain.ErrInvalidContent)
	assert.Equal(t, "validation_error", errType)
	assert.Equal(t, "invalid_content", code)

	errType, code = classifyErrorForLog(&OperationError{Message: "failed to create conversation", Err: gorm.ErrDuplicatedKey})
	assert.Equal(t, "internal_error", errType)
	assert.Equal(t, "duplicate_key", code)

	_, code = classifyErrorForLog(&OperationError{Message: "failed to load usage", Err: errors.New("connection refused")})
	assert.Equal(t, "store_failure", code)
}

func newTestServer(t *testing.T, limit int64, limiter *ratelimit.ConversationLimiter, domain string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := openTestDB(t)
	usageSvc, err := tokenusageservice.NewService(tokenusageservice.ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         clock.NewFakeClock(testNow),
		Quota:         config.QuotaConfig{MonthlyLimit: limit, TimeZone: "America/New_York"},
		Repo:          tokenusagerepo.Provide(),
		Conversations: conversationrepo.Provide(),
	})
	require.NoError(t, err)

	return NewServer(ServerParams{
		Gin:                 NewEngine(observability.Config{}),
		Cfg:                 config.Config{AllowedUserDomain: domain},
		UsageSvc:            usageSvc,
		ConversationSvc:     conversationservice.New(conversationservice.Params{DB: db, Log: zap.NewNop(), Repo: conversationrepo.Provide()}),
		ConversationLimiter: limiter,
	})
}

func openTestDB(t *testing.T) *gorm.DB {
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
	return db
}

func doRequest(t *testing.T, s *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(headerUserID, userID)
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var body apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}
