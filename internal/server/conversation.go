package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	conversationdomain "github.com/smallbiznis/tokenledger/internal/conversation/domain"
	tokenusagedomain "github.com/smallbiznis/tokenledger/internal/tokenusage/domain"
)

type messageRequest struct {
	Content string `json:"content"`
	Tokens  int64  `json:"tokens"`
	Role    string `json:"role"`
	Error   bool   `json:"error"`
}

func (r messageRequest) toInput() tokenusagedomain.MessageInput {
	return tokenusagedomain.MessageInput{
		Content: r.Content,
		Tokens:  r.Tokens,
		Role:    conversationdomain.Role(strings.TrimSpace(r.Role)),
		Error:   r.Error,
	}
}

type createConversationRequest struct {
	Title        *string        `json:"title"`
	FirstMessage messageRequest `json:"first_message"`
}

func (s *Server) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	conv, err := s.usageSvc.CreateConversation(c.Request.Context(), tokenusagedomain.CreateConversationRequest{
		UserID:       currentUserID(c),
		Title:        req.Title,
		FirstMessage: req.FirstMessage.toInput(),
	})
	if err != nil {
		AbortWithError(c, s.wrapLedgerError(err, "failed to create conversation"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": conv})
}

func (s *Server) AppendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	msg, err := s.usageSvc.AppendMessage(c.Request.Context(), tokenusagedomain.AppendMessageRequest{
		UserID:         currentUserID(c),
		ConversationID: strings.TrimSpace(c.Param("id")),
		Message:        req.toInput(),
	})
	if err != nil {
		AbortWithError(c, s.wrapLedgerError(err, "failed to append message"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": msg})
}

func (s *Server) ListConversations(c *gin.Context) {
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	items, err := s.conversationSvc.ListByUser(c.Request.Context(), currentUserID(c), limit)
	if err != nil {
		AbortWithError(c, s.wrapLedgerError(err, "failed to list conversations"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetConversationByID(c *gin.Context) {
	conv, err := s.conversationSvc.GetByID(c.Request.Context(), currentUserID(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, s.wrapLedgerError(err, "failed to load conversation"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": conv})
}

// wrapLedgerError attaches the reset instant to quota denials and hides store
// failures behind message.
func (s *Server) wrapLedgerError(err error, message string) error {
	switch {
	case errors.Is(err, tokenusagedomain.ErrQuotaExceeded):
		return &QuotaExceededError{ResetAt: s.usageSvc.NextResetAt()}
	case isValidationError(err), isNotFoundError(err):
		return err
	default:
		return &OperationError{Message: message, Err: err}
	}
}
