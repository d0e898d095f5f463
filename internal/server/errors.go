package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	conversationdomain "github.com/smallbiznis/tokenledger/internal/conversation/domain"
	tokenusagedomain "github.com/smallbiznis/tokenledger/internal/tokenusage/domain"
	"github.com/smallbiznis/tokenledger/pkg/db"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

// QuotaExceededError carries the instant the caller's allowance is restored.
type QuotaExceededError struct {
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return tokenusagedomain.ErrQuotaExceeded.Error()
}

func (e *QuotaExceededError) Unwrap() error {
	return tokenusagedomain.ErrQuotaExceeded
}

// OperationError hides a store failure behind an operation-specific message.
type OperationError struct {
	Message string
	Err     error
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	ResetAt *time.Time        `json:"reset_at,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var quotaErr *QuotaExceededError
	var opErr *OperationError
	switch {
	case errors.As(err, &quotaErr):
		resetAt := quotaErr.ResetAt.UTC()
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "monthly token limit exceeded",
			ResetAt: &resetAt,
		}
	case errors.Is(err, tokenusagedomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "monthly token limit exceeded",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case errors.As(err, &opErr):
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: opErr.Message,
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, tokenusagedomain.ErrInvalidUser),
		errors.Is(err, tokenusagedomain.ErrInvalidTokens),
		errors.Is(err, tokenusagedomain.ErrInvalidRole),
		errors.Is(err, tokenusagedomain.ErrInvalidContent),
		errors.Is(err, tokenusagedomain.ErrInvalidTitle),
		errors.Is(err, conversationdomain.ErrInvalidUser),
		errors.Is(err, conversationdomain.ErrInvalidID):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, conversationdomain.ErrNotFound) ||
		errors.Is(err, tokenusagedomain.ErrUsageNotFound)
}

func validationErrorCode(err error) string {
	for _, known := range []error{
		tokenusagedomain.ErrInvalidUser,
		tokenusagedomain.ErrInvalidTokens,
		tokenusagedomain.ErrInvalidRole,
		tokenusagedomain.ErrInvalidContent,
		tokenusagedomain.ErrInvalidTitle,
		conversationdomain.ErrInvalidUser,
		conversationdomain.ErrInvalidID,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return ErrInvalidRequest.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_user":
		return "user_id"
	case "invalid_tokens":
		return "tokens"
	case "invalid_role":
		return "role"
	case "invalid_content":
		return "content"
	case "invalid_title":
		return "title"
	case "invalid_conversation_id":
		return "id"
	default:
		return "request"
	}
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_user":
		return "user id is required"
	case "invalid_tokens":
		return "tokens must be zero or greater"
	case "invalid_role":
		return "role must be user, assistant or system"
	case "invalid_content":
		return "content is required"
	case "invalid_title":
		return "title is too long"
	case "invalid_conversation_id":
		return "invalid conversation id"
	default:
		return "invalid request"
	}
}

// classifyErrorForLog returns the payload type and code used by the request logger.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	switch {
	case status == http.StatusBadRequest:
		code = validationErrorCode(err)
	case status == http.StatusInternalServerError && db.IsSerializationErr(err):
		code = "serialization_failure"
	case status == http.StatusInternalServerError && db.IsDuplicateKeyErr(err):
		code = "duplicate_key"
	case status == http.StatusInternalServerError:
		code = "store_failure"
	}
	return payload.Type, code
}
