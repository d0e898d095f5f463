package server

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/tokenledger/internal/observability/context"
	"github.com/smallbiznis/tokenledger/internal/observability/logger"
	obstracing "github.com/smallbiznis/tokenledger/internal/observability/tracing"
	"github.com/smallbiznis/tokenledger/internal/usercontext"
	"go.uber.org/zap"
)

const (
	headerUserID     = "X-User-ID"
	contextUserIDKey = "user_id"

	rateLimitReasonUserRate        = "user-rate"
	rateLimitReasonUserConcurrency = "user-concurrency"
)

// UserRequired trusts the identity header set by the SSO gateway.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(headerUserID))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if !usercontext.ValidUserID(userID, s.cfg.AllowedUserDomain) {
			AbortWithError(c, ErrForbidden)
			return
		}

		ctx := usercontext.WithUserID(c.Request.Context(), userID)
		ctx = obscontext.WithUserID(ctx, userID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextUserIDKey, userID)
		c.Next()
	}
}

func (s *Server) ConversationRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.conversationLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		userID, ok := usercontext.UserIDFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		endpoint := normalizeRateLimitEndpoint(c)

		result, err := s.conversationLimiter.AllowUser(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("conversation rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			s.denyConversationRateLimit(c, endpoint, rateLimitReasonUserRate, result.RetryAfter)
			return
		}

		lockToken, locked, err := s.conversationLimiter.TryLockUser(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("conversation concurrency lock failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !locked {
			s.denyConversationRateLimit(c, endpoint, rateLimitReasonUserConcurrency, time.Second)
			return
		}
		defer func() {
			// the request context may already be done once the handler returns
			if err := s.conversationLimiter.ReleaseUser(context.WithoutCancel(ctx), userID, lockToken); err != nil {
				logger.FromContext(ctx).Warn("conversation concurrency unlock failed", zap.Error(err))
			}
		}()

		s.obsMetrics.RecordRateLimitAllowed(ctx, endpoint)
		c.Next()
	}
}

func (s *Server) denyConversationRateLimit(c *gin.Context, endpoint, reason string, retryAfter time.Duration) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("conversation rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	s.obsMetrics.RecordRateLimitDenied(ctx, endpoint, reason)

	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.Header(obstracing.RateLimitReasonHeader, reason)
	AbortWithError(c, ErrRateLimited)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}

func currentUserID(c *gin.Context) string {
	if userID, ok := usercontext.UserIDFromContext(c.Request.Context()); ok {
		return userID
	}
	return c.GetString(contextUserIDKey)
}
