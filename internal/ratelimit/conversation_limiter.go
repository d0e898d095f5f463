package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenledger/internal/config"
)

const (
	keyConversationUser = "tokenledger:conversation:user:%s"
	keyConversationLock = "tokenledger:conversation:lock:%s"
)

// ConversationLimiter throttles conversation writes per user and serializes a
// user's concurrent writes across replicas.
type ConversationLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	rate    float64
	burst   int
	lockTTL time.Duration
}

type ConversationLimiterConfig struct {
	Rate    float64
	Burst   int
	LockTTL time.Duration
}

func NewConversationLimiter(cfg config.Config) (*ConversationLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return NewConversationLimiterWithClient(client, ConversationLimiterConfig{
		Rate:    limitCfg.ConversationRate,
		Burst:   limitCfg.ConversationBurst,
		LockTTL: time.Duration(limitCfg.ConversationLockTTLSecond) * time.Second,
	})
}

func NewConversationLimiterWithClient(client *redis.Client, cfg ConversationLimiterConfig) (*ConversationLimiter, error) {
	if client == nil {
		return nil, errors.New("rate limit redis client is required")
	}
	if cfg.Rate <= 0 || cfg.Burst <= 0 {
		return nil, errors.New("conversation rate limit must be positive")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}

	return &ConversationLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		locker:  NewLocker(client),
		rate:    cfg.Rate,
		burst:   cfg.Burst,
		lockTTL: cfg.LockTTL,
	}, nil
}

func (l *ConversationLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *ConversationLimiter) AllowUser(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, userKey(keyConversationUser, userID), l.rate, l.burst)
}

func (l *ConversationLimiter) TryLockUser(ctx context.Context, userID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, userKey(keyConversationLock, userID), l.lockTTL)
}

func (l *ConversationLimiter) ReleaseUser(ctx context.Context, userID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, userKey(keyConversationLock, userID), token)
}

func userKey(format, userID string) string {
	return fmt.Sprintf(format, strings.ToLower(strings.TrimSpace(userID)))
}
