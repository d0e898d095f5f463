package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// Ensure inserts a zero row for (userID, period) or refreshes updated_at if one exists.
	Ensure(ctx context.Context, db *gorm.DB, userID, period string, at time.Time) error
	Find(ctx context.Context, db *gorm.DB, userID, period string) (*UsageRecord, error)
	// Increment adds tokens unconditionally and returns the number of rows touched.
	Increment(ctx context.Context, db *gorm.DB, userID, period string, tokens int64, at time.Time) (int64, error)
	// IncrementWithin adds tokens only if the result stays at or below limit.
	IncrementWithin(ctx context.Context, db *gorm.DB, userID, period string, tokens, limit int64, at time.Time) (bool, error)
	DeleteOutside(ctx context.Context, db *gorm.DB, period string) (int64, error)
}
