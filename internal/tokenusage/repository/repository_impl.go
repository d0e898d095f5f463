package repository

import (
	"context"
	"time"

	tokenusagedomain "github.com/smallbiznis/tokenledger/internal/tokenusage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() tokenusagedomain.Repository {
	return &repo{}
}

func (r *repo) Ensure(ctx context.Context, db *gorm.DB, userID, period string, at time.Time) error {
	record := tokenusagedomain.UsageRecord{
		UserID:     userID,
		MonthYear:  period,
		TokensUsed: 0,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	return db.WithContext(ctx).
		Clauses(buildUsageConflictClause(at)).
		Create(&record).Error
}

// buildUsageConflictClause renders as ON CONFLICT on postgres and sqlite and
// ON DUPLICATE KEY UPDATE on mysql.
func buildUsageConflictClause(at time.Time) clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "month_year"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{"updated_at": at}),
	}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, userID, period string) (*tokenusagedomain.UsageRecord, error) {
	var record tokenusagedomain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, month_year, tokens_used, created_at, updated_at
		 FROM user_token_usage WHERE user_id = ? AND month_year = ?`,
		userID,
		period,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.UserID == "" {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, userID, period string, tokens int64, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_token_usage
		 SET tokens_used = tokens_used + ?, updated_at = ?
		 WHERE user_id = ? AND month_year = ?`,
		tokens,
		at,
		userID,
		period,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) IncrementWithin(ctx context.Context, db *gorm.DB, userID, period string, tokens, limit int64, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_token_usage
		 SET tokens_used = tokens_used + ?, updated_at = ?
		 WHERE user_id = ? AND month_year = ? AND tokens_used + ? <= ?`,
		tokens,
		at,
		userID,
		period,
		tokens,
		limit,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) DeleteOutside(ctx context.Context, db *gorm.DB, period string) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM user_token_usage WHERE month_year <> ?`,
		period,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
