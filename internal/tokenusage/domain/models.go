package domain

import "time"

// UsageRecord is one user's token consumption for one calendar month.
type UsageRecord struct {
	UserID     string    `json:"user_id" gorm:"type:varchar(255);primaryKey"`
	MonthYear  string    `json:"month_year" gorm:"type:varchar(7);primaryKey;index:idx_user_token_usage_month_year"`
	TokensUsed int64     `json:"tokens_used" gorm:"not null;check:chk_user_token_usage_tokens,tokens_used >= 0"`
	CreatedAt  time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"not null"`
}

func (UsageRecord) TableName() string { return "user_token_usage" }

// UsageSummary is the client-facing view of the current period.
type UsageSummary struct {
	UserID       string    `json:"user_id"`
	Period       string    `json:"period"`
	PeriodStart  time.Time `json:"period_start"`
	TimeZone     string    `json:"time_zone"`
	TokensUsed   int64     `json:"tokens_used"`
	MonthlyLimit int64     `json:"monthly_limit"`
	Remaining    int64     `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
}
