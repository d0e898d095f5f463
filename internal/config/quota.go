package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// DefaultMonthlyLimit is the per-user monthly token ceiling when nothing is configured.
const DefaultMonthlyLimit int64 = 1_000_000

// DefaultQuotaTimeZone is the zone whose calendar months define a usage period.
const DefaultQuotaTimeZone = "America/New_York"

var (
	ErrInvalidMonthlyLimit = errors.New("invalid_monthly_limit")
	ErrInvalidTimeZone     = errors.New("invalid_time_zone")
)

// QuotaConfig is read once at startup and never changes for the life of the process.
type QuotaConfig struct {
	MonthlyLimit int64  `mapstructure:"monthlyLimit"`
	TimeZone     string `mapstructure:"timeZone"`
}

func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		MonthlyLimit: DefaultMonthlyLimit,
		TimeZone:     DefaultQuotaTimeZone,
	}
}

// LoadQuota reads quota.yml from the usual config paths. A missing file falls
// back to defaults, and keys the file omits keep their defaults.
// QUOTA_MONTHLY_LIMIT and QUOTA_TIME_ZONE override the file.
func LoadQuota(cfg Config) (QuotaConfig, error) {
	v := viper.New()

	if path := strings.TrimSpace(cfg.QuotaFile); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quota")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/tokenledger")
		v.AddConfigPath(".")
	}

	defaults := DefaultQuotaConfig()
	v.SetDefault("quota.monthlyLimit", defaults.MonthlyLimit)
	v.SetDefault("quota.timeZone", defaults.TimeZone)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("quota.monthlyLimit", "QUOTA_MONTHLY_LIMIT")
	_ = v.BindEnv("quota.timeZone", "QUOTA_TIME_ZONE")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return QuotaConfig{}, err
		}
	}

	// Leaf reads merge env, file and defaults per key.
	quota := QuotaConfig{
		MonthlyLimit: v.GetInt64("quota.monthlyLimit"),
		TimeZone:     strings.TrimSpace(v.GetString("quota.timeZone")),
	}
	if err := validateQuotaConfig(quota); err != nil {
		return QuotaConfig{}, err
	}
	return quota, nil
}

func validateQuotaConfig(cfg QuotaConfig) error {
	if cfg.MonthlyLimit <= 0 {
		return ErrInvalidMonthlyLimit
	}
	if strings.TrimSpace(cfg.TimeZone) == "" {
		return ErrInvalidTimeZone
	}
	return nil
}
