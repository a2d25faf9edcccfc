package config

import (
	"time"

	"creatorfund/ledger/pkg/config"
)

// Mode discriminates live traffic from test traffic. It is carried
// explicitly through construction instead of being inferred from the shape
// of identifiers.
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

// Limits is the single immutable configuration value for every fee, cap
// and threshold in the ledger. It is loaded once at process start and
// passed explicitly into each validator and calculator.
type Limits struct {
	Mode Mode

	// Payout validation caps (all amounts in USD cents)
	SingleTransactionCapCents int64
	ApprovalThresholdCents    int64
	NewAccountCapCents        int64
	NewAccountAgeDays         int
	Rolling24hCountCap        int
	Rolling24hAmountCapCents  int64
	MonthlyAmountCapCents     int64

	// Suspicious-pattern heuristics
	FrequencyFlagCount24h    int
	LifetimeShareFlagPercent int
	FirstPayoutFlagCents     int64

	// Retry schedule for transient provider failures
	RetryBaseDelay time.Duration
	MaxRetries     int

	// Allocation write coalescing window
	CoalesceWindow time.Duration

	// Webhook marker retention
	WebhookRetention  time.Duration
	WebhookPurgeBatch int

	// Platform balance monitor
	ReserveMultiplier      float64
	WarningFloorCents      int64
	CriticalFloorCents     int64
	TrendWindowDays        int
	DeclineFlagCentsPerDay int64
}

// LoadLimits reads the limit configuration from the environment, applying
// production defaults for anything unset.
func LoadLimits() Limits {
	mode := ModeLive
	if config.GetEnv("LEDGER_MODE", "live") == "test" {
		mode = ModeTest
	}

	return Limits{
		Mode: mode,

		SingleTransactionCapCents: config.GetEnvInt64("PAYOUT_SINGLE_CAP_CENTS", 1_000_000),
		ApprovalThresholdCents:    config.GetEnvInt64("PAYOUT_APPROVAL_THRESHOLD_CENTS", 200_000),
		NewAccountCapCents:        config.GetEnvInt64("PAYOUT_NEW_ACCOUNT_CAP_CENTS", 100_000),
		NewAccountAgeDays:         config.GetEnvInt("PAYOUT_NEW_ACCOUNT_AGE_DAYS", 30),
		Rolling24hCountCap:        config.GetEnvInt("PAYOUT_24H_COUNT_CAP", 3),
		Rolling24hAmountCapCents:  config.GetEnvInt64("PAYOUT_24H_AMOUNT_CAP_CENTS", 500_000),
		MonthlyAmountCapCents:     config.GetEnvInt64("PAYOUT_MONTHLY_CAP_CENTS", 2_000_000),

		FrequencyFlagCount24h:    config.GetEnvInt("PAYOUT_FREQUENCY_FLAG_24H", 5),
		LifetimeShareFlagPercent: config.GetEnvInt("PAYOUT_LIFETIME_SHARE_FLAG_PERCENT", 80),
		FirstPayoutFlagCents:     config.GetEnvInt64("PAYOUT_FIRST_FLAG_CENTS", 50_000),

		RetryBaseDelay: config.GetEnvDuration("PAYOUT_RETRY_BASE_DELAY", 5*time.Minute),
		MaxRetries:     config.GetEnvInt("PAYOUT_MAX_RETRIES", 3),

		CoalesceWindow: config.GetEnvDuration("ALLOCATION_COALESCE_WINDOW", 150*time.Millisecond),

		WebhookRetention:  config.GetEnvDuration("WEBHOOK_RETENTION", 30*24*time.Hour),
		WebhookPurgeBatch: config.GetEnvInt("WEBHOOK_PURGE_BATCH", 1000),

		ReserveMultiplier:      config.GetEnvFloat("MONITOR_RESERVE_MULTIPLIER", 1.2),
		WarningFloorCents:      config.GetEnvInt64("MONITOR_WARNING_FLOOR_CENTS", 1_000_000),
		CriticalFloorCents:     config.GetEnvInt64("MONITOR_CRITICAL_FLOOR_CENTS", 250_000),
		TrendWindowDays:        config.GetEnvInt("MONITOR_TREND_WINDOW_DAYS", 7),
		DeclineFlagCentsPerDay: config.GetEnvInt64("MONITOR_DECLINE_FLAG_CENTS_PER_DAY", 50_000),
	}
}
