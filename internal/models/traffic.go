package models

import "time"

// QuotaRecord holds a user's cumulative byte counters and the period keys the
// daily and monthly counters were last written against.
type QuotaRecord struct {
	UserID          int64     `json:"user_id"`
	DailyUpload     int64     `json:"daily_upload"`
	DailyDownload   int64     `json:"daily_download"`
	MonthlyUpload   int64     `json:"monthly_upload"`
	MonthlyDownload int64     `json:"monthly_download"`
	TotalUpload     int64     `json:"total_upload"`
	TotalDownload   int64     `json:"total_download"`
	DailyPeriod     string    `json:"daily_period"`
	MonthlyPeriod   string    `json:"monthly_period"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RolledOver returns a copy with counters from stale periods zeroed.
func (r QuotaRecord) RolledOver(dailyKey, monthlyKey string) QuotaRecord {
	if r.DailyPeriod != dailyKey {
		r.DailyUpload, r.DailyDownload = 0, 0
		r.DailyPeriod = dailyKey
	}
	if r.MonthlyPeriod != monthlyKey {
		r.MonthlyUpload, r.MonthlyDownload = 0, 0
		r.MonthlyPeriod = monthlyKey
	}
	return r
}

// TrafficDelta is a single increment applied to a QuotaRecord.
type TrafficDelta struct {
	Upload   int64
	Download int64
}

// TransferLimits is the global quota configuration.
type TransferLimits struct {
	DailyLimit   int64 `json:"daily_limit"`
	MonthlyLimit int64 `json:"monthly_limit"`
	PerItemLimit int64 `json:"per_item_limit"`
	Enabled      bool  `json:"enabled"`
}

// LimitsUpdate is a partial update of TransferLimits; nil fields are left as is.
type LimitsUpdate struct {
	DailyLimit   *int64 `json:"daily_limit,omitempty"`
	MonthlyLimit *int64 `json:"monthly_limit,omitempty"`
	PerItemLimit *int64 `json:"per_item_limit,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

// Apply returns l with the non-nil fields of u applied.
func (u LimitsUpdate) Apply(l TransferLimits) TransferLimits {
	if u.DailyLimit != nil {
		l.DailyLimit = *u.DailyLimit
	}
	if u.MonthlyLimit != nil {
		l.MonthlyLimit = *u.MonthlyLimit
	}
	if u.PerItemLimit != nil {
		l.PerItemLimit = *u.PerItemLimit
	}
	if u.Enabled != nil {
		l.Enabled = *u.Enabled
	}
	return l
}

// TotalTraffic aggregates traffic across all users.
type TotalTraffic struct {
	TodayDownload int64 `json:"today_download"`
	MonthDownload int64 `json:"month_download"`
	TotalUpload   int64 `json:"total_upload"`
	TotalDownload int64 `json:"total_download"`
}

// ResetScope selects which counters an administrative reset clears.
type ResetScope string

const (
	ResetDaily   ResetScope = "daily"
	ResetMonthly ResetScope = "monthly"
	ResetAll     ResetScope = "all"
)
