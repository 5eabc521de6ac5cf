// Package quota gates transfers against per-user byte limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"media-transfer-scheduler/internal/logging"
	"media-transfer-scheduler/internal/models"
	"media-transfer-scheduler/internal/store"
	"media-transfer-scheduler/internal/telemetry"
)

var (
	ErrNegativeTraffic = errors.New("traffic deltas must be non-negative")
	ErrInvalidLimit    = errors.New("limits must be non-negative")
	ErrInvalidScope    = errors.New("unknown reset scope")
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Remaining is the headroom left in the period that caused a denial.
	Remaining int64 `json:"remaining,omitempty"`
}

// Options configures period computation.
type Options struct {
	Location *time.Location
	Now      func() time.Time
}

// Ledger evaluates and records per-user traffic.
type Ledger struct {
	store store.Store
	loc   *time.Location
	now   func() time.Time
	log   logging.Logger
}

// NewLedger builds a ledger over st. Periods are computed in opts.Location (UTC by default).
func NewLedger(st store.Store, opts Options, log logging.Logger) *Ledger {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Ledger{store: st, loc: opts.Location, now: opts.Now, log: log}
}

// PeriodKeys returns the current daily ("2006-01-02") and monthly ("2006-01") keys.
func (l *Ledger) PeriodKeys() (daily, monthly string) {
	t := l.now().In(l.loc)
	return t.Format("2006-01-02"), t.Format("2006-01")
}

// Check decides whether size more bytes may be downloaded by user. It never
// mutates counters.
func (l *Ledger) Check(ctx context.Context, userID, size int64) (Decision, error) {
	if size < 0 {
		return Decision{Reason: "invalid item size"}, nil
	}
	limits, err := l.store.GetLimits(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("load limits: %w", err)
	}
	if !limits.Enabled {
		return Decision{Allowed: true}, nil
	}
	if size > limits.PerItemLimit {
		return l.deny(userID, Decision{
			Reason: fmt.Sprintf("item size %s exceeds the per-item limit of %s", FormatBytes(size), FormatBytes(limits.PerItemLimit)),
		}), nil
	}

	rec, found, err := l.store.GetQuota(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("load quota: %w", err)
	}
	if !found {
		rec = models.QuotaRecord{UserID: userID}
	}
	rec = rec.RolledOver(l.PeriodKeys())

	if rec.DailyDownload+size > limits.DailyLimit {
		remaining := max(0, limits.DailyLimit-rec.DailyDownload)
		return l.deny(userID, Decision{
			Reason:    fmt.Sprintf("daily quota exceeded, %s remaining", FormatBytes(remaining)),
			Remaining: remaining,
		}), nil
	}
	if rec.MonthlyDownload+size > limits.MonthlyLimit {
		remaining := max(0, limits.MonthlyLimit-rec.MonthlyDownload)
		return l.deny(userID, Decision{
			Reason:    fmt.Sprintf("monthly quota exceeded, %s remaining", FormatBytes(remaining)),
			Remaining: remaining,
		}), nil
	}
	return Decision{Allowed: true}, nil
}

func (l *Ledger) deny(userID int64, d Decision) Decision {
	telemetry.QuotaDenials.Inc()
	l.log.Info("quota denied transfer", logging.Int64("user_id", userID), logging.String("reason", d.Reason))
	return d
}

// Add records transferred bytes. Negative arguments are refused without
// touching the store.
func (l *Ledger) Add(ctx context.Context, userID, upload, download int64) (bool, error) {
	if upload < 0 || download < 0 {
		return false, ErrNegativeTraffic
	}
	daily, monthly := l.PeriodKeys()
	if _, err := l.store.IncrementQuota(ctx, userID, models.TrafficDelta{Upload: upload, Download: download}, daily, monthly); err != nil {
		return false, fmt.Errorf("increment quota: %w", err)
	}
	telemetry.TransferBytes.WithLabelValues("upload").Add(float64(upload))
	telemetry.TransferBytes.WithLabelValues("download").Add(float64(download))
	return true, nil
}

// UserTraffic returns the user's counters with stale periods shown as zero.
func (l *Ledger) UserTraffic(ctx context.Context, userID int64) (models.QuotaRecord, error) {
	rec, found, err := l.store.GetQuota(ctx, userID)
	if err != nil {
		return models.QuotaRecord{}, fmt.Errorf("load quota: %w", err)
	}
	if !found {
		rec = models.QuotaRecord{UserID: userID}
	}
	return rec.RolledOver(l.PeriodKeys()), nil
}

// TotalTraffic aggregates the current period's traffic across users.
func (l *Ledger) TotalTraffic(ctx context.Context) (models.TotalTraffic, error) {
	daily, monthly := l.PeriodKeys()
	return l.store.TotalTraffic(ctx, daily, monthly)
}

func (l *Ledger) Limits(ctx context.Context) (models.TransferLimits, error) {
	return l.store.GetLimits(ctx)
}

// UpdateLimits applies a partial update; negative values are rejected.
func (l *Ledger) UpdateLimits(ctx context.Context, u models.LimitsUpdate) (models.TransferLimits, error) {
	for _, v := range []*int64{u.DailyLimit, u.MonthlyLimit, u.PerItemLimit} {
		if v != nil && *v < 0 {
			return models.TransferLimits{}, ErrInvalidLimit
		}
	}
	limits, err := l.store.SetLimits(ctx, u)
	if err != nil {
		return models.TransferLimits{}, err
	}
	l.log.Info("transfer limits updated",
		logging.Int64("daily_limit", limits.DailyLimit),
		logging.Int64("monthly_limit", limits.MonthlyLimit),
		logging.Int64("per_item_limit", limits.PerItemLimit),
		logging.Bool("enabled", limits.Enabled))
	return limits, nil
}

// Reset zeroes counters for every user.
func (l *Ledger) Reset(ctx context.Context, scope models.ResetScope) (int64, error) {
	switch scope {
	case models.ResetDaily, models.ResetMonthly, models.ResetAll:
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	n, err := l.store.ResetQuota(ctx, scope)
	if err != nil {
		return 0, err
	}
	l.log.Warn("traffic counters reset", logging.String("scope", string(scope)), logging.Int64("records", n))
	return n, nil
}

// Record appends an audit outcome.
func (l *Ledger) Record(ctx context.Context, o models.TransferOutcome) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = l.now().UTC()
	}
	return l.store.AppendOutcome(ctx, o)
}

func (l *Ledger) RecentOutcomes(ctx context.Context, userID int64, limit int) ([]models.TransferOutcome, error) {
	return l.store.RecentOutcomes(ctx, userID, limit)
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	v := float64(n)
	for _, unit := range []string{"KB", "MB", "GB", "TB"} {
		v /= 1024
		if v < 1024 {
			return fmt.Sprintf("%.2f %s", v, unit)
		}
	}
	return fmt.Sprintf("%.2f PB", v/1024)
}
