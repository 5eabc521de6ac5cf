package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"media-transfer-scheduler/internal/models"
)

// Postgres wraps pgxpool for persistence.
type Postgres struct {
	pool     *pgxpool.Pool
	defaults models.TransferLimits
}

// NewPostgres creates a pooled connection to Postgres. defaults seed the
// limits row the first time it is read.
func NewPostgres(ctx context.Context, dsn string, defaults models.TransferLimits) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, defaults: defaults}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const quotaColumns = `user_id, daily_upload, daily_download, monthly_upload, monthly_download,
	total_upload, total_download, daily_period, monthly_period, updated_at`

func scanQuota(row pgx.Row) (models.QuotaRecord, error) {
	var r models.QuotaRecord
	err := row.Scan(&r.UserID, &r.DailyUpload, &r.DailyDownload, &r.MonthlyUpload, &r.MonthlyDownload,
		&r.TotalUpload, &r.TotalDownload, &r.DailyPeriod, &r.MonthlyPeriod, &r.UpdatedAt)
	return r, err
}

func (s *Postgres) GetQuota(ctx context.Context, userID int64) (models.QuotaRecord, bool, error) {
	rec, err := scanQuota(s.pool.QueryRow(ctx, `SELECT `+quotaColumns+` FROM user_traffic WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QuotaRecord{}, false, nil
	}
	if err != nil {
		return models.QuotaRecord{}, false, fmt.Errorf("scan quota: %w", err)
	}
	return rec, true, nil
}

// IncrementQuota is a single upsert, so concurrent increments never lose
// bytes and a stale period is reset in the same statement.
func (s *Postgres) IncrementQuota(ctx context.Context, userID int64, delta models.TrafficDelta, dailyKey, monthlyKey string) (models.QuotaRecord, error) {
	rec, err := scanQuota(s.pool.QueryRow(ctx, `
		INSERT INTO user_traffic (user_id, daily_upload, daily_download, monthly_upload, monthly_download,
			total_upload, total_download, daily_period, monthly_period, updated_at)
		VALUES ($1, $2, $3, $2, $3, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			daily_upload = CASE WHEN user_traffic.daily_period = EXCLUDED.daily_period
				THEN user_traffic.daily_upload + EXCLUDED.daily_upload ELSE EXCLUDED.daily_upload END,
			daily_download = CASE WHEN user_traffic.daily_period = EXCLUDED.daily_period
				THEN user_traffic.daily_download + EXCLUDED.daily_download ELSE EXCLUDED.daily_download END,
			monthly_upload = CASE WHEN user_traffic.monthly_period = EXCLUDED.monthly_period
				THEN user_traffic.monthly_upload + EXCLUDED.monthly_upload ELSE EXCLUDED.monthly_upload END,
			monthly_download = CASE WHEN user_traffic.monthly_period = EXCLUDED.monthly_period
				THEN user_traffic.monthly_download + EXCLUDED.monthly_download ELSE EXCLUDED.monthly_download END,
			total_upload = user_traffic.total_upload + EXCLUDED.total_upload,
			total_download = user_traffic.total_download + EXCLUDED.total_download,
			daily_period = EXCLUDED.daily_period,
			monthly_period = EXCLUDED.monthly_period,
			updated_at = NOW()
		RETURNING `+quotaColumns,
		userID, delta.Upload, delta.Download, dailyKey, monthlyKey))
	if err != nil {
		return models.QuotaRecord{}, fmt.Errorf("increment quota: %w", err)
	}
	return rec, nil
}

func (s *Postgres) ResetQuota(ctx context.Context, scope models.ResetScope) (int64, error) {
	var set string
	switch scope {
	case models.ResetDaily:
		set = `daily_upload = 0, daily_download = 0`
	case models.ResetMonthly:
		set = `monthly_upload = 0, monthly_download = 0`
	case models.ResetAll:
		set = `daily_upload = 0, daily_download = 0, monthly_upload = 0, monthly_download = 0,
			total_upload = 0, total_download = 0`
	default:
		return 0, fmt.Errorf("unknown reset scope %q", scope)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE user_traffic SET `+set+`, updated_at = NOW()`)
	if err != nil {
		return 0, fmt.Errorf("reset quota: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) TotalTraffic(ctx context.Context, dailyKey, monthlyKey string) (models.TotalTraffic, error) {
	var t models.TotalTraffic
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(daily_download) FILTER (WHERE daily_period = $1), 0),
			COALESCE(SUM(monthly_download) FILTER (WHERE monthly_period = $2), 0),
			COALESCE(SUM(total_upload), 0),
			COALESCE(SUM(total_download), 0)
		FROM user_traffic
	`, dailyKey, monthlyKey).Scan(&t.TodayDownload, &t.MonthDownload, &t.TotalUpload, &t.TotalDownload)
	if err != nil {
		return models.TotalTraffic{}, fmt.Errorf("total traffic: %w", err)
	}
	return t, nil
}

func (s *Postgres) seedLimits(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transfer_limits (id, daily_limit, monthly_limit, per_item_limit, enabled)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, s.defaults.DailyLimit, s.defaults.MonthlyLimit, s.defaults.PerItemLimit, s.defaults.Enabled)
	if err != nil {
		return fmt.Errorf("seed limits: %w", err)
	}
	return nil
}

func (s *Postgres) GetLimits(ctx context.Context) (models.TransferLimits, error) {
	if err := s.seedLimits(ctx); err != nil {
		return models.TransferLimits{}, err
	}
	var l models.TransferLimits
	err := s.pool.QueryRow(ctx, `
		SELECT daily_limit, monthly_limit, per_item_limit, enabled FROM transfer_limits WHERE id = 1
	`).Scan(&l.DailyLimit, &l.MonthlyLimit, &l.PerItemLimit, &l.Enabled)
	if err != nil {
		return models.TransferLimits{}, fmt.Errorf("scan limits: %w", err)
	}
	return l, nil
}

func (s *Postgres) SetLimits(ctx context.Context, u models.LimitsUpdate) (models.TransferLimits, error) {
	if err := s.seedLimits(ctx); err != nil {
		return models.TransferLimits{}, err
	}
	var l models.TransferLimits
	err := s.pool.QueryRow(ctx, `
		UPDATE transfer_limits SET
			daily_limit = COALESCE($1, daily_limit),
			monthly_limit = COALESCE($2, monthly_limit),
			per_item_limit = COALESCE($3, per_item_limit),
			enabled = COALESCE($4, enabled),
			updated_at = NOW()
		WHERE id = 1
		RETURNING daily_limit, monthly_limit, per_item_limit, enabled
	`, u.DailyLimit, u.MonthlyLimit, u.PerItemLimit, u.Enabled).Scan(&l.DailyLimit, &l.MonthlyLimit, &l.PerItemLimit, &l.Enabled)
	if err != nil {
		return models.TransferLimits{}, fmt.Errorf("update limits: %w", err)
	}
	return l, nil
}

// AppendOutcome adds an audit row.
func (s *Postgres) AppendOutcome(ctx context.Context, o models.TransferOutcome) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transfer_outcomes (user_id, reference, chat_id, item_id, media_class, bytes, status, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
	`, o.UserID, o.Reference, o.ChatID, o.ItemID, o.MediaClass, o.Bytes, o.Status, emptyToNil(o.Detail), timePtr(o))
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

func (s *Postgres) RecentOutcomes(ctx context.Context, userID int64, limit int) ([]models.TransferOutcome, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, reference, chat_id, item_id, media_class, bytes, status, detail, recorded_at
		FROM transfer_outcomes WHERE user_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]models.TransferOutcome, 0, limit)
	for rows.Next() {
		var o models.TransferOutcome
		var detail pgtype.Text
		if err := rows.Scan(&o.UserID, &o.Reference, &o.ChatID, &o.ItemID, &o.MediaClass, &o.Bytes, &o.Status, &detail, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if detail.Valid {
			o.Detail = detail.String
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func timePtr(o models.TransferOutcome) any {
	if o.RecordedAt.IsZero() {
		return nil
	}
	return o.RecordedAt
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
