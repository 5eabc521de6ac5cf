package store

import (
	"context"
	"sync"
	"time"

	"media-transfer-scheduler/internal/models"
)

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)

// Memory is an in-process Store used for development and tests.
type Memory struct {
	mu       sync.Mutex
	quotas   map[int64]models.QuotaRecord
	limits   *models.TransferLimits
	defaults models.TransferLimits
	outcomes []models.TransferOutcome
}

// NewMemory returns an empty store that seeds defaults on first GetLimits.
func NewMemory(defaults models.TransferLimits) *Memory {
	return &Memory{
		quotas:   make(map[int64]models.QuotaRecord),
		defaults: defaults,
	}
}

func (m *Memory) GetQuota(_ context.Context, userID int64) (models.QuotaRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.quotas[userID]
	return rec, ok, nil
}

func (m *Memory) IncrementQuota(_ context.Context, userID int64, delta models.TrafficDelta, dailyKey, monthlyKey string) (models.QuotaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.quotas[userID]
	if !ok {
		rec = models.QuotaRecord{UserID: userID}
	}
	rec = rec.RolledOver(dailyKey, monthlyKey)
	rec.DailyUpload += delta.Upload
	rec.DailyDownload += delta.Download
	rec.MonthlyUpload += delta.Upload
	rec.MonthlyDownload += delta.Download
	rec.TotalUpload += delta.Upload
	rec.TotalDownload += delta.Download
	rec.UpdatedAt = time.Now().UTC()
	m.quotas[userID] = rec
	return rec, nil
}

func (m *Memory) ResetQuota(_ context.Context, scope models.ResetScope) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, rec := range m.quotas {
		switch scope {
		case models.ResetDaily:
			rec.DailyUpload, rec.DailyDownload = 0, 0
		case models.ResetMonthly:
			rec.MonthlyUpload, rec.MonthlyDownload = 0, 0
		default:
			rec.DailyUpload, rec.DailyDownload = 0, 0
			rec.MonthlyUpload, rec.MonthlyDownload = 0, 0
			rec.TotalUpload, rec.TotalDownload = 0, 0
		}
		rec.UpdatedAt = time.Now().UTC()
		m.quotas[id] = rec
		n++
	}
	return n, nil
}

func (m *Memory) TotalTraffic(_ context.Context, dailyKey, monthlyKey string) (models.TotalTraffic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var t models.TotalTraffic
	for _, rec := range m.quotas {
		if rec.DailyPeriod == dailyKey {
			t.TodayDownload += rec.DailyDownload
		}
		if rec.MonthlyPeriod == monthlyKey {
			t.MonthDownload += rec.MonthlyDownload
		}
		t.TotalUpload += rec.TotalUpload
		t.TotalDownload += rec.TotalDownload
	}
	return t, nil
}

func (m *Memory) GetLimits(_ context.Context) (models.TransferLimits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limitsLocked(), nil
}

func (m *Memory) SetLimits(_ context.Context, update models.LimitsUpdate) (models.TransferLimits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := update.Apply(m.limitsLocked())
	m.limits = &next
	return next, nil
}

func (m *Memory) limitsLocked() models.TransferLimits {
	if m.limits == nil {
		seeded := m.defaults
		m.limits = &seeded
	}
	return *m.limits
}

func (m *Memory) AppendOutcome(_ context.Context, outcome models.TransferOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}
	m.outcomes = append(m.outcomes, outcome)
	return nil
}

func (m *Memory) RecentOutcomes(_ context.Context, userID int64, limit int) ([]models.TransferOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	out := make([]models.TransferOutcome, 0, limit)
	for i := len(m.outcomes) - 1; i >= 0 && len(out) < limit; i-- {
		if m.outcomes[i].UserID == userID {
			out = append(out, m.outcomes[i])
		}
	}
	return out, nil
}
