// Package store persists quota counters, transfer limits and the transfer
// audit trail.
package store

import (
	"context"

	"media-transfer-scheduler/internal/models"
)

// Store is the persistence capability consumed by the quota ledger and the
// transfer orchestrator.
type Store interface {
	// GetQuota returns the stored record; found is false for unknown users.
	GetQuota(ctx context.Context, userID int64) (rec models.QuotaRecord, found bool, err error)
	// IncrementQuota atomically adds delta to all six counters. A daily or
	// monthly counter whose stored period key differs from the given key is
	// reset to the delta instead of incremented.
	IncrementQuota(ctx context.Context, userID int64, delta models.TrafficDelta, dailyKey, monthlyKey string) (models.QuotaRecord, error)
	// ResetQuota zeroes the counters selected by scope for every user and
	// returns the number of records touched.
	ResetQuota(ctx context.Context, scope models.ResetScope) (int64, error)
	// TotalTraffic sums counters across users; daily and monthly sums only
	// include records stamped with the current keys.
	TotalTraffic(ctx context.Context, dailyKey, monthlyKey string) (models.TotalTraffic, error)
	// GetLimits returns the singleton limits, seeding defaults when absent.
	GetLimits(ctx context.Context) (models.TransferLimits, error)
	SetLimits(ctx context.Context, update models.LimitsUpdate) (models.TransferLimits, error)
	AppendOutcome(ctx context.Context, outcome models.TransferOutcome) error
	// RecentOutcomes returns the newest outcomes for a user, newest first.
	RecentOutcomes(ctx context.Context, userID int64, limit int) ([]models.TransferOutcome, error)
}
