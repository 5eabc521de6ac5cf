// Package service is the entry point the command layer uses to enqueue
// transfers and query quota state.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"media-transfer-scheduler/internal/batch"
	"media-transfer-scheduler/internal/logging"
	"media-transfer-scheduler/internal/models"
	"media-transfer-scheduler/internal/quota"
	"media-transfer-scheduler/internal/transfer"
	"media-transfer-scheduler/internal/worker"
)

// ErrUnauthorized is returned for users outside the allow list.
var ErrUnauthorized = errors.New("user is not authorized")

// ReporterFactory builds the progress sink for a user.
type ReporterFactory func(userID int64) transfer.Reporter

// Deps are the components the facade delegates to.
type Deps struct {
	Scheduler    *worker.Scheduler
	Orchestrator *transfer.Orchestrator
	Batches      *batch.Coordinator
	Ledger       *quota.Ledger
	Reporters    ReporterFactory
	// AuthorizedUsers restricts access; empty allows everyone.
	AuthorizedUsers []int64
	Logger          logging.Logger
}

// Downloads exposes scheduling, batch and quota operations.
type Downloads struct {
	sched      *worker.Scheduler
	orch       *transfer.Orchestrator
	batches    *batch.Coordinator
	ledger     *quota.Ledger
	reporters  ReporterFactory
	authorized map[int64]struct{}
	log        logging.Logger
}

// New builds the facade.
func New(deps Deps) *Downloads {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Reporters == nil {
		deps.Reporters = LogReporters(deps.Logger)
	}
	allowed := make(map[int64]struct{}, len(deps.AuthorizedUsers))
	for _, id := range deps.AuthorizedUsers {
		allowed[id] = struct{}{}
	}
	return &Downloads{
		sched:      deps.Scheduler,
		orch:       deps.Orchestrator,
		batches:    deps.Batches,
		ledger:     deps.Ledger,
		reporters:  deps.Reporters,
		authorized: allowed,
		log:        deps.Logger,
	}
}

// Authorized reports whether user may submit transfers.
func (d *Downloads) Authorized(userID int64) bool {
	if len(d.authorized) == 0 {
		return true
	}
	_, ok := d.authorized[userID]
	return ok
}

// AddDownloadTask enqueues one transfer and returns its job id.
func (d *Downloads) AddDownloadTask(_ context.Context, userID int64, link string, offset int64, priority int) (string, error) {
	if !d.Authorized(userID) {
		return "", ErrUnauthorized
	}
	if _, err := transfer.ParseReference(link, offset); err != nil {
		return "", err
	}
	req := transfer.Request{UserID: userID, Link: link, Offset: offset, Reporter: d.reporters(userID)}
	id, err := d.sched.AddTask(fmt.Sprintf("download %s (user %d)", link, userID), func(ctx context.Context) (any, error) {
		return d.orch.Execute(ctx, req)
	}, priority)
	if err != nil {
		return "", err
	}
	d.log.Info("download enqueued",
		logging.String("task_id", id),
		logging.Int64("user_id", userID),
		logging.String("link", link),
		logging.Int("priority", priority))
	return id, nil
}

// CreateBatch starts a batch of count consecutive items.
func (d *Downloads) CreateBatch(ctx context.Context, userID int64, link string, count int) (string, error) {
	if !d.Authorized(userID) {
		return "", ErrUnauthorized
	}
	return d.batches.Create(ctx, userID, link, count, d.reporters(userID))
}

// CancelBatch stops a batch from dispatching further items.
func (d *Downloads) CancelBatch(id string) bool { return d.batches.Cancel(id) }

// GetBatch returns a batch snapshot.
func (d *Downloads) GetBatch(id string) (batch.Batch, bool) { return d.batches.Get(id) }

// GetTaskStatus returns a job snapshot.
func (d *Downloads) GetTaskStatus(id string) (models.Job, bool) { return d.sched.GetTaskStatus(id) }

// CancelTask cancels a pending job or flags a running one.
func (d *Downloads) CancelTask(id string) (bool, error) { return d.sched.CancelTask(id) }

// GetQueueStats returns scheduler counters.
func (d *Downloads) GetQueueStats() worker.QueueStats { return d.sched.Stats() }

// ClearCompleted evicts terminal jobs and finished batches older than olderThan.
func (d *Downloads) ClearCompleted(olderThan time.Duration) int {
	n := d.sched.ClearCompletedTasks(olderThan)
	d.batches.Prune(olderThan)
	return n
}

func (d *Downloads) GetUserTraffic(ctx context.Context, userID int64) (models.QuotaRecord, error) {
	return d.ledger.UserTraffic(ctx, userID)
}

func (d *Downloads) GetTotalTraffic(ctx context.Context) (models.TotalTraffic, error) {
	return d.ledger.TotalTraffic(ctx)
}

func (d *Downloads) GetLimits(ctx context.Context) (models.TransferLimits, error) {
	return d.ledger.Limits(ctx)
}

func (d *Downloads) UpdateLimits(ctx context.Context, u models.LimitsUpdate) (models.TransferLimits, error) {
	return d.ledger.UpdateLimits(ctx, u)
}

func (d *Downloads) ResetTraffic(ctx context.Context, scope models.ResetScope) (int64, error) {
	return d.ledger.Reset(ctx, scope)
}

func (d *Downloads) RecentDownloads(ctx context.Context, userID int64, limit int) ([]models.TransferOutcome, error) {
	return d.ledger.RecentOutcomes(ctx, userID, limit)
}

// HasFullAccess reports whether private sources can be transferred.
func (d *Downloads) HasFullAccess() bool { return d.orch.HasFullAccess() }
