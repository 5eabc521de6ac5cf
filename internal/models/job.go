package models

import (
	"time"
)

// JobStatus enumerates lifecycle states of a scheduled job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is a snapshot of a scheduled unit of work.
type Job struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Priority        int        `json:"priority"`
	Status          JobStatus  `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           *string    `json:"error,omitempty"`
	Result          any        `json:"result,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
}

// Outcome statuses recorded in the transfer audit trail.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// TransferOutcome is one append-only audit row per attempted transfer.
type TransferOutcome struct {
	UserID     int64     `json:"user_id"`
	Reference  string    `json:"reference"`
	ChatID     string    `json:"chat_id"`
	ItemID     int64     `json:"item_id"`
	MediaClass string    `json:"media_class"`
	Bytes      int64     `json:"bytes"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
