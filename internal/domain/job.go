package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a single send job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusAllocated JobStatus = "allocated"
	JobStatusSending   JobStatus = "sending"
	JobStatusSent      JobStatus = "sent"
	JobStatusDelivered JobStatus = "delivered"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSent, JobStatusDelivered, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Job is one recipient's single send attempt within a task. The subject and
// body are opaque payloads produced by an external renderer; the scheduler
// never inspects them.
type Job struct {
	ID                uuid.UUID  `db:"id"                  json:"id"`
	TaskID            uuid.UUID  `db:"task_id"             json:"task_id"`
	UserID            uuid.UUID  `db:"user_id"             json:"user_id"`
	Recipient         string     `db:"recipient"           json:"recipient"`
	Subject           string     `db:"subject"             json:"subject"`
	Body              string     `db:"body"                json:"-"`
	ServiceID         *uuid.UUID `db:"service_id"          json:"service_id,omitempty"`
	SenderAddress     *string    `db:"sender_address"      json:"sender_address,omitempty"`
	Status            JobStatus  `db:"status"              json:"status"`
	ProviderMessageID *string    `db:"provider_message_id" json:"provider_message_id,omitempty"`
	RetryCount        int        `db:"retry_count"         json:"retry_count"`
	MaxRetries        int        `db:"max_retries"         json:"max_retries"`
	ErrorMessage      *string    `db:"error_message"       json:"error_message,omitempty"`
	ScheduledAt       *time.Time `db:"scheduled_at"        json:"scheduled_at,omitempty"`
	SentAt            *time.Time `db:"sent_at"             json:"sent_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"          json:"updated_at"`
}

// ShouldRetry reports whether the job still has retry attempts left.
func (j *Job) ShouldRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// QueueEntry is the lightweight, in-memory reference held in a per-service
// queue. It is never persisted; the backlog of pending job rows is the source
// of truth and entries can be rebuilt from it at any time.
type QueueEntry struct {
	JobID    uuid.UUID `json:"job_id"`
	TaskID   uuid.UUID `json:"task_id"`
	UserID   uuid.UUID `json:"user_id"`
	QueuedAt time.Time `json:"queued_at"`
	Priority int       `json:"priority"`
}
