package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a campaign task.
type TaskStatus string

const (
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusSending   TaskStatus = "sending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusPaused    TaskStatus = "paused"
)

// IsActive reports whether the scheduler should still feed this task's jobs
// into service queues.
func (s TaskStatus) IsActive() bool {
	switch s {
	case TaskStatusScheduled, TaskStatusQueued, TaskStatusSending:
		return true
	default:
		return false
	}
}

// Task is a logical campaign batch owning many jobs. The scheduler never
// creates or destroys tasks; it only moves them between states and keeps the
// aggregate counters reconciled with the actual job rows.
type Task struct {
	ID                uuid.UUID       `db:"id"                 json:"id"`
	UserID            uuid.UUID       `db:"user_id"            json:"user_id"`
	Name              string          `db:"name"               json:"name"`
	Status            TaskStatus      `db:"status"             json:"status"`
	TotalSubtasks     int             `db:"total_subtasks"     json:"total_subtasks"`
	PendingSubtasks   int             `db:"pending_subtasks"   json:"pending_subtasks"`
	AllocatedSubtasks int             `db:"allocated_subtasks" json:"allocated_subtasks"`
	SummaryStats      json.RawMessage `db:"summary_stats"      json:"summary_stats,omitempty"`
	CreatedAt         time.Time       `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"         json:"updated_at"`
}

// StatusCounts decodes the summary_stats breakdown into a status→count map.
func (t *Task) StatusCounts() map[JobStatus]int {
	counts := make(map[JobStatus]int)
	if len(t.SummaryStats) == 0 {
		return counts
	}
	_ = json.Unmarshal(t.SummaryStats, &counts)
	return counts
}
